package services

import (
	"context"
	"fmt"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"

	"github.com/google/uuid"
)

// DomainService is the read and trigger surface the HTTP layer is built on.
// All state changes after creation go through the Reconciler.
type DomainService struct {
	cfg        *config.Config
	repo       *repository.DomainRepository
	guard      *PolicyGuard
	reconciler *Reconciler
	emitter    TransitionEmitter
}

// NewDomainService creates a new domain service
func NewDomainService(
	cfg *config.Config,
	repo *repository.DomainRepository,
	guard *PolicyGuard,
	reconciler *Reconciler,
	emitter TransitionEmitter,
) *DomainService {
	return &DomainService{
		cfg:        cfg,
		repo:       repo,
		guard:      guard,
		reconciler: reconciler,
		emitter:    emitter,
	}
}

// CreateDomain admits a new hostname for teamID
func (s *DomainService) CreateDomain(ctx context.Context, teamID string, req *models.CreateDomainRequest) (*models.DomainResponse, error) {
	domain, err := s.guard.Admit(ctx, teamID, req.Hostname, string(req.VerificationMethod))
	if err != nil {
		return nil, err
	}

	if s.emitter != nil {
		s.emitter.Emit(ctx, []models.DomainTransition{{
			DomainID:  domain.ID,
			TeamID:    domain.TeamID,
			Hostname:  domain.Hostname,
			Field:     models.TransitionFieldStatus,
			To:        string(domain.Status),
			Reason:    "created",
			CreatedAt: domain.CreatedAt,
		}})
	}

	resp := domain.ToResponse()
	return &resp, nil
}

// ListDomains returns a team's domains with quota usage
func (s *DomainService) ListDomains(ctx context.Context, teamID string) (*models.DomainListResponse, error) {
	domains, err := s.repo.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	used, err := s.repo.CountNonTerminalByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to count domains: %w", err)
	}

	resp := &models.DomainListResponse{
		Domains:    make([]models.DomainResponse, 0, len(domains)),
		Total:      len(domains),
		QuotaUsed:  used,
		MaxAllowed: s.cfg.Policy.MaxDomainsPerTeam,
		CanAddMore: used < int64(s.cfg.Policy.MaxDomainsPerTeam),
	}
	for i := range domains {
		resp.Domains = append(resp.Domains, domains[i].ToResponse())
	}
	return resp, nil
}

// GetDomain returns one of the team's domains
func (s *DomainService) GetDomain(ctx context.Context, teamID string, id uuid.UUID) (*models.DomainResponse, error) {
	domain, err := s.owned(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	resp := domain.ToResponse()
	return &resp, nil
}

// GetTransitions returns the most recent state changes of a domain, newest first
func (s *DomainService) GetTransitions(ctx context.Context, teamID string, id uuid.UUID, limit int) ([]models.TransitionResponse, error) {
	if _, err := s.owned(ctx, teamID, id); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	transitions, err := s.repo.GetTransitions(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions: %w", err)
	}

	out := make([]models.TransitionResponse, 0, len(transitions))
	for i := range transitions {
		out = append(out, transitions[i].ToResponse())
	}
	return out, nil
}

// VerifyDomain runs a DNS check now instead of waiting for the next tick
func (s *DomainService) VerifyDomain(ctx context.Context, teamID string, id uuid.UUID) (*models.VerifyDomainResponse, error) {
	if _, err := s.owned(ctx, teamID, id); err != nil {
		return nil, err
	}

	domain, check, err := s.reconciler.VerifyNow(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &models.VerifyDomainResponse{Domain: domain.ToResponse()}
	switch {
	case check != nil:
		resp.Result = check.Result
		resp.Message = check.Message
	case domain.Status == models.DomainStatusExpired:
		resp.Message = "Verification deadline has passed"
	default:
		resp.Message = fmt.Sprintf("Domain is %s; nothing to verify", domain.Status)
	}
	return resp, nil
}

// RetrySSL resets a failed certificate so it is requested again on the next tick
func (s *DomainService) RetrySSL(ctx context.Context, teamID string, id uuid.UUID) (*models.DomainResponse, error) {
	if _, err := s.owned(ctx, teamID, id); err != nil {
		return nil, err
	}

	domain, err := s.reconciler.RetryProvisioning(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := domain.ToResponse()
	return &resp, nil
}

// ResolveHostname returns the domain bound to hostname, whatever its team
func (s *DomainService) ResolveHostname(ctx context.Context, hostname string) (*models.DomainResponse, error) {
	domain, err := s.repo.GetByHostname(ctx, NormalizeHostname(hostname))
	if err != nil {
		return nil, err
	}
	resp := domain.ToResponse()
	return &resp, nil
}

// GetStats returns registry-wide counts
func (s *DomainService) GetStats(ctx context.Context) (*models.DomainStatsResponse, error) {
	return s.repo.GetStats(ctx)
}

// owned loads a domain, hiding domains of other teams
func (s *DomainService) owned(ctx context.Context, teamID string, id uuid.UUID) (*models.CustomDomain, error) {
	domain, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if domain.TeamID != teamID {
		return nil, repository.ErrDomainNotFound
	}
	return domain, nil
}
