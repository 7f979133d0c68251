package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"

	"github.com/rs/zerolog/log"
)

// Validation error codes returned to the creation caller
const (
	CodeInvalidHostname = "INVALID_HOSTNAME"
	CodeBlockedHostname = "BLOCKED_HOSTNAME"
	CodeQuotaExceeded   = "QUOTA_EXCEEDED"
	CodeHostnameTaken   = "HOSTNAME_TAKEN"
	CodeInvalidMethod   = "INVALID_METHOD"
)

// ValidationError is a creation request the guard refused. Nothing is persisted.
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err was a refusal, returning it if so
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// PolicyGuard admits new custom domains
type PolicyGuard struct {
	cfg       *config.Config
	repo      *repository.DomainRepository
	blocklist []string
	now       func() time.Time
}

// NewPolicyGuard creates a guard. The fallback domain is always blocklisted
// when the blocklist is enabled, since it is owned by the platform.
func NewPolicyGuard(cfg *config.Config, repo *repository.DomainRepository) *PolicyGuard {
	var blocklist []string
	if cfg.Policy.EnableDomainBlocklist {
		for _, entry := range append(append([]string{}, cfg.Policy.Blocklist...), cfg.Cloudflare.FallbackDomain) {
			if entry = NormalizeHostname(entry); entry != "" {
				blocklist = append(blocklist, entry)
			}
		}
	}

	return &PolicyGuard{
		cfg:       cfg,
		repo:      repo,
		blocklist: blocklist,
		now:       time.Now,
	}
}

// Admit validates rawHostname for teamID and inserts it as PendingVerification.
// An empty method falls back to the configured default.
func (g *PolicyGuard) Admit(ctx context.Context, teamID, rawHostname, method string) (*models.CustomDomain, error) {
	hostname := NormalizeHostname(rawHostname)
	if err := ValidateHostname(hostname); err != nil {
		return nil, &ValidationError{Code: CodeInvalidHostname, Message: err.Error(), Err: err}
	}

	if g.IsBlocked(hostname) {
		return nil, &ValidationError{
			Code:    CodeBlockedHostname,
			Message: fmt.Sprintf("%s is reserved and cannot be used as a custom domain", hostname),
		}
	}

	if method == "" {
		method = g.cfg.DNS.VerificationMethod
	}
	vm := models.VerificationMethod(strings.ToLower(method))
	if !vm.Valid() {
		return nil, &ValidationError{
			Code:    CodeInvalidMethod,
			Message: fmt.Sprintf("unsupported verification method %q", method),
		}
	}

	token, err := generateVerificationToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	now := g.now().UTC()
	domain := &models.CustomDomain{
		TeamID:               teamID,
		Hostname:             hostname,
		VerificationMethod:   vm,
		VerificationToken:    token,
		VerificationDeadline: now.Add(g.cfg.Policy.VerificationTimeout()),
		Status:               models.DomainStatusPendingVerification,
		SSLStatus:            models.SSLStatusNotRequested,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	domain.VerificationRecordName, domain.VerificationRecordValue = g.challengeRecord(hostname, vm, token)
	if len(domain.VerificationRecordName) > maxHostnameLength {
		return nil, &ValidationError{
			Code:    CodeInvalidHostname,
			Message: fmt.Sprintf("%s is too long for a %s challenge record", hostname, vm.RecordType()),
		}
	}

	err = g.repo.InsertIfQuotaAllows(ctx, domain, g.cfg.Policy.MaxDomainsPerTeam)
	switch {
	case errors.Is(err, repository.ErrQuotaExceeded):
		return nil, &ValidationError{
			Code:    CodeQuotaExceeded,
			Message: fmt.Sprintf("team already has the maximum of %d custom domains", g.cfg.Policy.MaxDomainsPerTeam),
			Err:     err,
		}
	case errors.Is(err, repository.ErrDomainAlreadyExists):
		return nil, &ValidationError{
			Code:    CodeHostnameTaken,
			Message: fmt.Sprintf("%s is already registered", hostname),
			Err:     err,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}

	log.Info().
		Str("domain_id", domain.ID.String()).
		Str("hostname", hostname).
		Str("team_id", teamID).
		Str("method", string(vm)).
		Time("deadline", domain.VerificationDeadline).
		Msg("Custom domain admitted")

	return domain, nil
}

// challengeRecord derives the record the owner must publish. CNAME checks the
// hostname itself against the platform target; TXT uses a prefixed label.
func (g *PolicyGuard) challengeRecord(hostname string, method models.VerificationMethod, token string) (string, string) {
	if method == models.VerificationMethodTXT {
		return g.cfg.DNS.TXTRecordPrefix + "." + hostname, g.cfg.DNS.TXTValuePrefix + token
	}
	return hostname, NormalizeHostname(g.cfg.DNS.VerificationTarget)
}

// IsBlocked reports whether hostname equals or sits under a blocklisted name
func (g *PolicyGuard) IsBlocked(hostname string) bool {
	for _, blocked := range g.blocklist {
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}

// NormalizeHostname lowercases and trims whitespace and trailing dots.
// Applying it twice gives the same result as applying it once.
func NormalizeHostname(raw string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(raw)), ". \t\r\n")
}

const maxHostnameLength = 253

// ValidateHostname checks an already normalized hostname against the
// RFC 1123 label grammar. At least two labels are required.
func ValidateHostname(hostname string) error {
	if len(hostname) == 0 {
		return fmt.Errorf("hostname cannot be empty")
	}
	if len(hostname) > maxHostnameLength {
		return fmt.Errorf("hostname exceeds maximum length of %d characters", maxHostnameLength)
	}

	for i, r := range hostname {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '.') {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return fmt.Errorf("hostname must have at least two labels")
	}

	for _, label := range labels {
		if len(label) == 0 {
			return fmt.Errorf("hostname labels cannot be empty")
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname label exceeds maximum length of 63 characters")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("hostname labels cannot start or end with hyphen")
		}
	}

	// An all-numeric top-level label would make this an IP address.
	if tld := labels[len(labels)-1]; strings.Trim(tld, "0123456789") == "" {
		return fmt.Errorf("hostname cannot be an IP address")
	}

	return nil
}

// generateVerificationToken returns 128 random bits, hex encoded
func generateVerificationToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
