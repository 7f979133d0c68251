package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/models"

	"github.com/rs/zerolog/log"
)

type customHostnameAPI interface {
	CreateCustomHostname(ctx context.Context, hostname string) (*clients.CustomHostname, error)
	GetCustomHostname(ctx context.Context, hostnameID string) (*clients.CustomHostname, error)
	RefreshCustomHostnameSSL(ctx context.Context, hostnameID string) (*clients.CustomHostname, error)
}

// EdgeProvider binds hostnames to the fallback origin through the edge's
// custom hostname API. The edge issues and renews the certificate itself.
type EdgeProvider struct {
	api customHostnameAPI
}

// NewEdgeProvider creates the edge-saas provider
func NewEdgeProvider(api customHostnameAPI) *EdgeProvider {
	return &EdgeProvider{api: api}
}

// Name implements CertificateProvider
func (p *EdgeProvider) Name() string {
	return string(config.SSLProviderEdgeSaaS)
}

// Create registers the custom hostname. Registering one that already exists
// returns the existing record, so a retried create is harmless.
func (p *EdgeProvider) Create(ctx context.Context, domain *models.CustomDomain) (*ProvisionResult, error) {
	hostname, err := p.api.CreateCustomHostname(ctx, domain.Hostname)
	if err != nil {
		return nil, p.classify("create", err)
	}

	log.Info().
		Str("hostname", domain.Hostname).
		Str("custom_hostname_id", hostname.ID).
		Str("ssl_status", hostname.SSLStatus()).
		Msg("Custom hostname registered with edge")

	return edgeResult(hostname), nil
}

// PollStatus implements CertificateProvider
func (p *EdgeProvider) PollStatus(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	hostname, err := p.api.GetCustomHostname(ctx, providerRef)
	if err != nil {
		return nil, p.classify("poll", err)
	}
	return edgeResult(hostname), nil
}

// Renew asks the edge to reissue. If a reissue is already underway the
// current state is returned without asking again.
func (p *EdgeProvider) Renew(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	hostname, err := p.api.GetCustomHostname(ctx, providerRef)
	if err != nil {
		return nil, p.classify("renew", err)
	}
	if edgeState(hostname) != ProvisionActive {
		return edgeResult(hostname), nil
	}

	hostname, err = p.api.RefreshCustomHostnameSSL(ctx, providerRef)
	if err != nil {
		return nil, p.classify("renew", err)
	}

	log.Info().
		Str("hostname", hostname.Hostname).
		Str("custom_hostname_id", providerRef).
		Msg("Certificate reissue requested from edge")

	return edgeResult(hostname), nil
}

func (p *EdgeProvider) classify(op string, err error) error {
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return fatalErr(p.Name(), op, err)
	}
	return transientErr(p.Name(), op, err)
}

func edgeResult(h *clients.CustomHostname) *ProvisionResult {
	res := &ProvisionResult{
		ProviderRef: h.ID,
		State:       edgeState(h),
		ExpiresAt:   h.LatestExpiry(),
		Message:     "ssl " + strings.ReplaceAll(h.SSLStatus(), "_", " "),
	}
	if h.SSL != nil && len(h.SSL.ValidationErrors) > 0 {
		res.Message = fmt.Sprintf("%s: %s", res.Message, h.SSL.ValidationErrors[0].Message)
	}
	if len(h.VerificationErrors) > 0 {
		res.Message = fmt.Sprintf("%s: %s", res.Message, h.VerificationErrors[0])
	}
	return res
}

// edgeState collapses the edge's certificate lifecycle into three states.
// Anything still moving is pending.
func edgeState(h *clients.CustomHostname) ProvisionState {
	switch h.Status {
	case "blocked", "moved", "deleted":
		return ProvisionFailed
	}

	status := h.SSLStatus()
	switch {
	case status == "active":
		return ProvisionActive
	case strings.HasSuffix(status, "_timed_out"),
		status == "deleted",
		status == "expired",
		status == "inactive":
		return ProvisionFailed
	default:
		return ProvisionPending
	}
}
