package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// issueTimeout bounds an order that outlives the tick that started it.
const issueTimeout = 10 * time.Minute

type certificateIssuer interface {
	Obtain(ctx context.Context, hostname string) (*clients.IssuedCertificate, error)
}

type certificateStore interface {
	Save(ctx context.Context, cert *clients.IssuedCertificate) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
	RefFor(hostname string) string
}

// ACMEProvider issues certificates from an ACME CA and keeps the material in
// the certificate store. The provider ref is the store reference.
//
// One order per hostname is in flight at a time. An order keeps running when
// the caller's context ends and its certificate is still stored, so the next
// tick finds it instead of placing a new order.
type ACMEProvider struct {
	issuer        certificateIssuer
	store         certificateStore
	renewalWindow time.Duration
	flights       singleflight.Group
	now           func() time.Time
}

// NewACMEProvider creates the acme provider. A stored certificate that expires
// later than renewalWindow from now is reused rather than reissued.
func NewACMEProvider(issuer certificateIssuer, store certificateStore, renewalWindow time.Duration) *ACMEProvider {
	return &ACMEProvider{issuer: issuer, store: store, renewalWindow: renewalWindow, now: time.Now}
}

// Name implements CertificateProvider
func (p *ACMEProvider) Name() string {
	return string(config.SSLProviderACME)
}

// Create issues a certificate for the verified hostname
func (p *ACMEProvider) Create(ctx context.Context, domain *models.CustomDomain) (*ProvisionResult, error) {
	ref := p.store.RefFor(domain.Hostname)
	if res, err := p.reuse(ctx, "create", ref); res != nil || err != nil {
		return res, err
	}
	return p.issue(ctx, "create", domain.Hostname)
}

// PollStatus reports on the stored certificate. Issuance is synchronous, so
// a stored certificate is either active or has lapsed.
func (p *ACMEProvider) PollStatus(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	notAfter, _, err := p.loadLeaf(ctx, "poll", providerRef)
	if err != nil {
		return nil, err
	}

	res := &ProvisionResult{ProviderRef: providerRef, State: ProvisionActive, ExpiresAt: &notAfter}
	if p.now().After(notAfter) {
		res.State = ProvisionFailed
		res.Message = "certificate expired"
	}
	return res, nil
}

// Renew reissues the certificate stored under providerRef. A certificate
// already renewed by an earlier order is returned as is.
func (p *ACMEProvider) Renew(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	notAfter, hostname, err := p.loadLeaf(ctx, "renew", providerRef)
	if err != nil {
		return nil, err
	}
	if p.fresh(notAfter) {
		return &ProvisionResult{ProviderRef: providerRef, State: ProvisionActive, ExpiresAt: &notAfter}, nil
	}
	return p.issue(ctx, "renew", hostname)
}

// reuse returns the stored certificate under ref when it is outside the
// renewal window. A nil result with a nil error means there is nothing to reuse.
func (p *ACMEProvider) reuse(ctx context.Context, op, ref string) (*ProvisionResult, error) {
	notAfter, _, err := p.loadLeaf(ctx, op, ref)
	if errors.Is(err, clients.ErrCertificateNotFound) {
		return nil, nil
	}
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		// An unreadable secret is overwritten by a fresh order.
		return nil, nil
	}
	if !p.fresh(notAfter) {
		return nil, nil
	}
	log.Info().Str("ref", ref).Time("not_after", notAfter).Msg("Reusing stored ACME certificate")
	return &ProvisionResult{ProviderRef: ref, State: ProvisionActive, ExpiresAt: &notAfter}, nil
}

func (p *ACMEProvider) fresh(notAfter time.Time) bool {
	return notAfter.After(p.now().UTC().Add(p.renewalWindow))
}

func (p *ACMEProvider) issue(ctx context.Context, op, hostname string) (*ProvisionResult, error) {
	ch := p.flights.DoChan(hostname, func() (interface{}, error) {
		orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), issueTimeout)
		defer cancel()
		return p.obtainAndStore(orderCtx, op, hostname)
	})

	select {
	case <-ctx.Done():
		log.Warn().Str("hostname", hostname).Str("operation", op).Msg("ACME order still running, result will be stored when it completes")
		return nil, transientErr(p.Name(), op, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*ProvisionResult)
		return &res, nil
	}
}

func (p *ACMEProvider) obtainAndStore(ctx context.Context, op, hostname string) (*ProvisionResult, error) {
	cert, err := p.issuer.Obtain(ctx, hostname)
	if err != nil {
		if clients.IsACMERejection(err) {
			return nil, fatalErr(p.Name(), op, err)
		}
		return nil, transientErr(p.Name(), op, err)
	}

	leaf, err := clients.ParseLeaf(cert.Certificate)
	if err != nil {
		return nil, fatalErr(p.Name(), op, fmt.Errorf("issued certificate unreadable: %w", err))
	}

	ref, err := p.store.Save(ctx, cert)
	if err != nil {
		return nil, transientErr(p.Name(), op, err)
	}

	log.Info().
		Str("hostname", hostname).
		Str("ref", ref).
		Time("not_after", leaf.NotAfter).
		Msg("ACME certificate issued")

	notAfter := leaf.NotAfter.UTC()
	return &ProvisionResult{ProviderRef: ref, State: ProvisionActive, ExpiresAt: &notAfter}, nil
}

func (p *ACMEProvider) loadLeaf(ctx context.Context, op, ref string) (time.Time, string, error) {
	certPEM, err := p.store.Load(ctx, ref)
	if errors.Is(err, clients.ErrCertificateNotFound) {
		return time.Time{}, "", fatalErr(p.Name(), op, err)
	}
	if err != nil {
		return time.Time{}, "", transientErr(p.Name(), op, err)
	}

	leaf, err := clients.ParseLeaf(certPEM)
	if err != nil {
		return time.Time{}, "", fatalErr(p.Name(), op, fmt.Errorf("stored certificate unreadable: %w", err))
	}

	hostname := leaf.Subject.CommonName
	if len(leaf.DNSNames) > 0 {
		hostname = leaf.DNSNames[0]
	}
	return leaf.NotAfter.UTC(), hostname, nil
}
