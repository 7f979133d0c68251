package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custom-domain-reconciler/internal/metrics"
	"custom-domain-reconciler/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ProvisionState is the provider-side certificate state
type ProvisionState string

const (
	ProvisionPending ProvisionState = "pending"
	ProvisionActive  ProvisionState = "active"
	ProvisionFailed  ProvisionState = "failed"
)

// ProvisionResult is what a provider reports for a certificate
type ProvisionResult struct {
	ProviderRef string
	State       ProvisionState
	ExpiresAt   *time.Time
	Message     string
}

// CertificateProvider issues and renews certificates for verified hostnames.
// Exactly one implementation is selected at startup.
type CertificateProvider interface {
	Name() string
	Create(ctx context.Context, domain *models.CustomDomain) (*ProvisionResult, error)
	PollStatus(ctx context.Context, providerRef string) (*ProvisionResult, error)
	Renew(ctx context.Context, providerRef string) (*ProvisionResult, error)
}

// ProviderError classifies a failed provider call. Transient errors leave the
// domain untouched for the next tick; the rest are definitive rejections.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a provider failure should simply be retried.
// Unclassified errors count as transient so they never fail a domain.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

func transientErr(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
}

func fatalErr(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: false, Err: err}
}

// GuardedProvider wraps a provider with a per-call timeout, an outbound rate
// limit and a circuit breaker. Only transient failures count towards tripping.
type GuardedProvider struct {
	inner   CertificateProvider
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedProvider wraps inner. ratePerSecond <= 0 disables the limiter.
func NewGuardedProvider(inner CertificateProvider, timeout time.Duration, ratePerSecond float64, burst int) *GuardedProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	settings := gobreaker.Settings{
		Name:        "provider-" + inner.Name(),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &GuardedProvider{
		inner:   inner,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Name implements CertificateProvider
func (g *GuardedProvider) Name() string {
	return g.inner.Name()
}

// Create implements CertificateProvider
func (g *GuardedProvider) Create(ctx context.Context, domain *models.CustomDomain) (*ProvisionResult, error) {
	return g.call(ctx, "create", func(ctx context.Context) (*ProvisionResult, error) {
		return g.inner.Create(ctx, domain)
	})
}

// PollStatus implements CertificateProvider
func (g *GuardedProvider) PollStatus(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	return g.call(ctx, "poll", func(ctx context.Context) (*ProvisionResult, error) {
		return g.inner.PollStatus(ctx, providerRef)
	})
}

// Renew implements CertificateProvider
func (g *GuardedProvider) Renew(ctx context.Context, providerRef string) (*ProvisionResult, error) {
	return g.call(ctx, "renew", func(ctx context.Context) (*ProvisionResult, error) {
		return g.inner.Renew(ctx, providerRef)
	})
}

func (g *GuardedProvider) call(ctx context.Context, op string, fn func(ctx context.Context) (*ProvisionResult, error)) (*ProvisionResult, error) {
	name := g.inner.Name()

	if err := g.limiter.Wait(ctx); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(name, op, "transient").Inc()
		return nil, transientErr(name, op, fmt.Errorf("rate limit wait: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		res, err := fn(callCtx)
		if err == nil && res == nil {
			err = transientErr(name, op, errors.New("provider returned no result"))
		}
		if err != nil && callCtx.Err() != nil && !errors.As(err, new(*ProviderError)) {
			err = transientErr(name, op, err)
		}
		return res, err
	})
	metrics.ProviderCallDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = transientErr(name, op, err)
	}
	if err != nil {
		outcome := "fatal"
		if IsTransient(err) {
			outcome = "transient"
		}
		metrics.ProviderCallsTotal.WithLabelValues(name, op, outcome).Inc()
		return nil, err
	}

	metrics.ProviderCallsTotal.WithLabelValues(name, op, "ok").Inc()
	return out.(*ProvisionResult), nil
}
