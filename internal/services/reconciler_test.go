package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/lease"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }

func TestReconciler_VerifyThenProvision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "app.example.org")

	// Nothing published yet: the row records the check but stays pending.
	outcome, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	current := h.reload(t, d.ID)
	assert.Equal(t, models.DomainStatusPendingVerification, current.Status)
	assert.Equal(t, models.CheckInconclusive, current.LastCheckResult)
	require.NotNil(t, current.LastCheckedAt)

	h.resolver.set("app.example.org", "CNAME", []string{testTarget + "."}, nil)
	h.advance(time.Minute)

	due, err := h.reconciler.Due(ctx, StepVerify)
	require.NoError(t, err)
	require.Len(t, due, 1)

	outcome, err = h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	current = h.reload(t, d.ID)
	assert.Equal(t, models.DomainStatusVerified, current.Status)
	assert.Equal(t, models.SSLStatusNotRequested, current.SSLStatus)
	require.NotNil(t, current.VerifiedAt)
	assert.Equal(t, models.CheckMatched, current.LastCheckResult)

	due, err = h.reconciler.Due(ctx, StepProvision)
	require.NoError(t, err)
	require.Len(t, due, 1)

	outcome, err = h.reconciler.Run(ctx, StepProvision, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	current = h.reload(t, d.ID)
	assert.Equal(t, models.SSLStatusPending, current.SSLStatus)
	require.NotNil(t, current.ProviderRef)
	assert.Equal(t, "ref-app.example.org", *current.ProviderRef)
	assert.Equal(t, 1, h.provider.creates)

	// A second provision visit is a no-op.
	outcome, err = h.reconciler.Run(ctx, StepProvision, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 1, h.provider.creates)

	var fields []string
	for _, tr := range h.emitter.all() {
		fields = append(fields, tr.Field+":"+tr.To)
	}
	assert.Equal(t, []string{"status:verified", "ssl_status:pending"}, fields)
}

func TestReconciler_ExpireAfterDeadline(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Policy.VerificationTimeoutHours = 48
	h := newHarness(t, cfg)

	d := h.admit(t, "late.example.org")
	assert.WithinDuration(t, h.clock.Add(48*time.Hour), d.VerificationDeadline, time.Second)

	h.advance(47 * time.Hour)
	due, err := h.reconciler.Due(ctx, StepExpire)
	require.NoError(t, err)
	assert.Empty(t, due)

	h.advance(2 * time.Hour)
	due, err = h.reconciler.Due(ctx, StepExpire)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// The record shows up too late; verification must not win.
	h.resolver.set("late.example.org", "CNAME", []string{testTarget}, nil)
	outcome, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	outcome, err = h.reconciler.Run(ctx, StepExpire, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	current := h.reload(t, d.ID)
	assert.Equal(t, models.DomainStatusExpired, current.Status)
	assert.Equal(t, models.SSLStatusNotRequested, current.SSLStatus)
	assert.Nil(t, current.VerifiedAt)
	assert.Zero(t, h.resolver.calls)

	outcome, err = h.reconciler.Run(ctx, StepExpire, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestReconciler_VerifyMismatchKeepsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	h.resolver.set("shop.example.org", "CNAME", []string{"elsewhere.test"}, nil)

	_, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)

	current := h.reload(t, d.ID)
	assert.Equal(t, models.DomainStatusPendingVerification, current.Status)
	assert.Equal(t, models.CheckMismatched, current.LastCheckResult)
	assert.Contains(t, current.StatusMessage, "elsewhere.test")
	assert.Empty(t, h.emitter.all())
}

func TestReconciler_VerifyFailsNewlyBlockedHostname(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Policy.EnableDomainBlocklist = false
	h := newHarness(t, cfg)

	d := h.admit(t, "blocked.example.org")

	cfg.Policy.EnableDomainBlocklist = true
	h.reconciler.guard = NewPolicyGuard(cfg, h.repo)

	_, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DomainStatusFailed, h.reload(t, d.ID).Status)
	assert.Zero(t, h.resolver.calls)
}

func TestReconciler_Poll(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *models.CustomDomain) {
		h := newHarness(t, testConfig())
		d := h.admit(t, "shop.example.org")
		d = h.force(t, d.ID, repository.Mutation{
			Status:    models.DomainStatusVerified,
			SSLStatus: models.SSLStatusPending,
			Columns:   map[string]interface{}{"verified_at": h.clock, "provider_ref": "ch-1"},
		})
		return h, d
	}

	t.Run("active", func(t *testing.T) {
		h, d := setup(t)
		expires := h.clock.Add(90 * 24 * time.Hour)
		h.provider.poll = func(ref string) (*ProvisionResult, error) {
			assert.Equal(t, "ch-1", ref)
			return &ProvisionResult{ProviderRef: ref, State: ProvisionActive, ExpiresAt: &expires}, nil
		}

		outcome, err := h.reconciler.Run(ctx, StepPoll, d.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDone, outcome)

		current := h.reload(t, d.ID)
		assert.Equal(t, models.SSLStatusActive, current.SSLStatus)
		require.NotNil(t, current.SSLExpiresAt)
		assert.WithinDuration(t, expires, *current.SSLExpiresAt, time.Second)
	})

	t.Run("in progress moves to provisioning once", func(t *testing.T) {
		h, d := setup(t)

		_, err := h.reconciler.Run(ctx, StepPoll, d.ID)
		require.NoError(t, err)
		current := h.reload(t, d.ID)
		assert.Equal(t, models.SSLStatusProvisioning, current.SSLStatus)
		version := current.Version

		_, err = h.reconciler.Run(ctx, StepPoll, d.ID)
		require.NoError(t, err)
		assert.Equal(t, version, h.reload(t, d.ID).Version, "no write while still provisioning")
	})

	t.Run("provider failure", func(t *testing.T) {
		h, d := setup(t)
		h.provider.poll = func(ref string) (*ProvisionResult, error) {
			return &ProvisionResult{ProviderRef: ref, State: ProvisionFailed, Message: "ssl validation timed out"}, nil
		}

		_, err := h.reconciler.Run(ctx, StepPoll, d.ID)
		require.NoError(t, err)
		current := h.reload(t, d.ID)
		assert.Equal(t, models.SSLStatusFailed, current.SSLStatus)
		assert.Equal(t, "ssl validation timed out", current.SSLLastError)
		assert.Equal(t, models.DomainStatusVerified, current.Status, "certificate failure leaves ownership intact")
	})

	t.Run("missing provider reference", func(t *testing.T) {
		h, d := setup(t)
		h.force(t, d.ID, repository.Mutation{Columns: map[string]interface{}{"provider_ref": nil}})

		_, err := h.reconciler.Run(ctx, StepPoll, d.ID)
		require.NoError(t, err)
		current := h.reload(t, d.ID)
		assert.Equal(t, models.SSLStatusFailed, current.SSLStatus)
		assert.Equal(t, "missing provider reference", current.SSLLastError)
		assert.Zero(t, h.provider.polls)
	})
}

func TestReconciler_ProviderErrors(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *models.CustomDomain) {
		h := newHarness(t, testConfig())
		d := h.admit(t, "shop.example.org")
		d = h.force(t, d.ID, repository.Mutation{
			Status:  models.DomainStatusVerified,
			Columns: map[string]interface{}{"verified_at": h.clock},
		})
		return h, d
	}

	t.Run("transient leaves the row for the next tick", func(t *testing.T) {
		h, d := setup(t)
		h.provider.create = func(*models.CustomDomain) (*ProvisionResult, error) {
			return nil, transientErr("fake", "create", errors.New("502 bad gateway"))
		}

		outcome, err := h.reconciler.Run(ctx, StepProvision, d.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDone, outcome)
		assert.Equal(t, d.Version, h.reload(t, d.ID).Version)
		assert.Equal(t, models.SSLStatusNotRequested, h.reload(t, d.ID).SSLStatus)
	})

	t.Run("unclassified errors are transient", func(t *testing.T) {
		h, d := setup(t)
		h.provider.create = func(*models.CustomDomain) (*ProvisionResult, error) {
			return nil, errors.New("connection reset")
		}

		_, err := h.reconciler.Run(ctx, StepProvision, d.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SSLStatusNotRequested, h.reload(t, d.ID).SSLStatus)
	})

	t.Run("fatal fails the certificate", func(t *testing.T) {
		h, d := setup(t)
		h.provider.create = func(*models.CustomDomain) (*ProvisionResult, error) {
			return nil, fatalErr("fake", "create", errors.New(strings.Repeat("x", 600)))
		}

		_, err := h.reconciler.Run(ctx, StepProvision, d.ID)
		require.NoError(t, err)
		current := h.reload(t, d.ID)
		assert.Equal(t, models.SSLStatusFailed, current.SSLStatus)
		assert.Len(t, current.SSLLastError, 500)
	})
}

func TestReconciler_Renewal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	d = h.force(t, d.ID, repository.Mutation{
		Status:    models.DomainStatusVerified,
		SSLStatus: models.SSLStatusActive,
		Columns: map[string]interface{}{
			"verified_at":    h.clock,
			"provider_ref":   "ch-1",
			"ssl_expires_at": h.clock.Add(60 * 24 * time.Hour),
		},
	})

	due, err := h.reconciler.Due(ctx, StepRenew)
	require.NoError(t, err)
	assert.Empty(t, due, "outside the renewal window")

	h.advance(40 * 24 * time.Hour)
	due, err = h.reconciler.Due(ctx, StepRenew)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// First visit: the reissue is still underway.
	_, err = h.reconciler.Run(ctx, StepRenew, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLStatusExpiring, h.reload(t, d.ID).SSLStatus)
	assert.Equal(t, 1, h.provider.renewals)

	// Transient errors keep it Expiring.
	h.provider.renew = func(string) (*ProvisionResult, error) {
		return nil, transientErr("fake", "renew", errors.New("timeout"))
	}
	_, err = h.reconciler.Run(ctx, StepRenew, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLStatusExpiring, h.reload(t, d.ID).SSLStatus)

	renewed := h.clock.Add(90 * 24 * time.Hour)
	h.provider.renew = func(ref string) (*ProvisionResult, error) {
		return &ProvisionResult{ProviderRef: ref, State: ProvisionActive, ExpiresAt: ptrTime(renewed)}, nil
	}
	due, err = h.reconciler.Due(ctx, StepRenew)
	require.NoError(t, err)
	require.Len(t, due, 1, "expiring domains are revisited")

	_, err = h.reconciler.Run(ctx, StepRenew, d.ID)
	require.NoError(t, err)

	current := h.reload(t, d.ID)
	assert.Equal(t, models.SSLStatusActive, current.SSLStatus)
	require.NotNil(t, current.SSLExpiresAt)
	assert.WithinDuration(t, renewed, *current.SSLExpiresAt, time.Second)

	var sslPath []string
	for _, tr := range h.emitter.all() {
		if tr.Field == models.TransitionFieldSSLStatus {
			sslPath = append(sslPath, tr.From+"->"+tr.To)
		}
	}
	assert.Equal(t, []string{"active->expiring", "expiring->active"}, sslPath)
}

func TestReconciler_RenewalDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.SSL.EnableAutoRenewal = false
	h := newHarness(t, cfg)

	d := h.admit(t, "shop.example.org")
	h.force(t, d.ID, repository.Mutation{
		Status:    models.DomainStatusVerified,
		SSLStatus: models.SSLStatusActive,
		Columns:   map[string]interface{}{"provider_ref": "ch-1", "ssl_expires_at": h.clock.Add(time.Hour)},
	})

	due, err := h.reconciler.Due(ctx, StepRenew)
	require.NoError(t, err)
	assert.Empty(t, due)

	outcome, err := h.reconciler.Run(ctx, StepRenew, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, h.provider.renewals)
}

func TestReconciler_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	h.resolver.set("shop.example.org", "CNAME", []string{testTarget}, nil)

	held, err := h.locker.Acquire(ctx, "domain:"+d.ID.String(), time.Minute)
	require.NoError(t, err)

	outcome, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLeased, outcome)
	assert.Equal(t, models.DomainStatusPendingVerification, h.reload(t, d.ID).Status)

	_, _, err = h.reconciler.VerifyNow(ctx, d.ID)
	assert.ErrorIs(t, err, lease.ErrHeld)

	require.NoError(t, held.Release(ctx))

	verified, check, err := h.reconciler.VerifyNow(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, check)
	assert.Equal(t, models.CheckMatched, check.Result)
	assert.Equal(t, models.DomainStatusVerified, verified.Status)
}

func TestReconciler_VerifyNowPastDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	h.advance(73 * time.Hour)

	current, check, err := h.reconciler.VerifyNow(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, check)
	assert.Equal(t, models.DomainStatusExpired, current.Status)
}

func TestReconciler_RetryProvisioning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")

	_, err := h.reconciler.RetryProvisioning(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	h.force(t, d.ID, repository.Mutation{
		Status:    models.DomainStatusVerified,
		SSLStatus: models.SSLStatusFailed,
		Columns: map[string]interface{}{
			"verified_at":    h.clock,
			"provider_ref":   ptrString("ch-1"),
			"ssl_last_error": "validation timed out",
		},
	})

	current, err := h.reconciler.RetryProvisioning(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SSLStatusNotRequested, current.SSLStatus)
	assert.Nil(t, current.ProviderRef)
	assert.Empty(t, current.SSLLastError)

	due, err := h.reconciler.Due(ctx, StepProvision)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestReconciler_ExpiredIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	h.force(t, d.ID, repository.Mutation{Status: models.DomainStatusExpired})
	h.resolver.set("shop.example.org", "CNAME", []string{testTarget}, nil)

	for _, step := range Steps {
		outcome, err := h.reconciler.Run(ctx, step, d.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome, string(step))
	}
	assert.Equal(t, models.DomainStatusExpired, h.reload(t, d.ID).Status)
	assert.Zero(t, h.provider.creates)
}

func TestReconciler_NXDomainIsInconclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())

	d := h.admit(t, "shop.example.org")
	h.resolver.set("shop.example.org", "CNAME", nil, clients.ErrNameNotFound)

	_, err := h.reconciler.Run(ctx, StepVerify, d.ID)
	require.NoError(t, err)

	current := h.reload(t, d.ID)
	assert.Equal(t, models.DomainStatusPendingVerification, current.Status)
	assert.Equal(t, models.CheckInconclusive, current.LastCheckResult)
}
