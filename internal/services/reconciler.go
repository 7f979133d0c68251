package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/lease"
	"custom-domain-reconciler/internal/metrics"
	"custom-domain-reconciler/internal/models"
	"custom-domain-reconciler/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Step is one stage of a reconciliation tick
type Step string

const (
	StepExpire    Step = "expire"
	StepVerify    Step = "verify"
	StepProvision Step = "provision"
	StepPoll      Step = "poll"
	StepRenew     Step = "renew"
)

// Steps is the order a tick runs in. Expire must precede Verify.
var Steps = []Step{StepExpire, StepVerify, StepProvision, StepPoll, StepRenew}

// Outcome describes what a per-domain task did
type Outcome string

const (
	// OutcomeDone means the task ran; it may or may not have changed state.
	OutcomeDone Outcome = "done"
	// OutcomeLeased means another worker holds the domain.
	OutcomeLeased Outcome = "leased"
	// OutcomeSkipped means the domain had already moved past this step.
	OutcomeSkipped Outcome = "skipped"
)

var ErrNotRetryable = errors.New("domain is not in a state that allows retrying provisioning")

// TransitionEmitter receives transitions after they are persisted
type TransitionEmitter interface {
	Emit(ctx context.Context, transitions []models.DomainTransition)
}

// Reconciler drives individual domains forward. Every operation takes the
// domain's lease, re-reads the row and writes through a versioned update, so
// running any of them twice is a no-op.
type Reconciler struct {
	cfg      *config.Config
	repo     *repository.DomainRepository
	guard    *PolicyGuard
	verifier *DNSVerifier
	provider CertificateProvider
	locker   lease.Locker
	emitter  TransitionEmitter
	now      func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(
	cfg *config.Config,
	repo *repository.DomainRepository,
	guard *PolicyGuard,
	verifier *DNSVerifier,
	provider CertificateProvider,
	locker lease.Locker,
	emitter TransitionEmitter,
) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		repo:     repo,
		guard:    guard,
		verifier: verifier,
		provider: provider,
		locker:   locker,
		emitter:  emitter,
		now:      time.Now,
	}
}

// Due returns the domains a step should visit this tick
func (r *Reconciler) Due(ctx context.Context, step Step) ([]models.CustomDomain, error) {
	now := r.now().UTC()
	limit := r.cfg.Scheduler.BatchSize

	switch step {
	case StepExpire:
		return r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:       []models.DomainStatus{models.DomainStatusPendingVerification},
			DeadlineBefore: &now,
			Limit:          limit,
		})
	case StepVerify:
		return r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:          []models.DomainStatus{models.DomainStatusPendingVerification},
			DeadlineNotBefore: &now,
			Limit:             limit,
		})
	case StepProvision:
		return r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:    []models.DomainStatus{models.DomainStatusVerified},
			SSLStatuses: []models.SSLStatus{models.SSLStatusNotRequested},
			Limit:       limit,
		})
	case StepPoll:
		return r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:    []models.DomainStatus{models.DomainStatusVerified},
			SSLStatuses: []models.SSLStatus{models.SSLStatusPending, models.SSLStatusProvisioning},
			Limit:       limit,
		})
	case StepRenew:
		if !r.cfg.SSL.EnableAutoRenewal {
			return nil, nil
		}
		renewing, err := r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:    []models.DomainStatus{models.DomainStatusVerified},
			SSLStatuses: []models.SSLStatus{models.SSLStatusExpiring},
			Limit:       limit,
		})
		if err != nil {
			return nil, err
		}
		windowEnd := now.Add(r.cfg.SSL.RenewalWindow())
		approaching, err := r.repo.FindDue(ctx, repository.DueFilter{
			Statuses:         []models.DomainStatus{models.DomainStatusVerified},
			SSLStatuses:      []models.SSLStatus{models.SSLStatusActive},
			SSLExpiresBefore: &windowEnd,
			Limit:            limit,
		})
		if err != nil {
			return nil, err
		}
		return append(renewing, approaching...), nil
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
}

// Run executes step for one domain
func (r *Reconciler) Run(ctx context.Context, step Step, id uuid.UUID) (Outcome, error) {
	switch step {
	case StepExpire:
		return r.withLease(ctx, step, id, r.expire)
	case StepVerify:
		return r.withLease(ctx, step, id, func(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
			outcome, _, err := r.verify(ctx, d)
			return outcome, err
		})
	case StepProvision:
		return r.withLease(ctx, step, id, r.provision)
	case StepPoll:
		return r.withLease(ctx, step, id, r.poll)
	case StepRenew:
		return r.withLease(ctx, step, id, r.renew)
	default:
		return OutcomeSkipped, fmt.Errorf("unknown step %q", step)
	}
}

// VerifyNow runs a DNS check for one domain outside the schedule. The
// deadline is honored exactly as on a tick.
func (r *Reconciler) VerifyNow(ctx context.Context, id uuid.UUID) (*models.CustomDomain, *CheckOutcome, error) {
	var (
		check  *CheckOutcome
		result *models.CustomDomain
	)
	outcome, err := r.withLease(ctx, StepVerify, id, func(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
		var (
			o   Outcome
			err error
		)
		if d.Status == models.DomainStatusPendingVerification && d.DeadlinePassed(r.now()) {
			o, err = r.expire(ctx, d)
		} else {
			o, check, err = r.verify(ctx, d)
		}
		result = d
		return o, err
	})
	if err != nil {
		return nil, nil, err
	}
	if outcome == OutcomeLeased {
		return nil, nil, lease.ErrHeld
	}
	return result, check, nil
}

// RetryProvisioning resets a failed certificate so the next tick creates it again
func (r *Reconciler) RetryProvisioning(ctx context.Context, id uuid.UUID) (*models.CustomDomain, error) {
	var result *models.CustomDomain
	outcome, err := r.withLease(ctx, "retry", id, func(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
		if !d.CanRetryProvisioning() {
			return OutcomeSkipped, ErrNotRetryable
		}
		o, err := r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusNotRequested,
			Columns: map[string]interface{}{
				"provider_ref":   nil,
				"ssl_expires_at": nil,
				"ssl_last_error": "",
			},
			Reason: "manual provisioning retry",
		})
		if o == OutcomeSkipped && err == nil {
			err = repository.ErrStaleVersion
		}
		result = d
		return o, err
	})
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeLeased {
		return nil, lease.ErrHeld
	}
	return result, nil
}

type domainTask func(ctx context.Context, d *models.CustomDomain) (Outcome, error)

// withLease holds the domain's lease for the duration of task, which always
// sees the current row rather than the snapshot the step was planned from.
func (r *Reconciler) withLease(ctx context.Context, step Step, id uuid.UUID, task domainTask) (outcome Outcome, err error) {
	defer func() {
		label := string(outcome)
		if err != nil {
			label = "error"
		}
		metrics.TasksTotal.WithLabelValues(string(step), label).Inc()
	}()

	l, err := r.locker.Acquire(ctx, "domain:"+id.String(), r.cfg.Scheduler.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		return OutcomeLeased, nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		// The task may have been cut short by ctx; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if relErr := l.Release(releaseCtx); relErr != nil {
			log.Warn().Err(relErr).Str("domain_id", id.String()).Msg("Failed to release lease")
		}
	}()

	domain, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return OutcomeSkipped, err
	}
	return task(ctx, domain)
}

// apply writes m and emits the resulting transitions. A lost version race is
// reported as OutcomeSkipped.
func (r *Reconciler) apply(ctx context.Context, d *models.CustomDomain, m repository.Mutation) (Outcome, error) {
	if m.At.IsZero() {
		m.At = r.now().UTC()
	}
	ok, transitions, err := r.repo.CompareAndSetState(ctx, d, m)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !ok {
		log.Debug().Str("domain_id", d.ID.String()).Msg("Domain changed concurrently, skipping write")
		return OutcomeSkipped, nil
	}
	if r.emitter != nil && len(transitions) > 0 {
		r.emitter.Emit(ctx, transitions)
	}
	return OutcomeDone, nil
}

func (r *Reconciler) expire(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
	if d.Status != models.DomainStatusPendingVerification || !d.DeadlinePassed(r.now()) {
		return OutcomeSkipped, nil
	}
	return r.apply(ctx, d, repository.Mutation{
		Status: models.DomainStatusExpired,
		Columns: map[string]interface{}{
			"status_message": "Verification deadline passed before DNS ownership was proven",
		},
		Reason: "verification deadline passed",
	})
}

func (r *Reconciler) verify(ctx context.Context, d *models.CustomDomain) (Outcome, *CheckOutcome, error) {
	if d.Status != models.DomainStatusPendingVerification || d.DeadlinePassed(r.now()) {
		return OutcomeSkipped, nil, nil
	}

	if r.guard != nil && r.guard.IsBlocked(d.Hostname) {
		o, err := r.apply(ctx, d, repository.Mutation{
			Status:  models.DomainStatusFailed,
			Columns: map[string]interface{}{"status_message": "Hostname is now reserved by the platform"},
			Reason:  "hostname blocklisted",
		})
		return o, nil, err
	}

	check := r.verifier.Check(ctx, d)
	columns := map[string]interface{}{
		"last_checked_at":   check.CheckedAt,
		"last_check_result": check.Result,
		"status_message":    check.Message,
	}

	// The lookup can take a while; the deadline is judged after it returns.
	if check.Result != models.CheckMatched || d.DeadlinePassed(r.now()) {
		o, err := r.apply(ctx, d, repository.Mutation{Columns: columns})
		return o, check, err
	}

	columns["verified_at"] = check.CheckedAt
	o, err := r.apply(ctx, d, repository.Mutation{
		Status:  models.DomainStatusVerified,
		Columns: columns,
		Reason:  "dns challenge matched",
	})
	return o, check, err
}

func (r *Reconciler) provision(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
	if d.Status != models.DomainStatusVerified || d.SSLStatus != models.SSLStatusNotRequested {
		return OutcomeSkipped, nil
	}

	res, err := r.provider.Create(ctx, d)
	if err != nil {
		return r.providerFailure(ctx, d, "create", err)
	}

	return r.apply(ctx, d, repository.Mutation{
		SSLStatus: models.SSLStatusPending,
		Columns: map[string]interface{}{
			"provider_ref":   res.ProviderRef,
			"ssl_expires_at": res.ExpiresAt,
			"ssl_last_error": "",
		},
		Reason: "certificate requested from " + r.provider.Name(),
	})
}

func (r *Reconciler) poll(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
	if d.Status != models.DomainStatusVerified ||
		(d.SSLStatus != models.SSLStatusPending && d.SSLStatus != models.SSLStatusProvisioning) {
		return OutcomeSkipped, nil
	}
	if d.ProviderRef == nil || *d.ProviderRef == "" {
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusFailed,
			Columns:   map[string]interface{}{"ssl_last_error": "missing provider reference"},
			Reason:    "missing provider reference",
		})
	}

	res, err := r.provider.PollStatus(ctx, *d.ProviderRef)
	if err != nil {
		return r.providerFailure(ctx, d, "poll", err)
	}

	switch res.State {
	case ProvisionActive:
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusActive,
			Columns:   map[string]interface{}{"ssl_expires_at": res.ExpiresAt, "ssl_last_error": ""},
			Reason:    "certificate active",
		})
	case ProvisionFailed:
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusFailed,
			Columns:   map[string]interface{}{"ssl_last_error": res.Message},
			Reason:    "provider reported failure",
		})
	default:
		if d.SSLStatus == models.SSLStatusProvisioning {
			return OutcomeDone, nil
		}
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusProvisioning,
			Reason:    "provider issuance in progress",
		})
	}
}

// renew moves an Active certificate inside the renewal window to Expiring and
// asks the provider to reissue. Expiring domains are revisited every tick
// until the provider reports a certificate that is outside the window again.
func (r *Reconciler) renew(ctx context.Context, d *models.CustomDomain) (Outcome, error) {
	if !r.cfg.SSL.EnableAutoRenewal || d.Status != models.DomainStatusVerified {
		return OutcomeSkipped, nil
	}
	if d.ProviderRef == nil || *d.ProviderRef == "" {
		return OutcomeSkipped, nil
	}

	windowEnd := r.now().UTC().Add(r.cfg.SSL.RenewalWindow())
	switch d.SSLStatus {
	case models.SSLStatusActive:
		if d.SSLExpiresAt == nil || d.SSLExpiresAt.After(windowEnd) {
			return OutcomeSkipped, nil
		}
		o, err := r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusExpiring,
			Reason:    "certificate approaching expiry",
		})
		if o != OutcomeDone || err != nil {
			return o, err
		}
	case models.SSLStatusExpiring:
	default:
		return OutcomeSkipped, nil
	}

	res, err := r.provider.Renew(ctx, *d.ProviderRef)
	if err != nil {
		return r.providerFailure(ctx, d, "renew", err)
	}

	switch {
	case res.State == ProvisionFailed:
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusFailed,
			Columns:   map[string]interface{}{"ssl_last_error": res.Message},
			Reason:    "renewal failed",
		})
	case res.State == ProvisionActive && res.ExpiresAt != nil && res.ExpiresAt.After(windowEnd):
		columns := map[string]interface{}{"ssl_expires_at": res.ExpiresAt, "ssl_last_error": ""}
		if res.ProviderRef != "" {
			columns["provider_ref"] = res.ProviderRef
		}
		return r.apply(ctx, d, repository.Mutation{
			SSLStatus: models.SSLStatusActive,
			Columns:   columns,
			Reason:    "certificate renewed",
		})
	default:
		return OutcomeDone, nil
	}
}

// providerFailure leaves the row alone on transient errors and fails the
// certificate on definitive rejections.
func (r *Reconciler) providerFailure(ctx context.Context, d *models.CustomDomain, op string, err error) (Outcome, error) {
	if IsTransient(err) {
		log.Warn().
			Err(err).
			Str("domain_id", d.ID.String()).
			Str("hostname", d.Hostname).
			Str("operation", op).
			Msg("Transient provider error, will retry next tick")
		return OutcomeDone, nil
	}

	log.Error().
		Err(err).
		Str("domain_id", d.ID.String()).
		Str("hostname", d.Hostname).
		Str("operation", op).
		Msg("Provider rejected certificate request")

	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return r.apply(ctx, d, repository.Mutation{
		SSLStatus: models.SSLStatusFailed,
		Columns:   map[string]interface{}{"ssl_last_error": msg},
		Reason:    op + " rejected by provider",
	})
}
