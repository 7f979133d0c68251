package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/metrics"
	"custom-domain-reconciler/internal/services"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StepSummary counts what happened to the domains one step visited
type StepSummary struct {
	Due      int
	Done     int
	Leased   int
	Skipped  int
	Errors   int
	Deferred int
}

// TickSummary is the result of one reconciliation tick
type TickSummary struct {
	Steps    map[services.Step]*StepSummary
	Duration time.Duration
	// CutShort is set when the soft deadline stopped dispatch.
	CutShort bool
}

// ReconciliationWorker runs the reconciliation tick on a fixed interval.
// Ticks may overlap when one runs long; per-domain leases keep them apart.
type ReconciliationWorker struct {
	cfg        *config.Config
	reconciler *services.Reconciler
	logger     *logrus.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewReconciliationWorker creates the scheduler
func NewReconciliationWorker(cfg *config.Config, reconciler *services.Reconciler, logger *logrus.Logger) *ReconciliationWorker {
	return &ReconciliationWorker{
		cfg:        cfg,
		reconciler: reconciler,
		logger:     logger,
		now:        time.Now,
	}
}

// Start schedules ticks every configured interval and runs one immediately
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	cronLogger := cron.PrintfLogger(w.logger)
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)

	spec := fmt.Sprintf("@every %s", w.cfg.Scheduler.Interval)
	if _, err := w.cron.AddFunc(spec, func() { w.Tick(w.ctx) }); err != nil {
		w.cancel()
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}

	w.cron.Start()
	w.running = true

	log.Info().
		Dur("interval", w.cfg.Scheduler.Interval).
		Int("concurrency", w.cfg.Scheduler.Concurrency).
		Dur("soft_deadline", w.cfg.Scheduler.SoftDeadline).
		Msg("Reconciliation worker started")

	go w.Tick(w.ctx)
	return nil
}

// Stop halts scheduling and waits for running ticks to finish
func (w *ReconciliationWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	<-w.cron.Stop().Done()
	w.cancel()
	w.running = false
	log.Info().Msg("Reconciliation worker stopped")
}

// Tick runs every step once, in order. Once the soft deadline passes no new
// per-domain task is started; tasks already running are allowed to finish.
func (w *ReconciliationWorker) Tick(ctx context.Context) *TickSummary {
	metrics.TicksTotal.Inc()

	start := w.now()
	softDeadline := start.Add(w.cfg.Scheduler.SoftDeadline)
	summary := &TickSummary{Steps: make(map[services.Step]*StepSummary, len(services.Steps))}

	for _, step := range services.Steps {
		stepSummary := &StepSummary{}
		summary.Steps[step] = stepSummary

		if ctx.Err() != nil || w.pastDeadline(softDeadline) {
			summary.CutShort = true
			continue
		}

		stepStart := time.Now()
		w.runStep(ctx, step, softDeadline, stepSummary)
		metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(stepStart).Seconds())

		if stepSummary.Deferred > 0 {
			summary.CutShort = true
		}
		if stepSummary.Due > 0 {
			log.Info().
				Str("step", string(step)).
				Int("due", stepSummary.Due).
				Int("done", stepSummary.Done).
				Int("leased", stepSummary.Leased).
				Int("skipped", stepSummary.Skipped).
				Int("errors", stepSummary.Errors).
				Int("deferred", stepSummary.Deferred).
				Msg("Reconcile step finished")
		}
	}

	summary.Duration = w.now().Sub(start)
	if summary.CutShort {
		log.Warn().Dur("duration", summary.Duration).Msg("Reconcile tick hit its soft deadline, remaining work deferred to next tick")
	}
	return summary
}

func (w *ReconciliationWorker) runStep(ctx context.Context, step services.Step, softDeadline time.Time, summary *StepSummary) {
	domains, err := w.reconciler.Due(ctx, step)
	if err != nil {
		log.Error().Err(err).Str("step", string(step)).Msg("Failed to load due domains")
		summary.Errors++
		return
	}
	summary.Due = len(domains)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(w.concurrency())

	for i := range domains {
		// Go blocks while the pool is full, so this is checked each time a slot frees up.
		if ctx.Err() != nil || w.pastDeadline(softDeadline) {
			mu.Lock()
			summary.Deferred += len(domains) - i
			mu.Unlock()
			break
		}

		id := domains[i].ID
		hostname := domains[i].Hostname
		g.Go(func() error {
			outcome, err := w.runTask(ctx, step, id, hostname)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors++
			case outcome == services.OutcomeLeased:
				summary.Leased++
			case outcome == services.OutcomeSkipped:
				summary.Skipped++
			default:
				summary.Done++
			}
			return nil
		})
	}

	_ = g.Wait()
}

// runTask isolates one domain: errors and panics are logged and never reach
// the rest of the tick.
func (w *ReconciliationWorker) runTask(ctx context.Context, step services.Step, id uuid.UUID, hostname string) (outcome services.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error().
				Str("step", string(step)).
				Str("domain_id", id.String()).
				Str("hostname", hostname).
				Interface("panic", r).
				Msg("Recovered panic in reconcile task")
		}
	}()

	outcome, err = w.reconciler.Run(ctx, step, id)
	if err != nil {
		log.Error().
			Err(err).
			Str("step", string(step)).
			Str("domain_id", id.String()).
			Str("hostname", hostname).
			Msg("Reconcile task failed")
	}
	return outcome, err
}

func (w *ReconciliationWorker) pastDeadline(softDeadline time.Time) bool {
	return w.cfg.Scheduler.SoftDeadline > 0 && w.now().After(softDeadline)
}

func (w *ReconciliationWorker) concurrency() int {
	if w.cfg.Scheduler.Concurrency <= 0 {
		return 1
	}
	return w.cfg.Scheduler.Concurrency
}
