package workers

import (
	"context"
	"strings"
	"sync"
	"time"

	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CleanupWorker prunes the transition log on a cron schedule. Domain rows
// themselves are never deleted.
type CleanupWorker struct {
	cfg    config.CleanupConfig
	repo   *repository.DomainRepository
	logger *logrus.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanupWorker creates a new cleanup worker
func NewCleanupWorker(cfg config.CleanupConfig, repo *repository.DomainRepository, logger *logrus.Logger) *CleanupWorker {
	return &CleanupWorker{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
	}
}

// Start starts the cleanup worker. A non-positive retention disables it.
func (w *CleanupWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if w.cfg.RetentionDays <= 0 {
		w.logger.Info("Transition log cleanup is disabled")
		return nil
	}

	w.cron = cron.New(cron.WithSeconds(), cron.WithLogger(cron.PrintfLogger(w.logger)))

	schedule := w.cfg.Schedule
	if schedule == "" {
		schedule = "0 30 3 * * *"
	}
	// robfig/cron with WithSeconds expects six fields
	if len(strings.Fields(schedule)) == 5 {
		schedule = "0 " + schedule
	}

	if _, err := w.cron.AddFunc(schedule, func() { w.Run(context.Background()) }); err != nil {
		w.logger.WithError(err).Error("Failed to schedule transition cleanup")
		return err
	}

	w.cron.Start()
	w.running = true

	w.logger.WithFields(logrus.Fields{
		"schedule":       schedule,
		"retention_days": w.cfg.RetentionDays,
	}).Info("Transition cleanup worker started")
	return nil
}

// Stop stops the worker
func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	<-w.cron.Stop().Done()
	w.running = false
	w.logger.Info("Transition cleanup worker stopped")
}

// Run deletes transitions older than the retention period
func (w *CleanupWorker) Run(ctx context.Context) int64 {
	start := time.Now()
	retention := time.Duration(w.cfg.RetentionDays) * 24 * time.Hour

	deleted, err := w.repo.CleanupOldTransitions(ctx, retention)
	if err != nil {
		w.logger.WithError(err).Error("Failed to cleanup old transitions")
		return 0
	}

	if deleted > 0 {
		w.logger.WithFields(logrus.Fields{
			"deleted":  deleted,
			"duration": time.Since(start).String(),
		}).Info("Cleaned up old transitions")
	}
	return deleted
}
