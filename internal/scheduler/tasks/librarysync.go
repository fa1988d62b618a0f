// Package tasks holds the background task bodies registered with the
// scheduler.
package tasks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/reconcile"
	"github.com/downpour/downpour/internal/scheduler"
)

// LibrarySyncTask runs the full catalog reconciliation pass.
type LibrarySyncTask struct {
	reconciler *reconcile.Service
	logger     zerolog.Logger
}

// NewLibrarySyncTask creates the reconciliation task.
func NewLibrarySyncTask(r *reconcile.Service, logger zerolog.Logger) *LibrarySyncTask {
	return &LibrarySyncTask{
		reconciler: r,
		logger:     logger.With().Str("task", "library-sync").Logger(),
	}
}

// Run walks every tracked title and enqueues the missing units.
func (t *LibrarySyncTask) Run(ctx context.Context) error {
	t.logger.Info().Msg("Starting scheduled library sync")
	if err := t.reconciler.SyncAll(ctx); err != nil {
		t.logger.Error().Err(err).Msg("Library sync failed")
		return err
	}
	t.logger.Info().Msg("Library sync finished")
	return nil
}

// Register wires the task into the scheduler under its cron expression.
func (t *LibrarySyncTask) Register(s *scheduler.Scheduler, cron string) error {
	return s.RegisterTask(scheduler.TaskConfig{
		ID:          "library-sync",
		Name:        "Library Sync",
		Description: "Reconciles the catalog against the providers and downloads missing units",
		Cron:        cron,
		Func:        t.Run,
	})
}
