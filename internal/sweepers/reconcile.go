package sweepers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/status"
	"github.com/atelier-ai/task-service/internal/tasks"
)

// TaskStore is the slice of the task store the sweeper needs
type TaskStore interface {
	ListStalePending(ctx context.Context, grace time.Duration) ([]database.Task, error)
	MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error)
}

// Admitter releases admission slots for reconciled tasks
type Admitter interface {
	Decrement(ctx context.Context, userID string) (int, error)
}

// ReconcileSweeper periodically fails tasks that were inserted but never
// enqueued. This closes the crash window between task insert and enqueue:
// such tasks hold an admission slot and would otherwise sit pending
// forever.
type ReconcileSweeper struct {
	store     TaskStore
	admission Admitter
	bus       status.Bus
	logger    *zerolog.Logger
	interval  time.Duration
	grace     time.Duration
	stopChan  chan struct{}
}

// NewReconcileSweeper creates a sweeper for orphaned pending tasks
func NewReconcileSweeper(store TaskStore, admission Admitter, bus status.Bus, logger *zerolog.Logger, interval, grace time.Duration) *ReconcileSweeper {
	return &ReconcileSweeper{
		store:     store,
		admission: admission,
		bus:       bus,
		logger:    logger,
		interval:  interval,
		grace:     grace,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the periodic reconciliation sweep
func (s *ReconcileSweeper) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("grace", s.grace).
		Msg("Starting task reconciliation sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Reconciliation sweeper stopping (context cancelled)")
			return
		case <-s.stopChan:
			s.logger.Info().Msg("Reconciliation sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Failed to reconcile orphaned tasks")
			}
		}
	}
}

// Stop signals the sweeper to stop
func (s *ReconcileSweeper) Stop() {
	close(s.stopChan)
}

// SweepOnce fails every pending task that never received a queue job id
// within the grace period and releases its admission slot
func (s *ReconcileSweeper) SweepOnce(ctx context.Context) error {
	stale, err := s.store.ListStalePending(ctx, s.grace)
	if err != nil {
		return fmt.Errorf("failed to list orphaned tasks: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	reconciled := 0
	for _, task := range stale {
		transitioned, err := s.store.MarkFailed(ctx, task.ID, "task was never enqueued (service interrupted during submission)", 0)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to fail orphaned task")
			continue
		}
		if !transitioned {
			continue // raced with a late enqueue or another sweeper instance
		}

		if _, err := s.admission.Decrement(ctx, task.UserID); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Str("user_id", task.UserID).
				Msg("Failed to release admission slot for orphaned task")
		}
		if err := s.bus.Publish(ctx, task.UserID, status.Update{
			TaskID: task.ID,
			Status: tasks.StatusFailed,
			Error:  "task was never enqueued (service interrupted during submission)",
		}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to publish reconciliation update")
		}
		reconciled++
	}

	if reconciled > 0 {
		s.logger.Info().Int("count", reconciled).Msg("Reconciled orphaned tasks")
	}
	return nil
}
