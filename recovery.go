package maestro

import (
	"context"
	"log/slog"
	"time"
)

// Recovery resumes interrupted routings after a restart and, via the
// background sweeper, picks up routings whose driver died mid-flight.
type Recovery struct {
	store  Store
	router *Router
	bus    *Bus
	logger *slog.Logger
}

// RecoveryOption configures Recovery.
type RecoveryOption func(*Recovery)

// WithRecoveryLogger sets the logger used during scans.
func WithRecoveryLogger(logger *slog.Logger) RecoveryOption {
	return func(rc *Recovery) {
		if logger != nil {
			rc.logger = logger
		}
	}
}

// NewRecovery creates the recovery service over the store and router.
func NewRecovery(store Store, router *Router, bus *Bus, opts ...RecoveryOption) *Recovery {
	rc := &Recovery{store: store, router: router, bus: bus, logger: nopLogger}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// SweepOrphans marks every execution left in pending or running by a
// previous process as failed. There is no child process to reattach to,
// so the rows are reconciled before routings resume. One event is
// published per swept execution.
func (rc *Recovery) SweepOrphans(ctx context.Context) (int, error) {
	orphans, err := rc.store.ListExecutions(ctx, ExecutionFilter{
		Statuses: []ExecutionStatus{ExecutionPending, ExecutionRunning},
	})
	if err != nil {
		return 0, err
	}
	for _, e := range orphans {
		e.Status = ExecutionFailed
		e.Output = "Execution interrupted by server restart (recovered)"
		e.CompletedAt = NowUnixMilli()
		e.UpdatedAt = e.CompletedAt
		if err := rc.store.UpdateExecution(ctx, e); err != nil {
			rc.logger.Warn("recovery: orphan sweep failed for execution", "execution_id", e.ID, "error", err)
			continue
		}
		rc.bus.Emit(EventExecutionUpdated, ExecutionEvent{
			ID: e.ID, TaskID: e.TaskID, AgentID: e.AgentID, AgentName: e.AgentName,
			Status: e.Status, Result: e.Result,
		})
	}
	if len(orphans) > 0 {
		rc.logger.Info("recovery: orphan executions swept", "count", len(orphans))
	}
	return len(orphans), nil
}

// RecoverAll resumes every non-terminal routing in creation order. The
// scan is best-effort: one routing's failure is logged and does not
// stop the others. It returns the number of routings whose driver was
// restarted.
func (rc *Recovery) RecoverAll(ctx context.Context) (int, error) {
	pending, err := rc.router.FindPending(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, routing := range pending {
		if _, err := rc.router.Resume(ctx, routing.ID); err != nil {
			rc.logger.Warn("recovery: resume failed", "routing_id", routing.ID, "task_id", routing.TaskID, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		rc.logger.Info("recovery: routings resumed", "count", resumed)
	}
	return resumed, nil
}

// ResumeTask resumes one task's routing if it is non-terminal.
func (rc *Recovery) ResumeTask(ctx context.Context, taskID string) (*TaskRouting, error) {
	routing, err := rc.router.GetByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return rc.router.Resume(ctx, routing.ID)
}

// RunSweeper periodically re-runs RecoverAll until ctx is cancelled.
// Resume respects fresh locks, so healthy drivers are never disturbed;
// the sweeper only picks up routings whose lock is absent or stale.
// interval <= 0 disables the sweeper.
func (rc *Recovery) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rc.RecoverAll(ctx); err != nil {
				rc.logger.Warn("recovery: sweep failed", "error", err)
			}
		}
	}
}
