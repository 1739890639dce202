package maestro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// MaxRetries bounds consecutive retries of one agent before the
	// driver gives up, records a system comment, and advances.
	MaxRetries = 3

	// lockStaleAfter is the age past which a routing lock may be
	// overridden. A crashed driver is replaced by recovery without
	// operator intervention at the cost of up to this much dead time.
	lockStaleAfter = 5 * time.Minute

	// retryDelay is the pause between retries of a crashed agent.
	retryDelay = time.Second
)

// workspaceInstructionKey is the workspace setting handed to agents in
// task_input.json.
const workspaceInstructionKey = "instruction"

// ErrDraining is returned by Trigger while the server is shutting down
// and refusing new routing work.
var ErrDraining = errors.New("server is draining, not accepting new routings")

// AcceptingChecker reports whether new routing work may start. The
// lifecycle coordinator implements it; the router holds it as an
// injected capability so the two packages need no direct reference.
type AcceptingChecker interface {
	Accepting() bool
}

// Router is the routing engine: the per-task state machine that walks a
// workspace's agent pipeline, iterating until the agents converge.
//
// For each triggered task the Router runs a driver loop on its own
// goroutine; the durable TaskRouting record is the loop's only state.
// Every read that influences control flow comes from the store, so a
// crash-restart resumes exactly where the record says.
type Router struct {
	store    Store
	runner   Runner
	bus      *Bus
	checker  AcceptingChecker
	tracer   Tracer
	logger   *slog.Logger
	loopDone func(taskID string) // test hook, called when a driver exits
}

// RouterOption configures the Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger used by the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAcceptingChecker injects the shutdown gate consulted by Trigger.
func WithAcceptingChecker(c AcceptingChecker) RouterOption {
	return func(r *Router) { r.checker = c }
}

// WithRouterTracer sets the tracer for routing round and execution spans.
func WithRouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// withLoopDone registers a hook invoked when a driver loop exits.
func withLoopDone(fn func(taskID string)) RouterOption {
	return func(r *Router) { r.loopDone = fn }
}

// NewRouter creates a routing engine over the given store, runner, and
// event bus.
func NewRouter(store Store, runner Runner, bus *Bus, opts ...RouterOption) *Router {
	r := &Router{
		store:  store,
		runner: runner,
		bus:    bus,
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger starts (or restarts) routing for the task. It is idempotent:
// if another driver holds a fresh lock the current record is returned
// unchanged and no second driver starts. On success the driver loop
// runs in the background and the routing record is returned immediately.
func (r *Router) Trigger(ctx context.Context, taskID string) (*TaskRouting, error) {
	if r.checker != nil && !r.checker.Accepting() {
		return nil, ErrDraining
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	routing, err := r.findOrCreateRouting(ctx, taskID)
	if err != nil {
		return nil, err
	}

	acquired, err := r.acquireLock(ctx, routing)
	if err != nil {
		return nil, err
	}
	if !acquired {
		r.logger.Info("router: trigger skipped, lock held", "task_id", taskID)
		return routing, nil
	}

	if err := r.setTaskStatus(ctx, task, TaskInProgress); err != nil {
		r.releaseLock(ctx, routing.ID)
		return nil, err
	}

	routing.Status = RoutingRunning
	routing.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateRouting(ctx, routing); err != nil {
		r.releaseLock(ctx, routing.ID)
		return nil, err
	}
	r.emitRouting(routing)

	r.logger.Info("router: routing triggered", "task_id", taskID, "routing_id", routing.ID)
	go r.runLoop(routing.ID, taskID)
	return routing, nil
}

// Resume re-enters the driver loop for a non-terminal routing at its
// persisted (iteration, current_agent_index). A terminal routing or a
// fresh lock makes Resume a no-op returning the current record.
func (r *Router) Resume(ctx context.Context, routingID string) (*TaskRouting, error) {
	routing, err := r.store.GetRouting(ctx, routingID)
	if err != nil {
		return nil, err
	}
	if routing.Status.Terminal() {
		return routing, nil
	}

	acquired, err := r.acquireLock(ctx, routing)
	if err != nil {
		return nil, err
	}
	if !acquired {
		r.logger.Info("router: resume skipped, lock held", "routing_id", routingID)
		return routing, nil
	}

	if task, err := r.store.GetTask(ctx, routing.TaskID); err == nil {
		if err := r.setTaskStatus(ctx, task, TaskInProgress); err != nil {
			r.releaseLock(ctx, routing.ID)
			return nil, err
		}
	}

	routing.Status = RoutingRunning
	routing.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateRouting(ctx, routing); err != nil {
		r.releaseLock(ctx, routing.ID)
		return nil, err
	}
	r.emitRouting(routing)

	r.logger.Info("router: routing resumed", "routing_id", routingID, "task_id", routing.TaskID,
		"iteration", routing.Iteration, "agent_index", routing.CurrentAgentIndex)
	go r.runLoop(routing.ID, routing.TaskID)
	return routing, nil
}

// Cancel stops routing for the task: every running execution is killed,
// the routing is marked failed, and the task returns to todo so the
// user can re-trigger. Cancelling a task without a routing returns nil;
// cancelling a completed routing still marks it failed, because the
// user intent is "stop further work". Repeated calls converge.
func (r *Router) Cancel(ctx context.Context, taskID string) (*TaskRouting, error) {
	routing, err := r.store.GetRoutingByTask(ctx, taskID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}

	killed := r.runner.CancelByTask(taskID)
	r.logger.Info("router: routing cancelled", "task_id", taskID, "executions_killed", killed)

	routing.Status = RoutingFailed
	routing.ErrorMessage = "Cancelled by user"
	routing.LockedAt = 0
	routing.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateRouting(ctx, routing); err != nil {
		return nil, err
	}
	r.emitRouting(routing)

	if task, err := r.store.GetTask(ctx, taskID); err == nil {
		if err := r.setTaskStatus(ctx, task, TaskTodo); err != nil {
			return nil, err
		}
	}
	r.systemComment(ctx, taskID, "Task routing cancelled by user")
	return routing, nil
}

// Delete cancels any running work and removes the task's routing record.
func (r *Router) Delete(ctx context.Context, taskID string) error {
	r.runner.CancelByTask(taskID)
	return r.store.DeleteRoutingByTask(ctx, taskID)
}

// Get returns one routing by id.
func (r *Router) Get(ctx context.Context, id string) (*TaskRouting, error) {
	return r.store.GetRouting(ctx, id)
}

// GetByTask returns the task's routing record.
func (r *Router) GetByTask(ctx context.Context, taskID string) (*TaskRouting, error) {
	return r.store.GetRoutingByTask(ctx, taskID)
}

// List returns routings matching the filter in creation order.
func (r *Router) List(ctx context.Context, f RoutingFilter) ([]*TaskRouting, error) {
	return r.store.ListRoutings(ctx, f)
}

// FindPending returns every non-terminal routing in creation order.
func (r *Router) FindPending(ctx context.Context) ([]*TaskRouting, error) {
	return r.store.ListRoutings(ctx, RoutingFilter{
		Statuses: []RoutingStatus{RoutingPending, RoutingRunning},
	})
}

// findOrCreateRouting returns the task's routing record, creating it if
// absent. A terminal record is reset in place for a fresh round.
func (r *Router) findOrCreateRouting(ctx context.Context, taskID string) (*TaskRouting, error) {
	routing, err := r.store.GetRoutingByTask(ctx, taskID)
	if err != nil {
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		now := NowUnixMilli()
		routing = &TaskRouting{
			ID:        NewID(),
			TaskID:    taskID,
			Status:    RoutingPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.CreateRouting(ctx, routing); err != nil {
			return nil, err
		}
		return routing, nil
	}

	if routing.Status.Terminal() {
		routing.Status = RoutingPending
		routing.CurrentAgentIndex = 0
		routing.Iteration = 0
		routing.AnyAgentWorked = false
		routing.RetryCount = 0
		routing.ErrorMessage = ""
		routing.UpdatedAt = NowUnixMilli()
		if err := r.store.UpdateRouting(ctx, routing); err != nil {
			return nil, err
		}
	}
	return routing, nil
}

// acquireLock takes the routing lock and, on success, syncs the lock
// timestamp into the caller's struct so later UpdateRouting calls do
// not write a stale locked_at back.
func (r *Router) acquireLock(ctx context.Context, routing *TaskRouting) (bool, error) {
	now := NowUnixMilli()
	acquired, err := r.store.AcquireRoutingLock(ctx, routing.ID, now, now-lockStaleAfter.Milliseconds())
	if acquired {
		routing.LockedAt = now
	}
	return acquired, err
}

func (r *Router) releaseLock(ctx context.Context, routingID string) {
	if err := r.store.ReleaseRoutingLock(ctx, routingID); err != nil {
		r.logger.Warn("router: release lock failed", "routing_id", routingID, "error", err)
	}
}

// --- Terminal transitions ---

// completeRouting ends the round after a converged iteration: routing →
// completed, task → in_review, one system comment.
func (r *Router) completeRouting(ctx context.Context, routing *TaskRouting) error {
	routing.Status = RoutingCompleted
	routing.ErrorMessage = ""
	routing.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateRouting(ctx, routing); err != nil {
		return err
	}
	r.emitRouting(routing)

	task, err := r.store.GetTask(ctx, routing.TaskID)
	if err != nil {
		return err
	}
	if err := r.setTaskStatus(ctx, task, TaskInReview); err != nil {
		return err
	}
	r.systemComment(ctx, routing.TaskID, "Task routing completed — awaiting review")
	r.logger.Info("router: routing completed", "task_id", routing.TaskID, "iterations", routing.Iteration+1)
	return nil
}

// failRouting records a fatal driver error: routing → failed with the
// message, task → todo so the user can retry.
func (r *Router) failRouting(ctx context.Context, routingID, taskID, errMsg string) {
	routing, err := r.store.GetRouting(ctx, routingID)
	if err != nil {
		r.logger.Error("router: fail routing, load failed", "routing_id", routingID, "error", err)
		return
	}
	routing.Status = RoutingFailed
	routing.ErrorMessage = errMsg
	routing.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateRouting(ctx, routing); err != nil {
		r.logger.Error("router: fail routing, update failed", "routing_id", routingID, "error", err)
		return
	}
	r.emitRouting(routing)

	if task, err := r.store.GetTask(ctx, taskID); err == nil {
		if err := r.setTaskStatus(ctx, task, TaskTodo); err != nil {
			r.logger.Error("router: fail routing, task transition failed", "task_id", taskID, "error", err)
		}
	}
	r.systemComment(ctx, taskID, "Task routing failed: "+errMsg)
	r.logger.Error("router: routing failed", "task_id", taskID, "error", errMsg)
}

// setTaskStatus moves the task through the allowed transition table and
// publishes task:updated. Setting the current status is a no-op.
func (r *Router) setTaskStatus(ctx context.Context, task *Task, to TaskStatus) error {
	if task.Status == to {
		return nil
	}
	if !task.Status.CanTransitionTo(to) {
		return &ConflictError{Reason: fmt.Sprintf("task %s cannot move from %s to %s", task.ID, task.Status, to)}
	}
	task.Status = to
	task.UpdatedAt = NowUnixMilli()
	if err := r.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	r.bus.Emit(EventTaskUpdated, TaskEvent{ID: task.ID, WorkspaceID: task.WorkspaceID, Status: task.Status})
	return nil
}

// systemComment appends a system-authored comment to the task. Comment
// persistence is best-effort; a failure is logged, never fatal.
func (r *Router) systemComment(ctx context.Context, taskID, content string) {
	c := &Comment{
		ID:         NewID(),
		TaskID:     taskID,
		Author:     "system",
		AuthorType: AuthorSystem,
		Content:    content,
		CreatedAt:  NowUnixMilli(),
	}
	if err := r.store.CreateComment(ctx, c); err != nil {
		r.logger.Warn("router: system comment failed", "task_id", taskID, "error", err)
		return
	}
	r.bus.Emit(EventTaskCommentAdded, CommentEvent{
		TaskID:     taskID,
		CommentID:  c.ID,
		Author:     c.Author,
		AuthorType: c.AuthorType,
	})
}

// agentComment appends an agent-authored comment carrying the agent's
// task_output.json content.
func (r *Router) agentComment(ctx context.Context, taskID, author, content string) {
	c := &Comment{
		ID:         NewID(),
		TaskID:     taskID,
		Author:     author,
		AuthorType: AuthorAgent,
		Content:    content,
		CreatedAt:  NowUnixMilli(),
	}
	if err := r.store.CreateComment(ctx, c); err != nil {
		r.logger.Warn("router: agent comment failed", "task_id", taskID, "error", err)
		return
	}
	r.bus.Emit(EventTaskCommentAdded, CommentEvent{
		TaskID:     taskID,
		CommentID:  c.ID,
		Author:     c.Author,
		AuthorType: c.AuthorType,
	})
}

func (r *Router) emitRouting(routing *TaskRouting) {
	r.bus.Emit(EventRoutingUpdated, RoutingEvent{
		TaskID:            routing.TaskID,
		Status:            routing.Status,
		CurrentAgentIndex: routing.CurrentAgentIndex,
		Iteration:         routing.Iteration,
		RetryCount:        routing.RetryCount,
	})
}

// workspaceInstruction reads the workspace's "instruction" setting.
// The stored value is JSON; a quoted string is unquoted, anything else
// is passed through raw. Absence yields "".
func (r *Router) workspaceInstruction(ctx context.Context, workspaceID string) string {
	s, err := r.store.GetWorkspaceSetting(ctx, workspaceID, workspaceInstructionKey)
	if err != nil {
		return ""
	}
	var text string
	if json.Unmarshal([]byte(s.Value), &text) == nil {
		return text
	}
	return s.Value
}
