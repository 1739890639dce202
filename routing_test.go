package maestro

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// routingFixture wires a Router over the in-memory store with a
// scripted runner and a loop-done channel for synchronizing on driver
// exit.
type routingFixture struct {
	store  *memStore
	runner *scriptedRunner
	router *Router
	bus    *Bus
	done   chan string

	workspace *Workspace
	task      *Task
}

func newRoutingFixture(t *testing.T, agentNames []string, steps ...runnerStep) *routingFixture {
	t.Helper()
	ctx := context.Background()

	store := newMemStore()
	runner := newScriptedRunner(store, steps...)
	bus := NewBus()
	done := make(chan string, 4)

	router := NewRouter(store, runner, bus, withLoopDone(func(taskID string) { done <- taskID }))

	now := NowUnixMilli()
	ws := &Workspace{ID: NewID(), Name: "pipeline", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	for _, name := range agentNames {
		a := &Agent{ID: NewID(), WorkspaceID: ws.ID, Name: name, CLIType: "claude", CreatedAt: now, UpdatedAt: now}
		if err := store.CreateAgent(ctx, a); err != nil {
			t.Fatalf("create agent: %v", err)
		}
	}
	task := &Task{ID: NewID(), WorkspaceID: ws.ID, Title: "build it", Status: TaskTodo, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	return &routingFixture{store: store, runner: runner, router: router, bus: bus, done: done, workspace: ws, task: task}
}

func (f *routingFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(10 * time.Second):
		t.Fatal("driver loop did not finish")
	}
}

func (f *routingFixture) routing(t *testing.T) *TaskRouting {
	t.Helper()
	r, err := f.store.GetRoutingByTask(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("load routing: %v", err)
	}
	return r
}

func (f *routingFixture) taskStatus(t *testing.T) TaskStatus {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	return task.Status
}

func (f *routingFixture) commentContents(t *testing.T) []string {
	t.Helper()
	comments, err := f.store.ListComments(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	out := make([]string, len(comments))
	for i, c := range comments {
		out[i] = c.Content
	}
	return out
}

func hasComment(contents []string, substr string) bool {
	for _, c := range contents {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func TestTriggerConvergesWhenAllAgentsSkip(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect", "reviewer"})

	routing, err := f.router.Trigger(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if routing.Status != RoutingRunning {
		t.Fatalf("trigger returned status %s, want running", routing.Status)
	}
	f.waitDone(t)

	final := f.routing(t)
	if final.Status != RoutingCompleted {
		t.Errorf("routing status = %s, want completed", final.Status)
	}
	if final.LockedAt != 0 {
		t.Errorf("lock not released, locked_at = %d", final.LockedAt)
	}
	if got := f.taskStatus(t); got != TaskInReview {
		t.Errorf("task status = %s, want in_review", got)
	}
	if n := f.runner.callCount(); n != 2 {
		t.Errorf("runner calls = %d, want 2 (one pass)", n)
	}
	if !hasComment(f.commentContents(t), "routing completed") {
		t.Error("missing completion system comment")
	}
}

func TestDriverRunsSecondIterationAfterWork(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect", "reviewer"},
		runnerStep{status: ExecutionCompleted, result: ResultComment, output: "refactored the parser"},
		runnerStep{status: ExecutionCompleted, result: ResultSkip},
	)

	if _, err := f.router.Trigger(context.Background(), f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	// Iteration 0: architect comments, reviewer skips. Iteration 1: both
	// skip, converged.
	if got := f.runner.agentSequence(); len(got) != 4 {
		t.Fatalf("runner sequence = %v, want 4 calls over two iterations", got)
	}
	final := f.routing(t)
	if final.Status != RoutingCompleted {
		t.Errorf("routing status = %s, want completed", final.Status)
	}
	if final.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", final.Iteration)
	}
	if !hasComment(f.commentContents(t), "refactored the parser") {
		t.Error("agent comment content not persisted")
	}
}

func TestDriverCountsErrorResultAsWork(t *testing.T) {
	f := newRoutingFixture(t, []string{"solo"},
		runnerStep{status: ExecutionCompleted, result: ResultError, output: "cannot satisfy the request"},
		runnerStep{status: ExecutionCompleted, result: ResultSkip},
	)

	if _, err := f.router.Trigger(context.Background(), f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	if n := f.runner.callCount(); n != 2 {
		t.Errorf("runner calls = %d, want 2 (error result forces a second pass)", n)
	}
	if got := f.routing(t).Status; got != RoutingCompleted {
		t.Errorf("routing status = %s, want completed", got)
	}
}

func TestDriverRetriesCrashThenGivesUp(t *testing.T) {
	crash := runnerStep{err: errors.New("spawn failed")}
	f := newRoutingFixture(t, []string{"flaky"},
		crash, crash, crash, crash, // initial attempt + MaxRetries
		runnerStep{status: ExecutionCompleted, result: ResultSkip},
	)

	if _, err := f.router.Trigger(context.Background(), f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	// 4 failed attempts, then the failure is recorded as work, then one
	// clean pass converges.
	if n := f.runner.callCount(); n != 5 {
		t.Errorf("runner calls = %d, want 5", n)
	}
	comments := f.commentContents(t)
	if !hasComment(comments, "Agent flaky failed: spawn failed") {
		t.Errorf("missing give-up comment, got %v", comments)
	}
	if got := f.routing(t).Status; got != RoutingCompleted {
		t.Errorf("routing status = %s, want completed", got)
	}
}

func TestDriverTreatsTimeoutAsWorkedWithoutRetry(t *testing.T) {
	f := newRoutingFixture(t, []string{"slowpoke"},
		runnerStep{status: ExecutionFailed, output: "Execution was terminated: timeout after 5m0s"},
		runnerStep{status: ExecutionCompleted, result: ResultSkip},
	)

	start := time.Now()
	if _, err := f.router.Trigger(context.Background(), f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	if n := f.runner.callCount(); n != 2 {
		t.Errorf("runner calls = %d, want 2 (timeout is not retried)", n)
	}
	if elapsed := time.Since(start); elapsed > retryDelay {
		t.Errorf("driver slept %v; timeouts must not hit the retry delay", elapsed)
	}
	if !hasComment(f.commentContents(t), "Agent slowpoke timed out") {
		t.Error("missing timeout system comment")
	}
}

func TestDriverCompletesEmptyWorkspace(t *testing.T) {
	f := newRoutingFixture(t, nil)

	if _, err := f.router.Trigger(context.Background(), f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	if got := f.routing(t).Status; got != RoutingCompleted {
		t.Errorf("routing status = %s, want completed", got)
	}
	if n := f.runner.callCount(); n != 0 {
		t.Errorf("runner calls = %d, want 0", n)
	}
}

type staticChecker bool

func (c staticChecker) Accepting() bool { return bool(c) }

func TestTriggerRefusedWhileDraining(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect"})
	f.router.checker = staticChecker(false)

	_, err := f.router.Trigger(context.Background(), f.task.ID)
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("trigger error = %v, want ErrDraining", err)
	}
}

func TestTriggerSkipsWhenLockFresh(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect"})
	ctx := context.Background()

	now := NowUnixMilli()
	routing := &TaskRouting{ID: NewID(), TaskID: f.task.ID, Status: RoutingRunning, LockedAt: now, CreatedAt: now, UpdatedAt: now}
	if err := f.store.CreateRouting(ctx, routing); err != nil {
		t.Fatalf("create routing: %v", err)
	}

	got, err := f.router.Trigger(ctx, f.task.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got.ID != routing.ID {
		t.Fatalf("trigger returned routing %s, want existing %s", got.ID, routing.ID)
	}
	select {
	case <-f.done:
		t.Fatal("a second driver started despite the fresh lock")
	case <-time.After(100 * time.Millisecond):
	}
	if n := f.runner.callCount(); n != 0 {
		t.Errorf("runner calls = %d, want 0", n)
	}
}

func TestTriggerOverridesStaleLock(t *testing.T) {
	f := newRoutingFixture(t, nil)
	ctx := context.Background()

	stale := NowUnixMilli() - (lockStaleAfter + time.Minute).Milliseconds()
	routing := &TaskRouting{ID: NewID(), TaskID: f.task.ID, Status: RoutingRunning, LockedAt: stale, CreatedAt: stale, UpdatedAt: stale}
	if err := f.store.CreateRouting(ctx, routing); err != nil {
		t.Fatalf("create routing: %v", err)
	}

	if _, err := f.router.Trigger(ctx, f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	if got := f.routing(t).Status; got != RoutingCompleted {
		t.Errorf("routing status = %s, want completed (stale lock overridden)", got)
	}
}

func TestCancelMarksFailedAndResetsTask(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect"})
	ctx := context.Background()

	if _, err := f.router.Trigger(ctx, f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	routing, err := f.router.Cancel(ctx, f.task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if routing.Status != RoutingFailed {
		t.Errorf("routing status = %s, want failed", routing.Status)
	}
	if routing.ErrorMessage != "Cancelled by user" {
		t.Errorf("error message = %q", routing.ErrorMessage)
	}
	if got := f.taskStatus(t); got != TaskTodo {
		t.Errorf("task status = %s, want todo", got)
	}
	if !hasComment(f.commentContents(t), "cancelled by user") {
		t.Error("missing cancellation comment")
	}

	// Cancelling again converges on the same state.
	again, err := f.router.Cancel(ctx, f.task.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Status != RoutingFailed {
		t.Errorf("second cancel status = %s, want failed", again.Status)
	}
}

func TestCancelWithoutRoutingIsNoop(t *testing.T) {
	f := newRoutingFixture(t, nil)

	routing, err := f.router.Cancel(context.Background(), f.task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if routing != nil {
		t.Fatalf("cancel returned %+v, want nil for a task without routing", routing)
	}
}

func TestRetriggerResetsTerminalRouting(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect"})
	ctx := context.Background()

	if _, err := f.router.Trigger(ctx, f.task.ID); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	f.waitDone(t)
	first := f.routing(t)
	if first.Status != RoutingCompleted {
		t.Fatalf("first round status = %s, want completed", first.Status)
	}

	// The task is in_review now; re-trigger moves it back through
	// in_progress and reuses the same routing row.
	if _, err := f.router.Trigger(ctx, f.task.ID); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	f.waitDone(t)

	second := f.routing(t)
	if second.ID != first.ID {
		t.Errorf("re-trigger created a new routing row %s, want reuse of %s", second.ID, first.ID)
	}
	if second.Status != RoutingCompleted {
		t.Errorf("second round status = %s, want completed", second.Status)
	}
	if n := f.runner.callCount(); n != 2 {
		t.Errorf("runner calls = %d, want 2 (one per round)", n)
	}
}

func TestResumeTerminalRoutingIsNoop(t *testing.T) {
	f := newRoutingFixture(t, []string{"architect"})
	ctx := context.Background()

	if _, err := f.router.Trigger(ctx, f.task.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.waitDone(t)

	routing := f.routing(t)
	resumed, err := f.router.Resume(ctx, routing.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != RoutingCompleted {
		t.Errorf("resume of terminal routing returned %s, want completed", resumed.Status)
	}
	select {
	case <-f.done:
		t.Fatal("resume restarted a driver for a terminal routing")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkspaceInstructionUnquotesJSON(t *testing.T) {
	f := newRoutingFixture(t, nil)
	ctx := context.Background()

	set := func(value string) {
		t.Helper()
		err := f.store.SetWorkspaceSetting(ctx, &WorkspaceSetting{
			WorkspaceID: f.workspace.ID, Key: "instruction", Value: value, UpdatedAt: NowUnixMilli(),
		})
		if err != nil {
			t.Fatalf("set setting: %v", err)
		}
	}

	if got := f.router.workspaceInstruction(ctx, f.workspace.ID); got != "" {
		t.Errorf("missing setting yielded %q, want empty", got)
	}

	set(`"use the staging cluster"`)
	if got := f.router.workspaceInstruction(ctx, f.workspace.ID); got != "use the staging cluster" {
		t.Errorf("quoted value yielded %q", got)
	}

	set(`not json at all`)
	if got := f.router.workspaceInstruction(ctx, f.workspace.ID); got != "not json at all" {
		t.Errorf("raw value yielded %q", got)
	}
}
