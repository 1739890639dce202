package maestro

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// killGracePeriod is how long a signalled child has to exit before it
// is killed outright.
const killGracePeriod = 5 * time.Second

// maxStreamLineBytes bounds a single line of agent CLI output.
const maxStreamLineBytes = 1024 * 1024

// maxStderrBytes bounds captured agent CLI stderr, which is diagnostic
// only and never shown to users.
const maxStderrBytes = 8 * 1024

// CLIProfile describes how to invoke one kind of agent CLI: the binary,
// the fixed argument vector requesting streaming JSON output in
// autonomous mode, and any extra environment entries.
type CLIProfile struct {
	Command string
	Args    []string
	Env     []string
}

// CLIResolver maps an agent's cli_type to an invocable profile. It
// returns an error for unknown types, which fails the execution.
type CLIResolver func(cliType string) (CLIProfile, error)

// Runner abstracts agent execution for the routing engine.
type Runner interface {
	// Run drives one execution to a terminal state: it reserves a pool
	// slot, prepares the sandbox, spawns the agent CLI, streams its
	// output into execution logs, and persists the outcome. The
	// returned execution carries the final status, result, and output.
	Run(ctx context.Context, ec ExecutionContext) (*Execution, error)
	// CancelByTask kills every live process belonging to the task and
	// reports how many were signalled.
	CancelByTask(taskID string) int
	// RunningCount reports the number of in-flight executions.
	RunningCount() int
}

// Executor runs agent CLIs in per-execution sandbox directories.
//
// Each Run call owns the full child-process lifecycle: pool admission,
// sandbox preparation, spawn, output streaming, timeout enforcement
// (soft kill, then SIGKILL after a grace period), result classification,
// and sandbox removal.
type Executor struct {
	store   Store
	bus     *Bus
	pool    *Pool
	resolve CLIResolver
	logger  *slog.Logger

	sandboxRoot   string
	attachmentDir string

	mu     sync.Mutex
	byExec map[string]*procHandle
	byTask map[string]map[string]*procHandle
}

var _ Runner = (*Executor)(nil)

// ExecutorOption configures the Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger used by the executor.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(ex *Executor) {
		if logger != nil {
			ex.logger = logger
		}
	}
}

// WithSandboxRoot sets the directory under which per-execution
// sandboxes are created. Defaults to <os.TempDir()>/maestro.
func WithSandboxRoot(dir string) ExecutorOption {
	return func(ex *Executor) {
		if dir != "" {
			ex.sandboxRoot = dir
		}
	}
}

// WithAttachmentDir sets the directory holding attachment blobs keyed
// by stored_name.
func WithAttachmentDir(dir string) ExecutorOption {
	return func(ex *Executor) {
		if dir != "" {
			ex.attachmentDir = dir
		}
	}
}

// NewExecutor creates an Executor. The resolver maps agent cli_type
// values to runnable CLI profiles.
func NewExecutor(store Store, bus *Bus, pool *Pool, resolve CLIResolver, opts ...ExecutorOption) *Executor {
	ex := &Executor{
		store:         store,
		bus:           bus,
		pool:          pool,
		resolve:       resolve,
		logger:        nopLogger,
		sandboxRoot:   filepath.Join(os.TempDir(), "maestro"),
		attachmentDir: "",
		byExec:        make(map[string]*procHandle),
		byTask:        make(map[string]map[string]*procHandle),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// procHandle tracks one live execution for cancellation.
type procHandle struct {
	executionID string
	taskID      string
	cancel      context.CancelFunc
}

// Run executes the agent described by ec and returns the finalized
// execution record. Run always drives the execution row to a terminal
// state; the error return is reserved for persistence failures.
func (ex *Executor) Run(ctx context.Context, ec ExecutionContext) (*Execution, error) {
	e := &ec.Execution
	// Final state must be persisted even when ctx dies mid-run
	// (timeout, cancel, shutdown).
	persistCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := time.Duration(ec.Agent.TimeoutMinutes) * time.Minute
	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	ex.register(e, cancel)
	defer ex.unregister(e)

	start := time.Now()
	ex.logger.Info("executor: run started",
		"execution_id", e.ID, "task_id", e.TaskID, "agent", ec.Agent.Name, "cli_type", ec.Agent.CLIType)

	token, err := ex.pool.Acquire(runCtx)
	if err != nil {
		// Cancelled or timed out while queued; the child never started.
		return ex.finalize(persistCtx, e, ExecutionFailed, "", killedOutput(runCtx, timeout))
	}
	defer token.Release()

	if err := ex.markRunning(persistCtx, e); err != nil {
		// Do not strand the row in pending until the next restart's
		// orphan sweep.
		if final, ferr := ex.finalize(persistCtx, e, ExecutionFailed, "",
			fmt.Sprintf("failed to start execution: %v", err)); ferr == nil {
			return final, nil
		}
		return nil, err
	}

	dir, inputPath, err := ex.prepareSandbox(persistCtx, ec)
	if err != nil {
		return ex.finalize(persistCtx, e, ExecutionFailed, "", fmt.Sprintf("failed to prepare sandbox: %v", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			ex.logger.Warn("executor: sandbox cleanup failed", "execution_id", e.ID, "error", err)
		}
	}()

	profile, err := ex.resolve(ec.Agent.CLIType)
	if err != nil {
		return ex.finalize(persistCtx, e, ExecutionFailed, "", fmt.Sprintf("unknown CLI type %q: %v", ec.Agent.CLIType, err))
	}

	cmd := exec.CommandContext(runCtx, profile.Command, profile.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "BROWSER=none")
	cmd.Env = append(cmd.Env, profile.Env...)
	cmd.Stdin = strings.NewReader(fmt.Sprintf(
		"Read %s and follow the instructions in fully autonomous mode.", inputPath))
	// Soft kill first so the CLI can flush state; SIGKILL after the
	// grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ex.finalize(persistCtx, e, ExecutionFailed, "", fmt.Sprintf("failed to start CLI: %v", err))
	}
	var stderrBuf limitedWriter
	stderrBuf.limit = maxStderrBytes
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return ex.finalize(persistCtx, e, ExecutionFailed, "", fmt.Sprintf("failed to start CLI: %v", err))
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		for _, content := range extractLogLines(scanner.Bytes()) {
			ex.appendLog(persistCtx, e.ID, content)
		}
	}
	if err := scanner.Err(); err != nil {
		// An oversized or torn line stops the scanner; keep reading so
		// the child never blocks on a full pipe.
		ex.logger.Warn("executor: output stream unreadable, discarding remainder",
			"execution_id", e.ID, "error", err)
		io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	if stderr := stderrBuf.String(); stderr != "" {
		ex.logger.Debug("executor: CLI stderr", "execution_id", e.ID, "stderr", stderr)
	}

	status, result, output := classify(runCtx, waitErr, dir, timeout)
	final, err := ex.finalize(persistCtx, e, status, result, output)
	if err != nil {
		return nil, err
	}
	ex.logger.Info("executor: run finished",
		"execution_id", e.ID, "status", status, "result", result, "duration", time.Since(start))
	return final, nil
}

// classify maps the child's exit to the execution's terminal state.
func classify(runCtx context.Context, waitErr error, dir string, timeout time.Duration) (ExecutionStatus, ExecutionResult, string) {
	if runCtx.Err() != nil {
		return ExecutionFailed, "", killedOutput(runCtx, timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return ExecutionFailed, "", fmt.Sprintf("CLI exited with code %d", exitErr.ExitCode())
		}
		return ExecutionFailed, "", fmt.Sprintf("CLI failed: %v", waitErr)
	}

	// Exit 0: the agent's verdict lives in task_output.json. A missing
	// or malformed file is tolerated and treated as skip.
	data, err := os.ReadFile(filepath.Join(dir, "task_output.json"))
	if err != nil {
		return ExecutionCompleted, ResultSkip, ""
	}
	var out struct {
		Result  string `json:"result"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return ExecutionCompleted, ResultSkip, ""
	}
	switch out.Result {
	case string(ResultComment):
		return ExecutionCompleted, ResultComment, out.Content
	case string(ResultError):
		return ExecutionCompleted, ResultError, out.Content
	case string(ResultSkip):
		return ExecutionCompleted, ResultSkip, ""
	default:
		return ExecutionCompleted, ResultSkip, ""
	}
}

// killedOutput describes why a child was killed. The returned string
// always contains "terminated" so the routing driver classifies it as
// a timeout-style signal rather than a retryable crash.
func killedOutput(runCtx context.Context, timeout time.Duration) string {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Execution was terminated: timeout after %s", timeout)
	}
	return "Execution was terminated: cancelled"
}

func (ex *Executor) markRunning(ctx context.Context, e *Execution) error {
	e.Status = ExecutionRunning
	e.StartedAt = NowUnixMilli()
	e.UpdatedAt = e.StartedAt
	if err := ex.store.UpdateExecution(ctx, e); err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	ex.emitUpdated(e)
	return nil
}

// finalize drives the execution row to a terminal state and publishes
// the update.
func (ex *Executor) finalize(ctx context.Context, e *Execution, status ExecutionStatus, result ExecutionResult, output string) (*Execution, error) {
	e.Status = status
	e.Result = result
	e.Output = output
	e.CompletedAt = NowUnixMilli()
	e.UpdatedAt = e.CompletedAt
	if err := ex.store.UpdateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("finalize execution: %w", err)
	}
	ex.emitUpdated(e)
	return e, nil
}

func (ex *Executor) emitUpdated(e *Execution) {
	ex.bus.Emit(EventExecutionUpdated, ExecutionEvent{
		ID:        e.ID,
		TaskID:    e.TaskID,
		AgentID:   e.AgentID,
		AgentName: e.AgentName,
		Status:    e.Status,
		Result:    e.Result,
	})
}

// appendLog persists one log line and publishes it on the bus. Log
// persistence is best-effort; a failed write never aborts the run.
func (ex *Executor) appendLog(ctx context.Context, executionID, content string) {
	l := &ExecutionLog{
		ID:          NewID(),
		ExecutionID: executionID,
		Content:     content,
		Timestamp:   NowUnixMilli(),
	}
	if err := ex.store.AppendExecutionLog(ctx, l); err != nil {
		ex.logger.Warn("executor: append log failed", "execution_id", executionID, "error", err)
		return
	}
	ex.bus.Emit(EventExecutionLog, ExecutionLogEvent{
		ExecutionID: executionID,
		Content:     content,
		Timestamp:   l.Timestamp,
	})
}

// extractLogLines pulls displayable text out of one line of the agent
// CLI's streaming JSON output. Unparseable lines are ignored.
func extractLogLines(line []byte) []string {
	if len(line) == 0 {
		return nil
	}
	var msg struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case "assistant":
		var out []string
		for _, block := range msg.Message.Content {
			if block.Type == "text" && block.Text != "" {
				out = append(out, block.Text)
			}
		}
		return out
	case "content_block_delta":
		if msg.Content != "" {
			return []string{msg.Content}
		}
	}
	return nil
}

// --- Cancellation and introspection ---

func (ex *Executor) register(e *Execution, cancel context.CancelFunc) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	h := &procHandle{executionID: e.ID, taskID: e.TaskID, cancel: cancel}
	ex.byExec[e.ID] = h
	if ex.byTask[e.TaskID] == nil {
		ex.byTask[e.TaskID] = make(map[string]*procHandle)
	}
	ex.byTask[e.TaskID][e.ID] = h
}

func (ex *Executor) unregister(e *Execution) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	delete(ex.byExec, e.ID)
	if m := ex.byTask[e.TaskID]; m != nil {
		delete(m, e.ID)
		if len(m) == 0 {
			delete(ex.byTask, e.TaskID)
		}
	}
}

// Cancel kills the process behind one execution. It reports whether a
// live execution was found.
func (ex *Executor) Cancel(executionID string) bool {
	ex.mu.Lock()
	h, ok := ex.byExec[executionID]
	ex.mu.Unlock()
	if !ok {
		return false
	}
	ex.logger.Info("executor: cancelling execution", "execution_id", executionID)
	h.cancel()
	return true
}

// CancelByTask kills every live execution belonging to the task and
// reports how many were signalled.
func (ex *Executor) CancelByTask(taskID string) int {
	ex.mu.Lock()
	var handles []*procHandle
	for _, h := range ex.byTask[taskID] {
		handles = append(handles, h)
	}
	ex.mu.Unlock()

	for _, h := range handles {
		ex.logger.Info("executor: cancelling execution", "execution_id", h.executionID, "task_id", taskID)
		h.cancel()
	}
	return len(handles)
}

// CancelAll kills every live execution. Used by shutdown after the
// drain window expires.
func (ex *Executor) CancelAll() int {
	ex.mu.Lock()
	var handles []*procHandle
	for _, h := range ex.byExec {
		handles = append(handles, h)
	}
	ex.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	return len(handles)
}

// RunningCount reports the number of in-flight executions.
func (ex *Executor) RunningCount() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.byExec)
}

// RunningExecutions returns the IDs of in-flight executions.
func (ex *Executor) RunningExecutions() []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]string, 0, len(ex.byExec))
	for id := range ex.byExec {
		out = append(out, id)
	}
	return out
}

// PoolStats reports the executor pool's occupancy.
func (ex *Executor) PoolStats() PoolStats {
	return ex.pool.Stats()
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return len(p), nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
