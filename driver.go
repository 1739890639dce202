package maestro

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// agentOutcome is the driver's classification of one executeAgent call.
type agentOutcome struct {
	success   bool   // the agent ran to a usable verdict
	worked    bool   // the invocation counts against convergence
	retryable bool   // a crash the driver may retry
	err       string // failure description for comments and retries
}

// runLoop is the driver goroutine for one routing. It is detached from
// the triggering request: the loop runs until the routing converges, is
// cancelled, or fails, and always releases the routing lock on exit.
func (r *Router) runLoop(routingID, taskID string) {
	ctx := context.Background()
	defer func() {
		if r.loopDone != nil {
			r.loopDone(taskID)
		}
	}()
	defer r.releaseLock(ctx, routingID)
	defer func() {
		if p := recover(); p != nil {
			r.failRouting(ctx, routingID, taskID, fmt.Sprintf("driver panic: %v", p))
		}
	}()

	if err := r.drive(ctx, routingID, taskID); err != nil {
		r.failRouting(ctx, routingID, taskID, err.Error())
	}
}

// drive walks the agent pipeline until convergence. Each turn re-reads
// the routing record and the agent list from the store, so external
// cancellation and concurrent agent edits take effect on the next step.
func (r *Router) drive(ctx context.Context, routingID, taskID string) error {
	for {
		routing, err := r.store.GetRouting(ctx, routingID)
		if err != nil {
			return fmt.Errorf("load routing: %w", err)
		}
		if routing.Status != RoutingRunning {
			r.logger.Info("router: driver stopping, routing no longer running",
				"task_id", taskID, "status", routing.Status)
			return nil
		}

		task, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		agents, err := r.store.ListAgents(ctx, task.WorkspaceID)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		if len(agents) == 0 {
			return r.completeRouting(ctx, routing)
		}

		// Iteration boundary: convergence means a full pass in which no
		// agent worked.
		if routing.CurrentAgentIndex >= len(agents) {
			if !routing.AnyAgentWorked {
				return r.completeRouting(ctx, routing)
			}
			routing.CurrentAgentIndex = 0
			routing.Iteration++
			routing.AnyAgentWorked = false
			routing.RetryCount = 0
			routing.UpdatedAt = NowUnixMilli()
			if err := r.store.UpdateRouting(ctx, routing); err != nil {
				return fmt.Errorf("start iteration: %w", err)
			}
			r.emitRouting(routing)
			r.logger.Info("router: iteration started", "task_id", taskID, "iteration", routing.Iteration)
			continue
		}

		agent := agents[routing.CurrentAgentIndex]
		outcome := r.executeAgent(ctx, task, agent)

		if outcome.success {
			if outcome.worked {
				routing.AnyAgentWorked = true
			}
			routing.RetryCount = 0
			routing.CurrentAgentIndex++
			routing.UpdatedAt = NowUnixMilli()
			if err := r.store.UpdateRouting(ctx, routing); err != nil {
				return fmt.Errorf("advance agent: %w", err)
			}
			r.emitRouting(routing)
			continue
		}

		if outcome.retryable && routing.RetryCount < MaxRetries {
			routing.RetryCount++
			routing.UpdatedAt = NowUnixMilli()
			if err := r.store.UpdateRouting(ctx, routing); err != nil {
				return fmt.Errorf("record retry: %w", err)
			}
			r.logger.Warn("router: agent failed, retrying",
				"task_id", taskID, "agent", agent.Name, "attempt", routing.RetryCount, "error", outcome.err)
			r.emitRouting(routing)
			time.Sleep(retryDelay)
			continue
		}

		// Retries exhausted (or not retryable): record the failure and
		// move on. Counting the failure as "worked" guarantees the
		// convergence check cannot loop forever on a broken agent.
		r.systemComment(ctx, taskID, fmt.Sprintf("Agent %s failed: %s", agent.Name, outcome.err))
		routing.AnyAgentWorked = true
		routing.RetryCount = 0
		routing.CurrentAgentIndex++
		routing.UpdatedAt = NowUnixMilli()
		if err := r.store.UpdateRouting(ctx, routing); err != nil {
			return fmt.Errorf("advance past failed agent: %w", err)
		}
		r.emitRouting(routing)
	}
}

// executeAgent creates a new execution for the agent, hands it to the
// runner, and classifies the terminal execution into an agentOutcome.
func (r *Router) executeAgent(ctx context.Context, task *Task, agent *Agent) agentOutcome {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "routing.execute_agent",
			StringAttr("task.id", task.ID),
			StringAttr("agent.name", agent.Name))
		defer span.End()
	}

	now := NowUnixMilli()
	e := &Execution{
		ID:        NewID(),
		TaskID:    task.ID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		CLIType:   agent.CLIType,
		Status:    ExecutionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateExecution(ctx, e); err != nil {
		return agentOutcome{retryable: true, err: fmt.Sprintf("create execution: %v", err)}
	}
	r.bus.Emit(EventExecutionCreated, ExecutionEvent{
		ID: e.ID, TaskID: e.TaskID, AgentID: e.AgentID, AgentName: e.AgentName, Status: e.Status,
	})

	ws, err := r.store.GetWorkspace(ctx, task.WorkspaceID)
	if err != nil {
		return agentOutcome{retryable: true, err: fmt.Sprintf("load workspace: %v", err)}
	}

	final, err := r.runner.Run(ctx, ExecutionContext{
		Execution:            *e,
		Task:                 *task,
		Agent:                *agent,
		Workspace:            *ws,
		WorkspaceInstruction: r.workspaceInstruction(ctx, ws.ID),
	})
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return agentOutcome{retryable: true, err: err.Error()}
	}

	outcome := r.classifyExecution(ctx, task, agent, final)
	if span != nil {
		span.SetAttr(
			StringAttr("execution.status", string(final.Status)),
			StringAttr("execution.result", string(final.Result)),
			BoolAttr("outcome.worked", outcome.worked))
	}
	return outcome
}

// classifyExecution maps a terminal execution to the driver's verdict
// and applies comment side effects. Timeouts count as worked and are
// not retried; any other failure is a retryable crash.
func (r *Router) classifyExecution(ctx context.Context, task *Task, agent *Agent, e *Execution) agentOutcome {
	switch e.Status {
	case ExecutionCompleted:
		switch e.Result {
		case ResultComment:
			r.agentComment(ctx, task.ID, agent.Name, e.Output)
			return agentOutcome{success: true, worked: true}
		case ResultError:
			// The agent deliberately reported an error; the output is
			// already on the execution record.
			return agentOutcome{success: true, worked: true}
		default:
			return agentOutcome{success: true}
		}
	case ExecutionFailed:
		out := strings.ToLower(e.Output)
		if strings.Contains(out, "timeout") || strings.Contains(out, "terminated") {
			r.systemComment(ctx, task.ID, fmt.Sprintf("Agent %s timed out", agent.Name))
			return agentOutcome{success: true, worked: true}
		}
		return agentOutcome{retryable: true, err: e.Output}
	default:
		return agentOutcome{retryable: true, err: fmt.Sprintf("execution ended in unexpected status %s", e.Status)}
	}
}
