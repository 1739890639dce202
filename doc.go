// Package maestro is an autonomous task-orchestration server core for Go.
//
// It drives a configurable pipeline of external "agent" command-line tools
// over user-created tasks: a human files a task in a workspace, the routing
// engine invokes each configured agent in order, isolates every invocation
// in a per-execution sandbox directory, streams its output, collects its
// structured result, and loops the pipeline until no agent performs further
// work. State is durable; a crash-restart resumes interrupted pipelines.
//
// # Quick Start
//
// Wire the core services against an embedded store:
//
//	st := sqlite.New(filepath.Join(dataDir, "maestro.db"))
//	if err := st.Init(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	bus := maestro.NewBus()
//	pool := maestro.NewPool(4)
//	exec := maestro.NewExecutor(st, bus, pool, clis.Resolve)
//	router := maestro.NewRouter(st, exec, bus)
//
//	routing, err := router.Trigger(ctx, taskID)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Store] — durable persistence for workspaces, agents, tasks,
//     routings, executions, logs, comments, and attachments
//   - [Runner] — runs one agent against one task and reports a
//     structured outcome (implemented by [Executor])
//   - [AcceptingChecker] — lifecycle capability consulted before new
//     routings are admitted
//
// # Included Implementations
//
// Storage: store/sqlite (embedded, default), store/postgres (server-grade).
// Transport: internal/server (JSON API plus line-delimited event streams).
// Telemetry: observer (OpenTelemetry traces, metrics, and logs).
//
// See cmd/maestro for the complete server binary.
package maestro
