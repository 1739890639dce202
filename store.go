package maestro

import "context"

// Store is the durable persistence contract. It is the sole authority for
// routing, execution, task, and comment state: every read that influences
// control flow comes from a store read, never from an in-memory cache.
//
// Implementations live in store/sqlite (embedded, default) and
// store/postgres.
type Store interface {
	// --- Workspaces ---
	CreateWorkspace(ctx context.Context, w *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	UpdateWorkspace(ctx context.Context, w *Workspace) error
	// DeleteWorkspace cascades to agents, tasks, templates, and settings.
	DeleteWorkspace(ctx context.Context, id string) error

	// --- Workspace settings ---
	GetWorkspaceSetting(ctx context.Context, workspaceID, key string) (*WorkspaceSetting, error)
	SetWorkspaceSetting(ctx context.Context, s *WorkspaceSetting) error
	ListWorkspaceSettings(ctx context.Context, workspaceID string) ([]*WorkspaceSetting, error)
	DeleteWorkspaceSetting(ctx context.Context, workspaceID, key string) error

	// --- Agents ---
	// CreateAgent appends the agent at the next dense order position.
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ListAgents returns the workspace's agents ordered by position.
	ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	// DeleteAgent renumbers the remaining agents so order stays dense 0..N-1.
	DeleteAgent(ctx context.Context, id string) error
	// ReorderAgents applies a full permutation of the workspace's agent IDs.
	ReorderAgents(ctx context.Context, workspaceID string, ids []string) error

	// --- Tasks ---
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error

	// --- Comments ---
	CreateComment(ctx context.Context, c *Comment) error
	// ListComments returns the task's comments in chronological order.
	ListComments(ctx context.Context, taskID string) ([]*Comment, error)

	// --- Attachments ---
	CreateAttachment(ctx context.Context, a *Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)
	ListAttachments(ctx context.Context, taskID string) ([]*Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error

	// --- Task templates ---
	CreateTemplate(ctx context.Context, t *TaskTemplate) error
	GetTemplate(ctx context.Context, id string) (*TaskTemplate, error)
	ListTemplates(ctx context.Context, workspaceID string) ([]*TaskTemplate, error)
	UpdateTemplate(ctx context.Context, t *TaskTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// --- Routings ---
	CreateRouting(ctx context.Context, r *TaskRouting) error
	GetRouting(ctx context.Context, id string) (*TaskRouting, error)
	GetRoutingByTask(ctx context.Context, taskID string) (*TaskRouting, error)
	// ListRoutings orders by creation time so recovery resumes oldest first.
	ListRoutings(ctx context.Context, f RoutingFilter) ([]*TaskRouting, error)
	UpdateRouting(ctx context.Context, r *TaskRouting) error
	DeleteRoutingByTask(ctx context.Context, taskID string) error
	// AcquireRoutingLock sets locked_at = now iff the lock is free or older
	// than staleBefore. Reports whether this caller now holds the lock.
	AcquireRoutingLock(ctx context.Context, id string, now, staleBefore int64) (bool, error)
	ReleaseRoutingLock(ctx context.Context, id string) error

	// --- Executions ---
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)
	UpdateExecution(ctx context.Context, e *Execution) error

	// --- Execution logs ---
	AppendExecutionLog(ctx context.Context, l *ExecutionLog) error
	// ListExecutionLogs returns logs ordered by timestamp, then insertion.
	ListExecutionLogs(ctx context.Context, executionID string) ([]*ExecutionLog, error)

	// --- Transactions + lifecycle ---
	// WithTx runs fn atomically. The Store passed to fn shares the
	// transaction; a non-nil error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Init(ctx context.Context) error
	Close() error
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	WorkspaceID string
	Status      TaskStatus
}

// RoutingFilter narrows ListRoutings. Zero values mean "any".
type RoutingFilter struct {
	TaskID   string
	Statuses []RoutingStatus
}

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	TaskID   string
	Statuses []ExecutionStatus
}
