package maestro

// --- Task status ---

// TaskStatus is the user-visible kanban state of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
)

// taskTransitions is the allowed task status transition table.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskTodo:       {TaskInProgress: true, TaskDone: true},
	TaskInProgress: {TaskTodo: true, TaskInReview: true, TaskDone: true},
	TaskInReview:   {TaskTodo: true, TaskInProgress: true, TaskDone: true},
	TaskDone:       {TaskTodo: true},
}

// CanTransitionTo reports whether the status may move to the target state.
// Self-transitions are not allowed.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	return taskTransitions[s][to]
}

// Valid reports whether s is one of the four known task states.
func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// --- Routing status ---

// RoutingStatus is the lifecycle state of a task's routing record.
type RoutingStatus string

const (
	RoutingPending   RoutingStatus = "pending"
	RoutingRunning   RoutingStatus = "running"
	RoutingCompleted RoutingStatus = "completed"
	RoutingFailed    RoutingStatus = "failed"
)

// Terminal reports whether the routing round has ended. A new trigger on
// a terminal routing resets the record in place.
func (s RoutingStatus) Terminal() bool {
	return s == RoutingCompleted || s == RoutingFailed
}

// --- Execution status / result ---

// ExecutionStatus is the lifecycle state of one agent invocation.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ExecutionResult is the agent-declared outcome read from
// task_output.json. Empty means the execution produced no result
// (still running, or failed before output collection).
type ExecutionResult string

const (
	ResultSkip    ExecutionResult = "skip"
	ResultComment ExecutionResult = "comment"
	ResultError   ExecutionResult = "error"
)

// --- Comment authorship ---

// AuthorType distinguishes who wrote a comment.
type AuthorType string

const (
	AuthorHuman  AuthorType = "human"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

// --- Domain types (database records) ---

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Agent is a user-configured invocation of an external CLI tool, bound to
// a workspace at an ordinal position. Order is dense 0..N-1 within the
// workspace; create, delete, and reorder keep it dense.
type Agent struct {
	ID                 string `json:"id"`
	WorkspaceID        string `json:"workspace_id"`
	Name               string `json:"name"`
	RoleInstruction    string `json:"role_instruction"`
	WorkingInstruction string `json:"working_instruction"`
	CLIType            string `json:"cli_type"`
	Order              int    `json:"order"`
	TimeoutMinutes     int    `json:"timeout_minutes"` // 0 = no per-execution timeout
	CreatedAt          int64  `json:"created_at"`
	UpdatedAt          int64  `json:"updated_at"`
}

type Task struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// TaskRouting is the durable routing-engine record, exactly one per task.
// LockedAt is a cooperative lock timestamp: zero means unlocked, and a
// holder older than the stale window may be overridden.
type TaskRouting struct {
	ID                string        `json:"id"`
	TaskID            string        `json:"task_id"`
	Status            RoutingStatus `json:"status"`
	CurrentAgentIndex int           `json:"current_agent_index"`
	Iteration         int           `json:"iteration"`
	AnyAgentWorked    bool          `json:"any_agent_worked"`
	LockedAt          int64         `json:"locked_at"` // 0 = unlocked
	ErrorMessage      string        `json:"error_message,omitempty"`
	RetryCount        int           `json:"retry_count"`
	CreatedAt         int64         `json:"created_at"`
	UpdatedAt         int64         `json:"updated_at"`
}

// Execution is one concrete run of one agent against one task. AgentName
// and CLIType are denormalized so history survives agent deletion.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	AgentName   string          `json:"agent_name"`
	CLIType     string          `json:"cli_type"`
	Status      ExecutionStatus `json:"status"`
	Result      ExecutionResult `json:"result,omitempty"`
	Output      string          `json:"output,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"`   // set on entry to running
	CompletedAt int64           `json:"completed_at,omitempty"` // set on entry to a terminal state
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// ExecutionLog is one append-only line of agent output.
type ExecutionLog struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

type Comment struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Author     string     `json:"author"`
	AuthorType AuthorType `json:"author_type"`
	Content    string     `json:"content"`
	Log        string     `json:"log,omitempty"` // optional raw trace
	CreatedAt  int64      `json:"created_at"`
}

// Attachment metadata; binary content lives in the attachments directory
// under StoredName.
type Attachment struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Filename   string `json:"filename"`    // original upload name
	StoredName string `json:"stored_name"` // content filename on disk
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	CreatedAt  int64  `json:"created_at"`
}

// TaskTemplate pre-fills new tasks within a workspace.
type TaskTemplate struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// WorkspaceSetting is a keyed JSON value scoped to a workspace. The
// "instruction" key, when present, is handed to agents as the workspace
// instruction.
type WorkspaceSetting struct {
	WorkspaceID string `json:"workspace_id"`
	Key         string `json:"key"`
	Value       string `json:"value"` // JSON-encoded scalar or object
	UpdatedAt   int64  `json:"updated_at"`
}

// --- Executor contract ---

// ExecutionContext carries everything the executor needs to run one agent
// against one task. Comments and attachments are read from the store at
// sandbox-preparation time so the agent sees the freshest state.
type ExecutionContext struct {
	Execution            Execution
	Task                 Task
	Agent                Agent
	Workspace            Workspace
	WorkspaceInstruction string
}
