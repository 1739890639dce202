package maestro

// EventType identifies the kind of bus event.
type EventType string

const (
	// EventTaskCreated signals a new task row.
	EventTaskCreated EventType = "task:created"
	// EventTaskUpdated signals a task field or status change.
	EventTaskUpdated EventType = "task:updated"
	// EventTaskDeleted signals task removal (cascades included).
	EventTaskDeleted EventType = "task:deleted"
	// EventTaskCommentAdded signals a new comment on a task.
	EventTaskCommentAdded EventType = "task:comment:added"
	// EventExecutionCreated signals a new execution row (status pending).
	EventExecutionCreated EventType = "execution:created"
	// EventExecutionUpdated signals an execution status or result change.
	EventExecutionUpdated EventType = "execution:updated"
	// EventExecutionLog carries one line of agent output.
	EventExecutionLog EventType = "execution:log"
	// EventRoutingUpdated signals routing state machine progress.
	EventRoutingUpdated EventType = "routing:updated"
)

// Event is the envelope delivered to every subscriber. Timestamp is
// server-assigned at emit time, in Unix milliseconds.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp int64     `json:"timestamp"`
}

// --- Payloads ---

// TaskEvent is the payload of task:created / task:updated / task:deleted.
type TaskEvent struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Status      TaskStatus `json:"status,omitempty"`
}

// CommentEvent is the payload of task:comment:added.
type CommentEvent struct {
	TaskID     string     `json:"task_id"`
	CommentID  string     `json:"comment_id"`
	Author     string     `json:"author"`
	AuthorType AuthorType `json:"author_type"`
}

// ExecutionEvent is the payload of execution:created / execution:updated.
type ExecutionEvent struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Result    ExecutionResult `json:"result,omitempty"`
}

// ExecutionLogEvent is the payload of execution:log. It is also what the
// per-execution log subchannel delivers, in production order.
type ExecutionLogEvent struct {
	ExecutionID string `json:"execution_id"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
}

// RoutingEvent is the payload of routing:updated.
type RoutingEvent struct {
	TaskID            string        `json:"task_id"`
	Status            RoutingStatus `json:"status"`
	CurrentAgentIndex int           `json:"current_agent_index"`
	Iteration         int           `json:"iteration"`
	RetryCount        int           `json:"retry_count,omitempty"`
}
