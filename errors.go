package maestro

import "fmt"

// Error codes carried in API error envelopes.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeDatabase   = "DATABASE_ERROR"
	CodeInternal   = "INTERNAL_ERROR"
)

// ValidationError reports malformed caller input. It is rejected at the
// API boundary and never reaches the core services.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Kind string // "workspace", "agent", "task", "routing", "execution", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports an operation the current state forbids, such as
// deleting a workspace that still has in-progress tasks.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }
