package maestro

import "testing"

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskTodo, TaskInProgress, true},
		{TaskTodo, TaskDone, true},
		{TaskTodo, TaskInReview, false},
		{TaskTodo, TaskTodo, false},
		{TaskInProgress, TaskTodo, true},
		{TaskInProgress, TaskInReview, true},
		{TaskInProgress, TaskDone, true},
		{TaskInReview, TaskTodo, true},
		{TaskInReview, TaskInProgress, true},
		{TaskInReview, TaskDone, true},
		{TaskDone, TaskTodo, true},
		{TaskDone, TaskInProgress, false},
		{TaskDone, TaskInReview, false},
		{TaskDone, TaskDone, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatusValid(t *testing.T) {
	for _, s := range []TaskStatus{TaskTodo, TaskInProgress, TaskInReview, TaskDone} {
		if !s.Valid() {
			t.Errorf("%s reported invalid", s)
		}
	}
	if TaskStatus("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestRoutingStatusTerminal(t *testing.T) {
	tests := []struct {
		status RoutingStatus
		want   bool
	}{
		{RoutingPending, false},
		{RoutingRunning, false},
		{RoutingCompleted, true},
		{RoutingFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	tests := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionPending, false},
		{ExecutionRunning, false},
		{ExecutionCompleted, true},
		{ExecutionFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
