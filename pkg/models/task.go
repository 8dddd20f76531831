package models

import "time"

// TaskState is the lifecycle state of a task.
type TaskState string

// Task state values. Verified and RolledBack are terminal. Failed is the
// transient hop between a failing verdict and its rollback; tasks always
// settle in RolledBack and are never persisted as Failed.
const (
	TaskStatePending              TaskState = "pending"
	TaskStateInProgress           TaskState = "in_progress"
	TaskStateAwaitingVerification TaskState = "awaiting_verification"
	TaskStateVerified             TaskState = "verified"
	TaskStateFailed               TaskState = "failed"
	TaskStateRolledBack           TaskState = "rolled_back"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskStateVerified || s == TaskStateRolledBack
}

// Task is a unit of work submitted for verification, owned by one agent.
type Task struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agent_id"`
	Description string             `json:"description"`
	Criteria    AcceptanceCriteria `json:"criteria"`
	State       TaskState          `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	// StartedAt is set on the Pending → InProgress transition,
	// CompletedAt on entry to AwaitingVerification.
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the observed task duration, or 0 if the task never
// reached completion.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// CreateTaskRequest contains fields for submitting a new task.
type CreateTaskRequest struct {
	AgentID     string             `json:"agent_id"`
	Description string             `json:"description"`
	Criteria    AcceptanceCriteria `json:"criteria"`
}
