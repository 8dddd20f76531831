package models

import "time"

// Snapshot is the opaque pre-task state captured for rollback. At most one
// per task; OpaqueState is understood only by the restore handler
// registered for Scope.
type Snapshot struct {
	TaskID      string    `json:"task_id"`
	Scope       string    `json:"scope"`
	OpaqueState []byte    `json:"opaque_state,omitempty"`
	RestoreKey  string    `json:"restore_key,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// RestoreOutcome is the recorded result of a restore attempt.
type RestoreOutcome string

// Restore outcome values.
const (
	RestoreOutcomeRestored RestoreOutcome = "restored"
	RestoreOutcomeFailed   RestoreOutcome = "restore_failed"
)

// RestoreRecord is the immutable record of the single restore attempt for a
// task. Subsequent restore calls return this record unchanged.
type RestoreRecord struct {
	TaskID      string         `json:"task_id"`
	Outcome     RestoreOutcome `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// Succeeded reports whether the restore completed successfully.
func (r *RestoreRecord) Succeeded() bool {
	return r.Outcome == RestoreOutcomeRestored
}
