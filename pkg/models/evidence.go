package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ValidationState is the per-call validation outcome set by the tool-call
// validator. Unchecked until verification runs; then set exactly once.
type ValidationState string

// Validation state values.
const (
	ValidationUnchecked ValidationState = "unchecked"
	ValidationValid     ValidationState = "valid"
	ValidationInvalid   ValidationState = "invalid"
)

// Validation pairs a validation state with the reason tag for invalid calls.
type Validation struct {
	State  ValidationState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// ToolCallRecord is a recorded invocation of an external capability by the
// agent during a task.
type ToolCallRecord struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Validation Validation     `json:"validation"`
}

// Artifact is a piece of evidence attached to a task. Append-only: never
// mutated, never deleted while the task is not terminal.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload,omitempty"`
	Hash        string    `json:"hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ArtifactKindRetry marks retry artifacts counted by the behavior monitor.
const ArtifactKindRetry = "retry"

// HashPayload returns the canonical hex-encoded SHA-256 of an artifact
// payload, used for duplicate detection.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
