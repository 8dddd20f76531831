// Package store defines the narrow persistence APIs the core mutates
// through, plus in-memory and PostgreSQL implementations. All mutations are
// idempotent where the contract requires it; atomicity is the store's
// responsibility, serialization of callers is the core's.
package store

import (
	"context"
	"time"

	"github.com/agentwatch/ares/pkg/models"
)

// EvidenceStore is the append-only log of proof-of-work artifacts and tool
// call records, keyed by task. Append order is the iteration order; nothing
// is ever deleted or reordered.
type EvidenceStore interface {
	// AppendArtifact appends an artifact. Idempotent on artifact ID:
	// a duplicate collapses silently and reports alreadyExists.
	AppendArtifact(ctx context.Context, a models.Artifact) (alreadyExists bool, err error)

	// AppendToolCall appends a tool call record, idempotent on record ID.
	AppendToolCall(ctx context.Context, rec models.ToolCallRecord) (alreadyExists bool, err error)

	// SetToolCallValidation records the validator's per-call outcome.
	// Written exactly once per call; later writes are ignored.
	SetToolCallValidation(ctx context.Context, taskID, callID string, v models.Validation) error

	ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error)
	ListToolCalls(ctx context.Context, taskID string) ([]models.ToolCallRecord, error)
}

// SnapshotStore maps tasks to their single pre-task snapshot and the
// outcome of the single restore attempt.
type SnapshotStore interface {
	// Capture stores the snapshot. Returns ErrAlreadyExists if the task
	// already has one.
	Capture(ctx context.Context, snap models.Snapshot) error

	// Get returns the snapshot for a task, or ErrNotFound.
	Get(ctx context.Context, taskID string) (*models.Snapshot, error)

	// RecordRestore stores the restore outcome. First write wins; a second
	// write returns the previously recorded outcome with alreadyExists set.
	RecordRestore(ctx context.Context, rec models.RestoreRecord) (prior *models.RestoreRecord, alreadyExists bool, err error)

	// GetRestore returns the recorded restore outcome, or ErrNotFound.
	GetRestore(ctx context.Context, taskID string) (*models.RestoreRecord, error)
}

// AgentStore holds registered agents. Names are unique.
type AgentStore interface {
	Create(ctx context.Context, agent models.Agent) error
	Get(ctx context.Context, agentID string) (*models.Agent, error)
	SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error
}

// TaskStore holds tasks. State transitions are the core's responsibility;
// the store only persists them.
type TaskStore interface {
	Create(ctx context.Context, task models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)
	Update(ctx context.Context, task models.Task) error
}

// VerdictStore holds at most one verdict per task.
type VerdictStore interface {
	// Put stores the verdict. Returns ErrAlreadyExists if one exists.
	Put(ctx context.Context, v models.Verdict) error
	Get(ctx context.Context, taskID string) (*models.Verdict, error)
}

// EnforcementStore is the append-only enforcement action log.
type EnforcementStore interface {
	Append(ctx context.Context, action models.EnforcementAction) error
	ListByAgent(ctx context.Context, agentID string, since time.Time) ([]models.EnforcementAction, error)
}
