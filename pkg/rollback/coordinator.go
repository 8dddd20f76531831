// Package rollback restores pre-task state after failed or cancelled tasks.
// Restore handlers are opaque to the coordinator: it sequences exactly one
// attempt per task and records the outcome, nothing more.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// DefaultRestoreDeadline bounds a single restore attempt.
const DefaultRestoreDeadline = 60 * time.Second

// ErrNoSnapshot is returned when a task never captured a snapshot. The
// caller marks the task rolled back without a restore attempt.
var ErrNoSnapshot = errors.New("no snapshot captured")

// RestoreHandler applies a snapshot's opaque state back onto the external
// system it was captured from. Handlers must be safe to call once per task;
// the coordinator never retries.
type RestoreHandler interface {
	Restore(ctx context.Context, snap models.Snapshot) error
}

// RestoreHandlerFunc adapts a function to the RestoreHandler interface.
type RestoreHandlerFunc func(ctx context.Context, snap models.Snapshot) error

// Restore calls f.
func (f RestoreHandlerFunc) Restore(ctx context.Context, snap models.Snapshot) error {
	return f(ctx, snap)
}

// HandlerRegistry maps snapshot scopes to restore handlers. Populated at
// startup only; reads after that are lock-free.
type HandlerRegistry struct {
	handlers map[string]RestoreHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]RestoreHandler)}
}

// Register binds a handler to a scope. Re-registering a scope is a
// configuration bug and fails.
func (r *HandlerRegistry) Register(scope string, h RestoreHandler) error {
	if scope == "" {
		return store.NewValidationError("scope", "cannot be empty")
	}
	if h == nil {
		return store.NewValidationError("handler", "cannot be nil")
	}
	if _, exists := r.handlers[scope]; exists {
		return fmt.Errorf("restore handler already registered for scope %q", scope)
	}
	r.handlers[scope] = h
	return nil
}

// Get returns the handler for a scope.
func (r *HandlerRegistry) Get(scope string) (RestoreHandler, bool) {
	h, ok := r.handlers[scope]
	return h, ok
}

// Coordinator runs at most one restore attempt per task and records its
// outcome. The recorded outcome is immutable: later calls for the same task
// return it without touching the handler again.
type Coordinator struct {
	snapshots store.SnapshotStore
	handlers  *HandlerRegistry
	deadline  time.Duration
}

// NewCoordinator creates a rollback coordinator. A non-positive deadline
// falls back to DefaultRestoreDeadline.
func NewCoordinator(snapshots store.SnapshotStore, handlers *HandlerRegistry, deadline time.Duration) *Coordinator {
	if deadline <= 0 {
		deadline = DefaultRestoreDeadline
	}
	return &Coordinator{
		snapshots: snapshots,
		handlers:  handlers,
		deadline:  deadline,
	}
}

// Restore rolls the task's snapshot back. Returns ErrNoSnapshot when the
// task never captured one. The caller holds the task lock, so at most one
// attempt runs at a time; the recorded outcome makes re-entry idempotent
// across restarts as well.
func (c *Coordinator) Restore(ctx context.Context, taskID string) (*models.RestoreRecord, error) {
	if prior, err := c.snapshots.GetRestore(ctx, taskID); err == nil {
		return prior, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check restore record: %w", err)
	}

	snap, err := c.snapshots.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rec := models.RestoreRecord{
		TaskID:      taskID,
		AttemptedAt: time.Now(),
	}

	handler, ok := c.handlers.Get(snap.Scope)
	if !ok {
		rec.Outcome = models.RestoreOutcomeFailed
		rec.Reason = "no_handler:" + snap.Scope
		return c.record(ctx, rec)
	}

	rec.Outcome, rec.Reason = c.attempt(ctx, handler, *snap)
	return c.record(ctx, rec)
}

// attempt runs the handler once under the restore deadline. A timed-out
// handler keeps running in its goroutine until it observes its context; the
// outcome is already failed by then.
func (c *Coordinator) attempt(ctx context.Context, handler RestoreHandler, snap models.Snapshot) (models.RestoreOutcome, string) {
	restoreCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- handler.Restore(restoreCtx, snap)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Restore handler timed out",
				"task_id", snap.TaskID, "scope", snap.Scope, "deadline", c.deadline)
			return models.RestoreOutcomeFailed, "timeout"
		}
		if err != nil {
			slog.Warn("Restore handler failed",
				"task_id", snap.TaskID, "scope", snap.Scope, "error", err)
			return models.RestoreOutcomeFailed, err.Error()
		}
		return models.RestoreOutcomeRestored, ""
	case <-restoreCtx.Done():
		slog.Warn("Restore handler timed out",
			"task_id", snap.TaskID, "scope", snap.Scope, "deadline", c.deadline)
		return models.RestoreOutcomeFailed, "timeout"
	}
}

// record persists the outcome; a concurrent or prior write wins.
func (c *Coordinator) record(ctx context.Context, rec models.RestoreRecord) (*models.RestoreRecord, error) {
	prior, alreadyExists, err := c.snapshots.RecordRestore(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record restore outcome: %w", err)
	}
	if alreadyExists {
		return prior, nil
	}
	return &rec, nil
}
