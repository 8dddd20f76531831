package rollback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

func captureSnapshot(t *testing.T, snapshots store.SnapshotStore, taskID, scope string) {
	t.Helper()
	require.NoError(t, snapshots.Capture(context.Background(), models.Snapshot{
		TaskID:      taskID,
		Scope:       scope,
		OpaqueState: []byte(`{"rev":"abc123"}`),
		RestoreKey:  "rev/abc123",
		CapturedAt:  time.Now(),
	}))
}

func TestHandlerRegistry(t *testing.T) {
	r := NewHandlerRegistry()
	noop := RestoreHandlerFunc(func(context.Context, models.Snapshot) error { return nil })

	require.NoError(t, r.Register("workspace", noop))
	assert.Error(t, r.Register("workspace", noop), "duplicate scope")
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("db", nil))

	_, ok := r.Get("workspace")
	assert.True(t, ok)
	_, ok = r.Get("db")
	assert.False(t, ok)
}

func TestRestoreSuccess(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	captureSnapshot(t, snapshots, "task-1", "workspace")

	var calls atomic.Int32
	var got models.Snapshot
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("workspace", RestoreHandlerFunc(
		func(_ context.Context, snap models.Snapshot) error {
			calls.Add(1)
			got = snap
			return nil
		})))

	c := NewCoordinator(snapshots, registry, 0)
	rec, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOutcomeRestored, rec.Outcome)
	assert.True(t, rec.Succeeded())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "rev/abc123", got.RestoreKey)
}

func TestRestoreIdempotent(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	captureSnapshot(t, snapshots, "task-1", "workspace")

	var calls atomic.Int32
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("workspace", RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error {
			calls.Add(1)
			return nil
		})))

	c := NewCoordinator(snapshots, registry, 0)
	first, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	second, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "handler runs exactly once")
	assert.Equal(t, first, second)
}

func TestRestoreNoSnapshot(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	c := NewCoordinator(snapshots, NewHandlerRegistry(), 0)

	_, err := c.Restore(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	// No restore attempt is recorded for snapshotless tasks.
	_, err = snapshots.GetRestore(context.Background(), "task-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreNoHandler(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	captureSnapshot(t, snapshots, "task-1", "unknown-scope")

	c := NewCoordinator(snapshots, NewHandlerRegistry(), 0)
	rec, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOutcomeFailed, rec.Outcome)
	assert.Equal(t, "no_handler:unknown-scope", rec.Reason)
}

func TestRestoreHandlerError(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	captureSnapshot(t, snapshots, "task-1", "workspace")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("workspace", RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error {
			return errors.New("revision gone")
		})))

	c := NewCoordinator(snapshots, registry, 0)
	rec, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOutcomeFailed, rec.Outcome)
	assert.Equal(t, "revision gone", rec.Reason)

	// The failure is final: a second call returns the record, no retry.
	rec2, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, rec, rec2)
}

func TestRestoreTimeout(t *testing.T) {
	snapshots := store.NewMemorySnapshotStore()
	captureSnapshot(t, snapshots, "task-1", "workspace")

	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("workspace", RestoreHandlerFunc(
		func(ctx context.Context, _ models.Snapshot) error {
			<-ctx.Done()
			return ctx.Err()
		})))

	c := NewCoordinator(snapshots, registry, 50*time.Millisecond)

	rec, err := c.Restore(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOutcomeFailed, rec.Outcome)
	assert.Equal(t, "timeout", rec.Reason)
}
