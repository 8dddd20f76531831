package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/ares/pkg/bus"
	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/rollback"
	"github.com/agentwatch/ares/pkg/store"
	"github.com/agentwatch/ares/pkg/verify"
)

type testHarness struct {
	core     *Core
	restores *atomic.Int32
}

func newTestCore(t *testing.T) *testHarness {
	t.Helper()

	schemas := verify.NewSchemaRegistry()
	require.NoError(t, schemas.Register(verify.ToolSchema{
		Name:     "search",
		Required: []string{"query"},
		Fields:   map[string]verify.FieldType{"query": verify.FieldString},
	}))

	restores := &atomic.Int32{}
	handlers := rollback.NewHandlerRegistry()
	require.NoError(t, handlers.Register("workspace", rollback.RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error {
			restores.Add(1)
			return nil
		})))
	// A scope whose restore always fails, for exercising restore failures.
	require.NoError(t, handlers.Register("filesystem", rollback.RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error {
			restores.Add(1)
			return errors.New("locked")
		})))

	c := New(Deps{
		Agents:          store.NewMemoryAgentStore(),
		Tasks:           store.NewMemoryTaskStore(),
		Evidence:        store.NewMemoryEvidenceStore(),
		Snapshots:       store.NewMemorySnapshotStore(),
		Verdicts:        store.NewMemoryVerdictStore(),
		Enforcement:     store.NewMemoryEnforcementStore(),
		Schemas:         schemas,
		RestoreHandlers: handlers,
		Options:         DefaultOptions(),
	})
	return &testHarness{core: c, restores: restores}
}

func (h *testHarness) registerAgent(t *testing.T) *models.Agent {
	t.Helper()
	agent, err := h.core.RegisterAgent(context.Background(), models.RegisterAgentRequest{Name: "builder-" + t.Name()})
	require.NoError(t, err)
	return agent
}

func standardCriteria() models.AcceptanceCriteria {
	return models.AcceptanceCriteria{
		RequiredArtifacts: []models.ArtifactRequirement{
			{Kind: "code"},
			{Kind: "test_report"},
		},
		Tools: []models.ToolRequirement{
			{Name: "search", MinInvocations: 1, MaxInvocations: 3},
		},
	}
}

func (h *testHarness) createTask(t *testing.T, agentID string, criteria models.AcceptanceCriteria) *models.Task {
	t.Helper()
	task, err := h.core.CreateTask(context.Background(), models.CreateTaskRequest{
		AgentID:     agentID,
		Description: "implement the widget",
		Criteria:    criteria,
	})
	require.NoError(t, err)
	return task
}

func (h *testHarness) recordSearch(t *testing.T, taskID string) {
	t.Helper()
	_, _, err := h.core.RecordToolCall(context.Background(), taskID, models.ToolCallRecord{
		ToolName:  "search",
		Arguments: map[string]any{"query": "widget api"},
		Result:    map[string]any{"hits": []any{"doc"}},
	})
	require.NoError(t, err)
}

func (h *testHarness) appendArtifact(t *testing.T, taskID, kind string, payload []byte) {
	t.Helper()
	_, _, err := h.core.AppendArtifact(context.Background(), taskID, models.Artifact{Kind: kind, Payload: payload})
	require.NoError(t, err)
}

func (h *testHarness) waitTerminal(t *testing.T, taskID string) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = h.core.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		return task.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestHappyPathVerifies(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	sub, err := h.core.Subscribe(bus.TaskTopic(task.ID))
	require.NoError(t, err)
	defer sub.Close()

	h.recordSearch(t, task.ID)
	h.appendArtifact(t, task.ID, "code", []byte("package widget"))
	h.appendArtifact(t, task.ID, "test_report", []byte("ok: 12 passed"))
	require.NoError(t, h.core.CaptureSnapshot(ctx, task.ID, models.Snapshot{Scope: "workspace"}))

	_, err = h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	final := h.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateVerified, final.State)

	verdict, err := h.core.GetVerdict(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, verdict.Outcome)
	assert.Equal(t, 1.0, verdict.Overall)
	assert.Equal(t, 1.0, verdict.SubScores.Completion)
	assert.Equal(t, 1.0, verdict.SubScores.ToolUsage)

	rel, err := h.core.GetReliability(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Score)
	assert.Equal(t, models.TierGood, rel.Tier)

	// The passing task never touches the restore handler.
	assert.Equal(t, int32(0), h.restores.Load())
}

func TestFailedVerificationRollsBack(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	h.recordSearch(t, task.ID)
	h.appendArtifact(t, task.ID, "code", []byte("package widget"))
	require.NoError(t, h.core.CaptureSnapshot(ctx, task.ID, models.Snapshot{Scope: "workspace"}))

	_, err := h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	final := h.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateRolledBack, final.State)
	assert.Equal(t, int32(1), h.restores.Load())

	verdict, err := h.core.GetVerdict(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, verdict.Outcome)
	assert.Contains(t, verdict.Reasons, "missing_artifact:test_report")

	// One clean failure dents the score but not the tier.
	rel, err := h.core.GetReliability(ctx, agent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, rel.Score, 1e-9)
	assert.Equal(t, 1, rel.ConsecutiveFailures)
	assert.Equal(t, models.TierGood, rel.Tier)
}

func TestRestoreFailureStillRollsBack(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	sub, err := h.core.Subscribe(bus.TaskTopic(task.ID))
	require.NoError(t, err)
	defer sub.Close()

	// Missing test_report fails verification; the locked scope then fails
	// the restore itself.
	h.recordSearch(t, task.ID)
	h.appendArtifact(t, task.ID, "code", []byte("package widget"))
	require.NoError(t, h.core.CaptureSnapshot(ctx, task.ID, models.Snapshot{
		Scope:       "filesystem",
		OpaqueState: []byte(`{"rev":"r1"}`),
	}))

	_, err = h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	// The restore failure never parks the task: it still ends rolled back,
	// with the failure carried by the restore record.
	final := h.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateRolledBack, final.State)
	assert.Equal(t, int32(1), h.restores.Load())

	rec, err := h.core.snapshots.GetRestore(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RestoreOutcomeFailed, rec.Outcome)
	assert.Equal(t, "locked", rec.Reason)

	var restored *bus.SnapshotRestoredPayload
	timeout := time.After(2 * time.Second)
	for restored == nil {
		select {
		case evt := <-sub.Events():
			if evt.Type == bus.EventSnapshotRestored {
				payload := evt.Payload.(bus.SnapshotRestoredPayload)
				restored = &payload
			}
		case <-timeout:
			t.Fatal("no snapshot event observed")
		}
	}
	assert.False(t, restored.Success)
	assert.Equal(t, "locked", restored.Reason)
}

// failingVerdictStore rejects every write, simulating persistent storage
// loss while verdicts are being produced.
type failingVerdictStore struct {
	store.VerdictStore
}

func (failingVerdictStore) Put(context.Context, models.Verdict) error {
	return errors.New("disk full")
}

func TestVerificationErrorStillRollsBack(t *testing.T) {
	schemas := verify.NewSchemaRegistry()
	restores := &atomic.Int32{}
	handlers := rollback.NewHandlerRegistry()
	require.NoError(t, handlers.Register("workspace", rollback.RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error {
			restores.Add(1)
			return nil
		})))

	c := New(Deps{
		Agents:          store.NewMemoryAgentStore(),
		Tasks:           store.NewMemoryTaskStore(),
		Evidence:        store.NewMemoryEvidenceStore(),
		Snapshots:       store.NewMemorySnapshotStore(),
		Verdicts:        failingVerdictStore{store.NewMemoryVerdictStore()},
		Enforcement:     store.NewMemoryEnforcementStore(),
		Schemas:         schemas,
		RestoreHandlers: handlers,
		Options:         DefaultOptions(),
	})

	ctx := context.Background()
	agent, err := c.RegisterAgent(ctx, models.RegisterAgentRequest{Name: "builder"})
	require.NoError(t, err)
	task, err := c.CreateTask(ctx, models.CreateTaskRequest{AgentID: agent.ID})
	require.NoError(t, err)
	require.NoError(t, c.CaptureSnapshot(ctx, task.ID, models.Snapshot{Scope: "workspace"}))

	_, err = c.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	// No verdict can be stored, but the task still settles in RolledBack.
	var final *models.Task
	require.Eventually(t, func() bool {
		final, err = c.GetTask(ctx, task.ID)
		return err == nil && final.State.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, models.TaskStateRolledBack, final.State)
	assert.Equal(t, int32(1), restores.Load())

	_, err = c.GetVerdict(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisallowedToolFailsHard(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	h.recordSearch(t, task.ID)
	_, _, err := h.core.RecordToolCall(ctx, task.ID, models.ToolCallRecord{
		ToolName:  "shell",
		Arguments: map[string]any{"cmd": "rm -rf /"},
		Result:    map[string]any{"exit": 0},
	})
	require.NoError(t, err)
	h.appendArtifact(t, task.ID, "code", []byte("package widget"))
	h.appendArtifact(t, task.ID, "test_report", []byte("ok"))

	_, err = h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	// No snapshot was captured: the task ends rolled back without a
	// restore attempt.
	final := h.waitTerminal(t, task.ID)
	assert.Equal(t, models.TaskStateRolledBack, final.State)
	assert.Equal(t, int32(0), h.restores.Load())

	verdict, err := h.core.GetVerdict(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, verdict.Outcome)
	assert.Contains(t, verdict.Reasons, "disallowed_tool:shell")

	calls, err := h.core.ListToolCalls(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	for _, call := range calls {
		if call.ToolName == "shell" {
			assert.Equal(t, models.ValidationInvalid, call.Validation.State)
		}
	}
}

func TestCancelSkipsVerdict(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	h.recordSearch(t, task.ID)
	require.NoError(t, h.core.CaptureSnapshot(ctx, task.ID, models.Snapshot{Scope: "workspace"}))

	cancelled, err := h.core.CancelTask(ctx, task.ID, "operator_abort")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRolledBack, cancelled.State)
	assert.Equal(t, int32(1), h.restores.Load())

	_, err = h.core.GetVerdict(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Cancellation never touches the score.
	rel, err := h.core.GetReliability(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Score)

	_, err = h.core.CancelTask(ctx, task.ID, "again")
	assert.ErrorIs(t, err, store.ErrIllegalState)
}

func TestCancelWhileAwaitingVerification(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	h.recordSearch(t, task.ID)
	require.NoError(t, h.core.CaptureSnapshot(ctx, task.ID, models.Snapshot{Scope: "workspace"}))

	// Park the task where the verifier would pick it up, without scheduling
	// verification, so the cancel path is observed deterministically.
	loaded, err := h.core.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	loaded.State = models.TaskStateAwaitingVerification
	require.NoError(t, h.core.tasks.Update(ctx, *loaded))

	cancelled, err := h.core.CancelTask(ctx, task.ID, "operator_abort")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateRolledBack, cancelled.State)
	assert.Equal(t, int32(1), h.restores.Load())

	// No verdict was produced and the score is untouched.
	_, err = h.core.GetVerdict(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	rel, err := h.core.GetReliability(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rel.Score)
}

func TestEvidenceIdempotency(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, standardCriteria())

	artifact := models.Artifact{ID: "artifact-1", Kind: "code", Payload: []byte("x")}
	_, existed, err := h.core.AppendArtifact(ctx, task.ID, artifact)
	require.NoError(t, err)
	assert.False(t, existed)
	_, existed, err = h.core.AppendArtifact(ctx, task.ID, artifact)
	require.NoError(t, err)
	assert.True(t, existed)

	artifacts, err := h.core.ListArtifacts(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)

	call := models.ToolCallRecord{
		ID:        "call-1",
		ToolName:  "search",
		Arguments: map[string]any{"query": "q"},
		Result:    map[string]any{},
	}
	_, existed, err = h.core.RecordToolCall(ctx, task.ID, call)
	require.NoError(t, err)
	assert.False(t, existed)
	_, existed, err = h.core.RecordToolCall(ctx, task.ID, call)
	require.NoError(t, err)
	assert.True(t, existed)

	calls, err := h.core.ListToolCalls(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestEvidenceRejectedAfterCompletion(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, models.AcceptanceCriteria{})

	_, err := h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	h.waitTerminal(t, task.ID)

	_, _, err = h.core.AppendArtifact(ctx, task.ID, models.Artifact{Kind: "code", Payload: []byte("late")})
	assert.ErrorIs(t, err, store.ErrIllegalState)
}

func TestQuarantineSuspendsAgent(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)

	// Drive the agent to the Quarantine boundary: four prior failures.
	for i := 0; i < 4; i++ {
		h.core.scorer.Apply(agent.ID, models.VerdictFail, time.Now())
	}

	task := h.createTask(t, agent.ID, standardCriteria())
	sub, err := h.core.Subscribe(bus.AgentTopic(agent.ID))
	require.NoError(t, err)
	defer sub.Close()

	// Empty evidence fails verification and tips the fifth failure.
	_, err = h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	h.waitTerminal(t, task.ID)

	require.Eventually(t, func() bool {
		got, err := h.core.GetAgent(ctx, agent.ID)
		return err == nil && got.Status == models.AgentStatusSuspended
	}, 5*time.Second, 10*time.Millisecond)

	rel, err := h.core.GetReliability(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierQuarantine, rel.Tier)
	assert.Equal(t, 5, rel.ConsecutiveFailures)

	actions, err := h.core.ListEnforcement(ctx, agent.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, models.EnforcementSuspend, actions[0].Kind)
	assert.Equal(t, 24*time.Hour, actions[0].Duration)

	// Exactly one status change lands on the agent topic.
	statusChanges := 0
	deadline := time.After(time.Second)
	for done := false; !done; {
		select {
		case evt := <-sub.Events():
			if evt.Type == bus.EventAgentStatusChanged {
				statusChanges++
				payload := evt.Payload.(bus.AgentStatusChangedPayload)
				assert.Equal(t, models.AgentStatusSuspended, payload.To)
				assert.Equal(t, models.TierQuarantine, payload.Tier)
			}
		case <-deadline:
			done = true
		}
	}
	assert.Equal(t, 1, statusChanges)

	// Suspended agents take no new work.
	_, err = h.core.CreateTask(ctx, models.CreateTaskRequest{AgentID: agent.ID})
	assert.ErrorIs(t, err, store.ErrIllegalState)
}

func TestTaskEventOrdering(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)

	sub, err := h.core.Subscribe("task:*")
	require.NoError(t, err)
	defer sub.Close()

	task := h.createTask(t, agent.ID, standardCriteria())
	h.recordSearch(t, task.ID)
	h.appendArtifact(t, task.ID, "code", []byte("package widget"))
	h.appendArtifact(t, task.ID, "test_report", []byte("ok"))
	_, err = h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)
	h.waitTerminal(t, task.ID)

	var types []bus.EventType
	timeout := time.After(2 * time.Second)
	for len(types) < 7 {
		select {
		case evt := <-sub.Events():
			types = append(types, evt.Type)
		case <-timeout:
			t.Fatalf("timed out after %d events: %v", len(types), types)
		}
	}

	assert.Equal(t, []bus.EventType{
		bus.EventTaskStateChanged, // created
		bus.EventTaskStateChanged, // first_activity
		bus.EventToolCallRecorded,
		bus.EventArtifactRecorded,
		bus.EventArtifactRecorded,
		bus.EventTaskStateChanged, // completed
		bus.EventVerdictProduced,
	}, types)
}

func TestShutdownRejectsIntake(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)
	task := h.createTask(t, agent.ID, models.AcceptanceCriteria{})
	_, err := h.core.CompleteTask(ctx, task.ID)
	require.NoError(t, err)

	h.core.Shutdown(ctx, 2*time.Second)

	_, err = h.core.RegisterAgent(ctx, models.RegisterAgentRequest{Name: "late"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = h.core.CreateTask(ctx, models.CreateTaskRequest{AgentID: agent.ID})
	assert.ErrorIs(t, err, ErrShuttingDown)

	// In-flight work was drained before the fabric closed.
	final, err := h.core.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, final.State.Terminal())

	_, err = h.core.Subscribe("*")
	assert.ErrorIs(t, err, bus.ErrFabricClosed)

	// Idempotent.
	h.core.Shutdown(ctx, time.Second)
}

func TestCreateTaskValidation(t *testing.T) {
	h := newTestCore(t)
	ctx := context.Background()
	agent := h.registerAgent(t)

	_, err := h.core.CreateTask(ctx, models.CreateTaskRequest{AgentID: ""})
	assert.True(t, store.IsValidationError(err))

	_, err = h.core.CreateTask(ctx, models.CreateTaskRequest{AgentID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.core.CreateTask(ctx, models.CreateTaskRequest{
		AgentID: agent.ID,
		Criteria: models.AcceptanceCriteria{
			Tools: []models.ToolRequirement{{Name: "search", MinInvocations: 3, MaxInvocations: 1}},
		},
	})
	assert.True(t, store.IsValidationError(err))

	_, err = h.core.CreateTask(ctx, models.CreateTaskRequest{
		AgentID: agent.ID,
		Criteria: models.AcceptanceCriteria{
			RequiredArtifacts: []models.ArtifactRequirement{{Kind: "code"}, {Kind: "code"}},
		},
	})
	assert.True(t, store.IsValidationError(err))
}
