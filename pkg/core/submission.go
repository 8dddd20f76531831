package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentwatch/ares/pkg/bus"
	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// RegisterAgent creates an agent with a clean reliability state.
func (c *Core) RegisterAgent(ctx context.Context, req models.RegisterAgentRequest) (*models.Agent, error) {
	if c.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if req.Name == "" {
		return nil, store.NewValidationError("name", "cannot be empty")
	}

	agent := models.Agent{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Status:       models.AgentStatusActive,
		CreatedAt:    time.Now(),
	}
	if err := c.agents.Create(ctx, agent); err != nil {
		return nil, err
	}
	c.scorer.Init(agent.ID, agent.CreatedAt)

	slog.Info("Agent registered", "agent_id", agent.ID, "name", agent.Name)
	return &agent, nil
}

// CreateTask submits a task for an agent. The acceptance criteria are
// validated and frozen here; nothing may change them afterwards.
func (c *Core) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if c.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if req.AgentID == "" {
		return nil, store.NewValidationError("agent_id", "cannot be empty")
	}
	if err := validateCriteria(req.Criteria); err != nil {
		return nil, err
	}

	agent, err := c.agents.Get(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	switch agent.Status {
	case models.AgentStatusSuspended:
		return nil, fmt.Errorf("%w: agent %s is suspended", store.ErrIllegalState, agent.ID)
	case models.AgentStatusRetired:
		return nil, fmt.Errorf("%w: agent %s is retired", store.ErrIllegalState, agent.ID)
	}

	now := time.Now()
	task := models.Task{
		ID:          uuid.New().String(),
		AgentID:     req.AgentID,
		Description: req.Description,
		Criteria:    req.Criteria,
		State:       models.TaskStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	unlock := c.taskLocks.Lock(task.ID)
	defer unlock()
	if err := c.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	c.metrics.TaskStarted()
	c.publish(bus.Event{
		Type:    bus.EventTaskStateChanged,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Payload: bus.TaskStateChangedPayload{To: models.TaskStatePending, Reason: "created"},
	})

	slog.Info("Task created", "task_id", task.ID, "agent_id", task.AgentID)
	return &task, nil
}

// RecordToolCall appends a tool call to the task's evidence log. Idempotent
// on the record ID: a replay reports alreadyExists without a second append
// or a second event.
func (c *Core) RecordToolCall(ctx context.Context, taskID string, rec models.ToolCallRecord) (*models.ToolCallRecord, bool, error) {
	if c.shuttingDown.Load() {
		return nil, false, ErrShuttingDown
	}

	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.activeTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if err := c.ensureStarted(ctx, task); err != nil {
		return nil, false, err
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.TaskID = taskID
	rec.Validation = models.Validation{State: models.ValidationUnchecked}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}
	if rec.ToolName == "" {
		return nil, false, store.NewValidationError("tool_name", "cannot be empty")
	}

	alreadyExists, err := c.evidence.AppendToolCall(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !alreadyExists {
		c.publish(bus.Event{
			Type:    bus.EventToolCallRecorded,
			TaskID:  taskID,
			AgentID: task.AgentID,
			Payload: bus.ToolCallRecordedPayload{ToolCallID: rec.ID, ToolName: rec.ToolName},
		})
	}
	return &rec, alreadyExists, nil
}

// AppendArtifact appends a proof-of-work artifact, idempotent on ID. The
// payload hash is computed here so duplicate detection never depends on the
// caller.
func (c *Core) AppendArtifact(ctx context.Context, taskID string, artifact models.Artifact) (*models.Artifact, bool, error) {
	if c.shuttingDown.Load() {
		return nil, false, ErrShuttingDown
	}

	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.activeTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	if err := c.ensureStarted(ctx, task); err != nil {
		return nil, false, err
	}

	if artifact.Kind == "" {
		return nil, false, store.NewValidationError("kind", "cannot be empty")
	}
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	artifact.TaskID = taskID
	artifact.Hash = models.HashPayload(artifact.Payload)
	if artifact.SubmittedAt.IsZero() {
		artifact.SubmittedAt = time.Now()
	}

	alreadyExists, err := c.evidence.AppendArtifact(ctx, artifact)
	if err != nil {
		return nil, false, err
	}
	if !alreadyExists {
		c.publish(bus.Event{
			Type:    bus.EventArtifactRecorded,
			TaskID:  taskID,
			AgentID: task.AgentID,
			Payload: bus.ArtifactRecordedPayload{ArtifactID: artifact.ID, Kind: artifact.Kind},
		})
	}
	return &artifact, alreadyExists, nil
}

// CaptureSnapshot stores the task's single pre-completion snapshot.
func (c *Core) CaptureSnapshot(ctx context.Context, taskID string, snap models.Snapshot) error {
	if c.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if snap.Scope == "" {
		return store.NewValidationError("scope", "cannot be empty")
	}

	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	if _, err := c.activeTask(ctx, taskID); err != nil {
		return err
	}

	snap.TaskID = taskID
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}
	return c.snapshots.Capture(ctx, snap)
}

// CompleteTask moves the task to AwaitingVerification and schedules its
// verification in the background. The verdict arrives on the fabric.
func (c *Core) CompleteTask(ctx context.Context, taskID string) (*models.Task, error) {
	if c.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.activeTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := c.ensureStarted(ctx, task); err != nil {
		return nil, err
	}

	now := time.Now()
	task.CompletedAt = &now
	if err := c.transition(ctx, task, models.TaskStateAwaitingVerification, "completed"); err != nil {
		return nil, err
	}

	c.trackInflight(task.ID)
	c.wg.Add(1)
	go c.runVerification(task.ID)

	return task, nil
}

// CancelTask aborts a task from any non-terminal state and rolls its
// snapshot back. No verdict is produced and the agent's score is untouched.
// A cancel racing a pending verification is settled by the task lock:
// whichever runs first resolves the task, and the loser observes the
// terminal state.
func (c *Core) CancelTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return nil, fmt.Errorf("%w: cannot cancel task in state %s", store.ErrIllegalState, task.State)
	}
	if reason == "" {
		reason = "cancelled"
	}

	if err := c.rollbackLocked(ctx, task, reason); err != nil {
		return nil, err
	}
	c.metrics.TaskFinished()
	return task, nil
}

// activeTask loads the task and rejects evidence against completed ones.
func (c *Core) activeTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != models.TaskStatePending && task.State != models.TaskStateInProgress {
		return nil, fmt.Errorf("%w: task is %s", store.ErrIllegalState, task.State)
	}
	return task, nil
}

// ensureStarted performs the Pending → InProgress transition on the first
// recorded activity.
func (c *Core) ensureStarted(ctx context.Context, task *models.Task) error {
	if task.State != models.TaskStatePending {
		return nil
	}
	now := time.Now()
	task.StartedAt = &now
	return c.transition(ctx, task, models.TaskStateInProgress, "first_activity")
}

// transition persists a state change and publishes it. Caller holds the
// task lock.
func (c *Core) transition(ctx context.Context, task *models.Task, to models.TaskState, reason string) error {
	from := task.State
	task.State = to
	task.UpdatedAt = time.Now()
	if err := store.WithRetry(ctx, func() error {
		return c.tasks.Update(ctx, *task)
	}); err != nil {
		task.State = from
		return fmt.Errorf("failed to persist task transition: %w", err)
	}
	c.publish(bus.Event{
		Type:    bus.EventTaskStateChanged,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Payload: bus.TaskStateChangedPayload{From: from, To: to, Reason: reason},
	})
	return nil
}

// validateCriteria rejects contradictory acceptance criteria at task
// creation, the only place criteria enter the system.
func validateCriteria(criteria models.AcceptanceCriteria) error {
	seenKinds := make(map[string]struct{})
	for _, req := range criteria.RequiredArtifacts {
		if req.Kind == "" {
			return store.NewValidationError("required_artifacts", "kind cannot be empty")
		}
		if _, dup := seenKinds[req.Kind]; dup {
			return store.NewValidationError("required_artifacts", "duplicate kind "+req.Kind)
		}
		seenKinds[req.Kind] = struct{}{}
		if req.Predicate != nil && req.Predicate.MinBytes < 0 {
			return store.NewValidationError("required_artifacts", "min_bytes cannot be negative")
		}
	}
	seenTools := make(map[string]struct{})
	for _, tool := range criteria.Tools {
		if tool.Name == "" {
			return store.NewValidationError("tools", "name cannot be empty")
		}
		if _, dup := seenTools[tool.Name]; dup {
			return store.NewValidationError("tools", "duplicate tool "+tool.Name)
		}
		seenTools[tool.Name] = struct{}{}
		if tool.MinInvocations < 0 {
			return store.NewValidationError("tools", "min_invocations cannot be negative")
		}
		if tool.MaxInvocations > 0 && tool.MaxInvocations < tool.MinInvocations {
			return store.NewValidationError("tools", "max_invocations below min_invocations for "+tool.Name)
		}
	}
	if criteria.MaxDuration < 0 {
		return store.NewValidationError("max_duration", "cannot be negative")
	}
	if criteria.MaxRetries < 0 {
		return store.NewValidationError("max_retries", "cannot be negative")
	}
	return nil
}
