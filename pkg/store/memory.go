package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentwatch/ares/pkg/models"
)

// MemoryEvidenceStore is the in-memory evidence log. Append order is
// preserved per task by plain slices; idempotency by per-task ID sets.
type MemoryEvidenceStore struct {
	mu        sync.RWMutex
	artifacts map[string][]models.Artifact       // task_id → append order
	toolCalls map[string][]models.ToolCallRecord // task_id → append order
	seenArt   map[string]struct{}                // artifact IDs
	seenCall  map[string]struct{}                // tool call IDs
}

// NewMemoryEvidenceStore creates an empty in-memory evidence store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{
		artifacts: make(map[string][]models.Artifact),
		toolCalls: make(map[string][]models.ToolCallRecord),
		seenArt:   make(map[string]struct{}),
		seenCall:  make(map[string]struct{}),
	}
}

// AppendArtifact implements EvidenceStore.
func (s *MemoryEvidenceStore) AppendArtifact(_ context.Context, a models.Artifact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenArt[a.ID]; ok {
		return true, nil
	}
	s.seenArt[a.ID] = struct{}{}
	s.artifacts[a.TaskID] = append(s.artifacts[a.TaskID], a)
	return false, nil
}

// AppendToolCall implements EvidenceStore.
func (s *MemoryEvidenceStore) AppendToolCall(_ context.Context, rec models.ToolCallRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenCall[rec.ID]; ok {
		return true, nil
	}
	s.seenCall[rec.ID] = struct{}{}
	if rec.Validation.State == "" {
		rec.Validation.State = models.ValidationUnchecked
	}
	s.toolCalls[rec.TaskID] = append(s.toolCalls[rec.TaskID], rec)
	return false, nil
}

// SetToolCallValidation implements EvidenceStore.
func (s *MemoryEvidenceStore) SetToolCallValidation(_ context.Context, taskID, callID string, v models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.toolCalls[taskID]
	for i := range calls {
		if calls[i].ID != callID {
			continue
		}
		if calls[i].Validation.State != models.ValidationUnchecked {
			return nil // validation is set exactly once
		}
		calls[i].Validation = v
		return nil
	}
	return ErrNotFound
}

// ListArtifacts implements EvidenceStore.
func (s *MemoryEvidenceStore) ListArtifacts(_ context.Context, taskID string) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Artifact, len(s.artifacts[taskID]))
	copy(out, s.artifacts[taskID])
	return out, nil
}

// ListToolCalls implements EvidenceStore.
func (s *MemoryEvidenceStore) ListToolCalls(_ context.Context, taskID string) ([]models.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ToolCallRecord, len(s.toolCalls[taskID]))
	copy(out, s.toolCalls[taskID])
	return out, nil
}

// MemorySnapshotStore is the in-memory snapshot and restore-record store.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.Snapshot
	restores  map[string]models.RestoreRecord
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]models.Snapshot),
		restores:  make(map[string]models.RestoreRecord),
	}
}

// Capture implements SnapshotStore.
func (s *MemorySnapshotStore) Capture(_ context.Context, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.TaskID]; ok {
		return ErrAlreadyExists
	}
	s.snapshots[snap.TaskID] = snap
	return nil
}

// Get implements SnapshotStore.
func (s *MemorySnapshotStore) Get(_ context.Context, taskID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// RecordRestore implements SnapshotStore.
func (s *MemorySnapshotStore) RecordRestore(_ context.Context, rec models.RestoreRecord) (*models.RestoreRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.restores[rec.TaskID]; ok {
		return &prior, true, nil
	}
	s.restores[rec.TaskID] = rec
	return &rec, false, nil
}

// GetRestore implements SnapshotStore.
func (s *MemorySnapshotStore) GetRestore(_ context.Context, taskID string) (*models.RestoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.restores[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// MemoryAgentStore holds registered agents in memory with a unique-name index.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
	byName map[string]string // name → id
}

// NewMemoryAgentStore creates an empty in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]models.Agent),
		byName: make(map[string]string),
	}
}

// Create implements AgentStore.
func (s *MemoryAgentStore) Create(_ context.Context, agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[agent.Name]; ok {
		return ErrAlreadyExists
	}
	s.agents[agent.ID] = agent
	s.byName[agent.Name] = agent.ID
	return nil
}

// Get implements AgentStore.
func (s *MemoryAgentStore) Get(_ context.Context, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &agent, nil
}

// SetStatus implements AgentStore.
func (s *MemoryAgentStore) SetStatus(_ context.Context, agentID string, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	agent.Status = status
	s.agents[agentID] = agent
	return nil
}

// MemoryTaskStore holds tasks in memory.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]models.Task
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]models.Task)}
}

// Create implements TaskStore.
func (s *MemoryTaskStore) Create(_ context.Context, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = task
	return nil
}

// Get implements TaskStore.
func (s *MemoryTaskStore) Get(_ context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

// Update implements TaskStore.
func (s *MemoryTaskStore) Update(_ context.Context, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	s.tasks[task.ID] = task
	return nil
}

// MemoryVerdictStore holds verdicts in memory, one per task.
type MemoryVerdictStore struct {
	mu       sync.RWMutex
	verdicts map[string]models.Verdict
}

// NewMemoryVerdictStore creates an empty in-memory verdict store.
func NewMemoryVerdictStore() *MemoryVerdictStore {
	return &MemoryVerdictStore{verdicts: make(map[string]models.Verdict)}
}

// Put implements VerdictStore.
func (s *MemoryVerdictStore) Put(_ context.Context, v models.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verdicts[v.TaskID]; ok {
		return ErrAlreadyExists
	}
	s.verdicts[v.TaskID] = v
	return nil
}

// Get implements VerdictStore.
func (s *MemoryVerdictStore) Get(_ context.Context, taskID string) (*models.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// MemoryEnforcementStore is the in-memory append-only action log.
type MemoryEnforcementStore struct {
	mu      sync.RWMutex
	byAgent map[string][]models.EnforcementAction
}

// NewMemoryEnforcementStore creates an empty in-memory enforcement store.
func NewMemoryEnforcementStore() *MemoryEnforcementStore {
	return &MemoryEnforcementStore{byAgent: make(map[string][]models.EnforcementAction)}
}

// Append implements EnforcementStore.
func (s *MemoryEnforcementStore) Append(_ context.Context, action models.EnforcementAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgent[action.AgentID] = append(s.byAgent[action.AgentID], action)
	return nil
}

// ListByAgent implements EnforcementStore.
func (s *MemoryEnforcementStore) ListByAgent(_ context.Context, agentID string, since time.Time) ([]models.EnforcementAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EnforcementAction
	for _, a := range s.byAgent[agentID] {
		if !a.IssuedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}
