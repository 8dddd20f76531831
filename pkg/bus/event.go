// Package bus implements the in-process event fabric: topic-based pub/sub
// with per-subscriber bounded queues. Publishing never blocks; a slow
// subscriber drops events, counted against its own subscription.
package bus

import (
	"time"

	"github.com/agentwatch/ares/pkg/models"
)

// EventType discriminates the tagged union carried on the fabric.
type EventType string

// Event types.
const (
	EventTaskStateChanged   EventType = "task.state_changed"
	EventVerdictProduced    EventType = "verdict.produced"
	EventEnforcementIssued  EventType = "enforcement.issued"
	EventAgentStatusChanged EventType = "agent.status_changed"
	EventArtifactRecorded   EventType = "artifact.recorded"
	EventToolCallRecorded   EventType = "tool_call.recorded"
	EventSnapshotRestored   EventType = "snapshot.restored"
)

// SystemTopic is the global topic; every event is delivered on it.
const SystemTopic = "system"

// TaskTopic returns the topic name for a specific task's events.
// Format: "task:{task_id}"
func TaskTopic(taskID string) string {
	return "task:" + taskID
}

// AgentTopic returns the topic name for a specific agent's events.
// Format: "agent:{agent_id}"
func AgentTopic(agentID string) string {
	return "agent:" + agentID
}

// Event is the fabric payload. It carries IDs and copied state only,
// never references into mutable entities.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Topics returns the topics this event is published on. Every event appears
// on the system topic; task and agent topics when the respective ID is set.
func (e Event) Topics() []string {
	topics := make([]string, 0, 3)
	if e.TaskID != "" {
		topics = append(topics, TaskTopic(e.TaskID))
	}
	if e.AgentID != "" {
		topics = append(topics, AgentTopic(e.AgentID))
	}
	return append(topics, SystemTopic)
}

// TaskStateChangedPayload accompanies EventTaskStateChanged.
type TaskStateChangedPayload struct {
	From   models.TaskState `json:"from"`
	To     models.TaskState `json:"to"`
	Reason string           `json:"reason,omitempty"`
}

// VerdictProducedPayload accompanies EventVerdictProduced.
type VerdictProducedPayload struct {
	Outcome   models.VerdictOutcome `json:"outcome"`
	SubScores models.SubScores      `json:"sub_scores"`
	Overall   float64               `json:"overall"`
	Reasons   []string              `json:"reasons,omitempty"`
}

// EnforcementIssuedPayload accompanies EventEnforcementIssued.
type EnforcementIssuedPayload struct {
	Kind      models.EnforcementKind `json:"kind"`
	Reason    string                 `json:"reason"`
	Rate      float64                `json:"rate,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// AgentStatusChangedPayload accompanies EventAgentStatusChanged.
type AgentStatusChangedPayload struct {
	From models.AgentStatus     `json:"from"`
	To   models.AgentStatus     `json:"to"`
	Tier models.ReliabilityTier `json:"tier"`
}

// ArtifactRecordedPayload accompanies EventArtifactRecorded.
type ArtifactRecordedPayload struct {
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
}

// ToolCallRecordedPayload accompanies EventToolCallRecorded.
type ToolCallRecordedPayload struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
}

// SnapshotRestoredPayload accompanies EventSnapshotRestored.
type SnapshotRestoredPayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}
