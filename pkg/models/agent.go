// Package models defines the core ARES entities: agents, tasks, evidence,
// verdicts, reliability state, and enforcement actions. All entities are
// plain values referenced by ID; no entity holds a pointer to another.
package models

import "time"

// AgentStatus is the projection of the latest non-expired enforcement action.
type AgentStatus string

// Agent status values.
const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusThrottled AgentStatus = "throttled"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusRetired   AgentStatus = "retired"
)

// Agent is an external AI worker observed by ARES.
// Status is mutated only by the enforcement engine; Reliability only by the
// scorer. Everything else is immutable after registration.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RegisterAgentRequest contains fields for registering a new agent.
type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}
