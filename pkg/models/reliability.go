package models

import "time"

// ReliabilityTier is the coarse-grained reliability bucket an agent sits in.
type ReliabilityTier string

// Reliability tiers, from best to worst.
const (
	TierGood       ReliabilityTier = "good"
	TierWatch      ReliabilityTier = "watch"
	TierProbation  ReliabilityTier = "probation"
	TierQuarantine ReliabilityTier = "quarantine"
)

// VerdictSample is one entry in the recent-verdict ring buffer.
type VerdictSample struct {
	Outcome    VerdictOutcome `json:"outcome"`
	ProducedAt time.Time      `json:"produced_at"`
}

// ReliabilityState is the per-agent scoring state. Mutated only by the
// scorer under the per-agent lock.
type ReliabilityState struct {
	AgentID string `json:"agent_id"`

	// Score is an EWMA of recent verdict outcomes, always in [0,1].
	Score float64 `json:"score"`

	// Recent holds the last N verdicts, oldest first.
	Recent []VerdictSample `json:"recent,omitempty"`

	ConsecutiveFailures int             `json:"consecutive_failures"`
	Tier                ReliabilityTier `json:"tier"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// EnforcementKind is the graded response type issued on tier transitions.
type EnforcementKind string

// Enforcement action kinds.
const (
	EnforcementWarn     EnforcementKind = "warn"
	EnforcementThrottle EnforcementKind = "throttle"
	EnforcementSuspend  EnforcementKind = "suspend"
	EnforcementEscalate EnforcementKind = "escalate"
)

// EnforcementAction is an append-only graded response issued on a tier
// transition. Agent.Status is a projection of the latest non-expired action.
type EnforcementAction struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	Kind    EnforcementKind `json:"kind"`

	// Rate is the throttle multiplier against an externally supplied
	// baseline; only set for throttle actions.
	Rate float64 `json:"rate,omitempty"`

	// Duration is the suspension length; only set for suspend actions.
	Duration time.Duration `json:"duration,omitempty"`

	Reason    string     `json:"reason"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the action has an expiry in the past.
func (a *EnforcementAction) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}
