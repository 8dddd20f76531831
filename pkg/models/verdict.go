package models

import "time"

// VerdictOutcome is the binary result of verification.
type VerdictOutcome string

// Verdict outcome values.
const (
	VerdictPass VerdictOutcome = "pass"
	VerdictFail VerdictOutcome = "fail"
)

// SubScores holds the four validator scores, each in [0,1] and rounded to
// four decimal places for stability across re-computation.
type SubScores struct {
	Completion float64 `json:"completion"`
	ToolUsage  float64 `json:"tool_usage"`
	Evidence   float64 `json:"evidence"`
	Behavior   float64 `json:"behavior"`
}

// Verdict is the single immutable outcome of verification for a task.
// Reasons are stable tags in validator order: completion, tool_usage,
// evidence, behavior.
type Verdict struct {
	TaskID     string         `json:"task_id"`
	Outcome    VerdictOutcome `json:"outcome"`
	SubScores  SubScores      `json:"sub_scores"`
	Overall    float64        `json:"overall"`
	Reasons    []string       `json:"reasons,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}
