package verify

import (
	"github.com/agentwatch/ares/pkg/models"
)

// ToolUsageResult carries the tool-usage sub-score, its reason tags, the
// per-call validation outcomes to write back to the evidence log, and the
// hard-gate flag for disallowed tool calls.
type ToolUsageResult struct {
	Score       float64
	Reasons     []string
	Validations map[string]models.Validation // call ID → outcome
	Disallowed  bool
}

// ToolUsage validates each recorded tool call against its registered schema
// and the task's allowed tool set, then aggregates the per-task score:
//
//	score = valid_and_expected / max(1, total_recorded + missing_required)
//
// Calls beyond a tool's max invocations count invalid rather than widening
// the denominator; calls to tools outside the allowed set are invalid and
// trip the disallowed hard gate.
func ToolUsage(registry *SchemaRegistry, criteria models.AcceptanceCriteria, calls []models.ToolCallRecord) ToolUsageResult {
	res := ToolUsageResult{Validations: make(map[string]models.Validation, len(calls))}

	// No expectations and no activity is neutral, not a violation.
	if len(calls) == 0 && len(criteria.Tools) == 0 {
		res.Score = 1
		return res
	}

	invocations := make(map[string]int, len(criteria.Tools))
	validExpected := 0

	for _, call := range calls {
		reason := validateCall(registry, criteria, call)

		req, allowed := criteria.ToolRequirementFor(call.ToolName)
		if allowed && reason == "" {
			invocations[call.ToolName]++
			if req.MaxInvocations > 0 && invocations[call.ToolName] > req.MaxInvocations {
				reason = "over_invocation:" + call.ToolName
			}
		}

		if reason == "" {
			res.Validations[call.ID] = models.Validation{State: models.ValidationValid}
			if allowed {
				validExpected++
			}
			continue
		}

		res.Validations[call.ID] = models.Validation{State: models.ValidationInvalid, Reason: reason}
		res.Reasons = append(res.Reasons, reason)
	}

	missingRequired := 0
	for _, req := range criteria.Tools {
		if req.MinInvocations > 0 && invocations[req.Name] < req.MinInvocations {
			missingRequired++
			res.Reasons = append(res.Reasons, "missing_tool:"+req.Name)
		}
	}

	denom := len(calls) + missingRequired
	if denom < 1 {
		denom = 1
	}
	res.Score = clamp01(round4(float64(validExpected) / float64(denom)))

	for _, v := range res.Validations {
		if v.State == models.ValidationInvalid && isDisallowedReason(v.Reason) {
			res.Disallowed = true
			break
		}
	}
	return res
}

// validateCall performs the per-call structural checks. Returns the first
// violation as a stable reason tag, or "" for a valid call.
func validateCall(registry *SchemaRegistry, criteria models.AcceptanceCriteria, call models.ToolCallRecord) string {
	if _, allowed := criteria.ToolRequirementFor(call.ToolName); !allowed {
		return "disallowed_tool:" + call.ToolName
	}

	schema, ok := registry.Get(call.ToolName)
	if !ok {
		return "unknown_schema:" + call.ToolName
	}
	if reason := schema.checkArguments(call.Arguments); reason != "" {
		return reason
	}

	if call.Result == nil && call.Error == "" {
		return "missing_result"
	}
	if call.FinishedAt.Before(call.StartedAt) {
		return "negative_duration"
	}
	return ""
}

func isDisallowedReason(reason string) bool {
	const prefix = "disallowed_tool:"
	return len(reason) > len(prefix) && reason[:len(prefix)] == prefix
}
