package verify

import (
	"github.com/agentwatch/ares/pkg/models"
)

// Evidence computes the proof-of-work quality sub-score. Each artifact is
// scored on presence (non-empty payload), distinctness (hash not seen
// earlier in the task), and typing (kind recognized by the criteria); the
// artifact quality is the mean of the three and the task score is the mean
// over artifacts, or 0 with no artifacts at all.
func Evidence(criteria models.AcceptanceCriteria, artifacts []models.Artifact) (float64, []string) {
	if len(artifacts) == 0 {
		return 0, []string{"no_artifacts"}
	}

	var reasons []string
	seen := make(map[string]struct{}, len(artifacts))
	total := 0.0

	for _, a := range artifacts {
		presence := 1.0
		if len(a.Payload) == 0 {
			presence = 0
			reasons = append(reasons, "empty_payload")
		}

		distinct := 1.0
		if _, dup := seen[a.Hash]; dup {
			distinct = 0
			reasons = append(reasons, "duplicate_hash")
		}
		seen[a.Hash] = struct{}{}

		typed := 0.0
		if criteria.RecognizedKind(a.Kind) {
			typed = 1
		} else {
			reasons = append(reasons, "unknown_kind")
		}

		total += (presence + distinct + typed) / 3
	}

	return clamp01(round4(total / float64(len(artifacts)))), reasons
}
