package verify

import (
	"github.com/agentwatch/ares/pkg/models"
)

// Completion matches submitted artifacts against the declared acceptance
// criteria and returns the completion sub-score with stable reason tags.
//
// For each required kind the earliest-submitted artifact satisfying its
// predicate is credited. Optional kinds never lower the score; present ones
// appear in reasons as bonus tags.
func Completion(criteria models.AcceptanceCriteria, artifacts []models.Artifact) (float64, []string) {
	if len(criteria.RequiredArtifacts) == 0 {
		return 1.0, []string{"no_requirements"}
	}

	var reasons []string
	credited := 0
	for _, req := range criteria.RequiredArtifacts {
		found := false
		predicateFailed := false
		for _, a := range artifacts {
			if a.Kind != req.Kind {
				continue
			}
			found = true
			if req.Predicate.Matches(a.Payload) {
				credited++
				predicateFailed = false
				break
			}
			predicateFailed = true
		}
		switch {
		case !found:
			reasons = append(reasons, "missing_artifact:"+req.Kind)
		case predicateFailed:
			reasons = append(reasons, "predicate_failed:"+req.Kind)
		}
	}

	for _, kind := range criteria.OptionalKinds {
		for _, a := range artifacts {
			if a.Kind == kind {
				reasons = append(reasons, "bonus:"+kind)
				break
			}
		}
	}

	score := round4(float64(credited) / float64(len(criteria.RequiredArtifacts)))
	return clamp01(score), reasons
}
