package models

import (
	"bytes"
	"time"
)

// AcceptanceCriteria is the declarative contract a task must satisfy to
// pass verification. Immutable after task creation.
type AcceptanceCriteria struct {
	// RequiredArtifacts lists artifact kinds that must be present, in order.
	RequiredArtifacts []ArtifactRequirement `json:"required_artifacts,omitempty"`

	// OptionalKinds are recognized artifact kinds that never lower the
	// completion score but count as typed evidence.
	OptionalKinds []string `json:"optional_kinds,omitempty"`

	// Tools is the allowed tool set with per-tool invocation bounds.
	// Calls to tools outside this set are invalid.
	Tools []ToolRequirement `json:"tools,omitempty"`

	// MaxDuration bounds the task duration (0 = unbounded).
	MaxDuration time.Duration `json:"max_duration,omitempty"`

	// MaxRetries bounds retry artifacts (0 = unbounded).
	MaxRetries int `json:"max_retries,omitempty"`
}

// ArtifactRequirement names one required artifact kind with an optional
// structural predicate.
type ArtifactRequirement struct {
	Kind      string             `json:"kind"`
	Predicate *ArtifactPredicate `json:"predicate,omitempty"`
}

// ArtifactPredicate is a declarative structural check on artifact payloads.
// All set fields must hold for the predicate to pass.
type ArtifactPredicate struct {
	MinBytes int    `json:"min_bytes,omitempty"`
	Contains string `json:"contains,omitempty"`
}

// Matches reports whether the payload satisfies the predicate.
// A nil predicate matches any payload.
func (p *ArtifactPredicate) Matches(payload []byte) bool {
	if p == nil {
		return true
	}
	if p.MinBytes > 0 && len(payload) < p.MinBytes {
		return false
	}
	if p.Contains != "" && !bytes.Contains(payload, []byte(p.Contains)) {
		return false
	}
	return true
}

// ToolRequirement bounds the expected invocations of one tool.
type ToolRequirement struct {
	Name           string `json:"name"`
	MinInvocations int    `json:"min_invocations,omitempty"`
	// MaxInvocations of 0 means unbounded.
	MaxInvocations int    `json:"max_invocations,omitempty"`
	SchemaID       string `json:"schema_id,omitempty"`
}

// ToolRequirementFor returns the requirement for the named tool, if any.
func (c *AcceptanceCriteria) ToolRequirementFor(name string) (ToolRequirement, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolRequirement{}, false
}

// RecognizedKind reports whether kind is among the required or optional
// artifact kinds.
func (c *AcceptanceCriteria) RecognizedKind(kind string) bool {
	for _, r := range c.RequiredArtifacts {
		if r.Kind == kind {
			return true
		}
	}
	for _, k := range c.OptionalKinds {
		if k == kind {
			return true
		}
	}
	return false
}
