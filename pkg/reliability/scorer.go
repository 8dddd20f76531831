// Package reliability implements per-agent reliability scoring and the
// enforcement engine that maps tier transitions to graded actions.
package reliability

import (
	"sync"
	"time"

	"github.com/agentwatch/ares/pkg/models"
)

// Scoring constants. Fixed at startup; tunable only through immutable
// configuration, never at runtime.
const (
	// DefaultAlpha is the EWMA smoothing factor.
	DefaultAlpha = 0.1
	// DefaultRingSize is the recent-verdict ring buffer capacity.
	DefaultRingSize = 50
	// quarantineExitScore and quarantineExitStreak gate leaving Quarantine.
	quarantineExitScore  = 0.6
	quarantineExitStreak = 5
)

// Transition describes one scorer update: the state after the update and
// the tier movement it caused.
type Transition struct {
	State   models.ReliabilityState
	From    models.ReliabilityTier
	To      models.ReliabilityTier
	Changed bool

	// FailedInProbation is set when a Fail lands on an agent already in
	// Probation without leaving it; the enforcement engine escalates.
	FailedInProbation bool
}

// Scorer owns all per-agent reliability state. Callers serialize updates
// per agent (the core holds the agent lock); the internal mutex only guards
// the state map itself.
type Scorer struct {
	alpha    float64
	ringSize int

	mu     sync.RWMutex
	states map[string]*models.ReliabilityState
}

// NewScorer creates a scorer with the default smoothing constants.
func NewScorer() *Scorer {
	return &Scorer{
		alpha:    DefaultAlpha,
		ringSize: DefaultRingSize,
		states:   make(map[string]*models.ReliabilityState),
	}
}

// Init creates the clean initial state for a newly registered agent:
// score 1.0, no failures, tier Good.
func (s *Scorer) Init(agentID string, now time.Time) models.ReliabilityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[agentID]; ok {
		return cloneState(st)
	}
	st := &models.ReliabilityState{
		AgentID:   agentID,
		Score:     1.0,
		Tier:      models.TierGood,
		UpdatedAt: now,
	}
	s.states[agentID] = st
	return cloneState(st)
}

// Get returns a copy of the agent's reliability state.
func (s *Scorer) Get(agentID string) (models.ReliabilityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[agentID]
	if !ok {
		return models.ReliabilityState{}, false
	}
	return cloneState(st), true
}

// Apply folds one verdict outcome into the agent's state and re-evaluates
// the tier. Must be called under the per-agent lock.
func (s *Scorer) Apply(agentID string, outcome models.VerdictOutcome, at time.Time) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[agentID]
	if !ok {
		st = &models.ReliabilityState{
			AgentID: agentID,
			Score:   1.0,
			Tier:    models.TierGood,
		}
		s.states[agentID] = st
	}

	from := st.Tier

	sample := 0.0
	if outcome == models.VerdictPass {
		sample = 1.0
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
	}
	st.Score = s.alpha*sample + (1-s.alpha)*st.Score

	st.Recent = append(st.Recent, models.VerdictSample{Outcome: outcome, ProducedAt: at})
	if len(st.Recent) > s.ringSize {
		st.Recent = st.Recent[len(st.Recent)-s.ringSize:]
	}

	st.Tier = computeTier(st.Score, st.ConsecutiveFailures, st.Recent, from)
	st.UpdatedAt = at

	return Transition{
		State:   cloneState(st),
		From:    from,
		To:      st.Tier,
		Changed: st.Tier != from,
		FailedInProbation: outcome == models.VerdictFail &&
			from == models.TierProbation && st.Tier == models.TierProbation,
	}
}

// computeTier is the single source of truth for tier boundaries.
func computeTier(score float64, cf int, recent []models.VerdictSample, current models.ReliabilityTier) models.ReliabilityTier {
	if current == models.TierQuarantine {
		// Leaving Quarantine requires recovery over at least five recent
		// consecutive successes, not just the score threshold.
		if score < quarantineExitScore || cf != 0 || trailingPasses(recent) < quarantineExitStreak {
			return models.TierQuarantine
		}
	}

	switch {
	case score < 0.5 || cf >= 5:
		return models.TierQuarantine
	case score < 0.75 || cf == 3 || cf == 4:
		return models.TierProbation
	case score < 0.9 || cf == 2:
		return models.TierWatch
	default:
		return models.TierGood
	}
}

func trailingPasses(recent []models.VerdictSample) int {
	n := 0
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].Outcome != models.VerdictPass {
			break
		}
		n++
	}
	return n
}

func cloneState(st *models.ReliabilityState) models.ReliabilityState {
	out := *st
	out.Recent = make([]models.VerdictSample, len(st.Recent))
	copy(out.Recent, st.Recent)
	return out
}
