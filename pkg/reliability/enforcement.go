package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// Enforcement constants. Fixed at startup.
const (
	// throttleRate is the rate multiplier applied while in Probation.
	throttleRate = 0.5
	// throttleExpiry is how long a throttle stays in force.
	throttleExpiry = time.Hour
	// suspendDuration is the Quarantine suspension length.
	suspendDuration = 24 * time.Hour
	// warnCoalesce bounds how often identical warns are re-issued.
	warnCoalesce = time.Hour
)

// Decision is the outcome of one enforcement evaluation: the actions that
// were actually issued (after coalescing) and the agent status projection.
type Decision struct {
	Actions []models.EnforcementAction

	StatusFrom    models.AgentStatus
	StatusTo      models.AgentStatus
	StatusChanged bool
}

// Engine turns tier transitions into graded enforcement actions and keeps
// Agent.Status consistent with the latest non-expired action. The action log
// is append-only; status is a projection, never a source of truth.
type Engine struct {
	actions store.EnforcementStore
	agents  store.AgentStore
	now     func() time.Time

	// mu guards the coalescing index: the expiry of the last issued action
	// per (agent, kind). Identical actions inside that window collapse.
	mu   sync.Mutex
	last map[string]map[models.EnforcementKind]time.Time
}

// NewEngine creates an enforcement engine over the given stores.
func NewEngine(actions store.EnforcementStore, agents store.AgentStore) *Engine {
	return &Engine{
		actions: actions,
		agents:  agents,
		now:     time.Now,
		last:    make(map[string]map[models.EnforcementKind]time.Time),
	}
}

// OnTransition evaluates one scorer transition. Must be called under the
// per-agent lock so transitions for one agent are processed in order.
func (e *Engine) OnTransition(ctx context.Context, tr Transition) (*Decision, error) {
	agentID := tr.State.AgentID
	now := e.now()

	var proposed []models.EnforcementAction
	switch {
	case tr.Changed:
		proposed = append(proposed, e.actionForTier(agentID, tr, now))
	case tr.FailedInProbation:
		// Repeated failure without a tier change: flag for operators
		// instead of stacking throttles.
		proposed = append(proposed, models.EnforcementAction{
			ID:       uuid.New().String(),
			AgentID:  agentID,
			Kind:     models.EnforcementEscalate,
			Reason:   "repeated_failure_in_probation",
			IssuedAt: now,
		})
	default:
		return e.project(ctx, agentID, nil, now)
	}

	issued := make([]models.EnforcementAction, 0, len(proposed))
	for _, action := range proposed {
		if e.coalesced(action, now) {
			slog.Debug("Enforcement action coalesced",
				"agent_id", agentID, "kind", action.Kind)
			continue
		}
		if err := store.WithRetry(ctx, func() error {
			return e.actions.Append(ctx, action)
		}); err != nil {
			return nil, fmt.Errorf("failed to append enforcement action: %w", err)
		}
		e.remember(action)
		issued = append(issued, action)
		slog.Info("Enforcement action issued",
			"agent_id", agentID,
			"kind", action.Kind,
			"tier", tr.To,
			"reason", action.Reason)
	}

	return e.project(ctx, agentID, issued, now)
}

// actionForTier maps the tier an agent just entered to its graded response.
func (e *Engine) actionForTier(agentID string, tr Transition, now time.Time) models.EnforcementAction {
	action := models.EnforcementAction{
		ID:       uuid.New().String(),
		AgentID:  agentID,
		IssuedAt: now,
	}
	switch tr.To {
	case models.TierGood:
		action.Kind = models.EnforcementWarn
		action.Reason = "cleared"
	case models.TierWatch:
		action.Kind = models.EnforcementWarn
		action.Reason = "entered_watch"
	case models.TierProbation:
		action.Kind = models.EnforcementThrottle
		action.Rate = throttleRate
		action.Reason = "entered_probation"
		exp := now.Add(throttleExpiry)
		action.ExpiresAt = &exp
	case models.TierQuarantine:
		action.Kind = models.EnforcementSuspend
		action.Duration = suspendDuration
		action.Reason = "entered_quarantine"
		exp := now.Add(suspendDuration)
		action.ExpiresAt = &exp
	}
	return action
}

// coalesced reports whether an identical action is still in force, making
// this one redundant. Escalations always go through.
func (e *Engine) coalesced(action models.EnforcementAction, now time.Time) bool {
	if action.Kind == models.EnforcementEscalate {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.last[action.AgentID][action.Kind]
	return ok && now.Before(until)
}

func (e *Engine) remember(action models.EnforcementAction) {
	until := action.IssuedAt.Add(warnCoalesce)
	if action.ExpiresAt != nil {
		until = *action.ExpiresAt
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	byKind, ok := e.last[action.AgentID]
	if !ok {
		byKind = make(map[models.EnforcementKind]time.Time)
		e.last[action.AgentID] = byKind
	}
	byKind[action.Kind] = until
}

// project recomputes Agent.Status from the latest non-expired action and
// persists it when it changed. Retired agents are left alone.
func (e *Engine) project(ctx context.Context, agentID string, issued []models.EnforcementAction, now time.Time) (*Decision, error) {
	agent, err := e.agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent for status projection: %w", err)
	}

	dec := &Decision{
		Actions:    issued,
		StatusFrom: agent.Status,
		StatusTo:   agent.Status,
	}
	if agent.Status == models.AgentStatusRetired {
		return dec, nil
	}

	status, err := e.currentStatus(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	dec.StatusTo = status
	if status == agent.Status {
		return dec, nil
	}

	if err := store.WithRetry(ctx, func() error {
		return e.agents.SetStatus(ctx, agentID, status)
	}); err != nil {
		return nil, fmt.Errorf("failed to update agent status: %w", err)
	}
	dec.StatusChanged = true
	slog.Info("Agent status changed",
		"agent_id", agentID, "from", dec.StatusFrom, "to", status)
	return dec, nil
}

// currentStatus scans the recent action log for the latest non-expired
// status-bearing action. Warns and escalations carry no status weight beyond
// clearing back to active.
func (e *Engine) currentStatus(ctx context.Context, agentID string, now time.Time) (models.AgentStatus, error) {
	since := now.Add(-suspendDuration)
	log, err := e.actions.ListByAgent(ctx, agentID, since)
	if err != nil {
		return "", fmt.Errorf("failed to list enforcement actions: %w", err)
	}

	for i := len(log) - 1; i >= 0; i-- {
		action := log[i]
		if action.Expired(now) {
			continue
		}
		switch action.Kind {
		case models.EnforcementSuspend:
			return models.AgentStatusSuspended, nil
		case models.EnforcementThrottle:
			return models.AgentStatusThrottled, nil
		case models.EnforcementWarn:
			return models.AgentStatusActive, nil
		}
	}
	return models.AgentStatusActive, nil
}
