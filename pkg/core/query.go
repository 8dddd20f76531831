package core

import (
	"context"
	"fmt"
	"time"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// GetTask returns the task by ID.
func (c *Core) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return c.tasks.Get(ctx, taskID)
}

// GetVerdict returns the task's verdict. ErrNotFound covers both unknown
// tasks and tasks not yet verified; callers that care check the task first.
func (c *Core) GetVerdict(ctx context.Context, taskID string) (*models.Verdict, error) {
	return c.verdicts.Get(ctx, taskID)
}

// GetAgent returns the agent by ID.
func (c *Core) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	return c.agents.Get(ctx, agentID)
}

// GetReliability returns the agent's reliability state.
func (c *Core) GetReliability(ctx context.Context, agentID string) (*models.ReliabilityState, error) {
	if _, err := c.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}
	state, ok := c.scorer.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: no reliability state for agent %s", store.ErrNotFound, agentID)
	}
	return &state, nil
}

// ListEnforcement returns the agent's enforcement actions issued at or
// after since, oldest first. A zero since returns the full log.
func (c *Core) ListEnforcement(ctx context.Context, agentID string, since time.Time) ([]models.EnforcementAction, error) {
	if _, err := c.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}
	return c.enforcement.ListByAgent(ctx, agentID, since)
}

// ListArtifacts returns the task's artifacts in append order.
func (c *Core) ListArtifacts(ctx context.Context, taskID string) ([]models.Artifact, error) {
	if _, err := c.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return c.evidence.ListArtifacts(ctx, taskID)
}

// ListToolCalls returns the task's tool call records in append order.
func (c *Core) ListToolCalls(ctx context.Context, taskID string) ([]models.ToolCallRecord, error) {
	if _, err := c.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return c.evidence.ListToolCalls(ctx, taskID)
}
