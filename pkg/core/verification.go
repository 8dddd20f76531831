package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentwatch/ares/pkg/bus"
	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/rollback"
)

// runVerification is the background pipeline for one completed task:
// verdict, then either Verified or rollback, then scoring and enforcement.
// It owns no request context; verification outlives the completing request.
func (c *Core) runVerification(taskID string) {
	defer c.wg.Done()
	defer c.untrackInflight(taskID)

	c.verifySem <- struct{}{}
	defer func() { <-c.verifySem }()

	ctx := context.Background()
	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		slog.Error("Failed to load task for verification", "task_id", taskID, "error", err)
		return
	}
	// Resolved elsewhere, e.g. rolled back during shutdown.
	if task.State != models.TaskStateAwaitingVerification {
		return
	}

	start := time.Now()
	verdict, err := c.verifier.Verify(ctx, *task)
	if err != nil {
		slog.Error("Verification failed to produce a verdict", "task_id", taskID, "error", err)
		if rerr := c.rollbackLocked(ctx, task, "verification_error"); rerr != nil {
			slog.Error("Failed to roll back unverified task", "task_id", taskID, "error", rerr)
		}
		c.metrics.TaskFinished()
		return
	}
	c.metrics.ObserveVerdict(string(verdict.Outcome), time.Since(start))

	c.publish(bus.Event{
		Type:    bus.EventVerdictProduced,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Payload: bus.VerdictProducedPayload{
			Outcome:   verdict.Outcome,
			SubScores: verdict.SubScores,
			Overall:   verdict.Overall,
			Reasons:   verdict.Reasons,
		},
	})
	slog.Info("Verdict produced",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"outcome", verdict.Outcome,
		"overall", verdict.Overall)

	if verdict.Outcome == models.VerdictPass {
		if err := c.transition(ctx, task, models.TaskStateVerified, "verdict_pass"); err != nil {
			slog.Error("Failed to mark task verified", "task_id", taskID, "error", err)
		}
	} else {
		if err := c.rollbackLocked(ctx, task, "verdict_fail"); err != nil {
			slog.Error("Failed to roll back failed task", "task_id", taskID, "error", err)
		}
	}
	c.metrics.TaskFinished()

	c.applyOutcome(ctx, task.AgentID, verdict.Outcome, verdict.ProducedAt)
}

// rollbackLocked restores the task's snapshot and settles the task in
// RolledBack. The terminal state does not depend on the restore outcome: a
// failed restore is surfaced through the restore record and the
// SnapshotRestored event, never by parking the task. Caller holds the task
// lock.
func (c *Core) rollbackLocked(ctx context.Context, task *models.Task, reason string) error {
	start := time.Now()
	rec, err := c.restorer.Restore(ctx, task.ID)
	if errors.Is(err, rollback.ErrNoSnapshot) {
		// Nothing to restore and no restore event: the task simply ends.
		return c.transition(ctx, task, models.TaskStateRolledBack, "no_snapshot")
	}
	if err != nil {
		// The restore outcome is unknown; the task still settles.
		if terr := c.transition(ctx, task, models.TaskStateRolledBack, "rollback_error"); terr != nil {
			return terr
		}
		return err
	}
	c.metrics.ObserveRestore(time.Since(start))

	c.publish(bus.Event{
		Type:    bus.EventSnapshotRestored,
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Payload: bus.SnapshotRestoredPayload{Success: rec.Succeeded(), Reason: rec.Reason},
	})

	if !rec.Succeeded() {
		reason = rec.Reason
	}
	return c.transition(ctx, task, models.TaskStateRolledBack, reason)
}

// forceRollback resolves a still-open task during shutdown.
func (c *Core) forceRollback(ctx context.Context, taskID, reason string) error {
	unlock := c.taskLocks.Lock(taskID)
	defer unlock()

	task, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return nil
	}
	if err := c.rollbackLocked(ctx, task, reason); err != nil {
		return err
	}
	c.metrics.TaskFinished()
	return nil
}

// applyOutcome folds the verdict into the agent's reliability state and lets
// the enforcement engine respond. Takes the agent lock; the task lock is
// already held, preserving the task-before-agent order.
func (c *Core) applyOutcome(ctx context.Context, agentID string, outcome models.VerdictOutcome, at time.Time) {
	unlock := c.agentLocks.Lock(agentID)
	defer unlock()

	tr := c.scorer.Apply(agentID, outcome, at)
	if tr.Changed {
		slog.Info("Reliability tier changed",
			"agent_id", agentID,
			"from", tr.From,
			"to", tr.To,
			"score", tr.State.Score,
			"consecutive_failures", tr.State.ConsecutiveFailures)
	}

	dec, err := c.engine.OnTransition(ctx, tr)
	if err != nil {
		slog.Error("Enforcement evaluation failed", "agent_id", agentID, "error", err)
		return
	}

	for _, action := range dec.Actions {
		c.metrics.ObserveEnforcement(string(action.Kind))
		c.publish(bus.Event{
			Type:    bus.EventEnforcementIssued,
			AgentID: agentID,
			Payload: bus.EnforcementIssuedPayload{
				Kind:      action.Kind,
				Reason:    action.Reason,
				Rate:      action.Rate,
				Duration:  action.Duration,
				ExpiresAt: action.ExpiresAt,
			},
		})
	}
	if dec.StatusChanged {
		c.publish(bus.Event{
			Type:    bus.EventAgentStatusChanged,
			AgentID: agentID,
			Payload: bus.AgentStatusChangedPayload{
				From: dec.StatusFrom,
				To:   dec.StatusTo,
				Tier: tr.To,
			},
		})
	}
}
