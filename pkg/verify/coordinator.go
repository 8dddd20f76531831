package verify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/store"
)

// Config holds the fixed verification constants. Set once at startup;
// never mutated at runtime.
type Config struct {
	CompletionWeight float64
	ToolUsageWeight  float64
	EvidenceWeight   float64
	BehaviorWeight   float64

	// PassThreshold is the minimum overall score for a pass.
	PassThreshold float64
	// CompletionGate is the minimum completion sub-score for a pass.
	CompletionGate float64

	// Deadline is the soft verification deadline; exceeding it fails the
	// task with reason verification_timeout.
	Deadline time.Duration

	// BehaviorWindow and MinSamples parameterize the behavior monitor.
	BehaviorWindow int
	MinSamples     int
}

// DefaultConfig returns the fixed verification constants.
func DefaultConfig() Config {
	return Config{
		CompletionWeight: 0.4,
		ToolUsageWeight:  0.3,
		EvidenceWeight:   0.2,
		BehaviorWeight:   0.1,
		PassThreshold:    0.75,
		CompletionGate:   0.8,
		Deadline:         30 * time.Second,
		BehaviorWindow:   100,
		MinSamples:       10,
	}
}

// Coordinator sequences the four validators for one task and produces a
// single verdict. Verification is idempotent by task ID: re-entry returns
// the stored verdict without re-computing.
type Coordinator struct {
	cfg      Config
	schemas  *SchemaRegistry
	monitor  *Monitor
	evidence store.EvidenceStore
	verdicts store.VerdictStore
}

// NewCoordinator creates a verification coordinator.
func NewCoordinator(cfg Config, schemas *SchemaRegistry, monitor *Monitor, evidence store.EvidenceStore, verdicts store.VerdictStore) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		schemas:  schemas,
		monitor:  monitor,
		evidence: evidence,
		verdicts: verdicts,
	}
}

// Monitor returns the behavior monitor (for wiring and inspection).
func (c *Coordinator) Monitor() *Monitor { return c.monitor }

// Verify runs verification for the task and returns its verdict. The caller
// holds the task lock and has already checked the task is in
// AwaitingVerification.
func (c *Coordinator) Verify(ctx context.Context, task models.Task) (*models.Verdict, error) {
	// Idempotent re-entry: a prior verdict is returned as-is.
	if v, err := c.verdicts.Get(ctx, task.ID); err == nil {
		return v, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	artifacts, calls, err := c.loadEvidence(ctx, task.ID)
	if err != nil {
		slog.Warn("Evidence load failed, failing verification",
			"task_id", task.ID, "error", err)
		return c.finish(ctx, task, failedVerdict(task.ID, "io_error"), TaskStats{})
	}

	stats := TaskStats{
		Duration:   task.Duration(),
		Retries:    countRetries(artifacts),
		ToolCalls:  len(calls),
		ToolErrors: countToolErrors(calls),
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	type results struct {
		completion        float64
		completionReasons []string
		toolUsage         ToolUsageResult
		evidenceScore     float64
		evidenceReasons   []string
		behaviorScore     float64
		behaviorReasons   []string
	}
	var res results

	// The validators share no mutable state for a given task, so they run
	// in parallel.
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		res.completion, res.completionReasons = Completion(task.Criteria, artifacts)
	}()
	go func() {
		defer wg.Done()
		res.toolUsage = ToolUsage(c.schemas, task.Criteria, calls)
	}()
	go func() {
		defer wg.Done()
		res.evidenceScore, res.evidenceReasons = Evidence(task.Criteria, artifacts)
	}()
	go func() {
		defer wg.Done()
		res.behaviorScore, res.behaviorReasons = c.evaluateBehavior(task, stats)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-verifyCtx.Done():
		return c.finish(ctx, task, failedVerdict(task.ID, "verification_timeout"), stats)
	}

	c.persistValidations(ctx, task.ID, res.toolUsage.Validations)

	// Reasons in validator order, stable across runs given equal inputs.
	var reasons []string
	reasons = append(reasons, res.completionReasons...)
	reasons = append(reasons, res.toolUsage.Reasons...)
	reasons = append(reasons, res.evidenceReasons...)
	reasons = append(reasons, res.behaviorReasons...)

	overall := round4(c.cfg.CompletionWeight*res.completion +
		c.cfg.ToolUsageWeight*res.toolUsage.Score +
		c.cfg.EvidenceWeight*res.evidenceScore +
		c.cfg.BehaviorWeight*res.behaviorScore)

	outcome := models.VerdictFail
	if overall >= c.cfg.PassThreshold &&
		res.completion >= c.cfg.CompletionGate &&
		!res.toolUsage.Disallowed {
		outcome = models.VerdictPass
	}

	verdict := models.Verdict{
		TaskID:  task.ID,
		Outcome: outcome,
		SubScores: models.SubScores{
			Completion: res.completion,
			ToolUsage:  res.toolUsage.Score,
			Evidence:   res.evidenceScore,
			Behavior:   res.behaviorScore,
		},
		Overall:    overall,
		Reasons:    reasons,
		ProducedAt: time.Now(),
	}
	return c.finish(ctx, task, verdict, stats)
}

// evaluateBehavior applies the monitor's fixed rules plus the criteria's
// optional behavioral bounds.
func (c *Coordinator) evaluateBehavior(task models.Task, stats TaskStats) (float64, []string) {
	score, reasons := c.monitor.Evaluate(task.AgentID, stats)

	if task.Criteria.MaxDuration > 0 && stats.Duration > task.Criteria.MaxDuration {
		score = clamp01(round4(score - behaviorPenalty))
		reasons = append(reasons, "max_duration_exceeded")
	}
	if task.Criteria.MaxRetries > 0 && stats.Retries > task.Criteria.MaxRetries {
		score = clamp01(round4(score - behaviorPenalty))
		reasons = append(reasons, "max_retries_exceeded")
	}
	return score, reasons
}

// finish stores the verdict and records the task in the behavior window.
// A concurrent or prior write wins: the stored verdict is authoritative.
func (c *Coordinator) finish(ctx context.Context, task models.Task, verdict models.Verdict, stats TaskStats) (*models.Verdict, error) {
	err := store.WithRetry(ctx, func() error {
		return c.verdicts.Put(ctx, verdict)
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		return c.verdicts.Get(ctx, task.ID)
	}
	if err != nil {
		return nil, err
	}
	c.monitor.Record(task.AgentID, stats)
	return &verdict, nil
}

func (c *Coordinator) loadEvidence(ctx context.Context, taskID string) ([]models.Artifact, []models.ToolCallRecord, error) {
	var (
		artifacts []models.Artifact
		calls     []models.ToolCallRecord
	)
	err := store.WithRetry(ctx, func() error {
		var err error
		artifacts, err = c.evidence.ListArtifacts(ctx, taskID)
		if err != nil {
			return err
		}
		calls, err = c.evidence.ListToolCalls(ctx, taskID)
		return err
	})
	return artifacts, calls, err
}

// persistValidations writes the per-call outcomes back to the evidence log.
// Best effort: the verdict already carries the reasons.
func (c *Coordinator) persistValidations(ctx context.Context, taskID string, validations map[string]models.Validation) {
	for callID, v := range validations {
		if err := c.evidence.SetToolCallValidation(ctx, taskID, callID, v); err != nil {
			slog.Warn("Failed to persist tool call validation",
				"task_id", taskID, "tool_call_id", callID, "error", err)
		}
	}
}

func failedVerdict(taskID, reason string) models.Verdict {
	return models.Verdict{
		TaskID:     taskID,
		Outcome:    models.VerdictFail,
		Reasons:    []string{reason},
		ProducedAt: time.Now(),
	}
}

func countRetries(artifacts []models.Artifact) int {
	n := 0
	for _, a := range artifacts {
		if a.Kind == models.ArtifactKindRetry {
			n++
		}
	}
	return n
}

func countToolErrors(calls []models.ToolCallRecord) int {
	n := 0
	for _, c := range calls {
		if c.Error != "" {
			n++
		}
	}
	return n
}
