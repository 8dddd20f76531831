// Package core wires the stores, the verification engine, the reliability
// scorer, the rollback coordinator, and the dispatch fabric into the single
// service facade the API layer calls. All task and agent mutations are
// serialized through per-entity locks, always task before agent.
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwatch/ares/pkg/bus"
	"github.com/agentwatch/ares/pkg/metrics"
	"github.com/agentwatch/ares/pkg/reliability"
	"github.com/agentwatch/ares/pkg/rollback"
	"github.com/agentwatch/ares/pkg/store"
	"github.com/agentwatch/ares/pkg/verify"
)

// ErrShuttingDown rejects intake operations once shutdown has begun.
var ErrShuttingDown = errors.New("service is shutting down")

// Options bound the core's resource usage.
type Options struct {
	// Verify carries the fixed verification constants.
	Verify verify.Config

	// SubscriberQueueSize is the bounded queue capacity handed to fabric
	// subscribers.
	SubscriberQueueSize int

	// MaxConcurrentVerifications caps parallel background verifications.
	MaxConcurrentVerifications int

	// RestoreDeadline bounds a single snapshot restore attempt. Zero means
	// rollback.DefaultRestoreDeadline.
	RestoreDeadline time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Verify:                     verify.DefaultConfig(),
		SubscriberQueueSize:        64,
		MaxConcurrentVerifications: 8,
	}
}

// Deps are the collaborators the core orchestrates. All fields are required
// except Metrics.
type Deps struct {
	Agents      store.AgentStore
	Tasks       store.TaskStore
	Evidence    store.EvidenceStore
	Snapshots   store.SnapshotStore
	Verdicts    store.VerdictStore
	Enforcement store.EnforcementStore

	Schemas         *verify.SchemaRegistry
	RestoreHandlers *rollback.HandlerRegistry
	Metrics         *metrics.Metrics

	Options Options
}

// Core is the service facade. One instance per process.
type Core struct {
	opts Options

	agents      store.AgentStore
	tasks       store.TaskStore
	evidence    store.EvidenceStore
	snapshots   store.SnapshotStore
	verdicts    store.VerdictStore
	enforcement store.EnforcementStore

	fabric   *bus.Fabric
	verifier *verify.Coordinator
	scorer   *reliability.Scorer
	engine   *reliability.Engine
	restorer *rollback.Coordinator
	metrics  *metrics.Metrics

	taskLocks  *keyedMutex
	agentLocks *keyedMutex

	verifySem chan struct{}
	wg        sync.WaitGroup

	shuttingDown atomic.Bool
	stopOnce     sync.Once

	// inflight tracks tasks with a pending background verification so
	// shutdown can roll back the ones that miss the grace period.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New assembles a core from its dependencies.
func New(deps Deps) *Core {
	opts := deps.Options
	if opts.SubscriberQueueSize <= 0 {
		opts.SubscriberQueueSize = DefaultOptions().SubscriberQueueSize
	}
	if opts.MaxConcurrentVerifications <= 0 {
		opts.MaxConcurrentVerifications = DefaultOptions().MaxConcurrentVerifications
	}
	if opts.Verify == (verify.Config{}) {
		opts.Verify = verify.DefaultConfig()
	}

	monitor := verify.NewMonitor(opts.Verify.BehaviorWindow, opts.Verify.MinSamples)
	return &Core{
		opts:        opts,
		agents:      deps.Agents,
		tasks:       deps.Tasks,
		evidence:    deps.Evidence,
		snapshots:   deps.Snapshots,
		verdicts:    deps.Verdicts,
		enforcement: deps.Enforcement,
		fabric:      bus.New(),
		verifier:    verify.NewCoordinator(opts.Verify, deps.Schemas, monitor, deps.Evidence, deps.Verdicts),
		scorer:      reliability.NewScorer(),
		engine:      reliability.NewEngine(deps.Enforcement, deps.Agents),
		restorer:    rollback.NewCoordinator(deps.Snapshots, deps.RestoreHandlers, opts.RestoreDeadline),
		metrics:     deps.Metrics,
		taskLocks:   newKeyedMutex(),
		agentLocks:  newKeyedMutex(),
		verifySem:   make(chan struct{}, opts.MaxConcurrentVerifications),
		inflight:    make(map[string]struct{}),
	}
}

// Subscribe attaches a fabric subscriber with the configured queue capacity.
func (c *Core) Subscribe(pattern string) (*bus.Subscription, error) {
	return c.fabric.Subscribe(pattern, c.opts.SubscriberQueueSize)
}

// Fabric exposes the dispatch fabric's counters for health reporting.
func (c *Core) Fabric() *bus.Fabric { return c.fabric }

// publish pushes an event onto the fabric. Called with the relevant task
// lock held, which is what guarantees per-topic ordering.
func (c *Core) publish(evt bus.Event) {
	evt.Timestamp = time.Now()
	drops := c.fabric.Publish(evt)
	c.metrics.EventPublished(drops)
}

// Shutdown stops intake, waits up to grace for in-flight verifications, and
// rolls back whatever is still unresolved. Idempotent.
func (c *Core) Shutdown(ctx context.Context, grace time.Duration) {
	c.stopOnce.Do(func() {
		c.shuttingDown.Store(true)
		slog.Info("Core shutting down", "grace", grace)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			slog.Warn("Shutdown grace expired with verifications in flight")
		case <-ctx.Done():
		}

		for _, taskID := range c.inflightTasks() {
			if err := c.forceRollback(ctx, taskID, "shutdown"); err != nil {
				slog.Error("Failed to roll back task during shutdown",
					"task_id", taskID, "error", err)
			}
		}

		c.fabric.Close()
		slog.Info("Core shutdown complete")
	})
}

func (c *Core) inflightTasks() []string {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (c *Core) trackInflight(taskID string) {
	c.inflightMu.Lock()
	c.inflight[taskID] = struct{}{}
	c.inflightMu.Unlock()
}

func (c *Core) untrackInflight(taskID string) {
	c.inflightMu.Lock()
	delete(c.inflight, taskID)
	c.inflightMu.Unlock()
}
