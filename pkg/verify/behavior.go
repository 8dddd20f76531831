package verify

import (
	"math"
	"sync"
	"time"
)

// behaviorPenalty is the score deduction per anomaly flag.
const behaviorPenalty = 0.25

// TaskStats are the per-task observations the monitor aggregates.
type TaskStats struct {
	Duration   time.Duration
	Retries    int
	ToolCalls  int
	ToolErrors int
}

// errorRate returns the fraction of tool calls that errored, or 0 with no
// calls recorded.
func (s TaskStats) errorRate() float64 {
	if s.ToolCalls == 0 {
		return 0
	}
	return float64(s.ToolErrors) / float64(s.ToolCalls)
}

// Monitor keeps a per-agent sliding window of task statistics and flags
// anomalies in the current task by fixed, deterministic rules. No learning:
// the thresholds are constants.
type Monitor struct {
	mu         sync.RWMutex
	window     int
	minSamples int
	history    map[string][]TaskStats // agent_id → oldest first
}

// NewMonitor creates a monitor with the given sliding-window size and the
// minimum history required before duration and error-rate rules apply.
func NewMonitor(window, minSamples int) *Monitor {
	return &Monitor{
		window:     window,
		minSamples: minSamples,
		history:    make(map[string][]TaskStats),
	}
}

// Evaluate scores the current task against the agent's history. The current
// task is not part of the window; call Record afterwards to add it.
func (m *Monitor) Evaluate(agentID string, cur TaskStats) (float64, []string) {
	m.mu.RLock()
	hist := m.history[agentID]
	m.mu.RUnlock()

	if len(hist) < m.minSamples {
		return 1.0, []string{"behavior:insufficient_history"}
	}

	var reasons []string
	flags := 0

	mean, stddev := durationStats(hist)
	if float64(cur.Duration) > mean+3*stddev {
		flags++
		reasons = append(reasons, "over_duration")
	}

	meanRetries := retryMean(hist)
	if meanRetries >= 1 && float64(cur.Retries) > 2*meanRetries {
		flags++
		reasons = append(reasons, "excessive_retries")
	}

	meanErrRate := errorRateMean(hist)
	if cur.errorRate() > meanErrRate+0.2 {
		flags++
		reasons = append(reasons, "elevated_error_rate")
	}

	score := clamp01(round4(1 - behaviorPenalty*float64(flags)))
	return score, reasons
}

// Record appends the task's statistics to the agent's window, dropping the
// oldest entry when the window is full.
func (m *Monitor) Record(agentID string, stats TaskStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[agentID], stats)
	if len(hist) > m.window {
		hist = hist[len(hist)-m.window:]
	}
	m.history[agentID] = hist
}

// SampleCount returns the number of recorded tasks for an agent.
func (m *Monitor) SampleCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[agentID])
}

func durationStats(hist []TaskStats) (mean, stddev float64) {
	for _, s := range hist {
		mean += float64(s.Duration)
	}
	mean /= float64(len(hist))

	var variance float64
	for _, s := range hist {
		d := float64(s.Duration) - mean
		variance += d * d
	}
	variance /= float64(len(hist))
	return mean, math.Sqrt(variance)
}

func retryMean(hist []TaskStats) float64 {
	var total float64
	for _, s := range hist {
		total += float64(s.Retries)
	}
	return total / float64(len(hist))
}

func errorRateMean(hist []TaskStats) float64 {
	var total float64
	for _, s := range hist {
		total += s.errorRate()
	}
	return total / float64(len(hist))
}
