package database

import (
	"context"
	"time"
)

// Health is the database section of the service health report: a liveness
// ping plus connection pool pressure. The evidence, verdict, and enforcement
// stores all share this pool, so pool exhaustion here shows up as slow
// verifications before it shows up as errors.
type Health struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
}

// PoolStats reports connection pool usage. Growing WaitCount and WaitMS mean
// the pool is undersized for the verification load.
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	MaxOpen   int   `json:"max_open"`
	WaitCount int64 `json:"wait_count"`
	WaitMS    int64 `json:"wait_ms"`
}

// Health pings the database and reports pool statistics. On ping failure the
// report is returned alongside the error so callers can surface both.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return &Health{
			Status:    "unhealthy",
			LatencyMS: time.Since(start).Milliseconds(),
		}, err
	}

	stats := c.db.Stats()
	return &Health{
		Status:    "healthy",
		LatencyMS: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			MaxOpen:   stats.MaxOpenConnections,
			WaitCount: stats.WaitCount,
			WaitMS:    stats.WaitDuration.Milliseconds(),
		},
	}, nil
}
