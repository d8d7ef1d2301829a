package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chameleon-cms/chameleon/internal/observability"
)

// RunPoolMonitor periodically samples pgxpool statistics and exports them as
// Prometheus metrics. It blocks until ctx is cancelled, so run it in its own
// goroutine.
//
// pgx exposes cumulative counters (AcquireCount, AcquireDuration, ...); the
// monitor converts them to deltas so the exported counters stay monotonic
// even though the sampling is periodic.
func RunPoolMonitor(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastAcquireCount    int64
		lastAcquireDuration time.Duration
		lastWaitCount       int64
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()

			observability.DatabasePoolConnections.WithLabelValues("total").Set(float64(stat.TotalConns()))
			observability.DatabasePoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
			observability.DatabasePoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
			observability.DatabasePoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))

			if delta := stat.AcquireCount() - lastAcquireCount; delta > 0 {
				observability.DatabasePoolAcquireCount.Add(float64(delta))
				lastAcquireCount = stat.AcquireCount()
			}
			if delta := stat.AcquireDuration() - lastAcquireDuration; delta > 0 {
				observability.DatabasePoolAcquireDuration.Add(delta.Seconds())
				lastAcquireDuration = stat.AcquireDuration()
			}
			if delta := stat.EmptyAcquireCount() - lastWaitCount; delta > 0 {
				observability.DatabasePoolWaitCount.Add(float64(delta))
				lastWaitCount = stat.EmptyAcquireCount()
			}
		}
	}
}
