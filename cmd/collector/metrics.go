package main

import (
	"context"
	"time"

	"github.com/minssan9/investand/internal/metrics"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
)

// startMetricsCollector refreshes the gauge-style metrics that have no
// natural event to hang off: queue depths and breaker states.
func startMetricsCollector(ctx context.Context, queues *queue.Manager, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateGauges(queues, limiter)
		}
	}
}

func updateGauges(queues *queue.Manager, limiter *ratelimit.Limiter) {
	for name, status := range queues.AllStatuses() {
		metrics.UpdateQueueDepth(name, status.Size)
	}

	for _, key := range limiter.Keys() {
		metrics.UpdateCircuitState(key, limiter.State(key) == ratelimit.CircuitOpen)
	}
}
