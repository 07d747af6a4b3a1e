// Package monitor tracks rolling execution metrics per collection batch,
// aggregates component health, and dispatches deduplicated alerts.
package monitor

import (
	"sync"
	"time"
)

const recentRecordCap = 100

type ExecutionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// BatchMetrics is a point-in-time snapshot of one batch id's rolling stats.
// AverageDuration, MinDuration and MaxDuration cover successful executions
// only, so average stays exactly TotalDuration / SuccessCount.
type BatchMetrics struct {
	BatchID         string        `json:"batch_id"`
	Count           int           `json:"count"`
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
}

type SystemMetrics struct {
	TotalBatches        int           `json:"total_batches"`
	ActiveBatches       int           `json:"active_batches"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

type CollectorConfig struct {
	// DegradationFactor flags a successful execution slower than this many
	// times the rolling average. Tunable default, not a contract.
	DegradationFactor float64
	// ActiveWindow is how recently a batch must have executed to count as
	// active in system metrics.
	ActiveWindow time.Duration
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		DegradationFactor: 2.0,
		ActiveWindow:      5 * time.Minute,
	}
}

// Collector owns per-batch rolling metrics. Alerts on degradation go through
// the optional AlertManager.
type Collector struct {
	cfg    CollectorConfig
	alerts *AlertManager
	now    func() time.Time

	mu      sync.Mutex
	batches map[string]*batchState
}

type batchState struct {
	count         int
	successCount  int
	failureCount  int
	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration
	lastExecution time.Time
	recent        []ExecutionRecord
}

func NewCollector(cfg CollectorConfig, alerts *AlertManager) *Collector {
	defaults := DefaultCollectorConfig()
	if cfg.DegradationFactor <= 0 {
		cfg.DegradationFactor = defaults.DegradationFactor
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = defaults.ActiveWindow
	}

	return &Collector{
		cfg:     cfg,
		alerts:  alerts,
		now:     time.Now,
		batches: make(map[string]*batchState),
	}
}

func (c *Collector) RecordSuccess(batchID string, duration time.Duration) {
	c.mu.Lock()

	b := c.batch(batchID)
	priorAverage := b.averageDuration()

	b.count++
	b.successCount++
	b.totalDuration += duration
	if b.minDuration == 0 || duration < b.minDuration {
		b.minDuration = duration
	}
	if duration > b.maxDuration {
		b.maxDuration = duration
	}
	now := c.now()
	b.lastExecution = now
	b.append(ExecutionRecord{Timestamp: now, Duration: duration, Success: true})

	degraded := priorAverage > 0 && float64(duration) > c.cfg.DegradationFactor*float64(priorAverage)
	var factor float64
	if degraded {
		factor = float64(duration) / float64(priorAverage)
	}
	c.mu.Unlock()

	if degraded && c.alerts != nil {
		c.alerts.Send(Alert{
			Type:     "performance_degradation",
			Severity: SeverityWarning,
			Details: map[string]any{
				"batch_id":           batchID,
				"duration":           duration.String(),
				"rolling_average":    priorAverage.String(),
				"degradation_factor": factor,
			},
		})
	}
}

func (c *Collector) RecordFailure(batchID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.batch(batchID)
	b.count++
	b.failureCount++
	now := c.now()
	b.lastExecution = now

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.append(ExecutionRecord{Timestamp: now, Success: false, Error: msg})
}

func (c *Collector) AverageDuration(batchID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.batches[batchID]; ok {
		return b.averageDuration()
	}

	return 0
}

// SuccessRate returns the percentage of successful executions for a batch id.
func (c *Collector) SuccessRate(batchID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[batchID]
	if !ok || b.count == 0 {
		return 0
	}

	return float64(b.successCount) / float64(b.count) * 100
}

// Metrics returns the snapshot for one batch id.
func (c *Collector) Metrics(batchID string) (BatchMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[batchID]
	if !ok {
		return BatchMetrics{}, false
	}

	return b.snapshot(batchID), true
}

// AllMetrics returns snapshots for every tracked batch id.
func (c *Collector) AllMetrics() []BatchMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]BatchMetrics, 0, len(c.batches))
	for id, b := range c.batches {
		out = append(out, b.snapshot(id))
	}

	return out
}

// Recent returns the bounded ring of last executions for a batch id.
func (c *Collector) Recent(batchID string) []ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[batchID]
	if !ok {
		return nil
	}

	out := make([]ExecutionRecord, len(b.recent))
	copy(out, b.recent)
	return out
}

// System aggregates across all tracked batch ids.
func (c *Collector) System() SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := SystemMetrics{TotalBatches: len(c.batches)}

	now := c.now()
	totalCount := 0
	totalSuccess := 0
	var totalDuration time.Duration
	for _, b := range c.batches {
		if now.Sub(b.lastExecution) <= c.cfg.ActiveWindow {
			m.ActiveBatches++
		}
		totalCount += b.count
		totalSuccess += b.successCount
		totalDuration += b.totalDuration
	}

	if totalCount > 0 {
		m.SuccessRate = float64(totalSuccess) / float64(totalCount) * 100
	}
	if totalSuccess > 0 {
		m.AverageResponseTime = totalDuration / time.Duration(totalSuccess)
	}

	return m
}

// batch returns mutable state for batchID, creating it lazily. Caller holds
// the collector lock.
func (c *Collector) batch(batchID string) *batchState {
	b, ok := c.batches[batchID]
	if !ok {
		b = &batchState{}
		c.batches[batchID] = b
	}

	return b
}

func (b *batchState) averageDuration() time.Duration {
	if b.successCount == 0 {
		return 0
	}

	return b.totalDuration / time.Duration(b.successCount)
}

func (b *batchState) append(r ExecutionRecord) {
	b.recent = append(b.recent, r)
	if len(b.recent) > recentRecordCap {
		b.recent = b.recent[len(b.recent)-recentRecordCap:]
	}
}

func (b *batchState) snapshot(id string) BatchMetrics {
	return BatchMetrics{
		BatchID:         id,
		Count:           b.count,
		SuccessCount:    b.successCount,
		FailureCount:    b.failureCount,
		TotalDuration:   b.totalDuration,
		AverageDuration: b.averageDuration(),
		MinDuration:     b.minDuration,
		MaxDuration:     b.maxDuration,
		LastExecution:   b.lastExecution,
	}
}
