// Package validation exercises the whole collection pipeline with synthetic
// scenarios and scores overall system confidence.
package validation

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/minssan9/investand/internal/batch"
	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
)

const (
	probeQueue   = "validation"
	probeJobType = "validation_probe"

	deductionCritical = 25
	deductionWarning  = 10
	deductionInfo     = 2
)

type Issue struct {
	Severity  monitor.Severity `json:"severity"`
	Component string           `json:"component"`
	Message   string           `json:"message"`
	Impact    string           `json:"impact"`
}

type ScenarioResult struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
}

type Result struct {
	Success         bool                  `json:"success"`
	SystemHealth    monitor.HealthStatus  `json:"system_health"`
	Score           int                   `json:"validation_score"`
	Issues          []Issue               `json:"issues,omitempty"`
	Scenarios       []ScenarioResult      `json:"scenarios"`
	Recommendations []string              `json:"recommendations,omitempty"`
	Metrics         monitor.SystemMetrics `json:"metrics"`
	Timestamp       time.Time             `json:"timestamp"`
}

type Config struct {
	ScenarioTimeout time.Duration
	// MinSuccessRate and MaxAverageLatency gate the performance check once
	// real traffic has been observed.
	MinSuccessRate    float64
	MaxAverageLatency time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScenarioTimeout:   60 * time.Second,
		MinSuccessRate:    90,
		MaxAverageLatency: 10 * time.Second,
	}
}

// Harness drives synthetic scenarios across the live pipeline. It assumes
// the queue manager's drain workers are already running.
type Harness struct {
	cfg       Config
	queues    *queue.Manager
	limiter   *ratelimit.Limiter
	recovery  *recovery.System
	collector *monitor.Collector
	executor  *batch.Executor

	heapUsage func() float64
}

func NewHarness(cfg Config, queues *queue.Manager, limiter *ratelimit.Limiter, rec *recovery.System, collector *monitor.Collector, executor *batch.Executor) *Harness {
	defaults := DefaultConfig()
	if cfg.ScenarioTimeout <= 0 {
		cfg.ScenarioTimeout = defaults.ScenarioTimeout
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = defaults.MinSuccessRate
	}
	if cfg.MaxAverageLatency <= 0 {
		cfg.MaxAverageLatency = defaults.MaxAverageLatency
	}

	return &Harness{
		cfg:       cfg,
		queues:    queues,
		limiter:   limiter,
		recovery:  rec,
		collector: collector,
		executor:  executor,
		heapUsage: processHeapUsage,
	}
}

// Run executes infrastructure checks, the scenario battery, and the
// self-tests, then folds everything into a scored result. It never returns
// an error; every failure becomes an issue in the result.
func (h *Harness) Run(ctx context.Context) Result {
	result := Result{Timestamp: time.Now()}

	h.checkInfrastructure(&result)
	h.runScenarios(ctx, &result)
	h.checkPerformance(&result)
	h.checkErrorRecovery(&result)
	h.checkDataIntegrity(ctx, &result)

	result.Score = score(result.Issues)
	result.SystemHealth = healthFor(result.Score, result.Issues)
	result.Success = result.SystemHealth != monitor.StatusUnhealthy
	result.Recommendations = recommendations(result.Issues)
	if h.collector != nil {
		result.Metrics = h.collector.System()
	}

	return result
}

func (h *Harness) checkInfrastructure(result *Result) {
	if len(h.queues.QueueNames()) == 0 {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityCritical,
			Component: "queue",
			Message:   "no job queues registered",
			Impact:    "no collection work can be scheduled",
		})
	}

	if open := h.limiter.OpenCircuits(); open > 0 {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityWarning,
			Component: "ratelimit",
			Message:   fmt.Sprintf("%d provider circuit(s) open", open),
			Impact:    "collection from affected providers is suspended",
		})
	}

	if h.executor == nil {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityInfo,
			Component: "database",
			Message:   "no database pool configured",
			Impact:    "transactional persistence checks skipped",
		})
	}
}

type scenario struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

func (h *Harness) runScenarios(ctx context.Context, result *Result) {
	scenarios := []scenario{
		{name: "data_collection_simulation", critical: true, run: h.scenarioDataCollection},
		{name: "queue_processing", critical: true, run: h.scenarioQueueProcessing},
		{name: "rate_limit_timing", critical: false, run: h.scenarioRateLimitTiming},
		{name: "concurrent_load", critical: false, run: h.scenarioConcurrentLoad},
		{name: "memory_pressure", critical: false, run: h.scenarioMemoryPressure},
	}

	for _, s := range scenarios {
		sr := h.runScenario(ctx, s)
		result.Scenarios = append(result.Scenarios, sr)

		if !sr.Passed {
			severity := monitor.SeverityWarning
			impact := "pipeline behavior degraded under synthetic load"
			if s.critical {
				severity = monitor.SeverityCritical
				impact = "core pipeline path is not functioning"
			}
			result.Issues = append(result.Issues, Issue{
				Severity:  severity,
				Component: "pipeline",
				Message:   fmt.Sprintf("scenario %s failed: %s", s.name, sr.Message),
				Impact:    impact,
			})
		}
	}
}

// runScenario bounds one scenario by the configured timeout. A timed-out
// scenario is failed and its result discarded; the underlying goroutine may
// finish in the background.
func (h *Harness) runScenario(ctx context.Context, s scenario) ScenarioResult {
	sr := ScenarioResult{Name: s.name, Critical: s.critical}

	scenarioCtx, cancel := context.WithTimeout(ctx, h.cfg.ScenarioTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.run(scenarioCtx)
	}()

	select {
	case err := <-done:
		sr.Duration = time.Since(start)
		if err != nil {
			sr.Message = err.Error()
			return sr
		}
		sr.Passed = true
	case <-scenarioCtx.Done():
		sr.Duration = time.Since(start)
		sr.Message = fmt.Sprintf("timed out after %s", h.cfg.ScenarioTimeout)
	}

	return sr
}

// scenarioDataCollection pushes one synthetic job through the live queue and
// waits for its handler to fire.
func (h *Harness) scenarioDataCollection(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	h.queues.RegisterHandler(probeJobType, func(context.Context, *job.Job) error {
		once.Do(func() { close(done) })
		return nil
	})
	h.queues.RegisterQueue(probeQueue)

	j, err := job.New(probeQueue, probeJobType, job.PriorityHigh, map[string]any{"probe": true})
	if err != nil {
		return err
	}
	if err := h.queues.Enqueue(probeQueue, j); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("synthetic job was never executed: %w", ctx.Err())
	}
}

// scenarioQueueProcessing verifies a burst of mixed-priority jobs drains to
// empty.
func (h *Harness) scenarioQueueProcessing(ctx context.Context) error {
	var processed sync.WaitGroup
	processed.Add(3)
	var mu sync.Mutex
	seen := make(map[string]bool, 3)
	h.queues.RegisterHandler(probeJobType, func(_ context.Context, j *job.Job) error {
		mu.Lock()
		defer mu.Unlock()
		if !seen[j.ID] {
			seen[j.ID] = true
			processed.Done()
		}
		return nil
	})
	h.queues.RegisterQueue(probeQueue)

	for _, p := range []job.Priority{job.PriorityLow, job.PriorityHigh, job.PriorityMedium} {
		j, err := job.New(probeQueue, probeJobType, p, map[string]any{"probe": true})
		if err != nil {
			return err
		}
		if err := h.queues.Enqueue(probeQueue, j); err != nil {
			return err
		}
	}

	drained := make(chan struct{})
	go func() {
		processed.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("queue did not drain: %w", ctx.Err())
	}

	status, err := h.queues.Status(probeQueue)
	if err != nil {
		return err
	}
	if status.Size != 0 {
		return fmt.Errorf("queue still holds %d jobs after drain", status.Size)
	}

	return nil
}

// scenarioRateLimitTiming issues paced waits on a dedicated key and checks
// the wall clock respected the configured interval.
func (h *Harness) scenarioRateLimitTiming(ctx context.Context) error {
	const n = 3
	key := "validation_timing"

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := h.limiter.Wait(ctx, key); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	// Calls beyond the burst allowance must be paced one interval apart.
	// Allow a small scheduling tolerance below the theoretical floor.
	cfg := h.limiter.Config()
	paced := n - cfg.Burst
	if paced < 0 {
		paced = 0
	}
	floor := time.Duration(float64(paced*int(cfg.Interval())) * 0.9)
	if elapsed < floor {
		return fmt.Errorf("%d paced calls took %s, below the %s floor", n, elapsed, floor)
	}

	return nil
}

// scenarioConcurrentLoad enqueues from many goroutines at once and expects
// every job to execute.
func (h *Harness) scenarioConcurrentLoad(ctx context.Context) error {
	const n = 10

	var completed sync.WaitGroup
	completed.Add(n)
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	h.queues.RegisterHandler(probeJobType, func(_ context.Context, j *job.Job) error {
		mu.Lock()
		defer mu.Unlock()
		if !seen[j.ID] {
			seen[j.ID] = true
			completed.Done()
		}
		return nil
	})
	h.queues.RegisterQueue(probeQueue)

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			j, err := job.New(probeQueue, probeJobType, job.PriorityMedium, map[string]any{"probe": true})
			if err == nil {
				err = h.queues.Enqueue(probeQueue, j)
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		completed.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("concurrent jobs did not all execute: %w", ctx.Err())
	}
}

func (h *Harness) scenarioMemoryPressure(context.Context) error {
	usage := h.heapUsage()
	if usage > 0.90 {
		return fmt.Errorf("heap already %.0f%% used, no headroom for collection bursts", usage*100)
	}

	return nil
}

func (h *Harness) checkPerformance(result *Result) {
	if h.collector == nil {
		return
	}

	m := h.collector.System()
	if m.TotalBatches == 0 {
		return
	}

	if m.SuccessRate < h.cfg.MinSuccessRate {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityWarning,
			Component: "pipeline",
			Message:   fmt.Sprintf("overall success rate %.1f%% below %.1f%% threshold", m.SuccessRate, h.cfg.MinSuccessRate),
			Impact:    "a meaningful share of collection work is failing",
		})
	}
	if m.AverageResponseTime > h.cfg.MaxAverageLatency {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityWarning,
			Component: "pipeline",
			Message:   fmt.Sprintf("average response time %s above %s threshold", m.AverageResponseTime, h.cfg.MaxAverageLatency),
			Impact:    "collection throughput is degraded",
		})
	}
}

// checkErrorRecovery injects a synthetic failure and confirms the recovery
// system produces a usable decision.
func (h *Harness) checkErrorRecovery(result *Result) {
	probe := &job.Job{
		ID:          "validation-recovery-probe",
		Source:      probeQueue,
		Type:        probeJobType,
		Status:      job.StatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
	}

	decision := h.recovery.HandleFailure(probe, &recovery.TransientError{
		Op:  "validation self-test",
		Err: fmt.Errorf("synthetic failure"),
	})

	if decision.Action != recovery.ActionRetry || decision.Class != recovery.ClassTransient {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityCritical,
			Component: "recovery",
			Message:   fmt.Sprintf("synthetic transient failure produced %s/%s instead of a retry", decision.Action, decision.Class),
			Impact:    "real failures will not be retried correctly",
		})
	}
}

// checkDataIntegrity round-trips a transactional insert through a scratch
// table and removes it in the same transaction.
func (h *Harness) checkDataIntegrity(ctx context.Context, result *Result) {
	if h.executor == nil {
		return
	}

	ops := []batch.Operation{
		{
			Kind:  batch.OpInsert,
			Table: "validation_probe",
			SQL:   "INSERT INTO validation_probe (id, created_at) VALUES ($1, NOW())",
			Args:  []any{"validation-integrity"},
		},
		{
			Kind:  batch.OpDelete,
			Table: "validation_probe",
			SQL:   "DELETE FROM validation_probe WHERE id = $1",
			Args:  []any{"validation-integrity"},
		},
	}

	if _, err := h.executor.Execute(ctx, ops, 10*time.Second); err != nil {
		result.Issues = append(result.Issues, Issue{
			Severity:  monitor.SeverityCritical,
			Component: "database",
			Message:   fmt.Sprintf("transactional round-trip failed: %v", err),
			Impact:    "collected data cannot be persisted atomically",
		})
	}
}

func score(issues []Issue) int {
	s := 100
	for _, issue := range issues {
		switch issue.Severity {
		case monitor.SeverityCritical:
			s -= deductionCritical
		case monitor.SeverityWarning:
			s -= deductionWarning
		default:
			s -= deductionInfo
		}
	}
	if s < 0 {
		s = 0
	}

	return s
}

func healthFor(score int, issues []Issue) monitor.HealthStatus {
	for _, issue := range issues {
		if issue.Severity == monitor.SeverityCritical {
			return monitor.StatusUnhealthy
		}
	}

	switch {
	case score < 50:
		return monitor.StatusUnhealthy
	case score < 80:
		return monitor.StatusDegraded
	default:
		return monitor.StatusHealthy
	}
}

// recommendations dedups issue advice grouped by component.
func recommendations(issues []Issue) []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range issues {
		rec := fmt.Sprintf("%s: %s", issue.Component, issue.Impact)
		if seen[rec] {
			continue
		}
		seen[rec] = true
		out = append(out, rec)
	}

	return out
}

func processHeapUsage() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}

	return float64(ms.HeapAlloc) / float64(ms.HeapSys)
}
