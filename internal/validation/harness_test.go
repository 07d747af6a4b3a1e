package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/minssan9/investand/internal/batch"
	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/notify"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu    sync.Mutex
	saves int
	dead  int
}

func (s *memoryStore) SaveJob(context.Context, *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *memoryStore) MoveToDeadLetter(context.Context, *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead++
	return nil
}

// pipeline wires a running manager with fast settings so scenarios finish in
// milliseconds.
func pipeline(t *testing.T) (*queue.Manager, *ratelimit.Limiter, *recovery.System, *monitor.Collector, func()) {
	t.Helper()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: 10000,
		Burst:             100,
		FailureThreshold:  1000,
		Cooldown:          time.Second,
	})
	rec := recovery.NewSystem(recovery.Config{
		RetryDelay:   10 * time.Millisecond,
		FailureBurst: 1000,
		MinSamples:   1000,
	}, limiter)
	alerts := monitor.NewAlertManager(&notify.LogNotifier{}, time.Minute)
	collector := monitor.NewCollector(monitor.DefaultCollectorConfig(), alerts)

	mgr := queue.NewManager(queue.Config{JobTimeout: 5 * time.Second}, limiter, rec, collector, alerts, &memoryStore{})
	mgr.RegisterQueue("krx")

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)

	return mgr, limiter, rec, collector, func() {
		cancel()
		mgr.Stop()
	}
}

func TestRunHealthyPipeline(t *testing.T) {
	mgr, limiter, rec, collector, stop := pipeline(t)
	defer stop()

	h := NewHarness(Config{ScenarioTimeout: 5 * time.Second}, mgr, limiter, rec, collector, nil)

	result := h.Run(context.Background())

	require.Len(t, result.Scenarios, 5)
	for _, s := range result.Scenarios {
		assert.True(t, s.Passed, "scenario %s failed: %s", s.Name, s.Message)
	}

	// The only issue is the informational one for the missing database pool.
	require.Len(t, result.Issues, 1)
	assert.Equal(t, monitor.SeverityInfo, result.Issues[0].Severity)
	assert.Equal(t, 98, result.Score)
	assert.Equal(t, monitor.StatusHealthy, result.SystemHealth)
	assert.True(t, result.Success)
	assert.False(t, result.Timestamp.IsZero())
}

func TestRunFlagsMemoryPressure(t *testing.T) {
	mgr, limiter, rec, collector, stop := pipeline(t)
	defer stop()

	h := NewHarness(Config{ScenarioTimeout: 5 * time.Second}, mgr, limiter, rec, collector, nil)
	h.heapUsage = func() float64 { return 0.95 }

	result := h.Run(context.Background())

	var memory *ScenarioResult
	for i := range result.Scenarios {
		if result.Scenarios[i].Name == "memory_pressure" {
			memory = &result.Scenarios[i]
		}
	}
	require.NotNil(t, memory)
	assert.False(t, memory.Passed)
	assert.False(t, memory.Critical)

	// Warning for the scenario plus the info issue for the missing pool.
	assert.Equal(t, 88, result.Score)
	assert.Equal(t, monitor.StatusHealthy, result.SystemHealth)
	assert.True(t, result.Success)
}

func TestRunWithoutQueuesIsUnhealthy(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 10000, Burst: 100})
	rec := recovery.NewSystem(recovery.Config{FailureBurst: 1000, MinSamples: 1000}, limiter)
	alerts := monitor.NewAlertManager(&notify.LogNotifier{}, time.Minute)
	collector := monitor.NewCollector(monitor.DefaultCollectorConfig(), alerts)
	mgr := queue.NewManager(queue.Config{}, limiter, rec, collector, alerts, &memoryStore{})
	// Deliberately not started: the critical scenarios cannot run.

	h := NewHarness(Config{ScenarioTimeout: 50 * time.Millisecond}, mgr, limiter, rec, collector, nil)

	result := h.Run(context.Background())

	assert.Equal(t, monitor.StatusUnhealthy, result.SystemHealth)
	assert.False(t, result.Success)
}

func TestDataIntegrityRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO validation_probe").
		WithArgs("validation-integrity").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM validation_probe").
		WithArgs("validation-integrity").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	h := &Harness{cfg: DefaultConfig(), executor: batch.NewExecutorWithDB(db)}

	var result Result
	h.checkDataIntegrity(context.Background(), &result)

	assert.Empty(t, result.Issues)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDataIntegrityFailureIsCritical(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO validation_probe").
		WithArgs("validation-integrity").
		WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	h := &Harness{cfg: DefaultConfig(), executor: batch.NewExecutorWithDB(db)}

	var result Result
	h.checkDataIntegrity(context.Background(), &result)

	require.Len(t, result.Issues, 1)
	assert.Equal(t, monitor.SeverityCritical, result.Issues[0].Severity)
	assert.Equal(t, "database", result.Issues[0].Component)
}

func TestScoreDeductions(t *testing.T) {
	tests := []struct {
		name   string
		issues []Issue
		want   int
	}{
		{name: "no issues", want: 100},
		{name: "one critical", issues: []Issue{{Severity: monitor.SeverityCritical}}, want: 75},
		{name: "one warning", issues: []Issue{{Severity: monitor.SeverityWarning}}, want: 90},
		{name: "one info", issues: []Issue{{Severity: monitor.SeverityInfo}}, want: 98},
		{
			name: "mixed",
			issues: []Issue{
				{Severity: monitor.SeverityCritical},
				{Severity: monitor.SeverityWarning},
				{Severity: monitor.SeverityInfo},
			},
			want: 63,
		},
		{
			name: "clamped at zero",
			issues: []Issue{
				{Severity: monitor.SeverityCritical},
				{Severity: monitor.SeverityCritical},
				{Severity: monitor.SeverityCritical},
				{Severity: monitor.SeverityCritical},
				{Severity: monitor.SeverityCritical},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, score(tt.issues))
		})
	}
}

func TestHealthFor(t *testing.T) {
	critical := []Issue{{Severity: monitor.SeverityCritical}}

	assert.Equal(t, monitor.StatusHealthy, healthFor(100, nil))
	assert.Equal(t, monitor.StatusHealthy, healthFor(80, nil))
	assert.Equal(t, monitor.StatusDegraded, healthFor(79, nil))
	assert.Equal(t, monitor.StatusUnhealthy, healthFor(49, nil))
	assert.Equal(t, monitor.StatusUnhealthy, healthFor(100, critical))
}

func TestRecommendationsDeduped(t *testing.T) {
	issues := []Issue{
		{Component: "pipeline", Impact: "core pipeline path is not functioning"},
		{Component: "pipeline", Impact: "core pipeline path is not functioning"},
		{Component: "database", Impact: "collected data cannot be persisted atomically"},
	}

	recs := recommendations(issues)

	require.Len(t, recs, 2)
	assert.Equal(t, "pipeline: core pipeline path is not functioning", recs[0])
	assert.Equal(t, "database: collected data cannot be persisted atomically", recs[1])
}

func TestErrorRecoverySelfTest(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 10000, FailureThreshold: 1000})
	rec := recovery.NewSystem(recovery.Config{FailureBurst: 1000, MinSamples: 1000}, limiter)

	h := &Harness{cfg: DefaultConfig(), recovery: rec}

	var result Result
	h.checkErrorRecovery(&result)

	assert.Empty(t, result.Issues)
}
