package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/notify"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
	"github.com/minssan9/investand/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestAPI builds an API over a non-started manager so enqueued jobs
// stay visible in queue statuses instead of racing a drain worker.
func setupTestAPI(t *testing.T) (*API, *queue.Manager, *store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := store.NewRedisStore(mr.Addr())
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 10000, Burst: 100})
	rec := recovery.NewSystem(recovery.Config{FailureBurst: 1000, MinSamples: 1000}, limiter)
	alerts := monitor.NewAlertManager(&notify.LogNotifier{}, time.Minute)
	collector := monitor.NewCollector(monitor.DefaultCollectorConfig(), alerts)

	mgr := queue.NewManager(queue.Config{}, limiter, rec, collector, alerts, st)
	mgr.RegisterQueue("dart")

	api := NewAPI(Deps{
		Queues:    mgr,
		Store:     st,
		Limiter:   limiter,
		Recovery:  rec,
		Collector: collector,
	})

	return api, mgr, st, mr
}

func TestCreateJob(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	reqBody := CreateJobRequest{
		Source:  "dart",
		Type:    "collect_filings",
		Payload: map[string]any{"corp_code": "005930"},
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var j job.Job
	err := json.Unmarshal(w.Body.Bytes(), &j)
	require.NoError(t, err)
	assert.Equal(t, "dart", j.Source)
	assert.Equal(t, "collect_filings", j.Type)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.PriorityMedium, j.Priority)
	assert.Equal(t, job.DefaultMaxAttempts, j.MaxAttempts)
}

func TestCreateJobWithPriorityAndAttempts(t *testing.T) {
	api, mgr, _, mr := setupTestAPI(t)
	defer mr.Close()

	priority := job.PriorityHigh
	attempts := 5
	reqBody := CreateJobRequest{
		Source:      "dart",
		Type:        "collect_filings",
		Priority:    &priority,
		MaxAttempts: &attempts,
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBuffer(body))
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var j job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	assert.Equal(t, job.PriorityHigh, j.Priority)
	assert.Equal(t, 5, j.MaxAttempts)

	status, err := mgr.Status("dart")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Size)
}

func TestCreateJobValidation(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: "{not json", want: http.StatusBadRequest},
		{name: "missing source", body: `{"type":"collect_filings"}`, want: http.StatusBadRequest},
		{name: "missing type", body: `{"source":"dart"}`, want: http.StatusBadRequest},
		{name: "unknown queue", body: `{"source":"unknown","type":"collect_filings"}`, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			api.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	api, _, st, mr := setupTestAPI(t)
	defer mr.Close()

	j, err := job.New("dart", "collect_filings", job.PriorityMedium, map[string]any{"corp_code": "005930"})
	require.NoError(t, err)
	require.NoError(t, st.SaveJob(context.Background(), j))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+j.ID, nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var got job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, j.ID, got.ID)
}

func TestGetJobNotFound(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	api, _, st, mr := setupTestAPI(t)
	defer mr.Close()

	for i := 0; i < 3; i++ {
		j, err := job.New("dart", "collect_filings", job.PriorityMedium, map[string]any{"i": i})
		require.NoError(t, err)
		require.NoError(t, st.SaveJob(context.Background(), j))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var jobs []*job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 3)
}

func TestListDeadLetters(t *testing.T) {
	api, _, st, mr := setupTestAPI(t)
	defer mr.Close()

	j, err := job.New("dart", "collect_filings", job.PriorityMedium, map[string]any{})
	require.NoError(t, err)
	j.Status = job.StatusDeadLetter
	require.NoError(t, st.MoveToDeadLetter(context.Background(), j))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/dead-letter", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var jobs []*job.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)
}

func TestQueueStatuses(t *testing.T) {
	api, mgr, _, mr := setupTestAPI(t)
	defer mr.Close()

	for i := 0; i < 2; i++ {
		j, err := job.New("dart", "collect_filings", job.PriorityMedium, map[string]any{"i": i})
		require.NoError(t, err)
		require.NoError(t, mgr.Enqueue("dart", j))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var statuses map[string]queue.QueueStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Equal(t, 2, statuses["dart"].Size)

	req = httptest.NewRequest(http.MethodGet, "/api/queues/dart", nil)
	w = httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var status queue.QueueStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Size)
}

func TestQueueNotFound(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/queues/unknown", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	api.deps.Collector.RecordSuccess("dart/collect_filings", 100*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		System  monitor.SystemMetrics  `json:"system"`
		Batches []monitor.BatchMetrics `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.System.TotalBatches)
	require.Len(t, resp.Batches, 1)
}

func TestRecoveryEndpoint(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/recovery", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status   recovery.SystemStatus             `json:"status"`
		Circuits map[string]ratelimit.CircuitState `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Status.OpenCircuits)
}

func TestHealthEndpoint(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	api.deps.Health = monitor.NewHealthMonitor(monitor.HealthConfig{}, db, api.deps.Limiter, func() int { return 0 })

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	// Disk and heap probes read the real process environment, so only the
	// report shape is asserted here.
	require.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)

	var report monitor.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.NotEmpty(t, report.Overall)
	assert.NotEmpty(t, report.Components)
}

func TestHealthNotConfigured(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestValidateNotConfigured(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/validate", nil)
	w := httptest.NewRecorder()

	api.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	api, _, _, mr := setupTestAPI(t)
	defer mr.Close()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/jobs"},
		{http.MethodPost, "/api/jobs/123"},
		{http.MethodPost, "/api/queues"},
		{http.MethodGet, "/api/validate"},
		{http.MethodPost, "/api/health"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		w := httptest.NewRecorder()

		api.ServeHTTP(w, req)

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tt.method, tt.path)
	}
}
