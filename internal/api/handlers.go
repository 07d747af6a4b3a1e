// Package api exposes the collection pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/minssan9/investand/internal/httputil"
	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
	"github.com/minssan9/investand/internal/store"
	"github.com/minssan9/investand/internal/validation"
)

type Deps struct {
	Queues    *queue.Manager
	Store     *store.RedisStore
	Limiter   *ratelimit.Limiter
	Recovery  *recovery.System
	Collector *monitor.Collector
	Health    *monitor.HealthMonitor
	Harness   *validation.Harness
}

type API struct {
	deps Deps
	mux  *http.ServeMux
}

type CreateJobRequest struct {
	Source      string         `json:"source"`
	Type        string         `json:"type"`
	Priority    *job.Priority  `json:"priority"`
	Payload     map[string]any `json:"payload"`
	MaxAttempts *int           `json:"max_attempts"`
}

func NewAPI(deps Deps) *API {
	api := &API{
		deps: deps,
		mux:  http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/jobs", a.handleJobs)
	a.mux.HandleFunc("/api/jobs/", a.handleJobByID)
	a.mux.HandleFunc("/api/queues", a.handleQueues)
	a.mux.HandleFunc("/api/queues/", a.handleQueueByName)
	a.mux.HandleFunc("/api/recovery", a.handleRecovery)
	a.mux.HandleFunc("/api/metrics", a.handleMetrics)
	a.mux.HandleFunc("/api/health", a.handleHealth)
	a.mux.HandleFunc("/api/validate", a.handleValidate)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createJob(w, r)
	case http.MethodGet:
		a.listJobs(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req CreateJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Source == "" {
		httputil.WriteJSONError(w, "Job source is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		httputil.WriteJSONError(w, "Job type is required", http.StatusBadRequest)
		return
	}

	priority := job.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	}

	j, err := job.New(req.Source, req.Type, priority, req.Payload)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxAttempts != nil && *req.MaxAttempts > 0 {
		j.MaxAttempts = *req.MaxAttempts
	}

	if err := a.deps.Queues.Enqueue(req.Source, j); err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			httputil.WriteJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.deps.Store.AllJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" {
		httputil.WriteJSONError(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	if jobID == "dead-letter" {
		a.listDeadLetters(w, r)
		return
	}

	j, err := a.deps.Store.GetJob(r.Context(), jobID)
	if err != nil {
		httputil.WriteJSONError(w, "Job not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, j)
}

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.deps.Store.DeadLetterJobs(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (a *API) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.deps.Queues.AllStatuses())
}

func (a *API) handleQueueByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	if name == "" {
		httputil.WriteJSONError(w, "Queue name is required", http.StatusBadRequest)
		return
	}

	status, err := a.deps.Queues.Status(name)
	if err != nil {
		httputil.WriteJSONError(w, "Queue not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

// handleRecovery reports the failure-handling view of the system: open
// circuits, anomalous operation patterns, and per-provider breaker states.
func (a *API) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	circuits := make(map[string]ratelimit.CircuitState)
	for _, key := range a.deps.Limiter.Keys() {
		circuits[key] = a.deps.Limiter.State(key)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   a.deps.Recovery.Status(),
		"circuits": circuits,
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"system":  a.deps.Collector.System(),
		"batches": a.deps.Collector.AllMetrics(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.deps.Health == nil {
		httputil.WriteJSONError(w, "Health monitoring is not configured", http.StatusServiceUnavailable)
		return
	}

	report := a.deps.Health.Check(r.Context())
	status := http.StatusOK
	if report.Overall == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, status, report)
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.deps.Harness == nil {
		httputil.WriteJSONError(w, "Validation harness is not configured", http.StatusServiceUnavailable)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, a.deps.Harness.Run(r.Context()))
}
