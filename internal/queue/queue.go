// Package queue maintains one independent priority queue per data source and
// drives job execution through rate limiting, failure recovery, and metrics.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/metrics"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
)

// ErrQueueNotFound is returned by Enqueue for unregistered queue names.
var ErrQueueNotFound = errors.New("queue not found")

// Operation is the collaborator-defined work executed for a job. The payload
// stays opaque to the queue; operations decode it themselves.
type Operation func(ctx context.Context, j *job.Job) error

// Store is the durability collaborator jobs are mirrored into. Mirror
// failures are logged, never fatal: the in-process queue remains the
// ordering authority.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	MoveToDeadLetter(ctx context.Context, j *job.Job) error
}

type Config struct {
	// JobTimeout bounds a single execution attempt.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{JobTimeout: 60 * time.Second}
}

type QueueStatus struct {
	Size         int  `json:"size"`
	IsProcessing bool `json:"is_processing"`
}

// Manager owns the registered queues and their drain workers. All state is
// instance-scoped so independent managers can coexist in one process.
type Manager struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	recovery  *recovery.System
	collector *monitor.Collector
	alerts    *monitor.AlertManager
	store     Store

	mu       sync.Mutex
	queues   map[string]*sourceQueue
	handlers map[string]Operation

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// sourceQueue holds the pending jobs for one queue name. The drain worker is
// the only consumer; isProcessing doubles as the single-flight guard surfaced
// in status reads.
type sourceQueue struct {
	name string

	mu           sync.Mutex
	jobs         []*job.Job
	isProcessing bool

	wake chan struct{}
}

func NewManager(cfg Config, limiter *ratelimit.Limiter, rec *recovery.System, collector *monitor.Collector, alerts *monitor.AlertManager, store Store) *Manager {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}

	return &Manager{
		cfg:       cfg,
		limiter:   limiter,
		recovery:  rec,
		collector: collector,
		alerts:    alerts,
		store:     store,
		queues:    make(map[string]*sourceQueue),
		handlers:  make(map[string]Operation),
	}
}

// RegisterQueue creates a named queue. Registration before Start is cheap;
// after Start the drain worker is launched immediately.
func (m *Manager) RegisterQueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; ok {
		return
	}

	q := &sourceQueue{
		name: name,
		wake: make(chan struct{}, 1),
	}
	m.queues[name] = q

	if m.started {
		m.wg.Add(1)
		go m.drainLoop(q)
	}
}

func (m *Manager) RegisterHandler(jobType string, op Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[jobType] = op
}

// Start launches one drain worker per registered queue.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, q := range m.queues {
		m.wg.Add(1)
		go m.drainLoop(q)
	}
}

// Stop cancels the drain workers and waits for in-flight executions.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// Enqueue inserts the job ordered by priority weight; among equal priorities
// arrival order is preserved. The drain worker is woken if idle.
func (m *Manager) Enqueue(name string, j *job.Job) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}

	q.mu.Lock()
	idx := len(q.jobs)
	for i, queued := range q.jobs {
		if j.Priority > queued.Priority {
			idx = i
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[idx+1:], q.jobs[idx:])
	q.jobs[idx] = j
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.RecordJobEnqueued(name, j.Type, j.Priority)
	metrics.UpdateQueueDepth(name, depth)

	if m.store != nil {
		if err := m.store.SaveJob(context.Background(), j); err != nil {
			log.Printf("Failed to mirror job %s: %v", j.ID, err)
		}
	}

	q.notify()
	return nil
}

// Status returns the size and drain state of one queue.
func (m *Manager) Status(name string) (QueueStatus, error) {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return QueueStatus{}, fmt.Errorf("%w: %q", ErrQueueNotFound, name)
	}

	return q.status(), nil
}

// AllStatuses returns the status of every registered queue.
func (m *Manager) AllStatuses() map[string]QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]QueueStatus, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.status()
	}

	return out
}

// Depth is the total number of pending jobs across queues, used by the
// health monitor's backlog probe.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, q := range m.queues {
		q.mu.Lock()
		total += len(q.jobs)
		q.mu.Unlock()
	}

	return total
}

// QueueNames lists registered queues, used by the validation harness.
func (m *Manager) QueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}

	return names
}

func (q *sourceQueue) status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStatus{Size: len(q.jobs), IsProcessing: q.isProcessing}
}

func (q *sourceQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sourceQueue) pop() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil
	}

	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

// drainLoop blocks on the wake channel and drains the queue one job at a
// time until empty. One loop per queue; distinct queues run concurrently
// with no mutual ordering guarantee.
func (m *Manager) drainLoop(q *sourceQueue) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-q.wake:
		}

		q.mu.Lock()
		if q.isProcessing {
			q.mu.Unlock()
			continue
		}
		q.isProcessing = true
		q.mu.Unlock()

		for {
			if m.ctx.Err() != nil {
				break
			}
			j := q.pop()
			if j == nil {
				break
			}
			m.execute(q, j)
			metrics.UpdateQueueDepth(q.name, q.status().Size)
		}

		q.mu.Lock()
		q.isProcessing = false
		q.mu.Unlock()
	}
}

// execute runs one attempt. Failures never propagate; they are converted
// into a recovery decision here.
func (m *Manager) execute(q *sourceQueue, j *job.Job) {
	now := time.Now()
	j.Status = job.StatusProcessing
	j.Attempts++
	j.StartedAt = &now
	m.mirror(j)

	op := m.handlerFor(j.Type)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.JobTimeout)
	defer cancel()

	var execStart time.Time
	waitStart := time.Now()
	err := m.limiter.Execute(ctx, j.Source, func(ctx context.Context) error {
		execStart = time.Now()
		metrics.RecordRateLimitWait(j.Source, execStart.Sub(waitStart))
		if op == nil {
			return &recovery.ValidationError{Field: "type", Reason: fmt.Sprintf("no handler for job type %q", j.Type)}
		}
		return op(ctx, j)
	})

	duration := time.Since(waitStart)
	if !execStart.IsZero() {
		duration = time.Since(execStart)
	}
	operation := j.Source + "/" + j.Type

	if err == nil {
		completed := time.Now()
		j.Status = job.StatusCompleted
		j.CompletedAt = &completed
		m.mirror(j)

		m.collector.RecordSuccess(operation, duration)
		m.recovery.RecordSuccess(operation)
		metrics.RecordJobCompleted(q.name, j.Type, duration)
		log.Printf("Job %s completed (%s, attempt %d/%d)", j.ID, operation, j.Attempts, j.MaxAttempts)
		return
	}

	m.collector.RecordFailure(operation, err)
	metrics.RecordJobFailed(q.name, j.Type, duration)

	decision := m.recovery.HandleFailure(j, err)
	if decision.Anomaly != nil {
		m.escalate(decision)
	}

	switch decision.Action {
	case recovery.ActionRetry:
		m.scheduleRetry(q, j, decision)
	default:
		m.deadLetter(q, j, decision)
	}
}

func (m *Manager) scheduleRetry(q *sourceQueue, j *job.Job, decision recovery.Decision) {
	// The job stays failed while it waits out the delay, so the store and
	// API show the attempt's outcome until the re-enqueue flips it back.
	j.Status = job.StatusFailed
	j.ScheduledAt = time.Now().Add(decision.Delay)
	j.LastError = decision.Reason
	m.mirror(j)

	metrics.RecordJobRetried(q.name, j.Type)
	log.Printf("Job %s failed (%s), retry %d/%d in %s", j.ID, decision.Class, j.Attempts, j.MaxAttempts, decision.Delay)

	// Deferred re-enqueue; never re-entrant within the current drain pass.
	time.AfterFunc(decision.Delay, func() {
		if m.ctx.Err() != nil {
			return
		}
		j.Status = job.StatusPending
		if err := m.Enqueue(q.name, j); err != nil {
			log.Printf("Failed to re-enqueue job %s: %v", j.ID, err)
		}
	})
}

func (m *Manager) deadLetter(q *sourceQueue, j *job.Job, decision recovery.Decision) {
	j.Status = job.StatusDeadLetter
	j.LastError = decision.Reason

	if m.store != nil {
		if err := m.store.MoveToDeadLetter(context.Background(), j); err != nil {
			log.Printf("Failed to move job %s to dead letter: %v", j.ID, err)
		}
	}

	metrics.RecordJobDeadLettered(q.name, j.Type)
	log.Printf("Job %s dead-lettered after %d attempts (%s): %s", j.ID, j.Attempts, decision.Class, decision.Reason)
}

func (m *Manager) escalate(decision recovery.Decision) {
	if m.alerts == nil {
		return
	}

	anomaly := decision.Anomaly
	dispatched := m.alerts.Send(monitor.Alert{
		Type:     "failure_anomaly",
		Severity: monitor.SeverityCritical,
		Details: map[string]any{
			"action":          recovery.ActionEscalate,
			"operation":       anomaly.Operation,
			"failure_rate":    anomaly.FailureRate,
			"recent_failures": anomaly.RecentFailures,
			"window":          anomaly.Window.String(),
		},
	})
	if dispatched {
		metrics.RecordAlertDispatched("failure_anomaly", string(monitor.SeverityCritical))
	}
}

func (m *Manager) handlerFor(jobType string) Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.handlers[jobType]
}

func (m *Manager) mirror(j *job.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveJob(context.Background(), j); err != nil {
		log.Printf("Failed to mirror job %s: %v", j.ID, err)
	}
}
