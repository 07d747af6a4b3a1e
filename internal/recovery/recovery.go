package recovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/ratelimit"
)

type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
	ActionEscalate   Action = "escalate"
)

// Decision is the outcome of classifying a single job failure. Escalation is
// orthogonal to the job's own fate: an anomalous failure pattern raises
// Anomaly even when the job itself is simply retried.
type Decision struct {
	Action  Action
	Class   Class
	Delay   time.Duration
	Reason  string
	Anomaly *Anomaly
}

// Anomaly describes abnormal failure concentration for one operation id.
type Anomaly struct {
	Operation      string
	FailureRate    float64
	RecentFailures int
	Window         time.Duration
}

type Config struct {
	RetryDelay           time.Duration
	WindowSize           int
	MinSamples           int
	FailureRateThreshold float64
	FailureBurst         int
	FailureBurstWindow   time.Duration
}

// Thresholds are tunable defaults, not contracts.
func DefaultConfig() Config {
	return Config{
		RetryDelay:           5 * time.Minute,
		WindowSize:           20,
		MinSamples:           10,
		FailureRateThreshold: 0.5,
		FailureBurst:         5,
		FailureBurstWindow:   10 * time.Minute,
	}
}

type SystemStatus struct {
	OpenCircuits      int `json:"open_circuits"`
	AnomalousPatterns int `json:"anomalous_patterns"`
}

// System classifies failures and tracks per-operation outcome windows.
type System struct {
	cfg     Config
	limiter *ratelimit.Limiter
	now     func() time.Time

	mu       sync.Mutex
	patterns map[string]*pattern
}

func NewSystem(cfg Config, limiter *ratelimit.Limiter) *System {
	defaults := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if cfg.FailureBurstWindow <= 0 {
		cfg.FailureBurstWindow = defaults.FailureBurstWindow
	}

	return &System{
		cfg:      cfg,
		limiter:  limiter,
		now:      time.Now,
		patterns: make(map[string]*pattern),
	}
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) Class {
	var (
		transient   *TransientError
		rateLimit   *RateLimitError
		circuitOpen *ratelimit.CircuitOpenError
		validation  *ValidationError
		auth        *AuthError
		persistence *PersistenceError
	)

	switch {
	case errors.As(err, &validation):
		return ClassValidation
	case errors.As(err, &auth):
		return ClassAuth
	case errors.As(err, &persistence):
		return ClassPersistence
	case errors.As(err, &rateLimit):
		return ClassRateLimit
	case errors.As(err, &circuitOpen):
		return ClassCircuitOpen
	case errors.As(err, &transient):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassUnknown
}

// HandleFailure records the outcome and decides what happens to the job.
// Non-retriable classes dead-letter immediately regardless of the remaining
// attempt budget; everything else retries until the budget is spent.
func (s *System) HandleFailure(j *job.Job, err error) Decision {
	class := Classify(err)
	anomaly := s.recordOutcome(j.Source+"/"+j.Type, false)

	d := Decision{Class: class, Reason: err.Error(), Anomaly: anomaly}

	switch {
	case !class.Retriable():
		d.Action = ActionDeadLetter
	case j.Exhausted():
		d.Action = ActionDeadLetter
	default:
		d.Action = ActionRetry
		d.Delay = s.cfg.RetryDelay
	}

	return d
}

// RecordSuccess feeds a successful outcome into the rolling window so the
// failure rate reflects the full picture.
func (s *System) RecordSuccess(operation string) {
	s.recordOutcome(operation, true)
}

// Status exposes the counts health aggregation cares about.
func (s *System) Status() SystemStatus {
	status := SystemStatus{AnomalousPatterns: s.anomalousCount()}
	if s.limiter != nil {
		status.OpenCircuits = s.limiter.OpenCircuits()
	}

	return status
}

func (s *System) anomalousCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for op, p := range s.patterns {
		if p.anomalous(now, s.cfg, op) != nil {
			count++
		}
	}

	return count
}

func (s *System) recordOutcome(operation string, success bool) *Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[operation]
	if !ok {
		p = &pattern{size: s.cfg.WindowSize}
		s.patterns[operation] = p
	}

	now := s.now()
	p.record(now, success)
	return p.anomalous(now, s.cfg, operation)
}

type outcome struct {
	at      time.Time
	success bool
}

// pattern is a bounded ring of recent outcomes for one operation id.
type pattern struct {
	size     int
	outcomes []outcome
}

func (p *pattern) record(now time.Time, success bool) {
	p.outcomes = append(p.outcomes, outcome{at: now, success: success})
	if len(p.outcomes) > p.size {
		p.outcomes = p.outcomes[len(p.outcomes)-p.size:]
	}
}

// anomalous flags the pattern when the windowed failure rate crosses the
// threshold or enough failures landed within the burst window.
func (p *pattern) anomalous(now time.Time, cfg Config, operation string) *Anomaly {
	if len(p.outcomes) == 0 {
		return nil
	}

	failures := 0
	recent := 0
	for _, o := range p.outcomes {
		if o.success {
			continue
		}
		failures++
		if now.Sub(o.at) <= cfg.FailureBurstWindow {
			recent++
		}
	}

	rate := float64(failures) / float64(len(p.outcomes))
	rateSignificant := len(p.outcomes) >= cfg.MinSamples && rate > cfg.FailureRateThreshold
	if rateSignificant || (cfg.FailureBurst > 0 && recent >= cfg.FailureBurst) {
		return &Anomaly{
			Operation:      operation,
			FailureRate:    rate,
			RecentFailures: recent,
			Window:         cfg.FailureBurstWindow,
		}
	}

	return nil
}
