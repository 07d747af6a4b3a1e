package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitOpenError is returned by Execute when the breaker for an API key
// rejects the call before the underlying operation is attempted.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %q, retry after %s", e.Key, e.RetryAfter)
}

// keyState holds pacing and breaker state for one API key. All fields are
// guarded by mu; transitions are resolved under the lock so concurrent racers
// see exactly one winner.
type keyState struct {
	mu sync.Mutex

	lastRequest time.Time
	lastRefill  time.Time
	tokens      float64
	burst       float64
	interval    time.Duration

	circuit             CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	backoff time.Duration
}

func newKeyState(cfg Config) *keyState {
	return &keyState{
		tokens:   float64(cfg.Burst),
		burst:    float64(cfg.Burst),
		interval: cfg.Interval(),
		circuit:  CircuitClosed,
	}
}

// tokensAt refills the bucket for the time elapsed since the last request.
// Caller holds mu.
func (s *keyState) tokensAt(now time.Time) float64 {
	if s.interval <= 0 {
		return 1
	}
	if !s.lastRefill.IsZero() {
		s.tokens += float64(now.Sub(s.lastRefill)) / float64(s.effectiveInterval())
	}
	s.lastRefill = now
	if s.tokens > s.burst {
		s.tokens = s.burst
	}

	return s.tokens
}

func (s *keyState) effectiveInterval() time.Duration {
	return s.interval + s.backoff
}

// reserve takes a token if one is available, stamping the last-request time,
// or returns how long the caller must wait before trying again.
func (s *keyState) reserve(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.lastRequest = now
		return 0
	}

	if s.tokensAt(now) >= 1 {
		s.tokens--
		s.lastRequest = now
		return 0
	}

	deficit := 1 - s.tokens
	return time.Duration(deficit * float64(s.effectiveInterval()))
}

// allowLocked applies the breaker. While open it rejects until the cooldown
// elapses, then flips to half-open and admits exactly one trial call; further
// callers are rejected until that trial resolves. Caller holds mu.
func (s *keyState) allowLocked(now time.Time, cfg Config) error {
	switch s.circuit {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		remaining := cfg.Cooldown - now.Sub(s.openedAt)
		if remaining > 0 {
			return &CircuitOpenError{RetryAfter: remaining}
		}
		s.circuit = CircuitHalfOpen
		s.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if s.trialInFlight {
			return &CircuitOpenError{RetryAfter: cfg.Cooldown}
		}
		s.trialInFlight = true
		return nil
	}

	return nil
}

// wouldAllowLocked is the read-only form of allowLocked used by CanProceed.
// It never claims the half-open trial slot. Caller holds mu.
func (s *keyState) wouldAllowLocked(now time.Time, cfg Config) bool {
	switch s.circuit {
	case CircuitOpen:
		return now.Sub(s.openedAt) >= cfg.Cooldown
	case CircuitHalfOpen:
		return !s.trialInFlight
	default:
		return true
	}
}

// abandonTrial releases a claimed half-open trial slot when the caller bailed
// out before the operation ran (context cancellation during pacing).
func (s *keyState) abandonTrial() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.circuit == CircuitHalfOpen {
		s.trialInFlight = false
	}
}

func (s *keyState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.circuit == CircuitHalfOpen {
		s.circuit = CircuitClosed
	}
	s.consecutiveFailures = 0
	s.trialInFlight = false
	s.backoff = 0
}

func (s *keyState) recordFailure(now time.Time, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFailures++
	s.trialInFlight = false

	if cfg.Adaptive {
		s.backoff = adaptiveBackoff(s.interval, s.consecutiveFailures, cfg.MaxBackoffDelay)
	}

	if s.circuit == CircuitHalfOpen || s.consecutiveFailures >= cfg.FailureThreshold {
		s.circuit = CircuitOpen
		s.openedAt = now
	}
}

// adaptiveBackoff doubles the extra pacing delay per consecutive failure,
// capped at maxDelay.
func adaptiveBackoff(interval time.Duration, failures int, maxDelay time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}

	backoff := interval
	for i := 1; i < failures; i++ {
		backoff *= 2
		if maxDelay > 0 && backoff >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && backoff > maxDelay {
		return maxDelay
	}

	return backoff
}

// keyMap is a concurrency-safe registry of per-key limiter state.
type keyMap struct {
	mu   sync.RWMutex
	keys map[string]*keyState
}

func newKeyMap() keyMap {
	return keyMap{keys: make(map[string]*keyState)}
}

func (m *keyMap) get(key string, cfg Config) *keyState {
	m.mu.RLock()
	s, ok := m.keys[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.keys[key]; ok {
		return s
	}

	s = newKeyState(cfg)
	m.keys[key] = s
	return s
}

func (m *keyMap) peek(key string) (*keyState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.keys[key]
	return s, ok
}

func (m *keyMap) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.keys))
	for key := range m.keys {
		names = append(names, key)
	}
	sort.Strings(names)

	return names
}
