// Package ratelimit enforces per-API call pacing and circuit breaking for
// external data providers. Each API key gets its own token bucket and breaker
// state, created lazily on first use.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

type Config struct {
	RequestsPerSecond float64
	Burst             int
	FailureThreshold  int
	Cooldown          time.Duration
	Adaptive          bool
	MaxBackoffDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 2,
		Burst:             1,
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		Adaptive:          true,
		MaxBackoffDelay:   2 * time.Minute,
	}
}

// Interval is the minimum spacing between requests under the configured rate.
func (c Config) Interval() time.Duration {
	if c.RequestsPerSecond <= 0 {
		return 0
	}

	return time.Duration(float64(time.Second) / c.RequestsPerSecond)
}

type Limiter struct {
	cfg  Config
	keys keyMap
	now  func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}

	return &Limiter{
		cfg:  cfg,
		keys: newKeyMap(),
		now:  time.Now,
	}
}

// Config returns the limiter's effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// CanProceed reports whether a request under key would run right now without
// waiting. It does not consume a token.
func (l *Limiter) CanProceed(key string) bool {
	s := l.keys.get(key, l.cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	if !s.wouldAllowLocked(now, l.cfg) {
		return false
	}

	return s.tokensAt(now) >= 1
}

// Wait suspends the caller until the pacing interval for key has elapsed,
// then stamps the new last-request time. This is the only suspension point
// in the pipeline tied to external call pacing.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	s := l.keys.get(key, l.cfg)

	for {
		d := s.reserve(l.now())
		if d == 0 {
			return nil
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Execute runs op under pacing and circuit breaking for key. While the
// circuit is open it returns CircuitOpenError without invoking op. A success
// during half-open closes the circuit; failures at or beyond the configured
// threshold open it and start the cooldown.
func (l *Limiter) Execute(ctx context.Context, key string, op func(context.Context) error) error {
	s := l.keys.get(key, l.cfg)

	s.mu.Lock()
	err := s.allowLocked(l.now(), l.cfg)
	s.mu.Unlock()
	if err != nil {
		var open *CircuitOpenError
		if errors.As(err, &open) {
			open.Key = key
		}
		return err
	}

	if err := l.Wait(ctx, key); err != nil {
		s.abandonTrial()
		return err
	}

	opErr := op(ctx)
	if opErr != nil {
		s.recordFailure(l.now(), l.cfg)
		return opErr
	}

	s.recordSuccess()
	return nil
}

// State returns the circuit state for key without creating limiter state for
// unknown keys.
func (l *Limiter) State(key string) CircuitState {
	s, ok := l.keys.peek(key)
	if !ok {
		return CircuitClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Report half-open once the cooldown has elapsed even if no trial has
	// claimed the transition yet.
	if s.circuit == CircuitOpen && l.now().Sub(s.openedAt) >= l.cfg.Cooldown {
		return CircuitHalfOpen
	}

	return s.circuit
}

// OpenCircuits counts keys whose circuit currently rejects calls.
func (l *Limiter) OpenCircuits() int {
	open := 0
	for _, key := range l.keys.names() {
		if l.State(key) == CircuitOpen {
			open++
		}
	}

	return open
}

// Keys lists every API key the limiter has seen.
func (l *Limiter) Keys() []string {
	return l.keys.names()
}
