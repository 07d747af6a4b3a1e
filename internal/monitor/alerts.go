package monitor

import (
	"context"
	"log"
	"sync"
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers an alert over an external channel. The manager decides
// when to notify, the notifier decides how.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

const DefaultAlertCooldown = 5 * time.Minute

// AlertManager deduplicates alerts by (type, severity) within a cooldown
// window before handing them to the notifier.
type AlertManager struct {
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewAlertManager(notifier Notifier, cooldown time.Duration) *AlertManager {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}

	return &AlertManager{
		notifier: notifier,
		cooldown: cooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send dispatches the alert unless the same (type, severity) key fired within
// the cooldown window. Returns whether the alert was dispatched.
func (m *AlertManager) Send(alert Alert) bool {
	key := alert.Type + "/" + string(alert.Severity)

	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		return false
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}

	if m.notifier == nil {
		return true
	}

	if err := m.notifier.Notify(context.Background(), alert); err != nil {
		log.Printf("Failed to deliver %s alert %q: %v", alert.Severity, alert.Type, err)
	}

	return true
}
