// Package job defines the collection job domain model shared by the queue,
// recovery, and persistence layers. It contains job metadata, status and
// priority definitions, and serialization helpers.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
)

type Job struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// A failed job is waiting out its retry delay; it returns to pending when
// re-enqueued, so only completed and dead_letter are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

const DefaultMaxAttempts = 3

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Terminal reports whether the job has reached a state it can never leave.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// New builds a pending job with a typed payload. The payload is serialized
// once at construction; the core treats it as opaque bytes from then on.
func New[T any](source, jobType string, priority Priority, payload T) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		Source:      source,
		Type:        jobType,
		Payload:     raw,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		ScheduledAt: now,
	}, nil
}

// PayloadAs decodes the opaque payload into the collaborator's own type.
func PayloadAs[T any](j *Job) (T, error) {
	var out T
	if len(j.Payload) == 0 {
		return out, fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode payload: %w", err)
	}

	return out, nil
}

// Exhausted reports whether another attempt would exceed the attempt budget.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

func (j *Job) ToJSON() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func FromJSON(data string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, err
	}

	return &j, nil
}
