package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotePayload struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

func TestNew(t *testing.T) {
	j, err := New("krx", "market_quote", PriorityMedium, quotePayload{Symbol: "005930", Market: "KOSPI"})
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "krx", j.Source)
	assert.Equal(t, "market_quote", j.Type)
	assert.Equal(t, PriorityMedium, j.Priority)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, 0, j.Attempts)
	assert.False(t, j.CreatedAt.IsZero())
	assert.False(t, j.ScheduledAt.IsZero())
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
}

func TestPayloadAs(t *testing.T) {
	j, err := New("krx", "market_quote", PriorityHigh, quotePayload{Symbol: "005930", Market: "KOSPI"})
	require.NoError(t, err)

	decoded, err := PayloadAs[quotePayload](j)
	require.NoError(t, err)
	assert.Equal(t, "005930", decoded.Symbol)
	assert.Equal(t, "KOSPI", decoded.Market)
}

func TestPayloadAs_Empty(t *testing.T) {
	j := &Job{ID: "job-1"}

	_, err := PayloadAs[quotePayload](j)

	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Now()
	j := &Job{
		ID:          "job-123",
		Source:      "dart",
		Type:        "regulatory_filing",
		Priority:    PriorityHigh,
		Status:      StatusProcessing,
		Attempts:    2,
		MaxAttempts: 5,
		CreatedAt:   now,
		ScheduledAt: now,
		StartedAt:   &now,
		LastError:   "connection reset",
	}

	jsonStr, err := j.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(jsonStr)
	require.NoError(t, err)

	assert.Equal(t, j.ID, restored.ID)
	assert.Equal(t, j.Source, restored.Source)
	assert.Equal(t, j.Type, restored.Type)
	assert.Equal(t, j.Priority, restored.Priority)
	assert.Equal(t, j.Status, restored.Status)
	assert.Equal(t, j.Attempts, restored.Attempts)
	assert.Equal(t, j.MaxAttempts, restored.MaxAttempts)
	assert.Equal(t, j.LastError, restored.LastError)
}

func TestFromJSON_InvalidJSON(t *testing.T) {
	_, err := FromJSON("invalid json")

	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.True(t, StatusDeadLetter.Terminal())
}

func TestExhausted(t *testing.T) {
	tests := []struct {
		name        string
		attempts    int
		maxAttempts int
		expected    bool
	}{
		{
			name:        "fresh job",
			attempts:    0,
			maxAttempts: 3,
			expected:    false,
		},
		{
			name:        "one attempt left",
			attempts:    2,
			maxAttempts: 3,
			expected:    false,
		},
		{
			name:        "budget spent",
			attempts:    3,
			maxAttempts: 3,
			expected:    true,
		},
		{
			name:        "over budget",
			attempts:    5,
			maxAttempts: 3,
			expected:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Attempts: tt.attempts, MaxAttempts: tt.maxAttempts}

			assert.Equal(t, tt.expected, j.Exhausted())
		})
	}
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "medium", PriorityMedium.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "priority(7)", Priority(7).String())
}
