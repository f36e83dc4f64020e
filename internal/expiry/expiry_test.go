package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_Phases(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	allotted := 30 * time.Minute
	grace := 5 * time.Minute

	tests := []struct {
		name      string
		offset    time.Duration
		phase     Phase
		remaining time.Duration
		overage   time.Duration
	}{
		{"at start", 0, PhaseActive, 30 * time.Minute, 0},
		{"midway", 10 * time.Minute, PhaseActive, 20 * time.Minute, 0},
		{"one second before deadline", allotted - time.Second, PhaseActive, time.Second, 0},
		{"exactly at deadline", allotted, PhaseGrace, 0, 0},
		{"inside grace", 33 * time.Minute, PhaseGrace, 0, 3 * time.Minute},
		{"grace boundary", 35 * time.Minute, PhaseGrace, 0, 5 * time.Minute},
		{"past grace", 36 * time.Minute, PhaseExpired, 0, 6 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(start.Add(tt.offset), start, allotted, grace)
			assert.Equal(t, tt.phase, v.Phase)
			assert.Equal(t, tt.remaining, v.Remaining)
			assert.Equal(t, tt.overage, v.Overage)
			assert.Equal(t, start.Add(allotted), v.Deadline)
		})
	}
}

func TestEvaluate_ClockSkewNeverNegative(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	v := Evaluate(start.Add(-time.Minute), start, 30*time.Minute, DefaultGracePeriod)

	assert.Equal(t, PhaseActive, v.Phase)
	assert.Equal(t, time.Duration(0), v.Elapsed)
	assert.Equal(t, 30*time.Minute, v.Remaining)
}

func TestEvaluate_ZeroGrace(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	v := Evaluate(start.Add(30*time.Minute+time.Second), start, 30*time.Minute, 0)
	assert.Equal(t, PhaseExpired, v.Phase)
}

func TestVerdict_Minutes(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	v := Evaluate(start.Add(29*time.Minute+30*time.Second), start, 30*time.Minute, DefaultGracePeriod)
	assert.Equal(t, 29, v.ElapsedMinutes())
	assert.Equal(t, 1, v.RemainingMinutes())

	v = Evaluate(start.Add(32*time.Minute+10*time.Second), start, 30*time.Minute, DefaultGracePeriod)
	assert.Equal(t, 3, v.OverageMinutes())
	assert.False(t, v.Active())
}
