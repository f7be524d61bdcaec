package models

import (
	"strings"
	"time"
)

// TimerKind says what a timer resumes.
type TimerKind string

const (
	TimerKindSleep     TimerKind = "sleep"
	TimerKindRetry     TimerKind = "retry"
	TimerKindAdmission TimerKind = "admission"
	TimerKindTimeout   TimerKind = "timeout"
	TimerKindLease     TimerKind = "lease"
)

// TimerEntry is a durable wake-up for a run.
type TimerEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	FireAt       time.Time `json:"fire_at"`
	Kind         TimerKind `json:"kind"`
	StepKey      string    `json:"step_key,omitempty"`
	ClaimedUntil time.Time `json:"claimed_until,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
}

// TimerID builds the deterministic identifier used to upsert wakes.
func TimerID(runID string, kind TimerKind, stepKey string) string {
	return strings.Join([]string{runID, string(kind), stepKey}, "/")
}

// Due reports whether the timer should fire at now and is not claimed.
func (t *TimerEntry) Due(now time.Time) bool {
	return !t.FireAt.After(now) && !now.Before(t.ClaimedUntil)
}
