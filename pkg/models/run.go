package models

import (
	"errors"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending          RunStatus = "pending"
	RunStatusRunning          RunStatus = "running"
	RunStatusSleeping         RunStatus = "sleeping"
	RunStatusWaitingRetry     RunStatus = "waiting-retry"
	RunStatusWaitingAdmission RunStatus = "waiting-admission"
	RunStatusSucceeded        RunStatus = "succeeded"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// RunPhase tells whether the run is executing its body or its failure hook.
type RunPhase string

const (
	RunPhaseMain    RunPhase = ""
	RunPhaseFailure RunPhase = "failure"
)

// ErrInvalidTransition is returned when a status change breaks the run lifecycle.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Suspended reports whether the run is parked waiting for a wake-up.
func (s RunStatus) Suspended() bool {
	switch s {
	case RunStatusSleeping, RunStatusWaitingRetry, RunStatusWaitingAdmission:
		return true
	default:
		return false
	}
}

// CanTransition enforces pending → running ⇄ suspended → terminal. Any non-terminal
// status may be cancelled. running → running is a lease takeover after a crash.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}

	switch to {
	case RunStatusCancelled:
		return true
	case RunStatusRunning:
		return from == RunStatusPending || from == RunStatusRunning || from.Suspended()
	case RunStatusSleeping, RunStatusWaitingRetry, RunStatusWaitingAdmission,
		RunStatusSucceeded:
		return from == RunStatusRunning
	case RunStatusFailed:
		// A run-level timeout may fail a parked run directly.
		return from == RunStatusRunning || from.Suspended() || from == RunStatusPending
	default:
		return false
	}
}

// Run is one instantiation of a function triggered by one event or schedule tick.
type Run struct {
	ID         string    `json:"id"`
	FunctionID string    `json:"function_id"`
	EventID    string    `json:"event_id"`
	Event      Event     `json:"event"`
	Status     RunStatus `json:"status"`
	Phase      RunPhase  `json:"phase,omitempty"`

	// Cursor is the key of the last step the body reached.
	Cursor string `json:"cursor,omitempty"`

	// Attempt counts failed executions of the run body itself.
	Attempt        int `json:"attempt"`
	BackoffAttempt int `json:"backoff_attempt"`

	Output *Payload   `json:"output,omitempty"`
	Error  *StepError `json:"error,omitempty"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseUntil     time.Time `json:"lease_until,omitzero"`
	PendingTimerID string    `json:"pending_timer_id,omitempty"`

	// Version is bumped on every successful compare-and-swap write.
	Version int64 `json:"version"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Transition moves the run to status, rejecting changes the lifecycle forbids.
func (r *Run) Transition(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}

	r.Status = to
	r.UpdatedAt = now

	if to.Terminal() {
		finished := now
		r.FinishedAt = &finished
		r.LeaseOwner = ""
		r.LeaseUntil = time.Time{}
		r.PendingTimerID = ""
	}

	return nil
}

// LeasedBy reports whether another owner holds a live lease on the run.
func (r *Run) LeasedBy(owner string, now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseOwner != owner && now.Before(r.LeaseUntil)
}

// Clone returns a copy safe to mutate independently.
func (r *Run) Clone() *Run {
	c := *r

	if r.Output != nil {
		out := *r.Output
		out.Data = append([]byte(nil), r.Output.Data...)
		c.Output = &out
	}

	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}

	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}

	return &c
}
