package models

import (
	"fmt"
	"time"
)

// StepStatus is the state of one ledger entry.
type StepStatus string

const (
	StepStatusNotStarted      StepStatus = "not-started"
	StepStatusRunning         StepStatus = "running"
	StepStatusSucceeded       StepStatus = "succeeded"
	StepStatusFailedRetriable StepStatus = "failed-retriable"
	StepStatusFailedTerminal  StepStatus = "failed-terminal"
)

// StepKind tells the engine how a step record was produced.
type StepKind string

const (
	StepKindRun         StepKind = "run"
	StepKindSleep       StepKind = "sleep"
	StepKindSendEvent   StepKind = "send-event"
	StepKindReturn      StepKind = "return"
	StepKindFailureHook StepKind = "failure-hook"
)

// ReturnStepKey is the ledger key of the run's final value.
const ReturnStepKey = "return"

// StepErrorKind classifies a failure for retry decisions.
type StepErrorKind string

const (
	StepErrorTransient        StepErrorKind = "transient"
	StepErrorTerminal         StepErrorKind = "terminal"
	StepErrorRetryAfter       StepErrorKind = "retry-after"
	StepErrorNonDeterminism   StepErrorKind = "non-determinism"
	StepErrorAdmissionTimeout StepErrorKind = "admission-timeout"
	StepErrorTimeout          StepErrorKind = "timeout"
	StepErrorCancelled        StepErrorKind = "cancelled"
)

// StepError is the persisted form of a classified failure.
type StepError struct {
	Kind    StepErrorKind `json:"kind"`
	Message string        `json:"message"`
	Step    string        `json:"step,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	RetryAt *time.Time    `json:"retry_at,omitempty"`
}

func (e *StepError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %q: %s", e.Step, e.Message)
	}

	return e.Message
}

// StepRecord is one entry of the step ledger, keyed by (RunID, Key). Once it is
// Completed it never changes.
type StepRecord struct {
	RunID     string     `json:"run_id"`
	Key       string     `json:"key"`
	Name      string     `json:"name"`
	Kind      StepKind   `json:"kind"`
	InputHash string     `json:"input_hash"`
	Status    StepStatus `json:"status"`
	Result    *Payload   `json:"result,omitempty"`
	Error     *StepError `json:"error,omitempty"`

	// Attempt counts executions of compute; BackoffAttempt only those that grow backoff.
	Attempt        int       `json:"attempt"`
	BackoffAttempt int       `json:"backoff_attempt"`
	RetryAt        time.Time `json:"retry_at,omitzero"`

	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Completed reports whether the record is immutable.
func (s *StepRecord) Completed() bool {
	return s.Status == StepStatusSucceeded || s.Status == StepStatusFailedTerminal
}

// Claimed reports whether a live owner is executing the step at now.
func (s *StepRecord) Claimed(now time.Time) bool {
	return s.Status == StepStatusRunning && now.Before(s.LeaseUntil)
}

// Clone returns a copy safe to mutate independently.
func (s *StepRecord) Clone() *StepRecord {
	c := *s

	if s.Result != nil {
		r := *s.Result
		r.Data = append([]byte(nil), s.Result.Data...)
		c.Result = &r
	}

	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}

	return &c
}
