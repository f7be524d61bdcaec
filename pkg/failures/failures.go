// Package failures is the error taxonomy user code and the engine share to decide
// whether a failed step is retried, and when.
package failures

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/durable/pkg/models"
)

// TerminalError aborts retries and fails the run.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal marks err as non-retriable. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &TerminalError{Err: err}
}

// NonRetriable builds a terminal error from a message.
func NonRetriable(msg string) error {
	return &TerminalError{Err: errors.New(msg)}
}

// RetryAfterError asks for the next attempt at an explicit time instead of the
// backoff curve. Exactly one of At and After is set.
type RetryAfterError struct {
	Err   error
	At    time.Time
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	if e.At.IsZero() {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
	}

	return fmt.Sprintf("%v (retry at %s)", e.Err, e.At.Format(time.RFC3339))
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// ResumeAt resolves the requested time against now.
func (e *RetryAfterError) ResumeAt(now time.Time) time.Time {
	if !e.At.IsZero() {
		return e.At
	}

	return now.Add(e.After)
}

// RetryAfter requests a retry d from now.
func RetryAfter(err error, d time.Duration) error {
	return &RetryAfterError{Err: orUnknown(err), After: d}
}

// RetryAt requests a retry at t.
func RetryAt(err error, t time.Time) error {
	return &RetryAfterError{Err: orUnknown(err), At: t}
}

// NonDeterminismError means a replayed step's input differs from the ledger.
type NonDeterminismError struct {
	RunID    string
	Step     string
	Expected string
	Actual   string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic workflow: run %s step %q input hash changed from %s to %s",
		e.RunID, e.Step, short(e.Expected), short(e.Actual))
}

// AdmissionTimeoutError means a step waited longer than MaxWait for a gate.
type AdmissionTimeoutError struct {
	FunctionID string
	Gate       string
	Waited     time.Duration
	Retriable  bool
}

func (e *AdmissionTimeoutError) Error() string {
	return fmt.Sprintf("function %s: %s admission not granted after %s", e.FunctionID, e.Gate, e.Waited)
}

// TimeoutError means a step or run exceeded its wall-clock deadline.
type TimeoutError struct {
	Scope   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Scope, e.Timeout)
}

// CancelledError records why a run was cancelled.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "run cancelled"
	}

	return "run cancelled: " + e.Reason
}

// StepFailedError is what a step returns to the function body once it has failed
// for good, either terminally or by exhausting its attempts.
type StepFailedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepFailedError) Unwrap() error {
	return e.Err
}

// Classify maps err onto a persisted error kind. Unknown errors are transient.
func Classify(err error) models.StepErrorKind {
	var (
		nonDeterminism *NonDeterminismError
		admission      *AdmissionTimeoutError
		timeout        *TimeoutError
		cancelled      *CancelledError
		terminal       *TerminalError
		stepFailed     *StepFailedError
		retryAfter     *RetryAfterError
		stored         *models.StepError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &nonDeterminism):
		return models.StepErrorNonDeterminism
	case errors.As(err, &admission) && !admission.Retriable:
		return models.StepErrorAdmissionTimeout
	case errors.As(err, &timeout):
		return models.StepErrorTimeout
	case errors.As(err, &cancelled):
		return models.StepErrorCancelled
	case errors.As(err, &terminal), errors.As(err, &stepFailed):
		return models.StepErrorTerminal
	case errors.As(err, &retryAfter):
		return models.StepErrorRetryAfter
	case errors.As(err, &stored):
		return stored.Kind
	default:
		return models.StepErrorTransient
	}
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	switch Classify(err) {
	case models.StepErrorTransient, models.StepErrorRetryAfter, "":
		return false
	default:
		return true
	}
}

// ToStepError converts err to its persisted form.
func ToStepError(err error, now time.Time) *models.StepError {
	if err == nil {
		return nil
	}

	se := &models.StepError{
		Kind:    Classify(err),
		Message: err.Error(),
	}

	var retryAfter *RetryAfterError
	if se.Kind == models.StepErrorRetryAfter && errors.As(err, &retryAfter) {
		at := retryAfter.ResumeAt(now)
		se.RetryAt = &at
	}

	return se
}

// FromStepError rebuilds a typed error from a ledger entry so replayed failures
// classify exactly like the original.
func FromStepError(se *models.StepError) error {
	if se == nil {
		return nil
	}

	base := errors.New(se.Message)

	switch se.Kind {
	case models.StepErrorTerminal:
		return &TerminalError{Err: base}
	case models.StepErrorRetryAfter:
		if se.RetryAt != nil {
			return &RetryAfterError{Err: base, At: *se.RetryAt}
		}

		return base
	case models.StepErrorNonDeterminism, models.StepErrorAdmissionTimeout,
		models.StepErrorTimeout, models.StepErrorCancelled:
		return se
	default:
		return base
	}
}

func orUnknown(err error) error {
	if err == nil {
		return errors.New("retry requested")
	}

	return err
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}

	return hash
}
