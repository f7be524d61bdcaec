package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already exists.
	ErrRunAlreadyExists = errors.New("run already exists")

	// ErrStepNotFound indicates no ledger entry exists for the run and step key.
	ErrStepNotFound = errors.New("step not found")

	// ErrTimerNotFound indicates a timer was not found by the given identifier.
	ErrTimerNotFound = errors.New("timer not found")

	// ErrTimerClaimed indicates another poller already claimed the timer.
	ErrTimerClaimed = errors.New("timer already claimed")

	// ErrVersionConflict indicates a compare-and-swap lost against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed (e.g., "RunByID", "UpdateRun")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// StepError wraps ledger errors with additional context.
type StepError struct {
	Op    string
	RunID string
	Key   string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s operation failed for step %s of run %s: %v", e.Op, e.Key, e.RunID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStepError creates a new ledger error with context.
func NewStepError(op, runID, key string, err error) *StepError {
	return &StepError{Op: op, RunID: runID, Key: key, Err: err}
}

// AdmissionError wraps gate state errors with the function they belong to.
type AdmissionError struct {
	Op         string
	FunctionID string
	Err        error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s operation failed for admission state of %s: %v", e.Op, e.FunctionID, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func (e *AdmissionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewAdmissionError(op, functionID string, err error) *AdmissionError {
	return &AdmissionError{Op: op, FunctionID: functionID, Err: err}
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsStepNotFound checks if an error indicates a ledger entry was not found.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}

// IsVersionConflict checks if an error indicates a lost compare-and-swap.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsAlreadyExists checks if an error indicates a duplicate insert.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrRunAlreadyExists)
}
