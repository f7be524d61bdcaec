// Package ledger memoizes step results per run so a replayed function body never
// executes a completed step twice.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/retry"
)

// DefaultLease bounds how long a claimed step stays exclusive to its owner.
const DefaultLease = 5 * time.Minute

// ErrStepInProgress is returned when another owner holds a live claim on the step.
var ErrStepInProgress = errors.New("step is in progress on another worker")

// InProgressError carries when the competing claim expires.
type InProgressError struct {
	RunID string
	Key   string
	Until time.Time
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("step %q of run %s is in progress until %s", e.Key, e.RunID, e.Until.Format(time.RFC3339))
}

func (e *InProgressError) Is(target error) bool {
	return target == ErrStepInProgress
}

// StepFailure is a failed step outcome, live or replayed, with its retry decision.
type StepFailure struct {
	Record   *models.StepRecord
	Decision retry.Decision
	Err      error
}

func (f *StepFailure) Error() string {
	if f.Decision.Terminal {
		return fmt.Sprintf("step %q failed terminally (%s): %v", f.Record.Key, f.Decision.Reason, f.Err)
	}

	return fmt.Sprintf("step %q failed, retrying at %s: %v",
		f.Record.Key, f.Decision.RetryAt.Format(time.RFC3339), f.Err)
}

func (f *StepFailure) Unwrap() error {
	return f.Err
}

// Call identifies one step invocation.
type Call struct {
	RunID       string
	Key         string
	Name        string
	Kind        models.StepKind
	InputHash   string
	MaxAttempts int
	Timeout     time.Duration
	Owner       string
}

// Compute is the wrapped user operation.
type Compute func(ctx context.Context) (models.Payload, error)

// Ledger executes steps at most once per attempt and remembers their outcome.
type Ledger struct {
	steps  persistence.StepRepository
	policy retry.Policy
	clock  clockwork.Clock
	lease  time.Duration
	logger *slog.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLease sets the claim lease.
func WithLease(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.lease = d
		}
	}
}

// New creates a Ledger over steps.
func New(steps persistence.StepRepository, policy retry.Policy, clock clockwork.Clock, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		steps:  steps,
		policy: policy,
		clock:  clock,
		lease:  DefaultLease,
		logger: logger.With("module", "ledger"),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Lookup returns the record for (runID, key) or nil when the step never ran.
func (l *Ledger) Lookup(ctx context.Context, runID, key string) (*models.StepRecord, error) {
	rec, err := l.steps.StepByKey(ctx, runID, key)
	if persistence.IsStepNotFound(err) {
		return nil, nil
	}

	return rec, err
}

// Steps lists the ledger of a run in creation order.
func (l *Ledger) Steps(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	return l.steps.StepsByRun(ctx, runID)
}

// Replay returns the stored outcome of a record without executing anything.
// settled is false when the record does not decide the call and compute must run.
func (l *Ledger) Replay(call Call, rec *models.StepRecord, now time.Time) (result models.Payload, settled bool, err error) {
	if rec == nil {
		return models.Payload{}, false, nil
	}

	if rec.InputHash != call.InputHash {
		return models.Payload{}, true, &failures.NonDeterminismError{
			RunID:    call.RunID,
			Step:     call.Key,
			Expected: rec.InputHash,
			Actual:   call.InputHash,
		}
	}

	switch rec.Status {
	case models.StepStatusSucceeded:
		if rec.Result == nil {
			return models.Payload{}, true, nil
		}

		return *rec.Result, true, nil
	case models.StepStatusFailedTerminal:
		return models.Payload{}, true, &StepFailure{
			Record:   rec,
			Decision: retry.Decision{Terminal: true, Reason: retry.ReasonTerminal},
			Err:      failures.FromStepError(rec.Error),
		}
	case models.StepStatusFailedRetriable:
		if now.Before(rec.RetryAt) {
			return models.Payload{}, true, &StepFailure{
				Record:   rec,
				Decision: retry.Decision{RetryAt: rec.RetryAt, Reason: retry.ReasonBackoff},
				Err:      failures.FromStepError(rec.Error),
			}
		}
	case models.StepStatusRunning:
		if rec.Claimed(now) && rec.Owner != call.Owner {
			return models.Payload{}, true, &InProgressError{RunID: call.RunID, Key: call.Key, Until: rec.LeaseUntil}
		}
	}

	return models.Payload{}, false, nil
}

// RecordOrReplay returns the memoized outcome of call, or claims the step, runs
// compute exactly once and persists the outcome before returning it.
func (l *Ledger) RecordOrReplay(ctx context.Context, call Call, compute Compute) (models.Payload, error) {
	rec, err := l.Lookup(ctx, call.RunID, call.Key)
	if err != nil {
		return models.Payload{}, fmt.Errorf("failed to load step %s: %w", call.Key, err)
	}

	if result, settled, err := l.Replay(call, rec, l.clock.Now()); settled {
		return result, err
	}

	claimed, err := l.claim(ctx, call, rec)
	if persistence.IsVersionConflict(err) {
		return l.lostRace(ctx, call)
	}

	if err != nil {
		return models.Payload{}, fmt.Errorf("failed to claim step %s: %w", call.Key, err)
	}

	result, computeErr := l.execute(ctx, call, compute)

	return l.settle(ctx, call, claimed, result, computeErr)
}

func (l *Ledger) claim(ctx context.Context, call Call, prev *models.StepRecord) (*models.StepRecord, error) {
	now := l.clock.Now()

	var (
		claimed  *models.StepRecord
		expected int64
	)

	if prev == nil {
		claimed = &models.StepRecord{
			RunID:     call.RunID,
			Key:       call.Key,
			Name:      call.Name,
			Kind:      call.Kind,
			InputHash: call.InputHash,
			CreatedAt: now,
		}
	} else {
		claimed = prev.Clone()
		expected = prev.Version
	}

	claimed.Status = models.StepStatusRunning
	claimed.Owner = call.Owner
	claimed.LeaseUntil = now.Add(l.leaseFor(call))
	claimed.Attempt++
	claimed.UpdatedAt = now

	err := l.steps.SaveStep(ctx, claimed, expected)
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (l *Ledger) leaseFor(call Call) time.Duration {
	if call.Timeout > 0 && call.Timeout+time.Minute > l.lease {
		return call.Timeout + time.Minute
	}

	return l.lease
}

// lostRace resolves a lost compare-and-swap: whatever the winner stored decides.
func (l *Ledger) lostRace(ctx context.Context, call Call) (models.Payload, error) {
	now := l.clock.Now()

	current, err := l.Lookup(ctx, call.RunID, call.Key)
	if err != nil {
		return models.Payload{}, fmt.Errorf("failed to reload step %s: %w", call.Key, err)
	}

	if result, settled, err := l.Replay(call, current, now); settled {
		return result, err
	}

	until := now.Add(l.leaseFor(call))
	if current != nil && current.LeaseUntil.After(now) {
		until = current.LeaseUntil
	}

	return models.Payload{}, &InProgressError{RunID: call.RunID, Key: call.Key, Until: until}
}

func (l *Ledger) execute(ctx context.Context, call Call, compute Compute) (result models.Payload, err error) {
	runCtx := ctx

	if call.Timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = clockwork.WithTimeout(ctx, l.clock, call.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", call.Key, r)
		}

		if call.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = &failures.TimeoutError{Scope: "step " + call.Key, Timeout: call.Timeout}
		}
	}()

	return compute(runCtx)
}

func (l *Ledger) settle(ctx context.Context, call Call, claimed *models.StepRecord, result models.Payload, computeErr error) (models.Payload, error) {
	now := l.clock.Now()
	claimVersion := claimed.Version

	rec := claimed.Clone()
	rec.Owner = ""
	rec.LeaseUntil = time.Time{}
	rec.UpdatedAt = now

	var failure *StepFailure

	if computeErr == nil {
		rec.Status = models.StepStatusSucceeded
		rec.Result = &result
		rec.Error = nil
		rec.RetryAt = time.Time{}
	} else {
		decision := l.policy.Decide(retry.Input{
			Now:            now,
			Attempt:        rec.Attempt,
			BackoffAttempt: rec.BackoffAttempt + 1,
			MaxAttempts:    call.MaxAttempts,
			Err:            computeErr,
			Seed:           retry.Seed(call.RunID, call.Key, rec.Attempt),
		})

		if decision.CountsBackoff {
			rec.BackoffAttempt++
		}

		rec.Error = failures.ToStepError(computeErr, now)
		rec.Error.Attempt = rec.Attempt

		if decision.Terminal {
			rec.Status = models.StepStatusFailedTerminal
			rec.RetryAt = time.Time{}
		} else {
			rec.Status = models.StepStatusFailedRetriable
			rec.RetryAt = decision.RetryAt
		}

		failure = &StepFailure{Record: rec, Decision: decision, Err: computeErr}
	}

	err := l.steps.SaveStep(ctx, rec, claimVersion)
	if persistence.IsVersionConflict(err) {
		l.logger.WarnContext(ctx, "Step claim lost before settling",
			"run_id", call.RunID, "step", call.Key, "attempt", rec.Attempt)

		return l.lostRace(ctx, call)
	}

	if err != nil {
		return models.Payload{}, fmt.Errorf("failed to persist step %s: %w", call.Key, err)
	}

	if failure != nil {
		l.logger.InfoContext(ctx, "Step failed",
			"run_id", call.RunID, "step", call.Key, "attempt", rec.Attempt,
			"terminal", failure.Decision.Terminal, "reason", failure.Decision.Reason, "error", computeErr)

		return models.Payload{}, failure
	}

	return result, nil
}

// HashInput fingerprints a step's identity and input for drift detection.
func HashInput(kind models.StepKind, name string, input any) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})

	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			data = fmt.Appendf(nil, "%#v", input)
		}

		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil))
}
