package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/durable/pkg/admission"
	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/ledger"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/otelhelper"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/registry"
	"github.com/dukex/durable/pkg/retry"
	"github.com/dukex/durable/pkg/timer"
)

const failureKeyPrefix = "failure/"

// eventNamespace seeds the deterministic IDs of events sent from steps.
var eventNamespace = uuid.MustParse("6f1c1f55-4c8e-4d53-9a52-2b0f1b7f4a10")

// execution is one pass of a run body while this worker holds the lease.
type execution struct {
	e             *Engine
	run           *models.Run
	entry         *registry.Entry[Handler]
	limits        admission.Limits
	owner         string
	previousTimer string
	logger        *slog.Logger

	mu        sync.Mutex
	seen      map[string]int
	interrupt *Interrupt
	fatal     error
	infra     error
}

func newExecution(e *Engine, run *models.Run, entry *registry.Entry[Handler], owner, previousTimer string) *execution {
	x := &execution{
		e:             e,
		run:           run,
		entry:         entry,
		owner:         owner,
		previousTimer: previousTimer,
		logger:        e.logger.With("run_id", run.ID, "function_id", run.FunctionID),
		seen:          make(map[string]int),
	}

	if entry != nil {
		x.limits = admission.LimitsOf(&entry.Definition)
	}

	return x
}

func (x *execution) execute(ctx context.Context) error {
	if x.entry == nil {
		x.logger.ErrorContext(ctx, "Run references an unregistered function")

		return x.commitTerminal(ctx, models.RunStatusFailed, nil,
			failures.ToStepError(failures.Terminal(fmt.Errorf("%w: %s", ErrUnknownFunction, x.run.FunctionID)), x.e.clock.Now()))
	}

	if def := x.entry.Definition; def.Timeout > 0 && !x.e.clock.Now().Before(x.run.CreatedAt.Add(def.Timeout)) {
		return x.fail(ctx, &failures.TimeoutError{Scope: "run " + x.run.ID, Timeout: def.Timeout})
	}

	if x.run.Phase == models.RunPhaseFailure {
		return x.runFailureHook(ctx)
	}

	x.logger.DebugContext(ctx, "Executing run", "attempt", x.run.Attempt, "status", x.run.Status)

	out, err := x.invoke(ctx, x.entry.Handler, x.run.Event, nil)

	return x.settle(ctx, out, err)
}

// invoke runs one handler pass and waits for every step it started.
func (x *execution) invoke(ctx context.Context, handler Handler, event models.Event, failure *FailureContext) (out any, err error) {
	prefix := ""
	if failure != nil {
		prefix = failureKeyPrefix
	}

	s := &Step{x: x, prefix: prefix, failure: failure}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("function %s panicked: %v", x.run.FunctionID, r)
			}
		}()

		out, err = handler(ctx, event, s)
	}()

	s.wait()

	return out, err
}

func (x *execution) settle(ctx context.Context, out any, err error) error {
	if x.infra != nil {
		return x.abort(ctx, x.infra)
	}

	if x.fatal != nil {
		return x.fail(ctx, x.fatal)
	}

	if x.interrupt != nil {
		return x.suspend(ctx, x.interrupt)
	}

	if err != nil {
		if failures.IsTerminal(err) {
			return x.fail(ctx, err)
		}

		return x.retryBody(ctx, err)
	}

	payload, err := models.NewPayload(out)
	if err != nil {
		return x.fail(ctx, failures.Terminal(fmt.Errorf("failed to encode output: %w", err)))
	}

	result, err := x.e.ledger.RecordOrReplay(ctx, ledger.Call{
		RunID:       x.run.ID,
		Key:         models.ReturnStepKey,
		Name:        models.ReturnStepKey,
		Kind:        models.StepKindReturn,
		InputHash:   ledger.HashInput(models.StepKindReturn, models.ReturnStepKey, nil),
		MaxAttempts: 1,
		Owner:       x.owner,
	}, func(context.Context) (models.Payload, error) {
		return payload, nil
	})
	if err != nil {
		return x.abort(ctx, err)
	}

	return x.commitTerminal(ctx, models.RunStatusSucceeded, &result, nil)
}

// retryBody schedules another pass after the body itself failed outside any step.
func (x *execution) retryBody(ctx context.Context, cause error) error {
	now := x.e.clock.Now()
	x.run.Attempt++

	decision := x.e.policy.Decide(retry.Input{
		Now:            now,
		Attempt:        x.run.Attempt,
		BackoffAttempt: x.run.BackoffAttempt + 1,
		MaxAttempts:    x.entry.Definition.MaxAttempts(),
		Err:            cause,
		Seed:           retry.Seed(x.run.ID, "", x.run.Attempt),
	})

	if decision.CountsBackoff {
		x.run.BackoffAttempt++
	}

	if decision.Terminal {
		return x.fail(ctx, cause)
	}

	x.logger.InfoContext(ctx, "Run body failed, retrying",
		"attempt", x.run.Attempt, "retry_at", decision.RetryAt, "error", cause)

	return x.suspend(ctx, &Interrupt{Kind: models.TimerKindRetry, WakeAt: decision.RetryAt})
}

// fail ends the main phase. Functions with a failure hook run it now; the hook's
// own failure never triggers it again.
func (x *execution) fail(ctx context.Context, cause error) error {
	now := x.e.clock.Now()

	if x.run.Phase == models.RunPhaseFailure {
		x.logger.WarnContext(ctx, "Failure hook did not complete", "error", cause)

		return x.commitTerminal(ctx, models.RunStatusFailed, nil, x.run.Error)
	}

	stepErr := failures.ToStepError(cause, now)
	stepErr.Attempt = x.run.Attempt

	var stepFailed *failures.StepFailedError
	if errors.As(cause, &stepFailed) {
		stepErr.Step = stepFailed.Step
	}

	if x.entry == nil || !x.entry.HasFailureHook {
		return x.commitTerminal(ctx, models.RunStatusFailed, nil, stepErr)
	}

	x.logger.InfoContext(ctx, "Run failed, running failure hook", "error", cause)

	x.run.Phase = models.RunPhaseFailure
	x.run.Error = stepErr
	x.reset()

	return x.runFailureHook(ctx)
}

func (x *execution) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.seen = make(map[string]int)
	x.interrupt = nil
	x.fatal = nil
}

func (x *execution) runFailureHook(ctx context.Context) error {
	fc := &FailureContext{
		Error:   failures.FromStepError(x.run.Error),
		Event:   x.run.Event,
		Attempt: x.run.Attempt,
	}

	_, err := x.invoke(ctx, x.entry.OnFailure, failureEvent(x.run, x.e.clock.Now()), fc)

	switch {
	case x.infra != nil:
		return x.abort(ctx, x.infra)
	case x.fatal != nil:
		x.logger.ErrorContext(ctx, "Failure hook is non-deterministic", "error", x.fatal)
	case x.interrupt != nil:
		return x.suspend(ctx, x.interrupt)
	case err != nil:
		x.logger.ErrorContext(ctx, "Failure hook failed", "error", err)
	}

	return x.commitTerminal(ctx, models.RunStatusFailed, nil, x.run.Error)
}

func (x *execution) suspend(ctx context.Context, in *Interrupt) error {
	wake, err := x.e.timers.ScheduleWake(ctx, x.run.ID, in.WakeAt, timer.Resume{Kind: in.Kind, StepKey: in.StepKey})
	if err != nil {
		return x.abort(ctx, err)
	}

	if err := x.run.Transition(in.Status(), x.e.clock.Now()); err != nil {
		return x.abort(ctx, err)
	}

	x.run.PendingTimerID = wake.ID
	x.run.LeaseOwner = ""
	x.run.LeaseUntil = time.Time{}

	committed, err := x.commit(ctx, wake.ID)
	if err != nil || !committed {
		return err
	}

	x.logger.InfoContext(ctx, "Run suspended",
		"status", x.run.Status, "step", in.StepKey, "wake_at", in.WakeAt)

	return nil
}

func (x *execution) commitTerminal(ctx context.Context, status models.RunStatus, output *models.Payload, stepErr *models.StepError) error {
	x.run.Output = output
	x.run.Error = stepErr

	if err := x.run.Transition(status, x.e.clock.Now()); err != nil {
		return x.abort(ctx, err)
	}

	committed, err := x.commit(ctx, "")
	if err != nil || !committed {
		return err
	}

	if status == models.RunStatusSucceeded {
		x.logger.InfoContext(ctx, "Run succeeded", "duration", x.run.FinishedAt.Sub(x.run.CreatedAt))
	} else {
		x.logger.WarnContext(ctx, "Run failed", "error", stepErr)
		x.emitFailure(ctx)
	}

	x.e.finish(ctx, x.run)

	return nil
}

// commit writes the run with compare-and-swap. committed is false when a
// concurrent writer, usually Cancel, got there first.
func (x *execution) commit(ctx context.Context, timerID string) (committed bool, err error) {
	err = x.e.store.UpdateRun(ctx, x.run, x.run.Version)
	if persistence.IsVersionConflict(err) {
		return false, x.discard(ctx, timerID)
	}

	if err != nil {
		return false, fmt.Errorf("failed to persist run %s: %w", x.run.ID, err)
	}

	if x.previousTimer != "" && x.previousTimer != timerID {
		if err := x.e.timers.Cancel(ctx, x.previousTimer); err != nil {
			x.logger.WarnContext(ctx, "Failed to delete superseded timer", "timer_id", x.previousTimer, "error", err)
		}
	}

	if !x.run.Status.Terminal() {
		x.e.metrics.RunTransitioned(x.run.FunctionID, string(x.run.Status))
	}

	return true, nil
}

func (x *execution) discard(ctx context.Context, timerID string) error {
	current, err := x.e.store.RunByID(ctx, x.run.ID)
	if err != nil {
		return fmt.Errorf("failed to reload run %s: %w", x.run.ID, err)
	}

	if timerID != "" && current.PendingTimerID != timerID {
		if err := x.e.timers.Cancel(ctx, timerID); err != nil {
			x.logger.WarnContext(ctx, "Failed to delete discarded timer", "timer_id", timerID, "error", err)
		}
	}

	if current.Status == models.RunStatusCancelled {
		x.logger.InfoContext(ctx, "Run cancelled while executing, outcome discarded")
	} else {
		x.logger.WarnContext(ctx, "Run changed while executing, outcome discarded", "status", current.Status)
	}

	return nil
}

// abort gives up the lease so the redelivered item can claim the run at once.
func (x *execution) abort(ctx context.Context, cause error) error {
	current, err := x.e.store.RunByID(ctx, x.run.ID)
	if err == nil && current.LeaseOwner == x.owner {
		current.LeaseOwner = ""
		current.LeaseUntil = time.Time{}

		if err := x.e.store.UpdateRun(ctx, current, current.Version); err != nil {
			x.logger.WarnContext(ctx, "Failed to release run lease", "error", err)
		}
	}

	x.logger.ErrorContext(ctx, "Run execution aborted", "error", cause)

	return cause
}

// emitFailure publishes the failure event other functions may subscribe to.
func (x *execution) emitFailure(ctx context.Context) {
	if x.e.events == nil || x.run.Event.Name == models.FailureEventName {
		return
	}

	input := models.EventInput{
		ID:   uuid.NewSHA1(eventNamespace, []byte(x.run.ID+"/failed")).String(),
		Name: models.FailureEventName,
		Data: failureData(x.run),
	}

	if err := x.e.events.SendEvents(context.WithoutCancel(ctx), []models.EventInput{input}); err != nil {
		x.logger.WarnContext(ctx, "Failed to emit failure event", "error", err)
	}
}

func failureData(run *models.Run) map[string]any {
	return map[string]any{
		"function_id": run.FunctionID,
		"run_id":      run.ID,
		"error":       run.Error,
		"event":       run.Event,
	}
}

// failureEvent is what the failure hook receives in place of the trigger.
func failureEvent(run *models.Run, now time.Time) models.Event {
	return models.Event{
		ID:        run.ID + "/failure",
		Name:      models.FailureEventName,
		Data:      models.MustPayload(failureData(run)),
		Timestamp: now,
	}
}

// key assigns the ledger key of the n-th step named name in this pass.
func (x *execution) key(prefix, name string) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.seen[name]++
	key := prefix + name

	if n := x.seen[name]; n > 1 {
		key += ":" + strconv.Itoa(n)
	}

	x.run.Cursor = key

	return key
}

func (x *execution) park(in *Interrupt) *Interrupt {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.interrupt = earliest(x.interrupt, in)

	return in
}

// blocked returns the error every step returns once the pass cannot finish.
func (x *execution) blocked() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch {
	case x.infra != nil:
		return x.infra
	case x.fatal != nil:
		return x.fatal
	case x.interrupt != nil:
		return x.interrupt
	default:
		return nil
	}
}

func (x *execution) setFatal(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.fatal == nil {
		x.fatal = err
	}
}

func (x *execution) setInfra(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.infra == nil {
		x.infra = err
	}
}

// step runs compute through admission and the ledger and maps the outcome to what
// the body sees.
func (x *execution) step(ctx context.Context, key, name string, kind models.StepKind, input any, compute ledger.Compute) (models.Payload, error) {
	if err := x.blocked(); err != nil {
		return models.Payload{}, err
	}

	ctx, span := otelhelper.StartSpan(ctx, x.e.tracer, "engine.step",
		attribute.String(otelhelper.RunIDKey, x.run.ID),
		attribute.String(otelhelper.StepKeyKey, key),
		attribute.String(otelhelper.StepKindKey, string(kind)),
	)
	defer span.End()

	def := &x.entry.Definition
	call := ledger.Call{
		RunID:       x.run.ID,
		Key:         key,
		Name:        name,
		Kind:        kind,
		InputHash:   ledger.HashInput(kind, name, input),
		MaxAttempts: def.MaxAttempts(),
		Timeout:     def.StepTimeout,
		Owner:       x.owner,
	}

	rec, err := x.e.ledger.Lookup(ctx, x.run.ID, key)
	if err != nil {
		x.setInfra(err)

		return models.Payload{}, err
	}

	now := x.e.clock.Now()
	if result, settled, err := x.e.ledger.Replay(call, rec, now); settled {
		return x.outcome(key, result, err)
	}

	if kind == models.StepKindRun || kind == models.StepKindSendEvent {
		waiter := admission.Waiter{RunID: x.run.ID, StepKey: key, Hold: x.hold(def)}

		grant, err := x.e.admission.Acquire(ctx, x.run.FunctionID, x.limits, waiter, now)

		defer x.reportAdmission()

		var timedOut *failures.AdmissionTimeoutError

		switch {
		case errors.As(err, &timedOut):
			compute = func(context.Context) (models.Payload, error) {
				return models.Payload{}, err
			}
		case err != nil:
			x.setInfra(err)

			return models.Payload{}, err
		case !grant.Granted:
			return models.Payload{}, x.park(x.admissionWait(key, grant, now))
		case x.limits.Concurrency != nil:
			// the hand-off to the next waiter is reserved from when the step returned
			defer func() {
				if err := x.e.admission.Release(context.WithoutCancel(ctx), x.run.FunctionID, waiter, x.e.clock.Now()); err != nil {
					x.logger.WarnContext(ctx, "Failed to release concurrency slot", "step", key, "error", err)
				}
			}()
		}
	}

	started := x.e.clock.Now()
	result, err := x.e.ledger.RecordOrReplay(ctx, call, compute)

	x.e.metrics.StepExecuted(x.run.FunctionID, outcomeLabel(err), x.e.clock.Since(started))

	if err != nil && !IsInterrupt(err) {
		otelhelper.SetError(span, err)
	}

	return x.outcome(key, result, err)
}

// hold is how long a granted slot survives this worker dying mid-step. It outlasts
// the step lease so a live worker never loses its slot.
func (x *execution) hold(def *models.FunctionDefinition) time.Duration {
	hold := x.e.lease
	if def.StepTimeout > 0 && def.StepTimeout+time.Minute > hold {
		hold = def.StepTimeout + time.Minute
	}

	return hold + time.Minute
}

func (x *execution) reportAdmission() {
	fn := x.run.FunctionID
	x.e.metrics.Admission(fn, x.e.admission.Active(fn), x.e.admission.Waiting(fn))
}

func (x *execution) admissionWait(key string, grant admission.Grant, now time.Time) *Interrupt {
	wake := grant.WaitUntil

	if grant.Gate == admission.GateConcurrency {
		wake = now.Add(x.e.recheck)
		if !grant.Deadline.IsZero() && grant.Deadline.Before(wake) {
			wake = grant.Deadline
		}
	}

	x.logger.Debug("Step waiting for admission", "step", key, "gate", grant.Gate, "wake_at", wake)

	return &Interrupt{Kind: models.TimerKindAdmission, StepKey: key, WakeAt: wake}
}

func (x *execution) outcome(key string, result models.Payload, err error) (models.Payload, error) {
	if err == nil {
		return result, nil
	}

	var (
		drift   *failures.NonDeterminismError
		failure *ledger.StepFailure
		busy    *ledger.InProgressError
	)

	switch {
	case errors.As(err, &drift):
		x.setFatal(err)

		return models.Payload{}, err
	case errors.As(err, &failure):
		if failure.Decision.Terminal {
			return models.Payload{}, &failures.StepFailedError{Step: key, Attempts: failure.Record.Attempt, Err: failure.Err}
		}

		return models.Payload{}, x.park(&Interrupt{Kind: models.TimerKindRetry, StepKey: key, WakeAt: failure.Decision.RetryAt})
	case errors.As(err, &busy):
		return models.Payload{}, x.park(&Interrupt{Kind: models.TimerKindRetry, StepKey: key, WakeAt: busy.Until})
	default:
		x.setInfra(err)

		return models.Payload{}, err
	}
}

func outcomeLabel(err error) string {
	var failure *ledger.StepFailure

	switch {
	case err == nil:
		return "succeeded"
	case errors.As(err, &failure) && failure.Decision.Terminal:
		return "failed"
	case errors.As(err, &failure):
		return "retrying"
	default:
		return "error"
	}
}
