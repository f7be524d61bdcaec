// Package engine executes durable functions: it claims a run, replays its body
// against the step ledger and parks the run on a timer whenever a step cannot
// finish in the current execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/durable/pkg/admission"
	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/ledger"
	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/otelhelper"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/queue"
	"github.com/dukex/durable/pkg/registry"
	"github.com/dukex/durable/pkg/retry"
	"github.com/dukex/durable/pkg/timer"
)

const (
	DefaultLeaseDuration    = 5 * time.Minute
	DefaultAdmissionRecheck = 30 * time.Second
	DefaultFanOut           = 16

	casAttempts = 5
)

var (
	ErrRunFinished     = errors.New("run already finished")
	ErrMissingOption   = errors.New("engine option is required")
	ErrUnknownFunction = errors.New("function not registered")
)

// Handler is the body of a durable function. It is replayed from the top on every
// execution; completed steps return their recorded result.
type Handler func(ctx context.Context, event models.Event, s *Step) (any, error)

// EventSender publishes events emitted by steps.
type EventSender interface {
	SendEvents(ctx context.Context, inputs []models.EventInput) error
}

// Notifier is told about runs that reached a terminal status.
type Notifier interface {
	RunFinished(ctx context.Context, run *models.Run)
	RunFailed(ctx context.Context, run *models.Run)
}

type Options struct {
	Persistence persistence.Persistence
	Registry    *registry.Registry[Handler]
	Queue       queue.Queue
	Timers      *timer.Service

	// Optional collaborators.
	Admission *admission.Controller
	Events    EventSender
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer

	Policy retry.Policy
	Clock  clockwork.Clock
	Logger *slog.Logger

	WorkerID         string
	LeaseDuration    time.Duration
	AdmissionRecheck time.Duration
	FanOut           int
}

type Engine struct {
	store     persistence.Persistence
	registry  *registry.Registry[Handler]
	queue     queue.Queue
	timers    *timer.Service
	admission *admission.Controller
	events    EventSender
	notifier  Notifier
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	ledger    *ledger.Ledger
	policy    retry.Policy
	clock     clockwork.Clock
	logger    *slog.Logger

	workerID string
	lease    time.Duration
	recheck  time.Duration
	fanOut   int

	mu       sync.Mutex
	inflight map[string]bool
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Persistence == nil:
		return nil, fmt.Errorf("%w: persistence", ErrMissingOption)
	case opts.Registry == nil:
		return nil, fmt.Errorf("%w: registry", ErrMissingOption)
	case opts.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingOption)
	case opts.Timers == nil:
		return nil, fmt.Errorf("%w: timers", ErrMissingOption)
	}

	e := &Engine{
		store:     opts.Persistence,
		registry:  opts.Registry,
		queue:     opts.Queue,
		timers:    opts.Timers,
		admission: opts.Admission,
		events:    opts.Events,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		policy:    opts.Policy,
		clock:     opts.Clock,
		logger:    opts.Logger,
		workerID:  opts.WorkerID,
		lease:     opts.LeaseDuration,
		recheck:   opts.AdmissionRecheck,
		fanOut:    opts.FanOut,
		inflight:  make(map[string]bool),
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.logger = e.logger.With("module", "engine")

	if e.tracer == nil {
		e.tracer = otel.Tracer("durable-engine")
	}

	if e.policy == (retry.Policy{}) {
		e.policy = retry.DefaultPolicy()
	}

	if e.admission == nil {
		e.admission = admission.NewController(e.store, e.logger)
	}

	if e.workerID == "" {
		e.workerID = "worker-" + uuid.NewString()[:8]
	}

	if e.lease <= 0 {
		e.lease = DefaultLeaseDuration
	}

	if e.recheck <= 0 {
		e.recheck = DefaultAdmissionRecheck
	}

	if e.fanOut <= 0 {
		e.fanOut = DefaultFanOut
	}

	e.admission.OnGrant(e.onGrant)
	e.ledger = ledger.New(e.store, e.policy, e.clock, e.logger, ledger.WithLease(e.lease))

	return e, nil
}

// Process executes one work item. It returns an error only when the outcome could
// not be persisted; the item should then be redelivered.
func (e *Engine) Process(ctx context.Context, item models.WorkItem) error {
	if !e.enter(item.RunID) {
		e.logger.DebugContext(ctx, "Run already executing in this worker, deferring",
			"run_id", item.RunID, "reason", item.Reason)

		return nil
	}

	defer e.leave(ctx, item.RunID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.process",
		attribute.String(otelhelper.RunIDKey, item.RunID),
		attribute.String(otelhelper.WorkReasonKey, string(item.Reason)),
		attribute.String(otelhelper.WorkerIDKey, e.workerID),
	)
	defer span.End()

	err := e.process(ctx, item)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (e *Engine) process(ctx context.Context, item models.WorkItem) error {
	logger := e.logger.With("run_id", item.RunID)
	owner := e.workerID + "/" + uuid.NewString()

	for range casAttempts {
		run, err := e.store.RunByID(ctx, item.RunID)
		if persistence.IsRunNotFound(err) {
			logger.WarnContext(ctx, "Dropping work item for unknown run")

			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", item.RunID, err)
		}

		if run.Status.Terminal() {
			logger.DebugContext(ctx, "Dropping work item for finished run", "status", run.Status)

			return nil
		}

		if stale(run, item) {
			logger.DebugContext(ctx, "Dropping stale wake", "timer_id", item.TimerID, "pending", run.PendingTimerID)

			return nil
		}

		now := e.clock.Now()
		if run.LeasedBy(owner, now) {
			return e.deferToLease(ctx, run)
		}

		claimed := run.Clone()
		if err := claimed.Transition(models.RunStatusRunning, now); err != nil {
			return fmt.Errorf("failed to claim run %s from %s: %w", run.ID, run.Status, err)
		}

		claimed.LeaseOwner = owner
		claimed.LeaseUntil = now.Add(e.lease)
		claimed.PendingTimerID = ""

		err = e.store.UpdateRun(ctx, claimed, run.Version)
		if persistence.IsVersionConflict(err) {
			logger.DebugContext(ctx, "Run changed while claiming, retrying")

			continue
		}

		if err != nil {
			return fmt.Errorf("failed to claim run %s: %w", run.ID, err)
		}

		e.metrics.RunTransitioned(run.FunctionID, string(models.RunStatusRunning))

		entry, _ := e.registry.Function(run.FunctionID)
		x := newExecution(e, claimed, entry, owner, run.PendingTimerID)

		return x.execute(ctx)
	}

	return fmt.Errorf("failed to claim run %s: %w", item.RunID, persistence.ErrVersionConflict)
}

// stale reports whether a timer wake was superseded by a later suspension. Lease
// and timeout wakes are never stale: they do not replace the pending timer.
func stale(run *models.Run, item models.WorkItem) bool {
	if item.Reason != models.WorkReasonTimer {
		return false
	}

	switch item.TimerKind {
	case models.TimerKindLease, models.TimerKindTimeout:
		return false
	default:
		return item.TimerID != run.PendingTimerID
	}
}

// deferToLease parks a wake until another worker's lease expires.
func (e *Engine) deferToLease(ctx context.Context, run *models.Run) error {
	e.logger.DebugContext(ctx, "Run leased by another worker",
		"run_id", run.ID, "owner", run.LeaseOwner, "until", run.LeaseUntil)

	_, err := e.timers.ScheduleWake(ctx, run.ID, run.LeaseUntil, timer.Resume{Kind: models.TimerKindLease})
	if err != nil {
		return fmt.Errorf("failed to schedule lease wake for run %s: %w", run.ID, err)
	}

	return nil
}

func (e *Engine) enter(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inflight[runID]; busy {
		e.inflight[runID] = true

		return false
	}

	e.inflight[runID] = false

	return true
}

// leave re-enqueues the run when a wake arrived while it was executing here.
func (e *Engine) leave(ctx context.Context, runID string) {
	e.mu.Lock()
	rerun := e.inflight[runID]
	delete(e.inflight, runID)
	e.mu.Unlock()

	if !rerun {
		return
	}

	err := e.queue.Enqueue(context.WithoutCancel(ctx), models.WorkItem{
		RunID:      runID,
		Reason:     models.WorkReasonResume,
		EnqueuedAt: e.clock.Now(),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to re-enqueue deferred run", "run_id", runID, "error", err)
	}
}

func (e *Engine) onGrant(runID string) {
	err := e.queue.Enqueue(context.Background(), models.WorkItem{
		RunID:      runID,
		Reason:     models.WorkReasonAdmission,
		EnqueuedAt: e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("Failed to enqueue admitted run", "run_id", runID, "error", err)
	}
}

// Cancel moves a run to cancelled. Steps already executing finish, but their
// outcome is discarded.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	for range casAttempts {
		run, err := e.store.RunByID(ctx, runID)
		if err != nil {
			return nil, err
		}

		if run.Status.Terminal() {
			return run, ErrRunFinished
		}

		now := e.clock.Now()
		cancelled := run.Clone()
		cancelled.Error = failures.ToStepError(&failures.CancelledError{Reason: reason}, now)

		if err := cancelled.Transition(models.RunStatusCancelled, now); err != nil {
			return nil, err
		}

		err = e.store.UpdateRun(ctx, cancelled, run.Version)
		if persistence.IsVersionConflict(err) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to cancel run %s: %w", runID, err)
		}

		e.logger.InfoContext(ctx, "Run cancelled", "run_id", runID, "reason", reason)
		e.finish(ctx, cancelled)

		return cancelled, nil
	}

	return nil, fmt.Errorf("failed to cancel run %s: %w", runID, persistence.ErrVersionConflict)
}

// finish releases everything a terminal run still holds.
func (e *Engine) finish(ctx context.Context, run *models.Run) {
	ctx = context.WithoutCancel(ctx)

	if err := e.timers.CancelWake(ctx, run.ID); err != nil {
		e.logger.WarnContext(ctx, "Failed to delete timers of finished run", "run_id", run.ID, "error", err)
	}

	if err := e.admission.Forget(ctx, run.FunctionID, run.ID, e.clock.Now()); err != nil {
		e.logger.WarnContext(ctx, "Failed to drop admission state of finished run", "run_id", run.ID, "error", err)
	}

	e.metrics.RunTransitioned(run.FunctionID, string(run.Status))

	if e.notifier == nil {
		return
	}

	if run.Status == models.RunStatusSucceeded {
		e.notifier.RunFinished(ctx, run)
	} else {
		e.notifier.RunFailed(ctx, run)
	}
}

// Run returns the stored run.
func (e *Engine) Run(ctx context.Context, runID string) (*models.Run, error) {
	return e.store.RunByID(ctx, runID)
}

// Steps returns the ledger of a run in creation order.
func (e *Engine) Steps(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	if _, err := e.store.RunByID(ctx, runID); err != nil {
		return nil, err
	}

	return e.ledger.Steps(ctx, runID)
}

// Admission exposes the gate controller for inspection.
func (e *Engine) Admission() *admission.Controller {
	return e.admission
}

func (e *Engine) WorkerID() string {
	return e.workerID
}
