// Package dispatcher turns ingested events into runs: one run per function whose
// trigger matches, created idempotently so redelivered events never fan out twice.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/otelhelper"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/queue"
	"github.com/dukex/durable/pkg/timer"
)

// Status is the outcome of dispatching one event to one function.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

var (
	// ErrSchemaMismatch is reported when event data does not satisfy a trigger schema.
	ErrSchemaMismatch = errors.New("event data does not match trigger schema")

	ErrFunctionNotFound = errors.New("function not found")
)

// runNamespace seeds run IDs derived from (event ID, function ID).
var runNamespace = uuid.MustParse("3b8d7c2e-9f61-4a0b-8e57-1c2d3e4f5a6b")

type Result struct {
	EventID    string `json:"event_id"`
	FunctionID string `json:"function_id"`
	RunID      string `json:"run_id,omitempty"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Failed reports whether the result should cause the event to be redelivered.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Functions is the registry view the dispatcher needs.
type Functions interface {
	Definition(id string) (*models.FunctionDefinition, bool)
	ByEvent(name string) []*models.FunctionDefinition
	Schema(id string) *gojsonschema.Schema
}

type Dispatcher struct {
	runs      persistence.RunRepository
	functions Functions
	queue     queue.Queue
	timers    *timer.Service
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

func NewDispatcher(
	runs persistence.RunRepository,
	functions Functions,
	q queue.Queue,
	timers *timer.Service,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		runs:      runs,
		functions: functions,
		queue:     q,
		timers:    timers,
		clock:     clock,
		tracer:    otel.Tracer("durable-dispatcher"),
		logger:    logger.With("module", "dispatcher"),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RunID is the deterministic run identifier for an event and a function.
func RunID(eventID, functionID string) string {
	return uuid.NewSHA1(runNamespace, []byte(eventID+"\x00"+functionID)).String()
}

// Dispatch creates one run per function triggered by event.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.Event) []Result {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.dispatch",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventNameKey, event.Name),
	)
	defer span.End()

	defs := d.functions.ByEvent(event.Name)
	if len(defs) == 0 {
		d.logger.DebugContext(ctx, "No function triggered by event", "event_id", event.ID, "event_name", event.Name)

		return nil
	}

	results := make([]Result, 0, len(defs))

	for _, def := range defs {
		result := d.start(ctx, event, def)
		if result.Failed() {
			otelhelper.SetError(span, errors.New(result.Error), attribute.String(otelhelper.FunctionIDKey, def.ID))
		}

		results = append(results, result)
	}

	return results
}

// DispatchFunction starts a run of one function regardless of its trigger. Cron ticks
// use it so the synthetic event reaches only the scheduled function.
func (d *Dispatcher) DispatchFunction(ctx context.Context, event models.Event, functionID string) Result {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.dispatch_function",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.FunctionIDKey, functionID),
	)
	defer span.End()

	def, ok := d.functions.Definition(functionID)
	if !ok {
		result := failed(Result{EventID: event.ID, FunctionID: functionID}, fmt.Errorf("%w: %s", ErrFunctionNotFound, functionID))
		otelhelper.SetError(span, ErrFunctionNotFound)

		return result
	}

	result := d.start(ctx, event, def)
	if result.Failed() {
		otelhelper.SetError(span, errors.New(result.Error))
	}

	return result
}

// DispatchBatch dispatches each event independently; results are index-aligned.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []models.Event) [][]Result {
	results := make([][]Result, len(events))

	for i, event := range events {
		results[i] = d.Dispatch(ctx, event)
	}

	return results
}

func (d *Dispatcher) start(ctx context.Context, event models.Event, def *models.FunctionDefinition) Result {
	runID := RunID(event.ID, def.ID)
	result := Result{EventID: event.ID, FunctionID: def.ID, RunID: runID}
	logger := d.logger.With("event_id", event.ID, "function_id", def.ID, "run_id", runID)

	if err := validate(d.functions.Schema(def.ID), event.Data); err != nil {
		logger.InfoContext(ctx, "Event rejected by trigger schema", "error", err)

		result.Status = StatusRejected
		result.Error = err.Error()

		return result
	}

	now := d.clock.Now().UTC()
	run := &models.Run{
		ID:         runID,
		FunctionID: def.ID,
		EventID:    event.ID,
		Event:      event,
		Status:     models.RunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := d.runs.CreateRun(ctx, run)

	switch {
	case persistence.IsAlreadyExists(err):
		result.Status = StatusDuplicate

		existing, err := d.runs.RunByID(ctx, runID)
		if err != nil {
			return failed(result, fmt.Errorf("failed to load existing run: %w", err))
		}

		// a crash between create and enqueue leaves the run pending
		if existing.Status != models.RunStatusPending {
			logger.DebugContext(ctx, "Duplicate event ignored", "status", existing.Status)

			return result
		}

		run = existing
	case err != nil:
		logger.ErrorContext(ctx, "Failed to create run", "error", err)

		return failed(result, err)
	default:
		result.Status = StatusCreated

		d.metrics.RunCreated(def.ID)
	}

	if err := d.activate(ctx, run, def); err != nil {
		logger.ErrorContext(ctx, "Failed to activate run", "error", err)

		return failed(result, err)
	}

	logger.InfoContext(ctx, "Run dispatched", "status", result.Status)

	return result
}

// activate arms the run-level timeout and queues the first execution. Both are
// idempotent, so a redelivered event may repeat them.
func (d *Dispatcher) activate(ctx context.Context, run *models.Run, def *models.FunctionDefinition) error {
	if def.Timeout > 0 {
		_, err := d.timers.ScheduleWake(ctx, run.ID, run.CreatedAt.Add(def.Timeout), timer.Resume{Kind: models.TimerKindTimeout})
		if err != nil {
			return err
		}
	}

	return d.queue.Enqueue(ctx, models.WorkItem{
		RunID:      run.ID,
		Reason:     models.WorkReasonStart,
		EnqueuedAt: d.clock.Now(),
	})
}

func failed(result Result, err error) Result {
	result.Status = StatusFailed
	result.Error = err.Error()

	return result
}

func validate(schema *gojsonschema.Schema, data models.Payload) error {
	if schema == nil {
		return nil
	}

	document := data.Data
	if len(document) == 0 {
		document = []byte("null")
	}

	outcome, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}

	if outcome.Valid() {
		return nil
	}

	reasons := make([]string, 0, len(outcome.Errors()))
	for _, desc := range outcome.Errors() {
		reasons = append(reasons, desc.String())
	}

	return fmt.Errorf("%w: %s", ErrSchemaMismatch, strings.Join(reasons, "; "))
}
