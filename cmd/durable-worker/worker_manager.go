package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/engine"
	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/schedule"
	"github.com/dukex/durable/pkg/timer"
)

var ErrDispatchFailed = errors.New("event dispatch failed")

// WorkerManager subscribes a worker to the bus and owns its background loops.
type WorkerManager struct {
	id         string
	logger     *slog.Logger
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	eventBus   eventbus.EventSubscriber
	timers     *timer.Service
	scheduler  *schedule.Scheduler
}

func NewWorkerManager(
	id string,
	e *engine.Engine,
	d *dispatcher.Dispatcher,
	eventBus eventbus.EventSubscriber,
	timers *timer.Service,
	scheduler *schedule.Scheduler,
	logger *slog.Logger,
) *WorkerManager {
	return &WorkerManager{
		id:         id,
		logger:     logger.With("module", "durable-worker", "worker_id", id),
		engine:     e,
		dispatcher: d,
		eventBus:   eventBus,
		timers:     timers,
		scheduler:  scheduler,
	}
}

// Start registers the bus handlers, subscribes, and starts the timer poller and
// the cron scheduler. It returns once everything is running.
func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	handlers := map[events.EventType]eventbus.EventHandler{
		events.EventReceivedEvent:      w.handleEventReceived,
		events.RunReadyEvent:           w.handleRunReady,
		events.RunCancelRequestedEvent: w.handleRunCancelRequested,
	}

	for eventType, handler := range handlers {
		if err := w.eventBus.Handle(eventType, handler); err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	if err := w.timers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timer poller: %w", err)
	}

	if w.scheduler != nil {
		if err := w.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	return nil
}

func (w *WorkerManager) Stop(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Shutting down worker...")

	var errs []error

	if w.scheduler != nil {
		errs = append(errs, w.scheduler.Stop(ctx))
	}

	errs = append(errs, w.timers.Stop(ctx))

	return errors.Join(errs...)
}

// handleEventReceived fans an ingested event out to its functions. Any storage
// failure nacks the message so the whole event is redelivered; runs created on the
// first delivery are found again by their deterministic IDs.
func (w *WorkerManager) handleEventReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.EventReceived)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for EventReceived")

		return nil
	}

	logger := w.logger.With("event_id", received.Event.ID, "event_name", received.Event.Name)

	var failed int

	for _, result := range w.dispatcher.Dispatch(ctx, received.Event) {
		if result.Failed() {
			failed++

			logger.ErrorContext(ctx, "Failed to dispatch event", "function_id", result.FunctionID, "error", result.Error)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d functions", ErrDispatchFailed, failed)
	}

	return nil
}

func (w *WorkerManager) handleRunReady(ctx context.Context, event any) error {
	ready, ok := event.(*events.RunReady)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunReady")

		return nil
	}

	return w.engine.Process(ctx, ready.Item)
}

func (w *WorkerManager) handleRunCancelRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.RunCancelRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunCancelRequested")

		return nil
	}

	logger := w.logger.With("run_id", request.RunID)

	_, err := w.engine.Cancel(ctx, request.RunID, request.Reason)

	switch {
	case err == nil:
		logger.DebugContext(ctx, "Cancel request applied")

		return nil
	case errors.Is(err, engine.ErrRunFinished):
		logger.DebugContext(ctx, "Cancel ignored, run already finished")

		return nil
	case persistence.IsRunNotFound(err):
		logger.WarnContext(ctx, "Cancel ignored, run not found")

		return nil
	default:
		return err
	}
}
