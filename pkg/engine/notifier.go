package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/models"
)

// BusNotifier publishes run.finished and run.failed events keyed by run ID.
type BusNotifier struct {
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	workerID  string
	logger    *slog.Logger
}

func NewBusNotifier(publisher eventbus.EventPublisher, clock clockwork.Clock, workerID string, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{
		publisher: publisher,
		clock:     clock,
		workerID:  workerID,
		logger:    logger.With("module", "run_notifier"),
	}
}

func (n *BusNotifier) RunFinished(ctx context.Context, run *models.Run) {
	event := &events.RunFinished{
		BaseEvent:  n.base(events.RunFinishedEvent),
		RunID:      run.ID,
		FunctionID: run.FunctionID,
		Output:     run.Output,
		Duration:   duration(run),
	}

	n.publish(ctx, run.ID, event)
}

func (n *BusNotifier) RunFailed(ctx context.Context, run *models.Run) {
	event := &events.RunFailed{
		BaseEvent:  n.base(events.RunFailedEvent),
		RunID:      run.ID,
		FunctionID: run.FunctionID,
		Status:     run.Status,
		Error:      run.Error,
		Attempt:    run.Attempt,
		Duration:   duration(run),
	}

	n.publish(ctx, run.ID, event)
}

func (n *BusNotifier) base(eventType events.EventType) events.BaseEvent {
	base := events.NewBaseEvent(eventType, n.clock.Now())
	base.WorkerID = n.workerID

	return base
}

func (n *BusNotifier) publish(ctx context.Context, runID string, event eventbus.Event) {
	if err := n.publisher.Publish(ctx, runID, event); err != nil {
		n.logger.ErrorContext(ctx, "Failed to publish run outcome",
			"run_id", runID, "event_type", event.GetType(), "error", err)
	}
}

func duration(run *models.Run) time.Duration {
	if run.FinishedAt == nil {
		return 0
	}

	return run.FinishedAt.Sub(run.CreatedAt)
}
