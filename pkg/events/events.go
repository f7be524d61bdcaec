// Package events defines the messages exchanged over the event bus between the
// API, the dispatcher and the workers.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/durable/pkg/models"
)

type EventType string

// Topic prefixes every bus topic; each event type travels on its own topic.
const Topic = "durable.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// EventReceivedEvent carries an ingested event to the dispatcher.
	EventReceivedEvent EventType = "event.received"

	// RunReadyEvent carries a work item to the stateless workers.
	RunReadyEvent EventType = "run.ready"

	RunCancelRequestedEvent EventType = "run.cancel.requested"

	// Run outcome notifications.
	RunFinishedEvent EventType = "run.finished"
	RunFailedEvent   EventType = "run.failed"
)

// ErrInvalidEventData is returned when a bus message fails validation.
var ErrInvalidEventData = errors.New("invalid event data")

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	return Topic + "." + string(eventType)
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

type EventReceived struct {
	BaseEvent

	Event models.Event `json:"event"`
}

func (e EventReceived) GetType() EventType {
	return EventReceivedEvent
}

func (e EventReceived) Validate() error {
	if e.Event.ID == "" || e.Event.Name == "" {
		return ErrInvalidEventData
	}

	return nil
}

type RunReady struct {
	BaseEvent

	Item models.WorkItem `json:"item"`
}

func (r RunReady) GetType() EventType {
	return RunReadyEvent
}

func (r RunReady) Validate() error {
	if r.Item.RunID == "" {
		return ErrInvalidEventData
	}

	return nil
}

type RunCancelRequested struct {
	BaseEvent

	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

func (r RunCancelRequested) GetType() EventType {
	return RunCancelRequestedEvent
}

func (r RunCancelRequested) Validate() error {
	if r.RunID == "" {
		return ErrInvalidEventData
	}

	return nil
}

type RunFinished struct {
	BaseEvent

	RunID      string          `json:"run_id"`
	FunctionID string          `json:"function_id"`
	Output     *models.Payload `json:"output,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

func (r RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type RunFailed struct {
	BaseEvent

	RunID      string            `json:"run_id"`
	FunctionID string            `json:"function_id"`
	Status     models.RunStatus  `json:"status"`
	Error      *models.StepError `json:"error,omitempty"`
	Attempt    int               `json:"attempt"`
	Duration   time.Duration     `json:"duration"`
}

func (r RunFailed) GetType() EventType {
	return RunFailedEvent
}

// New returns an empty value of the concrete type registered for eventType.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case EventReceivedEvent:
		return &EventReceived{}, true
	case RunReadyEvent:
		return &RunReady{}, true
	case RunCancelRequestedEvent:
		return &RunCancelRequested{}, true
	case RunFinishedEvent:
		return &RunFinished{}, true
	case RunFailedEvent:
		return &RunFailed{}, true
	default:
		return nil, false
	}
}

func NewBaseEvent(eventType EventType, now time.Time) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: now.UTC(),
	}
}
