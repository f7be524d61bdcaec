package models

import "time"

// EventInput is what callers submit; the engine assigns the ID when it is empty.
type EventInput struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"           validate:"required"`
	Data any            `json:"data"`
	User map[string]any `json:"user,omitempty"`
}

// Event is an ingested trigger. Its ID drives idempotent fan-out.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Data      Payload        `json:"data"`
	User      map[string]any `json:"user,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CronEventName is the name of synthetic events emitted for scheduled functions.
const CronEventName = "durable/scheduled.timer"

// FailureEventName is emitted when a run fails terminally.
const FailureEventName = "durable/function.failed"
