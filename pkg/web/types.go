// Package web provides the HTTP surface of the engine: event ingestion, run and step
// inspection, cancellation and health.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/models"
)

// SendEventsResponse reports the IDs assigned to ingested events, in request order.
type SendEventsResponse struct {
	IDs     []string                `json:"ids"`
	Results []dispatcher.SendResult `json:"results"`
}

// CancelRunRequest is the optional body of a cancellation.
type CancelRunRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// RunResponse renders a run with its payloads inlined as JSON.
type RunResponse struct {
	ID         string            `json:"id"`
	FunctionID string            `json:"function_id"`
	EventID    string            `json:"event_id"`
	Event      EventResponse     `json:"event"`
	Status     models.RunStatus  `json:"status"`
	Phase      models.RunPhase   `json:"phase,omitempty"`
	Cursor     string            `json:"cursor,omitempty"`
	Attempt    int               `json:"attempt"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      *models.StepError `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

type EventResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	User      map[string]any  `json:"user,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StepResponse renders one ledger record.
type StepResponse struct {
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Kind      models.StepKind   `json:"kind"`
	Status    models.StepStatus `json:"status"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     *models.StepError `json:"error,omitempty"`
	Attempt   int               `json:"attempt"`
	RetryAt   *time.Time        `json:"retry_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FunctionResponse describes a registered function.
type FunctionResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Event       string        `json:"event,omitempty"`
	Cron        string        `json:"cron,omitempty"`
	MaxAttempts int           `json:"max_attempts"`
	Concurrency *models.Limit `json:"concurrency,omitempty"`
	Throttle    *models.Limit `json:"throttle,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

func rawJSON(p *models.Payload) json.RawMessage {
	if p == nil || p.Schema != models.SchemaJSON || len(p.Data) == 0 {
		return nil
	}

	return json.RawMessage(p.Data)
}

// TransformRunResponse converts a stored run for the API.
func TransformRunResponse(run *models.Run) RunResponse {
	return RunResponse{
		ID:         run.ID,
		FunctionID: run.FunctionID,
		EventID:    run.EventID,
		Event: EventResponse{
			ID:        run.Event.ID,
			Name:      run.Event.Name,
			Data:      rawJSON(&run.Event.Data),
			User:      run.Event.User,
			Timestamp: run.Event.Timestamp,
		},
		Status:     run.Status,
		Phase:      run.Phase,
		Cursor:     run.Cursor,
		Attempt:    run.Attempt,
		Output:     rawJSON(run.Output),
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
		FinishedAt: run.FinishedAt,
	}
}

// TransformStepResponse converts a ledger record for the API.
func TransformStepResponse(rec *models.StepRecord) StepResponse {
	response := StepResponse{
		Key:       rec.Key,
		Name:      rec.Name,
		Kind:      rec.Kind,
		Status:    rec.Status,
		Result:    rawJSON(rec.Result),
		Error:     rec.Error,
		Attempt:   rec.Attempt,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	// only meaningful while the step waits to be retried
	if rec.Status == models.StepStatusFailedRetriable && !rec.RetryAt.IsZero() {
		retryAt := rec.RetryAt
		response.RetryAt = &retryAt
	}

	return response
}

func TransformFunctionResponse(def *models.FunctionDefinition) FunctionResponse {
	return FunctionResponse{
		ID:          def.ID,
		Name:        def.DisplayName(),
		Event:       def.Trigger.Event,
		Cron:        def.Trigger.Cron,
		MaxAttempts: def.MaxAttempts(),
		Concurrency: def.Concurrency,
		Throttle:    def.Throttle,
		Timeout:     def.Timeout,
	}
}
