package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// Ingester accepts events for dispatch.
type Ingester interface {
	Send(ctx context.Context, inputs []models.EventInput) []dispatcher.SendResult
}

// Functions is the registry view the API exposes.
type Functions interface {
	All() []*models.FunctionDefinition
	Definition(id string) (*models.FunctionDefinition, bool)
}

// Store reads runs and their step ledger.
type Store interface {
	persistence.RunRepository
	persistence.StepRepository
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	ingester  Ingester
	store     Store
	functions Functions
	publisher eventbus.EventPublisher
	validator *validator.Validate
	clock     clockwork.Clock
	checkers  map[string]HealthChecker
}

func NewAPIHandlers(
	ingester Ingester,
	store Store,
	functions Functions,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
	clock clockwork.Clock,
	checkers map[string]HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		ingester:  ingester,
		store:     store,
		functions: functions,
		publisher: publisher,
		validator: validator,
		clock:     clock,
		checkers:  checkers,
	}
}

// SendEvents ingests one event object or an array of them. Validation happens per
// element, so one bad event does not reject the batch.
func (h *APIHandlers) SendEvents(c fiber.Ctx) error {
	inputs, err := parseEvents(c.Body())
	if err != nil {
		return badRequest(c, "Invalid JSON format: "+err.Error())
	}

	if len(inputs) == 0 {
		return badRequest(c, "At least one event is required")
	}

	results := h.ingester.Send(c.Context(), inputs)
	response := SendEventsResponse{
		IDs:     make([]string, len(results)),
		Results: results,
	}

	accepted := 0

	for i, result := range results {
		response.IDs[i] = result.ID

		if result.Accepted {
			accepted++
		}
	}

	status := fiber.StatusOK
	if accepted == 0 {
		status = fiber.StatusBadRequest
	}

	return c.Status(status).JSON(response)
}

func parseEvents(body []byte) ([]models.EventInput, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] == '[' {
		var inputs []models.EventInput
		if err := json.Unmarshal(body, &inputs); err != nil {
			return nil, err
		}

		return inputs, nil
	}

	var input models.EventInput
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, err
	}

	return []models.EventInput{input}, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.store.RunByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

func (h *APIHandlers) GetRunSteps(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	if _, err := h.store.RunByID(c.Context(), id); err != nil {
		return handleStoreError(c, err)
	}

	records, err := h.store.StepsByRun(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	steps := make([]StepResponse, len(records))
	for i, rec := range records {
		steps[i] = TransformStepResponse(rec)
	}

	return c.JSON(fiber.Map{
		"run_id": id,
		"steps":  steps,
	})
}

// CancelRun requests cancellation. The engine applies it asynchronously, so the
// response is 202 and the run may still finish before the request lands.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	var req CancelRunRequest
	if len(bytes.TrimSpace(c.Body())) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.store.RunByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	if run.Status.Terminal() {
		return conflict(c, fmt.Sprintf("run already %s", run.Status))
	}

	request := &events.RunCancelRequested{
		BaseEvent: events.NewBaseEvent(events.RunCancelRequestedEvent, h.clock.Now()),
		RunID:     id,
		Reason:    req.Reason,
	}

	if err := h.publisher.Publish(c.Context(), id, request); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"run_id":     id,
		"request_id": request.ID,
		"status":     "cancel_requested",
	})
}

func (h *APIHandlers) GetFunctions(c fiber.Ctx) error {
	defs := h.functions.All()

	functions := make([]FunctionResponse, len(defs))
	for i, def := range defs {
		functions[i] = TransformFunctionResponse(def)
	}

	return c.JSON(functions)
}

func (h *APIHandlers) GetFunctionRuns(c fiber.Ctx) error {
	id := c.Params("id")

	if _, ok := h.functions.Definition(id); !ok {
		return notFound(c, "Function not found")
	}

	limit := defaultRunsLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > maxRunsLimit {
			return badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxRunsLimit))
		}

		limit = parsed
	}

	runs, err := h.store.RunsByFunction(c.Context(), id, limit)
	if err != nil {
		return internalError(c, err)
	}

	response := make([]RunResponse, len(runs))
	for i, run := range runs {
		response[i] = TransformRunResponse(run)
	}

	return c.JSON(response)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true

	for name, checker := range h.checkers {
		if err := checker.HealthCheck(c.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false

			continue
		}

		checks[name] = "ok"
	}

	status := "healthy"
	message := "Durable API is healthy"
	httpStatus := http.StatusOK

	if !healthy {
		status = "unhealthy"
		message = "Durable API is unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"checkers":  checks,
		"timestamp": h.clock.Now().UTC(),
	})
}
