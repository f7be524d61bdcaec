package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/dispatcher"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/mocks"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/persistence/memory"
	"github.com/dukex/durable/pkg/registry"
	"github.com/dukex/durable/pkg/web"
)

var now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeIngester struct {
	mu     sync.Mutex
	inputs []models.EventInput
}

func (f *fakeIngester) Send(_ context.Context, inputs []models.EventInput) []dispatcher.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]dispatcher.SendResult, len(inputs))

	for i, input := range inputs {
		if input.ID == "" {
			input.ID = "01J0000000000000000000000" + string(rune('A'+len(f.inputs)))
		}

		results[i] = dispatcher.SendResult{ID: input.ID, Name: input.Name, Accepted: input.Name != ""}
		if input.Name == "" {
			results[i].Error = "invalid event: name is required"
		}

		f.inputs = append(f.inputs, input)
	}

	return results
}

type unhealthy struct{}

func (unhealthy) HealthCheck(context.Context) error {
	return errors.New("connection refused")
}

type testAPI struct {
	app      *fiber.App
	store    *memory.Persistence
	bus      *mocks.MockEventBus
	ingester *fakeIngester
}

func setupTestApp(t *testing.T, checkers map[string]web.HealthChecker) testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()
	bus := &mocks.MockEventBus{}
	ingester := &fakeIngester{}

	reg := registry.New[struct{}](logger)
	require.NoError(t, reg.Register(models.FunctionDefinition{
		ID:          "send-weekly-digest",
		Name:        "Send weekly digest",
		Trigger:     models.Trigger{Event: "user/weekly-digest.requested"},
		Retries:     5,
		Concurrency: &models.Limit{Limit: 50},
		Throttle:    &models.Limit{Limit: 100, Period: time.Minute},
	}, struct{}{}))
	require.NoError(t, reg.Register(models.FunctionDefinition{
		ID:      "daily-cleanup",
		Trigger: models.Trigger{Cron: "0 0 * * *"},
	}, struct{}{}))

	if checkers == nil {
		checkers = map[string]web.HealthChecker{"persistence": store, "registry": reg}
	}

	promRegistry := prometheus.NewRegistry()
	metrics.New(promRegistry).RunCreated("send-weekly-digest")

	handlers := web.NewAPIHandlers(
		ingester,
		store,
		reg,
		bus,
		validator.New(validator.WithRequiredStructEnabled()),
		clockwork.NewFakeClockAt(now),
		checkers,
	)

	return testAPI{
		app:      web.NewApp(handlers, promRegistry),
		store:    store,
		bus:      bus,
		ingester: ingester,
	}
}

func (a testAPI) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func seedRun(t *testing.T, store *memory.Persistence, status models.RunStatus) *models.Run {
	t.Helper()

	run := &models.Run{
		ID:         "run-1",
		FunctionID: "send-weekly-digest",
		EventID:    "evt-1",
		Event: models.Event{
			ID:        "evt-1",
			Name:      "user/weekly-digest.requested",
			Data:      models.MustPayload(map[string]any{"user_id": "u-42"}),
			Timestamp: now,
		},
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if status == models.RunStatusSucceeded {
		output := models.MustPayload(map[string]any{"sent": true})
		run.Output = &output
	}

	require.NoError(t, store.CreateRun(t.Context(), run))

	return run
}

func TestAPIHandlers_SendEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedIDs    int
		expectedError  string
	}{
		{
			name:           "single event",
			body:           `{"name": "user/signed.up", "data": {"email": "ada@example.com"}}`,
			expectedStatus: http.StatusOK,
			expectedIDs:    1,
		},
		{
			name:           "batch keeps caller ids",
			body:           `[{"id": "evt-a", "name": "a/b"}, {"name": "c/d"}]`,
			expectedStatus: http.StatusOK,
			expectedIDs:    2,
		},
		{
			name:           "partially invalid batch is accepted per element",
			body:           `[{"name": ""}, {"name": "c/d"}]`,
			expectedStatus: http.StatusOK,
			expectedIDs:    2,
		},
		{
			name:           "nothing accepted",
			body:           `{"data": {}}`,
			expectedStatus: http.StatusBadRequest,
			expectedIDs:    1,
		},
		{
			name:           "invalid JSON",
			body:           "invalid-json",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid JSON format",
		},
		{
			name:           "empty batch",
			body:           "[]",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "At least one event is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := setupTestApp(t, nil)
			resp, body := api.do(t, http.MethodPost, "/events", tt.body)

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedError != "" {
				assert.Contains(t, string(body), tt.expectedError)

				return
			}

			var response web.SendEventsResponse
			require.NoError(t, json.Unmarshal(body, &response))
			assert.Len(t, response.IDs, tt.expectedIDs)
			assert.Len(t, response.Results, tt.expectedIDs)
		})
	}
}

func TestAPIHandlers_SendEvents_CallerIDsArePreserved(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)
	_, body := api.do(t, http.MethodPost, "/events", `[{"id": "evt-a", "name": "a/b"}, {"name": "c/d"}]`)

	var response web.SendEventsResponse
	require.NoError(t, json.Unmarshal(body, &response))
	assert.Equal(t, "evt-a", response.IDs[0])
	assert.NotEmpty(t, response.IDs[1])
	require.Len(t, api.ingester.inputs, 2)
	assert.Equal(t, "c/d", api.ingester.inputs[1].Name)
}

func TestAPIHandlers_GetRun(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)
	seedRun(t, api.store, models.RunStatusSucceeded)

	resp, body := api.do(t, http.MethodGet, "/runs/run-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run map[string]any
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, "succeeded", run["status"])
	assert.Equal(t, map[string]any{"sent": true}, run["output"])
	assert.Equal(t, map[string]any{"user_id": "u-42"}, run["event"].(map[string]any)["data"])

	resp, body = api.do(t, http.MethodGet, "/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "run_not_found")
}

func TestAPIHandlers_GetRunSteps(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)
	seedRun(t, api.store, models.RunStatusWaitingRetry)

	result := models.MustPayload([]string{"u-1", "u-2"})
	require.NoError(t, api.store.SaveStep(t.Context(), &models.StepRecord{
		RunID:     "run-1",
		Key:       "load-users",
		Name:      "load-users",
		Kind:      models.StepKindRun,
		Status:    models.StepStatusSucceeded,
		Result:    &result,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, 0))
	require.NoError(t, api.store.SaveStep(t.Context(), &models.StepRecord{
		RunID:     "run-1",
		Key:       "send",
		Name:      "send",
		Kind:      models.StepKindRun,
		Status:    models.StepStatusFailedRetriable,
		Error:     &models.StepError{Kind: models.StepErrorTransient, Message: "smtp timeout"},
		Attempt:   1,
		RetryAt:   now.Add(time.Second),
		CreatedAt: now.Add(time.Millisecond),
		UpdatedAt: now.Add(time.Millisecond),
	}, 0))

	resp, body := api.do(t, http.MethodGet, "/runs/run-1/steps", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var response struct {
		RunID string             `json:"run_id"`
		Steps []web.StepResponse `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(body, &response))
	require.Len(t, response.Steps, 2)
	assert.JSONEq(t, `["u-1","u-2"]`, string(response.Steps[0].Result))
	assert.Nil(t, response.Steps[0].RetryAt)
	assert.Equal(t, "smtp timeout", response.Steps[1].Error.Message)
	require.NotNil(t, response.Steps[1].RetryAt)
	assert.True(t, now.Add(time.Second).Equal(*response.Steps[1].RetryAt))

	resp, _ = api.do(t, http.MethodGet, "/runs/missing/steps", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_CancelRun(t *testing.T) {
	t.Parallel()

	t.Run("publishes a cancel request", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		seedRun(t, api.store, models.RunStatusSleeping)

		api.bus.On("Publish", mock.Anything, "run-1", mock.MatchedBy(func(event *events.RunCancelRequested) bool {
			return event.RunID == "run-1" && event.Reason == "user deleted account"
		})).Return(nil).Once()

		resp, body := api.do(t, http.MethodPost, "/runs/run-1/cancel", `{"reason": "user deleted account"}`)

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Contains(t, string(body), "cancel_requested")
		api.bus.AssertExpectations(t)
	})

	t.Run("without a body", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		seedRun(t, api.store, models.RunStatusRunning)
		api.bus.On("Publish", mock.Anything, "run-1", mock.Anything).Return(nil).Once()

		resp, _ := api.do(t, http.MethodPost, "/runs/run-1/cancel", "")

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("finished run conflicts", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		seedRun(t, api.store, models.RunStatusSucceeded)

		resp, body := api.do(t, http.MethodPost, "/runs/run-1/cancel", "")

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, string(body), "run already succeeded")
		api.bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reason too long", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		seedRun(t, api.store, models.RunStatusRunning)

		resp, _ := api.do(t, http.MethodPost, "/runs/run-1/cancel", `{"reason": "`+strings.Repeat("x", 600)+`"}`)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown run", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		resp, _ := api.do(t, http.MethodPost, "/runs/nope/cancel", "")

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bus failure", func(t *testing.T) {
		t.Parallel()

		api := setupTestApp(t, nil)
		seedRun(t, api.store, models.RunStatusRunning)
		api.bus.On("Publish", mock.Anything, "run-1", mock.Anything).Return(errors.New("broker down")).Once()

		resp, _ := api.do(t, http.MethodPost, "/runs/run-1/cancel", "")

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestAPIHandlers_Functions(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)

	resp, body := api.do(t, http.MethodGet, "/functions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var functions []web.FunctionResponse
	require.NoError(t, json.Unmarshal(body, &functions))
	require.Len(t, functions, 2)
	assert.Equal(t, "Send weekly digest", functions[0].Name)
	assert.Equal(t, 6, functions[0].MaxAttempts)
	assert.Equal(t, 100, functions[0].Throttle.Limit)
	assert.Equal(t, "daily-cleanup", functions[1].Name)
	assert.Equal(t, "0 0 * * *", functions[1].Cron)

	seedRun(t, api.store, models.RunStatusRunning)

	resp, body = api.do(t, http.MethodGet, "/functions/send-weekly-digest/runs?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []web.RunResponse
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	resp, _ = api.do(t, http.MethodGet, "/functions/send-weekly-digest/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/functions/unknown/runs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)
	resp, body := api.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	api = setupTestApp(t, map[string]web.HealthChecker{"persistence": unhealthy{}})
	resp, body = api.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestAPI_RootAndMetrics(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t, nil)

	resp, body := api.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Durable API", string(body))

	resp, body = api.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "send-weekly-digest")
}

func TestAPIHandlers_StoreErrorsMapToProblems(t *testing.T) {
	t.Parallel()

	store := &mocks.MockPersistence{}
	store.On("RunByID", mock.Anything, "slow").Return(nil, context.DeadlineExceeded)
	store.On("RunByID", mock.Anything, "racy").Return(nil, persistence.ErrVersionConflict)
	store.On("RunByID", mock.Anything, "broken").Return(nil, errors.New("disk on fire"))

	handlers := web.NewAPIHandlers(
		&fakeIngester{},
		store,
		registry.New[struct{}](slog.New(slog.NewTextHandler(io.Discard, nil))),
		&mocks.MockEventBus{},
		validator.New(validator.WithRequiredStructEnabled()),
		clockwork.NewFakeClockAt(now),
		nil,
	)
	api := testAPI{app: web.NewApp(handlers, nil)}

	tests := []struct {
		runID  string
		status int
		kind   string
	}{
		{"slow", http.StatusServiceUnavailable, "service_unavailable"},
		{"racy", http.StatusConflict, "conflict"},
		{"broken", http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		resp, body := api.do(t, http.MethodGet, "/runs/"+tt.runID, "")
		assert.Equal(t, tt.status, resp.StatusCode, tt.runID)
		assert.Contains(t, string(body), tt.kind, tt.runID)
	}
}
