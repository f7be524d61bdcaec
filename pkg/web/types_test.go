package web_test

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/web"
)

func TestCancelRunRequest_Validation(t *testing.T) {
	t.Parallel()

	v := validator.New(validator.WithRequiredStructEnabled())

	require.NoError(t, v.Struct(web.CancelRunRequest{}))
	require.NoError(t, v.Struct(web.CancelRunRequest{Reason: "duplicate order"}))
	require.Error(t, v.Struct(web.CancelRunRequest{Reason: strings.Repeat("x", 513)}))
}

func TestTransformRunResponse(t *testing.T) {
	t.Parallel()

	finished := now.Add(time.Minute)
	output := models.MustPayload(map[string]int{"count": 3})
	run := &models.Run{
		ID:         "run-1",
		FunctionID: "fn",
		EventID:    "evt-1",
		Event:      models.Event{ID: "evt-1", Name: "a/b", Data: models.MustPayload("hello"), Timestamp: now},
		Status:     models.RunStatusSucceeded,
		Cursor:     "return",
		Attempt:    1,
		Output:     &output,
		LeaseOwner: "worker-a/123",
		CreatedAt:  now,
		UpdatedAt:  finished,
		FinishedAt: &finished,
	}

	response := web.TransformRunResponse(run)

	assert.JSONEq(t, `{"count":3}`, string(response.Output))
	assert.JSONEq(t, `"hello"`, string(response.Event.Data))
	assert.Equal(t, &finished, response.FinishedAt)
	assert.Equal(t, "return", response.Cursor)
}

func TestTransformRunResponse_OpaquePayloadsAreHidden(t *testing.T) {
	t.Parallel()

	run := &models.Run{
		ID:     "run-1",
		Status: models.RunStatusFailed,
		Output: &models.Payload{Schema: "protobuf", Data: []byte{0x0a, 0x01}},
		Error:  &models.StepError{Kind: models.StepErrorTerminal, Message: "boom"},
	}

	response := web.TransformRunResponse(run)

	assert.Nil(t, response.Output)
	assert.Nil(t, response.Event.Data)
	assert.Equal(t, "boom", response.Error.Message)
}

func TestTransformStepResponse(t *testing.T) {
	t.Parallel()

	retryAt := now.Add(time.Minute)

	waiting := web.TransformStepResponse(&models.StepRecord{
		Key:     "charge",
		Kind:    models.StepKindRun,
		Status:  models.StepStatusFailedRetriable,
		RetryAt: retryAt,
	})
	require.NotNil(t, waiting.RetryAt)
	assert.Equal(t, retryAt, *waiting.RetryAt)

	done := web.TransformStepResponse(&models.StepRecord{
		Key:     "charge",
		Kind:    models.StepKindRun,
		Status:  models.StepStatusSucceeded,
		RetryAt: retryAt,
	})
	assert.Nil(t, done.RetryAt)
}

func TestTransformFunctionResponse(t *testing.T) {
	t.Parallel()

	response := web.TransformFunctionResponse(&models.FunctionDefinition{
		ID:      "process-payment",
		Trigger: models.Trigger{Event: "payment/requested"},
		Retries: models.NoRetries,
		Timeout: time.Hour,
	})

	assert.Equal(t, "process-payment", response.Name)
	assert.Equal(t, 1, response.MaxAttempts)
	assert.Equal(t, time.Hour, response.Timeout)
}
