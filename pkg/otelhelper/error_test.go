package otelhelper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dukex/durable/pkg/failures"
)

func TestSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := StartSpan(t.Context(), tracer, "step", attribute.String(RunIDKey, "run-1"))
	SetError(span, failures.Terminal(errors.New("card declined")), attribute.String(StepKeyKey, "charge"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String(ErrorKindKey, "terminal"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(StepKeyKey, "charge"))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestSetError_NilIsNoop(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	_, span := StartSpan(t.Context(), tracer, "step")
	SetError(span, nil)
	span.End()

	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
	assert.NotPanics(t, func() { SetError(nil, errors.New("boom")) })
}
