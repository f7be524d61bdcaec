package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/durable/pkg/failures"
)

const ErrorKindKey = "durable.error.kind"

// SetError marks span failed and tags it with how the engine classifies err, so
// terminal failures can be told apart from ones that will be retried.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	attrs = append(attrs, attribute.String(ErrorKindKey, string(failures.Classify(err))))

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attrs...)
}
