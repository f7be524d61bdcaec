package failures

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/models"
)

func TestClassify(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want models.StepErrorKind
	}{
		{"plain error is transient", boom, models.StepErrorTransient},
		{"terminal", Terminal(boom), models.StepErrorTerminal},
		{"wrapped terminal", fmt.Errorf("charge: %w", NonRetriable("card declined")), models.StepErrorTerminal},
		{"retry after", RetryAfter(boom, time.Minute), models.StepErrorRetryAfter},
		{"non-determinism", &NonDeterminismError{RunID: "r", Step: "s"}, models.StepErrorNonDeterminism},
		{"admission timeout", &AdmissionTimeoutError{FunctionID: "f"}, models.StepErrorAdmissionTimeout},
		{"retriable admission timeout", &AdmissionTimeoutError{FunctionID: "f", Retriable: true}, models.StepErrorTransient},
		{"timeout", &TimeoutError{Scope: "step"}, models.StepErrorTimeout},
		{"cancelled", &CancelledError{}, models.StepErrorCancelled},
		{"step failed", &StepFailedError{Step: "s", Err: boom}, models.StepErrorTerminal},
		{
			"step failed keeps non-determinism",
			&StepFailedError{Step: "s", Err: &NonDeterminismError{}},
			models.StepErrorNonDeterminism,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.Empty(t, Classify(nil))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(errors.New("flaky")))
	assert.False(t, IsTerminal(RetryAfter(nil, time.Second)))
	assert.True(t, IsTerminal(NonRetriable("bad input")))
	assert.True(t, IsTerminal(&TimeoutError{Scope: "run", Timeout: time.Hour}))
}

func TestTerminal_NilStaysNil(t *testing.T) {
	assert.NoError(t, Terminal(nil))
}

func TestRetryAfterError_ResumeAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)

	var byDuration, byTime *RetryAfterError

	require.ErrorAs(t, RetryAfter(errors.New("rate limited"), 5*time.Minute), &byDuration)
	require.ErrorAs(t, RetryAt(nil, at), &byTime)

	assert.Equal(t, now.Add(5*time.Minute), byDuration.ResumeAt(now))
	assert.Equal(t, at, byTime.ResumeAt(now))
}

func TestStepErrorRoundTrip(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, err := range []error{
		errors.New("flaky"),
		NonRetriable("declined"),
		RetryAfter(errors.New("busy"), time.Minute),
		&NonDeterminismError{RunID: "r", Step: "s", Expected: "a", Actual: "b"},
		&TimeoutError{Scope: "step", Timeout: time.Second},
	} {
		se := ToStepError(err, now)
		rebuilt := FromStepError(se)

		assert.Equal(t, Classify(err), Classify(rebuilt), err.Error())
		assert.Equal(t, err.Error(), rebuilt.Error())
	}
}

func TestToStepError_ResolvesRetryAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	se := ToStepError(RetryAfter(errors.New("busy"), time.Minute), now)

	require.NotNil(t, se.RetryAt)
	assert.Equal(t, now.Add(time.Minute), *se.RetryAt)
	assert.Nil(t, ToStepError(nil, now))
}
