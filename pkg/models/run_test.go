package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Terminal(t *testing.T) {
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.False(t, RunStatusWaitingAdmission.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusRunning, RunStatusSleeping, true},
		{RunStatusSleeping, RunStatusRunning, true},
		{RunStatusWaitingRetry, RunStatusRunning, true},
		{RunStatusWaitingAdmission, RunStatusRunning, true},
		{RunStatusRunning, RunStatusRunning, true},
		{RunStatusRunning, RunStatusSucceeded, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusSleeping, RunStatusFailed, true},
		{RunStatusSleeping, RunStatusCancelled, true},
		{RunStatusPending, RunStatusCancelled, true},
		{RunStatusPending, RunStatusSucceeded, false},
		{RunStatusSleeping, RunStatusSucceeded, false},
		{RunStatusSucceeded, RunStatusRunning, false},
		{RunStatusFailed, RunStatusCancelled, false},
		{RunStatusCancelled, RunStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRun_TransitionToTerminalClearsLease(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := &Run{
		ID:             "run-1",
		Status:         RunStatusRunning,
		LeaseOwner:     "worker-1",
		LeaseUntil:     now.Add(time.Minute),
		PendingTimerID: "run-1/sleep/wait",
	}

	require.NoError(t, run.Transition(RunStatusSucceeded, now))

	assert.Equal(t, RunStatusSucceeded, run.Status)
	assert.Empty(t, run.LeaseOwner)
	assert.Empty(t, run.PendingTimerID)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, now, *run.FinishedAt)

	err := run.Transition(RunStatusRunning, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRun_LeasedBy(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := &Run{LeaseOwner: "a", LeaseUntil: now.Add(time.Second)}

	assert.True(t, run.LeasedBy("b", now))
	assert.False(t, run.LeasedBy("a", now))
	assert.False(t, run.LeasedBy("b", now.Add(time.Second)))
}

func TestRun_CloneIsIndependent(t *testing.T) {
	out := MustPayload("done")
	run := &Run{ID: "r", Output: &out, Error: &StepError{Kind: StepErrorTerminal}}

	c := run.Clone()
	c.Output.Data[0] = 'x'
	c.Error.Message = "changed"

	assert.Equal(t, `"done"`, string(run.Output.Data))
	assert.Empty(t, run.Error.Message)
}
