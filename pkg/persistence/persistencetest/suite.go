// Package persistencetest holds the behaviour every persistence backend must share.
package persistencetest

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) persistence.Persistence

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("run compare-and-swap", func(t *testing.T) { testRunCAS(t, newStore(t)) })
	t.Run("runs by function", func(t *testing.T) { testRunsByFunction(t, newStore(t)) })
	t.Run("steps", func(t *testing.T) { testSteps(t, newStore(t)) })
	t.Run("racing step claims", func(t *testing.T) { testRacingStepClaims(t, newStore(t)) })
	t.Run("timers", func(t *testing.T) { testTimers(t, newStore(t)) })
	t.Run("timer claims", func(t *testing.T) { testTimerClaims(t, newStore(t)) })
	t.Run("admission state", func(t *testing.T) { testAdmissionState(t, newStore(t)) })
}

// NewRun builds a pending run for tests.
func NewRun(id, functionID string, createdAt time.Time) *models.Run {
	return &models.Run{
		ID:         id,
		FunctionID: functionID,
		EventID:    "evt-" + id,
		Event: models.Event{
			ID:        "evt-" + id,
			Name:      "test/event",
			Data:      models.MustPayload(map[string]string{"id": id}),
			Timestamp: createdAt,
		},
		Status:    models.RunStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testRuns(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	run := NewRun("run-1", "fn", base)
	require.NoError(t, store.CreateRun(ctx, run))
	assert.Equal(t, int64(1), run.Version)

	err := store.CreateRun(ctx, NewRun("run-1", "fn", base))
	assert.ErrorIs(t, err, persistence.ErrRunAlreadyExists)

	got, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "fn", got.FunctionID)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.True(t, base.Equal(got.CreatedAt))
	assert.JSONEq(t, `{"id":"run-1"}`, string(got.Event.Data.Data))

	_, err = store.RunByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func testRunCAS(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	run := NewRun("run-cas", "fn", base)
	require.NoError(t, store.CreateRun(ctx, run))

	first, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)

	second, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)

	first.Status = models.RunStatusRunning
	first.LeaseOwner = "worker-a"
	first.LeaseUntil = base.Add(time.Minute)
	require.NoError(t, store.UpdateRun(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = models.RunStatusCancelled
	err = store.UpdateRun(ctx, second, 1)
	assert.ErrorIs(t, err, persistence.ErrVersionConflict)

	got, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, "worker-a", got.LeaseOwner)
	assert.True(t, first.LeaseUntil.Equal(got.LeaseUntil))

	err = store.UpdateRun(ctx, NewRun("ghost", "fn", base), 1)
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func testRunsByFunction(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	require.NoError(t, store.CreateRun(ctx, NewRun("a", "fn", base)))
	require.NoError(t, store.CreateRun(ctx, NewRun("b", "fn", base.Add(time.Minute))))
	require.NoError(t, store.CreateRun(ctx, NewRun("c", "other", base)))

	runs, err := store.RunsByFunction(ctx, "fn", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID)
	assert.Equal(t, "a", runs[1].ID)

	runs, err = store.RunsByFunction(ctx, "fn", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func newStep(runID, key string) *models.StepRecord {
	return &models.StepRecord{
		RunID:     runID,
		Key:       key,
		Name:      key,
		Kind:      models.StepKindRun,
		InputHash: "hash-" + key,
		Status:    models.StepStatusRunning,
		Attempt:   1,
		Owner:     "worker-a",
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testSteps(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	_, err := store.StepByKey(ctx, "run", "first")
	require.ErrorIs(t, err, persistence.ErrStepNotFound)

	first := newStep("run", "first")
	require.NoError(t, store.SaveStep(ctx, first, 0))
	assert.Equal(t, int64(1), first.Version)

	assert.ErrorIs(t, store.SaveStep(ctx, newStep("run", "first"), 0), persistence.ErrVersionConflict)

	result := models.MustPayload(42)
	first.Status = models.StepStatusSucceeded
	first.Result = &result
	require.NoError(t, store.SaveStep(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	assert.ErrorIs(t, store.SaveStep(ctx, first, 1), persistence.ErrVersionConflict)

	second := newStep("run", "second")
	second.CreatedAt = base.Add(time.Second)
	require.NoError(t, store.SaveStep(ctx, second, 0))
	require.NoError(t, store.SaveStep(ctx, newStep("other-run", "first"), 0))

	got, err := store.StepByKey(ctx, "run", "first")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "42", string(got.Result.Data))

	steps, err := store.StepsByRun(ctx, "run")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "first", steps[0].Key)
	assert.Equal(t, "second", steps[1].Key)
}

func testRacingStepClaims(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	const racers = 8

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range racers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if store.SaveStep(ctx, newStep("race", "charge"), 0) == nil {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func newTimer(id, runID string, fireAt time.Time) *models.TimerEntry {
	return &models.TimerEntry{
		ID:        id,
		RunID:     runID,
		FireAt:    fireAt,
		Kind:      models.TimerKindSleep,
		StepKey:   id,
		CreatedAt: base,
	}
}

func testTimers(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	require.NoError(t, store.SaveTimer(ctx, newTimer("late", "run-1", base.Add(2*time.Minute))))
	require.NoError(t, store.SaveTimer(ctx, newTimer("early", "run-2", base.Add(time.Minute))))
	require.NoError(t, store.SaveTimer(ctx, newTimer("future", "run-1", base.Add(time.Hour))))

	due, err := store.DueTimers(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	due, err = store.DueTimers(ctx, base.Add(5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	// upsert moves the existing entry instead of duplicating it
	require.NoError(t, store.SaveTimer(ctx, newTimer("late", "run-1", base.Add(2*time.Hour))))

	timers, err := store.TimersByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, timers, 2)
	assert.Equal(t, "future", timers[0].ID)
	assert.True(t, base.Add(2*time.Hour).Equal(timers[1].FireAt))

	require.NoError(t, store.DeleteTimersByRun(ctx, "run-1"))

	timers, err = store.TimersByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, timers)

	require.NoError(t, store.DeleteTimer(ctx, "early"))
	require.NoError(t, store.DeleteTimer(ctx, "early"))

	due, err = store.DueTimers(ctx, base.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testTimerClaims(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()
	now := base.Add(time.Minute)

	require.NoError(t, store.SaveTimer(ctx, newTimer("wake", "run", base)))

	claimed, err := store.ClaimTimer(ctx, "wake", now, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, now.Add(30*time.Second).Equal(claimed.ClaimedUntil))

	_, err = store.ClaimTimer(ctx, "wake", now.Add(time.Second), now.Add(time.Minute))
	assert.ErrorIs(t, err, persistence.ErrTimerClaimed)

	due, err := store.DueTimers(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed timers are not due")

	// an expired claim makes the timer due again
	due, err = store.DueTimers(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	// re-saving after the claim keeps the entry when the old claim completes
	require.NoError(t, store.SaveTimer(ctx, newTimer("wake", "run", base.Add(time.Hour))))
	require.NoError(t, store.CompleteTimer(ctx, claimed))

	timers, err := store.TimersByRun(ctx, "run")
	require.NoError(t, err)
	require.Len(t, timers, 1)

	again, err := store.ClaimTimer(ctx, "wake", now, now.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, store.CompleteTimer(ctx, again))

	timers, err = store.TimersByRun(ctx, "run")
	require.NoError(t, err)
	assert.Empty(t, timers)

	_, err = store.ClaimTimer(ctx, "wake", now, now.Add(time.Second))
	assert.ErrorIs(t, err, persistence.ErrTimerNotFound)
}

func testAdmissionState(t *testing.T, store persistence.Persistence) {
	ctx := t.Context()

	empty, err := store.AdmissionState(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, "digest", empty.FunctionID)
	assert.Zero(t, empty.Version)
	assert.NotNil(t, empty.Holders)

	state := models.NewAdmissionState("digest")
	state.Limit = 2
	state.Holders["run-1/send"] = models.AdmissionHold{RunID: "run-1", Until: base.Add(time.Minute)}
	state.Queue = []models.AdmissionWaiter{{Key: "run-2/send", RunID: "run-2", Since: base}}
	state.Starts = []time.Time{base, base.Add(time.Second)}
	state.UpdatedAt = base

	require.NoError(t, store.SaveAdmissionState(ctx, state, 0))
	assert.Equal(t, int64(1), state.Version)

	err = store.SaveAdmissionState(ctx, models.NewAdmissionState("digest"), 0)
	assert.True(t, persistence.IsVersionConflict(err))

	loaded, err := store.AdmissionState(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, 2, loaded.Limit)
	assert.Equal(t, "run-1", loaded.Holders["run-1/send"].RunID)
	assert.True(t, base.Add(time.Minute).Equal(loaded.Holders["run-1/send"].Until))
	require.Len(t, loaded.Queue, 1)
	assert.Equal(t, "run-2/send", loaded.Queue[0].Key)
	require.Len(t, loaded.Starts, 2)
	assert.True(t, base.Add(time.Second).Equal(loaded.Starts[1]))

	delete(loaded.Holders, "run-1/send")
	require.NoError(t, store.SaveAdmissionState(ctx, loaded, 1))
	assert.Equal(t, int64(2), loaded.Version)

	err = store.SaveAdmissionState(ctx, state, 1)
	assert.True(t, persistence.IsVersionConflict(err), "stale writers lose")

	other, err := store.AdmissionState(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, other.Version)
}
