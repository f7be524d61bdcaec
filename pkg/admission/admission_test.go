package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/failures"
	"github.com/dukex/durable/pkg/models"
	"github.com/dukex/durable/pkg/persistence"
	"github.com/dukex/durable/pkg/persistence/memory"
)

var t0 = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

type grants struct {
	mu   sync.Mutex
	runs []string
}

func (g *grants) record(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.runs = append(g.runs, runID)
}

func (g *grants) take() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	runs := g.runs
	g.runs = nil

	return runs
}

func newController(opts ...Option) (*Controller, *grants) {
	g := &grants{}

	return NewController(memory.NewPersistence(), discard(), append([]Option{WithOnGrant(g.record)}, opts...)...), g
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waiterFor(i int) Waiter {
	return Waiter{RunID: fmt.Sprintf("run-%04d", i), StepKey: "send"}
}

func TestAcquire_OpenGates(t *testing.T) {
	c, _ := newController()

	grant, err := c.Acquire(t.Context(), "fn", Limits{}, waiterFor(1), t0)
	require.NoError(t, err)
	assert.True(t, grant.Granted)
}

func TestConcurrency_NeverExceedsLimitAndIsFIFO(t *testing.T) {
	c, g := newController()
	limits := Limits{Concurrency: &models.Limit{Limit: 50}}

	var running []Waiter

	for i := range 1000 {
		grant, err := c.Acquire(t.Context(), "digest", limits, waiterFor(i), t0)
		require.NoError(t, err)

		if grant.Granted {
			running = append(running, waiterFor(i))
		} else {
			assert.Equal(t, GateConcurrency, grant.Gate)
		}
	}

	require.Len(t, running, 50)
	assert.Equal(t, 950, c.Waiting("digest"))

	var order []string

	now := t0
	for len(running) > 0 {
		now = now.Add(time.Millisecond)

		// finish a random holder, then let granted runs come back
		i := rand.IntN(len(running))
		require.NoError(t, c.Release(t.Context(), "digest", running[i], now))
		running = slices.Delete(running, i, i+1)

		for _, runID := range g.take() {
			order = append(order, runID)

			w := Waiter{RunID: runID, StepKey: "send"}
			grant, err := c.Acquire(t.Context(), "digest", limits, w, now)
			require.NoError(t, err)
			require.True(t, grant.Granted)

			running = append(running, w)
		}

		stats := c.Stats("digest")
		require.LessOrEqual(t, stats.Active+stats.Reserved, 50)
	}

	require.Len(t, order, 950)

	for i, runID := range order {
		assert.Equal(t, waiterFor(i+50).RunID, runID)
	}
}

func TestConcurrency_ParallelCallers(t *testing.T) {
	const limit = 5

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wakeups  sync.Map
	)

	c := NewController(memory.NewPersistence(), discard())
	c.OnGrant(func(runID string) {
		ch, _ := wakeups.Load(runID)
		ch.(chan struct{}) <- struct{}{}
	})

	limits := Limits{Concurrency: &models.Limit{Limit: limit}}

	var wg sync.WaitGroup

	for i := range 200 {
		w := waiterFor(i)
		wake := make(chan struct{}, 1)
		wakeups.Store(w.RunID, wake)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				grant, err := c.Acquire(t.Context(), "fn", limits, w, time.Now())
				if err != nil {
					t.Error(err)

					return
				}

				if grant.Granted {
					break
				}

				<-wake
			}

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			if err := c.Release(t.Context(), "fn", w, time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Zero(t, c.Active("fn"))
	assert.Zero(t, c.Waiting("fn"))
}

func TestConcurrency_MaxWait(t *testing.T) {
	c, _ := newController()
	limits := Limits{Concurrency: &models.Limit{Limit: 1, MaxWait: 10 * time.Second}}

	_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)

	grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)
	assert.False(t, grant.Granted)
	assert.Equal(t, t0.Add(10*time.Second), grant.Deadline)

	// the queue position survives re-checks
	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), grant.Deadline)

	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(10*time.Second))

	var timeout *failures.AdmissionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, GateConcurrency, timeout.Gate)
	assert.Equal(t, 10*time.Second, timeout.Waited)
	assert.True(t, failures.IsTerminal(err))
	assert.Zero(t, c.Waiting("fn"))
}

func TestConcurrency_RetriableTimeout(t *testing.T) {
	c, _ := newController()
	limits := Limits{Concurrency: &models.Limit{Limit: 1, MaxWait: time.Second, RetryOnTimeout: true}}

	_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)
	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)

	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(time.Second))
	require.Error(t, err)
	assert.False(t, failures.IsTerminal(err))
}

func TestConcurrency_ExpiredReservationPassesOn(t *testing.T) {
	c, g := newController(WithGrace(time.Minute))
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}

	for i := 1; i <= 3; i++ {
		_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(i), t0)
		require.NoError(t, err)
	}

	require.NoError(t, c.Release(t.Context(), "fn", waiterFor(1), t0))
	assert.Equal(t, []string{waiterFor(2).RunID}, g.take())

	// run 2 never comes back
	grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(3), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, grant.Granted)
	assert.Equal(t, []string{waiterFor(3).RunID}, g.take())

	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, grant.Granted, "late run goes to the back of the queue")
}

func TestForget_ReleasesEverything(t *testing.T) {
	c, g := newController()
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}

	_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)
	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)
	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(3), t0)
	require.NoError(t, err)

	require.NoError(t, c.Forget(t.Context(), "fn", waiterFor(2).RunID, t0))
	assert.Empty(t, g.take(), "forgetting a waiter frees no slot")

	require.NoError(t, c.Forget(t.Context(), "fn", waiterFor(1).RunID, t0))
	assert.Equal(t, []string{waiterFor(3).RunID}, g.take())
}

func TestThrottle_RollingWindow(t *testing.T) {
	c, _ := newController()
	limits := Limits{Throttle: &models.Limit{Limit: 100, Period: time.Minute}}

	var (
		starts  []time.Time
		pending = map[Waiter]time.Time{}
	)

	for i := range 250 {
		grant, err := c.Acquire(t.Context(), "digest", limits, waiterFor(i), t0)
		require.NoError(t, err)

		if grant.Granted {
			starts = append(starts, t0)

			continue
		}

		assert.Equal(t, GateThrottle, grant.Gate)
		pending[waiterFor(i)] = grant.WaitUntil
	}

	assert.Len(t, starts, 100)
	assert.Len(t, pending, 150)

	for w, at := range pending {
		early, err := c.Acquire(t.Context(), "digest", limits, w, at.Add(-time.Second))
		require.NoError(t, err)
		assert.False(t, early.Granted)
		assert.Equal(t, at, early.WaitUntil)

		grant, err := c.Acquire(t.Context(), "digest", limits, w, at)
		require.NoError(t, err)
		require.True(t, grant.Granted)

		starts = append(starts, at)
	}

	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })

	for i, s := range starts {
		end := s.Add(time.Minute)
		n := 0

		for _, other := range starts[i:] {
			if other.Before(end) {
				n++
			}
		}

		require.LessOrEqual(t, n, 100, "window starting at %s", s)
	}

	assert.Equal(t, t0.Add(2*time.Minute), starts[len(starts)-1])
}

func TestThrottle_MaxWait(t *testing.T) {
	c, _ := newController()
	limits := Limits{Throttle: &models.Limit{Limit: 1, Period: time.Minute, MaxWait: 30 * time.Second}}

	grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)
	require.True(t, grant.Granted)

	_, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)

	var timeout *failures.AdmissionTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, GateThrottle, timeout.Gate)
	assert.Equal(t, time.Minute, timeout.Waited)

	// enough of the period has passed to fit within MaxWait
	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), grant.WaitUntil)
}

func TestThrottleThenConcurrency_ConsumesOneToken(t *testing.T) {
	c, g := newController()
	limits := Limits{
		Throttle:    &models.Limit{Limit: 1, Period: time.Minute},
		Concurrency: &models.Limit{Limit: 1},
	}

	a, b := waiterFor(1), waiterFor(2)

	grant, err := c.Acquire(t.Context(), "fn", limits, a, t0)
	require.NoError(t, err)
	require.True(t, grant.Granted)

	grant, err = c.Acquire(t.Context(), "fn", limits, b, t0)
	require.NoError(t, err)
	assert.Equal(t, GateThrottle, grant.Gate)

	grant, err = c.Acquire(t.Context(), "fn", limits, b, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, GateConcurrency, grant.Gate)

	require.NoError(t, c.Release(t.Context(), "fn", a, t0.Add(time.Minute+5*time.Second)))
	assert.Equal(t, []string{b.RunID}, g.take())

	grant, err = c.Acquire(t.Context(), "fn", limits, b, t0.Add(time.Minute+5*time.Second))
	require.NoError(t, err)
	assert.True(t, grant.Granted)

	// the throttle only saw two starts, so a third waits a full period after the second
	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(3), t0.Add(time.Minute+5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Minute), grant.WaitUntil)
}

func TestForget_FreesThrottleReservation(t *testing.T) {
	c, _ := newController()
	limits := Limits{Throttle: &models.Limit{Limit: 1, Period: time.Minute}}

	_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)

	grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Minute), grant.WaitUntil)

	require.NoError(t, c.Forget(t.Context(), "fn", waiterFor(2).RunID, t0))

	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(3), t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), grant.WaitUntil)
	assert.Equal(t, 1, c.Waiting("fn"))
}

func TestConcurrency_HandOffIsReservedFromRelease(t *testing.T) {
	c, g := newController()
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}

	a, b, late := waiterFor(1), waiterFor(2), waiterFor(3)

	grant, err := c.Acquire(t.Context(), "fn", limits, a, t0)
	require.NoError(t, err)
	require.True(t, grant.Granted)

	grant, err = c.Acquire(t.Context(), "fn", limits, b, t0)
	require.NoError(t, err)
	require.False(t, grant.Granted)

	// a's step ran for longer than the grace period
	finished := t0.Add(time.Minute)
	require.NoError(t, c.Release(t.Context(), "fn", a, finished))
	assert.Equal(t, []string{b.RunID}, g.take())

	grant, err = c.Acquire(t.Context(), "fn", limits, late, finished.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, grant.Granted, "a newcomer must not take the slot handed to b")

	grant, err = c.Acquire(t.Context(), "fn", limits, b, finished.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, grant.Granted)
}

func TestConcurrency_AbandonedHolderIsReclaimed(t *testing.T) {
	c, g := newController(WithHold(time.Minute))
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}

	_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)

	grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)
	require.False(t, grant.Granted)

	// run 1's worker died without releasing
	grant, err = c.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, grant.Granted)
	assert.Equal(t, []string{waiterFor(2).RunID}, g.take())
	assert.Equal(t, 1, c.Active("fn"))
}

func TestControllers_ShareOneStore(t *testing.T) {
	store := memory.NewPersistence()
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}

	g := &grants{}
	first := NewController(store, discard(), WithOnGrant(g.record))
	second := NewController(store, discard(), WithOnGrant(g.record))

	grant, err := first.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
	require.NoError(t, err)
	require.True(t, grant.Granted)

	grant, err = second.Acquire(t.Context(), "fn", limits, waiterFor(2), t0)
	require.NoError(t, err)
	assert.False(t, grant.Granted, "the other worker's holder counts")

	require.NoError(t, first.Release(t.Context(), "fn", waiterFor(1), t0.Add(time.Second)))
	assert.Equal(t, []string{waiterFor(2).RunID}, g.take())

	grant, err = second.Acquire(t.Context(), "fn", limits, waiterFor(2), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, grant.Granted)

	t.Run("a restarted worker sees the same gate", func(t *testing.T) {
		restarted := NewController(store, discard())

		stats, err := restarted.Load(t.Context(), "fn")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Active)

		grant, err := restarted.Acquire(t.Context(), "fn", limits, waiterFor(3), t0.Add(3*time.Second))
		require.NoError(t, err)
		assert.False(t, grant.Granted)
	})
}

func TestControllers_ParallelWorkersNeverExceedLimit(t *testing.T) {
	const (
		limit   = 3
		workers = 4
		runs    = 120
	)

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wakeups  sync.Map
		wg       sync.WaitGroup
	)

	wake := func(runID string) {
		ch, _ := wakeups.Load(runID)
		ch.(chan struct{}) <- struct{}{}
	}

	store := memory.NewPersistence()
	fleet := make([]*Controller, workers)

	for i := range fleet {
		fleet[i] = NewController(store, discard(), WithOnGrant(wake))
	}

	limits := Limits{Concurrency: &models.Limit{Limit: limit}}

	for i := range runs {
		w := waiterFor(i)
		c := fleet[i%workers]
		ch := make(chan struct{}, 1)
		wakeups.Store(w.RunID, ch)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				grant, err := c.Acquire(t.Context(), "fn", limits, w, time.Now())
				if err != nil {
					t.Error(err)

					return
				}

				if grant.Granted {
					break
				}

				<-ch
			}

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
			inFlight.Add(-1)

			if err := c.Release(t.Context(), "fn", w, time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))

	stats, err := fleet[0].Load(t.Context(), "fn")
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Queued)
}

// racingStore loses the first conflicts writes as if another worker got there first.
type racingStore struct {
	*memory.Persistence

	mu        sync.Mutex
	conflicts int
}

func (r *racingStore) SaveAdmissionState(ctx context.Context, state *models.AdmissionState, expectedVersion int64) error {
	r.mu.Lock()
	lose := r.conflicts > 0
	if lose {
		r.conflicts--
	}
	r.mu.Unlock()

	if lose {
		return persistence.NewAdmissionError("SaveAdmissionState", state.FunctionID, persistence.ErrVersionConflict)
	}

	return r.Persistence.SaveAdmissionState(ctx, state, expectedVersion)
}

func TestController_RetriesLostRaces(t *testing.T) {
	limits := Limits{Concurrency: &models.Limit{Limit: 1}}
	quick := WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	})

	t.Run("a few conflicts are absorbed", func(t *testing.T) {
		store := &racingStore{Persistence: memory.NewPersistence(), conflicts: 2}
		c := NewController(store, discard(), quick)

		grant, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
		require.NoError(t, err)
		assert.True(t, grant.Granted)
		assert.Equal(t, 1, c.Active("fn"))
	})

	t.Run("endless conflicts give up", func(t *testing.T) {
		store := &racingStore{Persistence: memory.NewPersistence(), conflicts: 100}
		c := NewController(store, discard(), quick)

		_, err := c.Acquire(t.Context(), "fn", limits, waiterFor(1), t0)
		require.ErrorIs(t, err, ErrContended)
	})
}
