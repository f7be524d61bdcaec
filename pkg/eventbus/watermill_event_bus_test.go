package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/channels/gochannel"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/models"
)

func newBus(t *testing.T, opts ...Option) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub, opts...)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func ready(runID string) *events.RunReady {
	return &events.RunReady{
		BaseEvent: events.NewBaseEvent(events.RunReadyEvent, time.Now()),
		Item:      models.WorkItem{RunID: runID, Reason: models.WorkReasonStart},
	}
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newBus(t)
	received := make(chan *events.RunReady, 1)

	require.NoError(t, bus.Handle(events.RunReadyEvent, func(_ context.Context, event any) error {
		received <- event.(*events.RunReady)

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	require.NoError(t, bus.Publish(t.Context(), "run-1", ready("run-1")))

	select {
	case event := <-received:
		assert.Equal(t, "run-1", event.Item.RunID)
		assert.Equal(t, models.WorkReasonStart, event.Item.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatermillEventBus_PublishBatchRoutesByType(t *testing.T) {
	bus := newBus(t)

	var (
		mu    sync.Mutex
		runs  []string
		names []string
		wg    sync.WaitGroup
	)

	wg.Add(3)

	require.NoError(t, bus.Handle(events.RunReadyEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()

		runs = append(runs, event.(*events.RunReady).Item.RunID)
		wg.Done()

		return nil
	}))
	require.NoError(t, bus.Handle(events.EventReceivedEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()

		names = append(names, event.(*events.EventReceived).Event.Name)
		wg.Done()

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	received := &events.EventReceived{
		BaseEvent: events.NewBaseEvent(events.EventReceivedEvent, time.Now()),
		Event:     models.Event{ID: "evt-1", Name: "user/created"},
	}

	require.NoError(t, bus.PublishBatch(t.Context(),
		Message{Key: "run-1", Event: ready("run-1")},
		Message{Key: "evt-1", Event: received},
		Message{Key: "run-2", Event: ready("run-2")},
	))

	waitFor(t, &wg)

	assert.ElementsMatch(t, []string{"run-1", "run-2"}, runs)
	assert.Equal(t, []string{"user/created"}, names)
}

func TestWatermillEventBus_RejectsInvalidEvents(t *testing.T) {
	bus := newBus(t)

	err := bus.Publish(t.Context(), "", &events.RunReady{})
	assert.ErrorIs(t, err, events.ErrInvalidEventData)
}

func TestWatermillEventBus_RedeliversOnHandlerError(t *testing.T) {
	bus := newBus(t)

	var attempts atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.RunReadyEvent, func(context.Context, any) error {
		if attempts.Add(1) < 3 {
			return errors.New("storage unavailable")
		}

		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))
	require.NoError(t, bus.Publish(t.Context(), "run-1", ready("run-1")))

	select {
	case <-done:
		assert.Equal(t, int32(3), attempts.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestWatermillEventBus_HandleAfterSubscribe(t *testing.T) {
	bus := newBus(t, WithConcurrency(4))

	require.NoError(t, bus.Subscribe(t.Context()))
	assert.ErrorIs(t, bus.Handle(events.RunReadyEvent, func(context.Context, any) error { return nil }), ErrAlreadySubscribed)
	assert.ErrorIs(t, bus.Subscribe(t.Context()), ErrAlreadySubscribed)
}

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
