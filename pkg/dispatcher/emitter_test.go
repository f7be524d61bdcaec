package dispatcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/mocks"
	"github.com/dukex/durable/pkg/models"
)

func newTestEmitter(bus *mocks.MockEventBus, opts ...EmitterOption) *Emitter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]EmitterOption{WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }, 2)}, opts...)

	return NewEmitter(bus, clockwork.NewFakeClockAt(now), logger, opts...)
}

func batchOf(n int) any {
	return mock.MatchedBy(func(messages []eventbus.Message) bool {
		return len(messages) == n
	})
}

func inputs(n int) []models.EventInput {
	out := make([]models.EventInput, n)
	for i := range out {
		out[i] = models.EventInput{Name: "user/signed.up", Data: map[string]any{"n": i}}
	}

	return out
}

func TestEmitter_AssignsIDs(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, mock.MatchedBy(func(messages []eventbus.Message) bool {
		received, ok := messages[0].Event.(*events.EventReceived)

		return ok && messages[0].Key == received.Event.ID && received.Event.Timestamp.Equal(now)
	})).Return(nil).Once()

	batch := inputs(2)
	batch[1].ID = "caller-chosen"

	results := newTestEmitter(bus).Send(t.Context(), batch)
	require.Len(t, results, 2)

	_, err := ulid.Parse(results[0].ID)
	require.NoError(t, err)
	assert.True(t, results[0].Accepted)
	assert.Equal(t, "caller-chosen", results[1].ID)
	bus.AssertExpectations(t)
}

func TestEmitter_ChunksByCount(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, batchOf(2)).Return(nil).Twice()
	bus.On("PublishBatch", mock.Anything, batchOf(1)).Return(nil).Once()

	results := newTestEmitter(bus, WithMaxBatchSize(2)).Send(t.Context(), inputs(5))

	for _, result := range results {
		assert.True(t, result.Accepted)
	}

	bus.AssertExpectations(t)
}

func TestEmitter_ChunksByBytes(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, batchOf(1)).Return(nil).Times(3)

	results := newTestEmitter(bus, WithMaxBatchBytes(1000)).Send(t.Context(), []models.EventInput{
		{Name: "doc/uploaded", Data: strings.Repeat("a", 400)},
		{Name: "doc/uploaded", Data: strings.Repeat("b", 400)},
		{Name: "doc/uploaded", Data: strings.Repeat("c", 400)},
	})

	for _, result := range results {
		assert.True(t, result.Accepted)
	}

	bus.AssertExpectations(t)
}

func TestEmitter_RejectsPerElement(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, batchOf(1)).Return(nil).Once()

	results := newTestEmitter(bus, WithMaxBatchBytes(512)).Send(t.Context(), []models.EventInput{
		{Name: ""},
		{Name: "doc/uploaded", Data: strings.Repeat("x", 1024)},
		{Name: "doc/uploaded", Data: "small"},
	})

	assert.False(t, results[0].Accepted)
	assert.Contains(t, results[0].Error, ErrInvalidEvent.Error())
	assert.False(t, results[1].Accepted)
	assert.Contains(t, results[1].Error, ErrEventTooLarge.Error())
	assert.True(t, results[2].Accepted)
	bus.AssertExpectations(t)
}

func TestEmitter_RetriesTransientFailures(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, mock.Anything).Return(errors.New("broker unavailable")).Once()
	bus.On("PublishBatch", mock.Anything, mock.Anything).Return(nil).Once()

	results := newTestEmitter(bus).Send(t.Context(), inputs(1))

	assert.True(t, results[0].Accepted)
	bus.AssertNumberOfCalls(t, "PublishBatch", 2)
}

func TestEmitter_GivesUpAfterRetries(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	results := newTestEmitter(bus).Send(t.Context(), inputs(1))

	assert.False(t, results[0].Accepted)
	assert.Equal(t, "broker unavailable", results[0].Error)
	bus.AssertNumberOfCalls(t, "PublishBatch", 3)
}

func TestEmitter_InvalidEventDataIsPermanent(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, mock.Anything).
		Return(fmt.Errorf("%s: %w", events.EventReceivedEvent, events.ErrInvalidEventData))

	results := newTestEmitter(bus).Send(t.Context(), inputs(1))

	assert.False(t, results[0].Accepted)
	bus.AssertNumberOfCalls(t, "PublishBatch", 1)
}

func TestEmitter_SendEventsJoinsFailures(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("PublishBatch", mock.Anything, mock.Anything).Return(nil)

	emitter := newTestEmitter(bus)

	require.NoError(t, emitter.SendEvents(t.Context(), inputs(3)))

	err := emitter.SendEvents(t.Context(), []models.EventInput{{ID: "bad"}, {Name: "ok/event"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event bad")
}
