package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid"

	"github.com/dukex/durable/pkg/eventbus"
	"github.com/dukex/durable/pkg/events"
	"github.com/dukex/durable/pkg/metrics"
	"github.com/dukex/durable/pkg/models"
)

const (
	DefaultMaxBatchSize   = 100
	DefaultMaxBatchBytes  = 1 << 20
	DefaultPublishRetries = 5
)

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrEventTooLarge = errors.New("event exceeds maximum batch size")
)

// SendResult reports whether one input was accepted by the bus.
type SendResult struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Emitter ingests events by publishing them to the bus in bounded batches.
type Emitter struct {
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	validate  *validator.Validate
	metrics   *metrics.Metrics
	logger    *slog.Logger
	workerID  string

	maxBatchSize  int
	maxBatchBytes int
	retries       uint64
	newBackOff    func() backoff.BackOff

	mu      sync.Mutex
	entropy io.Reader
}

type EmitterOption func(*Emitter)

func WithMaxBatchSize(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.maxBatchSize = n
		}
	}
}

func WithMaxBatchBytes(n int) EmitterOption {
	return func(e *Emitter) {
		if n > 0 {
			e.maxBatchBytes = n
		}
	}
}

// WithBackOff replaces the publish retry schedule.
func WithBackOff(newBackOff func() backoff.BackOff, retries uint64) EmitterOption {
	return func(e *Emitter) {
		e.newBackOff = newBackOff
		e.retries = retries
	}
}

func WithEmitterMetrics(m *metrics.Metrics) EmitterOption {
	return func(e *Emitter) {
		e.metrics = m
	}
}

func WithWorkerID(id string) EmitterOption {
	return func(e *Emitter) {
		e.workerID = id
	}
}

func NewEmitter(publisher eventbus.EventPublisher, clock clockwork.Clock, logger *slog.Logger, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		publisher:     publisher,
		clock:         clock,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With("module", "emitter"),
		maxBatchSize:  DefaultMaxBatchSize,
		maxBatchBytes: DefaultMaxBatchBytes,
		retries:       DefaultPublishRetries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type pending struct {
	index   int
	message eventbus.Message
	size    int
}

// Send publishes inputs and reports per-element acceptance. Inputs without an ID
// get a ULID, so the result order matches the input order.
func (e *Emitter) Send(ctx context.Context, inputs []models.EventInput) []SendResult {
	results := make([]SendResult, len(inputs))
	batch := make([]pending, 0, len(inputs))
	now := e.clock.Now().UTC()

	for i, input := range inputs {
		if input.ID == "" {
			input.ID = e.newID(now)
		}

		results[i] = SendResult{ID: input.ID, Name: input.Name}

		item, err := e.prepare(input, i, now)
		if err != nil {
			results[i].Error = err.Error()

			continue
		}

		batch = append(batch, item)
	}

	accepted := 0

	for _, chunk := range e.chunk(batch) {
		err := e.publish(ctx, chunk)

		for _, item := range chunk {
			if err != nil {
				results[item.index].Error = err.Error()

				continue
			}

			results[item.index].Accepted = true
			accepted++
		}
	}

	e.metrics.EventsAccepted(accepted)
	e.logger.DebugContext(ctx, "Events sent", "received", len(inputs), "accepted", accepted)

	return results
}

// SendEvents is Send for callers that need all-or-nothing semantics.
func (e *Emitter) SendEvents(ctx context.Context, inputs []models.EventInput) error {
	var errs []error

	for _, result := range e.Send(ctx, inputs) {
		if !result.Accepted {
			errs = append(errs, fmt.Errorf("event %s (%s): %s", result.ID, result.Name, result.Error))
		}
	}

	return errors.Join(errs...)
}

func (e *Emitter) newID(now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(now), e.entropy).String()
}

func (e *Emitter) prepare(input models.EventInput, index int, now time.Time) (pending, error) {
	if err := e.validate.Struct(input); err != nil {
		return pending{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	data, err := models.NewPayload(input.Data)
	if err != nil {
		return pending{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	received := &events.EventReceived{
		BaseEvent: events.NewBaseEvent(events.EventReceivedEvent, now),
		Event: models.Event{
			ID:        input.ID,
			Name:      input.Name,
			Data:      data,
			User:      input.User,
			Timestamp: now,
		},
	}
	received.WorkerID = e.workerID

	encoded, err := json.Marshal(received)
	if err != nil {
		return pending{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	if len(encoded) > e.maxBatchBytes {
		return pending{}, fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(encoded))
	}

	return pending{
		index:   index,
		message: eventbus.Message{Key: input.ID, Event: received},
		size:    len(encoded),
	}, nil
}

// chunk splits items so no chunk exceeds the count or byte limit.
func (e *Emitter) chunk(items []pending) [][]pending {
	var (
		chunks  [][]pending
		current []pending
		bytes   int
	)

	for _, item := range items {
		if len(current) > 0 && (len(current) == e.maxBatchSize || bytes+item.size > e.maxBatchBytes) {
			chunks = append(chunks, current)
			current, bytes = nil, 0
		}

		current = append(current, item)
		bytes += item.size
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

func (e *Emitter) publish(ctx context.Context, chunk []pending) error {
	messages := make([]eventbus.Message, len(chunk))
	for i, item := range chunk {
		messages[i] = item.message
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.retries), ctx)

	return backoff.RetryNotify(func() error {
		err := e.publisher.PublishBatch(ctx, messages...)
		if errors.Is(err, events.ErrInvalidEventData) {
			return backoff.Permanent(err)
		}

		return err
	}, policy, func(err error, wait time.Duration) {
		e.logger.WarnContext(ctx, "Publishing events failed, retrying", "events", len(messages), "wait", wait, "error", err)
	})
}
