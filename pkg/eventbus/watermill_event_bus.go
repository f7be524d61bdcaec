package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/durable/pkg/events"
)

// DefaultConcurrency is the number of messages handled at once per topic.
const DefaultConcurrency = 10

var ErrAlreadySubscribed = errors.New("event bus already subscribed")

type WatermillEventBus struct {
	publisher   message.Publisher
	subscriber  message.Subscriber
	concurrency int
	logger      *slog.Logger

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
	subscribed    bool
	wg            sync.WaitGroup
}

type Option func(*WatermillEventBus)

// WithConcurrency bounds the in-flight handlers of each topic.
func WithConcurrency(n int) Option {
	return func(eb *WatermillEventBus) {
		if n > 0 {
			eb.concurrency = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(eb *WatermillEventBus) {
		eb.logger = logger.With("module", "eventbus")
	}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		concurrency:   DefaultConcurrency,
		logger:        slog.Default().With("module", "eventbus"),
		subscriptions: make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	return eb.PublishBatch(ctx, Message{Key: key, Event: event})
}

func (eb *WatermillEventBus) PublishBatch(ctx context.Context, messages ...Message) error {
	byTopic := make(map[string][]*message.Message)
	order := make([]string, 0, 1)

	for _, m := range messages {
		msg, err := eb.encode(ctx, m)
		if err != nil {
			return err
		}

		topic := events.TopicFor(m.Event.GetType())
		if _, ok := byTopic[topic]; !ok {
			order = append(order, topic)
		}

		byTopic[topic] = append(byTopic[topic], msg)
	}

	for _, topic := range order {
		if err := eb.publisher.Publish(topic, byTopic[topic]...); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
	}

	return nil
}

func (eb *WatermillEventBus) encode(ctx context.Context, m Message) (*message.Message, error) {
	if v, ok := m.Event.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Event.GetType(), err)
		}
	}

	payload, err := json.Marshal(m.Event)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, m.Key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(m.Event.GetType()))

	return msg, nil
}

// Subscribe starts one consumer per handled event type. Handlers run concurrently up
// to the configured bound; a message is acked only after its handler returns nil.
func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribed {
		return ErrAlreadySubscribed
	}

	for eventType, handler := range eb.subscriptions {
		messages, err := eb.subscriber.Subscribe(ctx, events.TopicFor(eventType))
		if err != nil {
			return err
		}

		eb.wg.Add(1)

		go eb.consume(ctx, eventType, handler, messages)
	}

	eb.subscribed = true

	return nil
}

func (eb *WatermillEventBus) consume(ctx context.Context, eventType events.EventType, handler EventHandler, messages <-chan *message.Message) {
	defer eb.wg.Done()

	var inflight sync.WaitGroup

	slots := make(chan struct{}, eb.concurrency)

	for msg := range messages {
		slots <- struct{}{}

		inflight.Add(1)

		go func() {
			defer func() {
				<-slots
				inflight.Done()
			}()

			eb.handle(ctx, eventType, handler, msg)
		}()
	}

	inflight.Wait()
}

func (eb *WatermillEventBus) handle(ctx context.Context, eventType events.EventType, handler EventHandler, msg *message.Message) {
	event, ok := events.New(eventType)
	if !ok {
		msg.Nack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		eb.logger.ErrorContext(ctx, "Dropping malformed message",
			"event_type", eventType, "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if err := handler(ctx, event); err != nil {
		eb.logger.WarnContext(ctx, "Handler failed, message will be redelivered",
			"event_type", eventType, "message_id", msg.UUID, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribed {
		return ErrAlreadySubscribed
	}

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	err = eb.subscriber.Close()
	eb.wg.Wait()

	return err
}

var _ EventBus = (*WatermillEventBus)(nil)
