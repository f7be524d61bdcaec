// Package eventbus provides the message bus connecting event ingestion, dispatch and
// the stateless run workers.
package eventbus

import (
	"context"

	"github.com/dukex/durable/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// Message pairs an event with its partition key.
type Message struct {
	Key   string
	Event Event
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error

	// PublishBatch publishes messages in as few broker calls as possible.
	PublishBatch(ctx context.Context, messages ...Message) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
