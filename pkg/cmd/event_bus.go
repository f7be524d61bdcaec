package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/durable/pkg/channels/gochannel"
	"github.com/dukex/durable/pkg/channels/kafka"
	"github.com/dukex/durable/pkg/eventbus"
)

var ErrUnsupportedEventBus = errors.New("unsupported event bus provider")

// NewEventBus builds the bus for provider: "gochannel" for a single process, "kafka"
// for a fleet of workers sharing one consumer group per service.
func NewEventBus(provider, brokers, serviceName string, concurrency int, logger *slog.Logger) (eventbus.EventBus, error) {
	adapter := watermill.NewSlogLogger(logger)
	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithConcurrency(concurrency),
	}

	switch provider {
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(adapter)
		if err != nil {
			return nil, err
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts...), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEventBus, provider)
	}
}
