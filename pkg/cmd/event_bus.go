package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orchestra/pkg/channels/gochannel"
	"github.com/dukex/orchestra/pkg/channels/kafka"
	"github.com/dukex/orchestra/pkg/eventbus"
)

// NewEventBus creates the event bus for provider "gochannel" (in-process) or "kafka".
func NewEventBus(logger *slog.Logger, provider, kafkaBrokers, serviceName string) (eventbus.EventBus, error) {
	wlogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(wlogger)
		if err != nil {
			return nil, err
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wlogger, kafkaBrokers, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		// Streams read outside the consumer group so they never take partitions from workers.
		streams := eventbus.WithStreamSubscriber(func() (message.Subscriber, error) {
			return kafka.CreateStreamSubscriber(wlogger, kafkaBrokers)
		})

		return eventbus.NewWatermillEventBus(logger, pub, sub, streams), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
