// Package kafka provides the watermill Kafka pub/sub used when several processes share one
// event stream.
package kafka

import (
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orchestra/pkg/events"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

// partitionKey routes every event of one execution to the same partition so they stay ordered.
func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(events.EventMetadataKey), nil
}

func parseBrokers(brokerList string) ([]string, error) {
	brokers := make([]string, 0)

	for _, broker := range strings.Split(brokerList, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}

	return brokers, nil
}

// subscriberConfig reads from initialOffset when the group has no committed offset. An
// empty consumerGroup reads every partition without joining a group.
func subscriberConfig(brokers []string, consumerGroup string, initialOffset int64) kafka.SubscriberConfig {
	saramaSubscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaSubscriberConfig.Consumer.Offsets.Initial = initialOffset

	return kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.NewWithPartitioningMarshaler(partitionKey),
		OverwriteSaramaConfig: saramaSubscriberConfig,
		ConsumerGroup:         consumerGroup,
		OTELEnabled:           true,
	}
}

// CreateChannel connects to the comma separated brokers. Subscribers share the consumer group
// "cg-<serviceName>", so each event is handled once per service.
func CreateChannel(logger watermill.LoggerAdapter, brokerList, serviceName string) (*kafka.Publisher, *kafka.Subscriber, error) {
	brokers, err := parseBrokers(brokerList)
	if err != nil {
		return nil, nil, err
	}

	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	subscriber, err := kafka.NewSubscriber(subscriberConfig(brokers, "cg-"+serviceName, sarama.OffsetOldest), logger)
	if err != nil {
		return nil, nil, err
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}

// CreateStreamSubscriber returns a subscriber outside any consumer group that starts at the
// newest offset. Live streams use one each so they neither steal partitions from the group
// nor commit offsets for it.
func CreateStreamSubscriber(logger watermill.LoggerAdapter, brokerList string) (*kafka.Subscriber, error) {
	brokers, err := parseBrokers(brokerList)
	if err != nil {
		return nil, err
	}

	return kafka.NewSubscriber(subscriberConfig(brokers, "", sarama.OffsetNewest), logger)
}
