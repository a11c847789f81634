package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, " , ", "orchestra")
	require.ErrorIs(t, err, ErrNoBrokers)
}

func TestCreateStreamSubscriber_NoBrokers(t *testing.T) {
	_, err := CreateStreamSubscriber(watermill.NopLogger{}, "")
	require.ErrorIs(t, err, ErrNoBrokers)
}

func TestParseBrokers(t *testing.T) {
	brokers, err := parseBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, brokers)
}

func TestSubscriberConfig(t *testing.T) {
	brokers := []string{"kafka:9092"}

	shared := subscriberConfig(brokers, "cg-orchestra", sarama.OffsetOldest)
	assert.Equal(t, "cg-orchestra", shared.ConsumerGroup)
	assert.Equal(t, sarama.OffsetOldest, shared.OverwriteSaramaConfig.Consumer.Offsets.Initial)

	stream := subscriberConfig(brokers, "", sarama.OffsetNewest)
	assert.Empty(t, stream.ConsumerGroup)
	assert.Equal(t, sarama.OffsetNewest, stream.OverwriteSaramaConfig.Consumer.Offsets.Initial)
}

func TestPartitionKey_UsesExecution(t *testing.T) {
	msg := message.NewMessage("1", nil)
	msg.Metadata.Set(events.EventMetadataKey, "exec-1")

	key, err := partitionKey(events.Topic, msg)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", key)
}
