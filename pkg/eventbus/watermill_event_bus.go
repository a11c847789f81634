package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
)

const streamBuffer = 64

type WatermillEventBus struct {
	publisher        message.Publisher
	subscriber       message.Subscriber
	streamSubscriber func() (message.Subscriber, error)
	logger           *slog.Logger
}

type Option func(*WatermillEventBus)

// WithStreamSubscriber gives every Stream a subscriber of its own, closed when the stream
// ends. Use it when sub is a competing consumer, as a Kafka consumer group is, so a stream
// sees every event and Subscribe handlers lose none.
func WithStreamSubscriber(factory func() (message.Subscriber, error)) Option {
	return func(eb *WatermillEventBus) {
		eb.streamSubscriber = factory
	}
}

func NewWatermillEventBus(logger *slog.Logger, pub message.Publisher, sub message.Subscriber, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(_ context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, event.ExecutionID)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))
	msg.Metadata.Set(events.EventExecutionMetaKey, event.ExecutionID)
	msg.Metadata.Set(events.EventWorkflowMetaKey, event.WorkflowID)
	msg.Metadata.Set(events.EventTaskMetadataKey, event.TaskID)
	msg.Metadata.Set(events.EventSequenceMetaKey, strconv.FormatInt(event.Sequence, 10))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, filter Filter, handler EventHandler) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go eb.consume(ctx, messages, filter, handler)

	return nil
}

func (eb *WatermillEventBus) Stream(ctx context.Context, filter Filter) (<-chan models.Event, error) {
	subscriber := eb.subscriber
	closeSubscriber := func() {}

	if eb.streamSubscriber != nil {
		own, err := eb.streamSubscriber()
		if err != nil {
			return nil, err
		}

		subscriber = own
		closeSubscriber = func() {
			if err := own.Close(); err != nil {
				eb.logger.WarnContext(ctx, "Failed to close stream subscriber", "error", err)
			}
		}
	}

	messages, err := subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		closeSubscriber()

		return nil, err
	}

	out := make(chan models.Event, streamBuffer)

	go func() {
		defer close(out)
		defer closeSubscriber()

		eb.consume(ctx, messages, filter, func(ctx context.Context, event models.Event) error {
			select {
			case out <- event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return out, nil
}

// consume runs until the subscriber closes messages, which watermill does once ctx is done.
func (eb *WatermillEventBus) consume(ctx context.Context, messages <-chan *message.Message, filter Filter, handler EventHandler) {
	for msg := range messages {
		if !filter.metadataMatches(msg.Metadata) {
			msg.Ack()

			continue
		}

		var event models.Event

		err := json.Unmarshal(msg.Payload, &event)
		if err != nil {
			eb.logger.ErrorContext(ctx, "Dropping undecodable event", "message_id", msg.UUID, "error", err)
			msg.Ack()

			continue
		}

		if !filter.Matches(event) {
			msg.Ack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			if ctx.Err() != nil {
				msg.Ack()

				return
			}

			eb.logger.WarnContext(ctx, "Event handler failed, requesting redelivery",
				"event_type", event.Type, "execution_id", event.ExecutionID, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}

// metadataMatches lets a subscriber skip decoding events it does not want.
func (f Filter) metadataMatches(metadata message.Metadata) bool {
	if f.ExecutionID != "" && metadata.Get(events.EventExecutionMetaKey) != f.ExecutionID {
		return false
	}

	if f.TaskID != "" && metadata.Get(events.EventTaskMetadataKey) != f.TaskID {
		return false
	}

	return true
}
