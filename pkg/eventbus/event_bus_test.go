package eventbus_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orchestra/pkg/channels/gochannel"
	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})), pub, sub)

	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func event(seq int64, executionID, taskID string, eventType events.EventType) models.Event {
	return models.Event{
		ID:          "evt",
		Sequence:    seq,
		Type:        eventType,
		ExecutionID: executionID,
		WorkflowID:  "wf",
		TaskID:      taskID,
		Timestamp:   time.Now().UTC(),
	}
}

func TestFilter_Matches(t *testing.T) {
	e := event(1, "x1", "a", events.TaskCompleted)

	tests := []struct {
		name   string
		filter eventbus.Filter
		want   bool
	}{
		{"empty", eventbus.Filter{}, true},
		{"execution", eventbus.Filter{ExecutionID: "x1"}, true},
		{"other execution", eventbus.Filter{ExecutionID: "x2"}, false},
		{"task", eventbus.Filter{TaskID: "a"}, true},
		{"other task", eventbus.Filter{TaskID: "b"}, false},
		{"type", eventbus.Filter{Types: []events.EventType{events.TaskFailed, events.TaskCompleted}}, true},
		{"other type", eventbus.Filter{Types: []events.EventType{events.TaskFailed}}, false},
		{"workflow", eventbus.Filter{WorkflowID: "wf"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(e))
		})
	}
}

func TestStream_OrderedAndFiltered(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := bus.Stream(ctx, eventbus.Filter{ExecutionID: "x1"})
	require.NoError(t, err)

	ctx2 := context.Background()
	require.NoError(t, bus.Publish(ctx2, event(1, "x1", "", events.ExecutionStarted)))
	require.NoError(t, bus.Publish(ctx2, event(1, "x2", "", events.ExecutionStarted)))
	require.NoError(t, bus.Publish(ctx2, event(2, "x1", "a", events.TaskStarted)))
	require.NoError(t, bus.Publish(ctx2, event(3, "x1", "a", events.TaskCompleted)))

	var got []int64

	for len(got) < 3 {
		select {
		case e := <-stream:
			assert.Equal(t, "x1", e.ExecutionID)
			got = append(got, e.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}

	assert.Equal(t, []int64{1, 2, 3}, got)

	cancel()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_RedeliversOnError(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	done := make(chan struct{})

	err := bus.Subscribe(ctx, eventbus.Filter{Types: []events.EventType{events.ExecutionCompleted}}, func(_ context.Context, e models.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("temporary")
		}

		close(done)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event(9, "x1", "", events.ExecutionCompleted)))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("event was not redelivered")
	}

	assert.Equal(t, int32(2), calls.Load())
}

type closeTracker struct {
	message.Subscriber
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)

	return nil
}

func TestStream_UsesOwnSubscriber(t *testing.T) {
	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	var (
		created atomic.Int32
		own     *closeTracker
	)

	factory := func() (message.Subscriber, error) {
		created.Add(1)
		own = &closeTracker{Subscriber: sub}

		return own, nil
	}

	bus := eventbus.NewWatermillEventBus(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		pub, sub, eventbus.WithStreamSubscriber(factory))
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan struct{}, 1)

	err = bus.Subscribe(ctx, eventbus.Filter{}, func(context.Context, models.Event) error {
		select {
		case handled <- struct{}{}:
		default:
		}

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), created.Load())

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	stream, err := bus.Stream(streamCtx, eventbus.Filter{ExecutionID: "x1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), created.Load())

	require.NoError(t, bus.Publish(ctx, event(1, "x1", "", events.ExecutionStarted)))

	select {
	case e := <-stream:
		assert.Equal(t, int64(1), e.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("stream received nothing")
	}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received nothing")
	}

	stopStream()

	assert.Eventually(t, own.closed.Load, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
