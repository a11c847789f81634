package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

// DefaultKeepAlive is the interval between comment lines on an idle stream.
const DefaultKeepAlive = 15 * time.Second

// Streamer serves GET /events/stream as server-sent events.
type Streamer struct {
	logger     *slog.Logger
	subscriber eventbus.EventSubscriber
	keepAlive  time.Duration
}

func NewStreamer(logger *slog.Logger, subscriber eventbus.EventSubscriber, keepAlive time.Duration) *Streamer {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	return &Streamer{
		logger:     logger.With("module", "event_stream"),
		subscriber: subscriber,
		keepAlive:  keepAlive,
	}
}

// Stream writes one "data:" line per matching event. Filters come from the execution_id,
// task_id, workflow_id and type (comma separated) query parameters.
func (s *Streamer) Stream(c fiber.Ctx) error {
	filter := eventbus.Filter{
		ExecutionID: c.Query("execution_id"),
		TaskID:      c.Query("task_id"),
		WorkflowID:  c.Query("workflow_id"),
		Types:       eventTypes(c.Query("type")),
	}

	for _, eventType := range filter.Types {
		if !events.IsKnown(eventType) {
			return badRequest(c, fmt.Sprintf("unknown event type %q", eventType))
		}
	}

	// The body writer outlives the handler, so the subscription gets its own context.
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := s.subscriber.Stream(ctx, filter)
	if err != nil {
		cancel()

		return internalError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Response().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		s.pump(ctx, w, stream)
	}))

	return nil
}

func (s *Streamer) pump(ctx context.Context, w *bufio.Writer, stream <-chan models.Event) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	if err := flush(w, ": connected\n\n"); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := flush(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case event, ok := <-stream:
			if !ok {
				return
			}

			data, err := json.Marshal(eventbus.Record(event))
			if err != nil {
				s.logger.Error("Failed to encode event", "event_id", event.ID, "error", err)
				continue
			}

			if err := flush(w, fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)); err != nil {
				s.logger.Debug("Stream client disconnected", "error", err)
				return
			}
		}
	}
}

func flush(w *bufio.Writer, chunk string) error {
	if _, err := w.WriteString(chunk); err != nil {
		return err
	}

	return w.Flush()
}

func eventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}

	var out []events.EventType

	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, events.EventType(name))
		}
	}

	return out
}
