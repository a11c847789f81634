// Package eventbus distributes execution events to in-process and remote subscribers.
package eventbus

import (
	"context"
	"slices"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
)

// Filter selects events. Zero values match everything.
type Filter struct {
	ExecutionID string
	TaskID      string
	WorkflowID  string
	Types       []events.EventType
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e models.Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}

	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}

	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}

	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// EventHandler processes one event. A returned error makes the bus redeliver it.
type EventHandler func(ctx context.Context, event models.Event) error

type EventSubscriber interface {
	// Subscribe delivers matching events to handler in publish order until ctx is done.
	Subscribe(ctx context.Context, filter Filter, handler EventHandler) error
	// Stream returns matching events on a channel that is closed once ctx is done.
	Stream(ctx context.Context, filter Filter) (<-chan models.Event, error)
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// Record is the wire form of an event for stream and webhook consumers.
func Record(e models.Event) map[string]any {
	record := map[string]any{
		"event_type":   string(e.Type),
		"execution_id": e.ExecutionID,
		"workflow_id":  e.WorkflowID,
		"sequence":     e.Sequence,
		"timestamp":    e.Timestamp,
	}

	if e.TaskID != "" {
		record["task_id"] = e.TaskID
	}

	if e.OldState != "" {
		record["old_state"] = e.OldState
	}

	if e.NewState != "" {
		record["new_state"] = e.NewState
	}

	if e.Error != nil {
		record["error"] = e.Error
	}

	if e.Data != nil {
		record["data"] = e.Data
	}

	return record
}
