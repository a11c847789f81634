// Package events defines event types and topics for workflow execution lifecycle notifications.
package events

type EventType string

// Topic carries every execution event on the bus.
const Topic = "orchestra.executions"

const (
	EventMetadataKey      = "key"
	EventTypeMetadataKey  = "event_type"
	EventTaskMetadataKey  = "task_id"
	EventSequenceMetaKey  = "sequence"
	EventWorkflowMetaKey  = "workflow_id"
	EventExecutionMetaKey = "execution_id"
)

const (
	// Execution lifecycle events.
	ExecutionCreated   EventType = "execution_created"
	ExecutionStarted   EventType = "execution_started"
	ExecutionPaused    EventType = "execution_paused"
	ExecutionResumed   EventType = "execution_resumed"
	ExecutionCompleted EventType = "workflow_completed"
	ExecutionFailed    EventType = "workflow_failed"
	ExecutionCancelled EventType = "workflow_cancelled"
	ExecutionFlagged   EventType = "execution_flagged"
	ExecutionRecovered EventType = "execution_recovered"

	// Task lifecycle events.
	TaskReady     EventType = "task_ready"
	TaskStarted   EventType = "task_started"
	TaskCompleted EventType = "task_completed"
	TaskFailed    EventType = "task_failed"
	TaskRetrying  EventType = "task_retrying"
	TaskSkipped   EventType = "task_skipped"
	TaskCancelled EventType = "task_cancelled"

	CheckpointCreated EventType = "checkpoint_created"
)

// All returns every known event type, used to validate webhook subscriptions.
func All() []EventType {
	return []EventType{
		ExecutionCreated, ExecutionStarted, ExecutionPaused, ExecutionResumed,
		ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionFlagged, ExecutionRecovered,
		TaskReady, TaskStarted, TaskCompleted, TaskFailed, TaskRetrying, TaskSkipped, TaskCancelled,
		CheckpointCreated,
	}
}

// IsKnown reports whether t is one of the declared event types.
func IsKnown(t EventType) bool {
	for _, known := range All() {
		if known == t {
			return true
		}
	}

	return false
}

// IsTerminal reports whether the event closes an execution.
func (t EventType) IsTerminal() bool {
	return t == ExecutionCompleted || t == ExecutionFailed || t == ExecutionCancelled
}
