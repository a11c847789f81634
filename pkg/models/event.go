package models

import (
	"slices"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/google/uuid"
)

// Event is one entry of an execution's event log. Sequence totally orders the log.
type Event struct {
	ID          string           `json:"id"`
	Sequence    int64            `json:"sequence"`
	Type        events.EventType `json:"event_type"`
	ExecutionID string           `json:"execution_id"`
	WorkflowID  string           `json:"workflow_id"`
	TaskID      string           `json:"task_id,omitempty"`
	OldState    string           `json:"old_state,omitempty"`
	NewState    string           `json:"new_state,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	Retry       bool             `json:"retry,omitempty"`
	Output      any              `json:"output,omitempty"`
	Error       *Failure         `json:"error,omitempty"`
	SkipReason  SkipReason       `json:"skip_reason,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewEvent prepares the next event of x. It does not apply it.
func (x *WorkflowExecution) NewEvent(eventType events.EventType, taskID string, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Sequence:    x.Sequence + 1,
		Type:        eventType,
		ExecutionID: x.ID,
		WorkflowID:  x.WorkflowID,
		TaskID:      taskID,
		Timestamp:   now.UTC(),
	}
}

func (e Event) Clone() Event {
	out := e
	out.Output = cloneValue(e.Output)
	out.Error = e.Error.Clone()
	out.Data = cloneMap(e.Data)

	return out
}

// IsTaskEvent reports whether the event changes a single task.
func (e Event) IsTaskEvent() bool {
	switch e.Type {
	case events.TaskReady, events.TaskStarted, events.TaskCompleted, events.TaskFailed,
		events.TaskRetrying, events.TaskSkipped, events.TaskCancelled:
		return true
	default:
		return false
	}
}

type taskTransition struct {
	from []TaskState
	to   TaskState
}

var taskTransitions = map[events.EventType]taskTransition{
	events.TaskReady:     {from: []TaskState{TaskPending}, to: TaskReady},
	events.TaskStarted:   {from: []TaskState{TaskReady}, to: TaskRunning},
	events.TaskCompleted: {from: []TaskState{TaskRunning}, to: TaskCompleted},
	events.TaskFailed:    {from: []TaskState{TaskReady, TaskRunning}, to: TaskFailed},
	events.TaskRetrying:  {from: []TaskState{TaskFailed}, to: TaskReady},
	events.TaskSkipped:   {from: []TaskState{TaskPending, TaskReady}, to: TaskSkipped},
	events.TaskCancelled: {from: []TaskState{TaskPending, TaskReady, TaskRunning, TaskFailed}, to: TaskCancelled},
}

type executionTransition struct {
	from []ExecutionState
	to   ExecutionState
}

var executionTransitions = map[events.EventType]executionTransition{
	events.ExecutionStarted:   {from: []ExecutionState{ExecutionPending}, to: ExecutionRunning},
	events.ExecutionPaused:    {from: []ExecutionState{ExecutionRunning}, to: ExecutionPaused},
	events.ExecutionResumed:   {from: []ExecutionState{ExecutionPaused}, to: ExecutionRunning},
	events.ExecutionCompleted: {from: []ExecutionState{ExecutionRunning, ExecutionPaused}, to: ExecutionCompleted},
	events.ExecutionFailed:    {from: []ExecutionState{ExecutionPending, ExecutionRunning, ExecutionPaused}, to: ExecutionFailed},
	events.ExecutionCancelled: {from: []ExecutionState{ExecutionPending, ExecutionRunning, ExecutionPaused}, to: ExecutionCancelled},
	events.ExecutionFlagged:   {from: []ExecutionState{ExecutionPending, ExecutionRunning, ExecutionPaused}},
	events.ExecutionRecovered: {from: []ExecutionState{ExecutionRunning, ExecutionPaused}},
}

// Apply validates e against the current state, mutates the execution and appends e to the
// event log. It is the only way execution state changes, so replaying the log through
// Apply reproduces the execution. Events are rejected unless their sequence is exactly
// the next one.
func (x *WorkflowExecution) Apply(e Event) error {
	if e.Sequence != x.Sequence+1 {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, Err: ErrSequenceMismatch}
	}

	if e.ExecutionID != "" && e.ExecutionID != x.ID {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, Err: ErrExecutionMismatch}
	}

	var err error

	switch {
	case e.Type == events.ExecutionCreated:
		err = x.applyCreated(&e)
	case e.IsTaskEvent():
		err = x.applyTask(&e)
	default:
		err = x.applyExecution(&e)
	}

	if err != nil {
		return err
	}

	x.Sequence = e.Sequence
	x.UpdatedAt = e.Timestamp
	x.Events = append(x.Events, e.Clone())

	return nil
}

func (x *WorkflowExecution) applyCreated(e *Event) error {
	if x.Sequence != 0 {
		return &TransitionError{ExecutionID: x.ID, Event: e.Type, From: string(x.State), Err: ErrInvalidTransition}
	}

	e.NewState = string(x.State)

	return nil
}

func (x *WorkflowExecution) applyExecution(e *Event) error {
	transition, ok := executionTransitions[e.Type]
	if !ok {
		return &TransitionError{ExecutionID: x.ID, Event: e.Type, Err: ErrUnknownEvent}
	}

	if x.State.IsTerminal() {
		return &TransitionError{ExecutionID: x.ID, Event: e.Type, From: string(x.State), Err: ErrTerminalTransition}
	}

	if !slices.Contains(transition.from, x.State) {
		return &TransitionError{ExecutionID: x.ID, Event: e.Type, From: string(x.State), Err: ErrInvalidTransition}
	}

	e.OldState = string(x.State)

	switch e.Type {
	case events.ExecutionStarted:
		x.StartedAt = timePtr(e.Timestamp)
	case events.ExecutionCompleted, events.ExecutionFailed, events.ExecutionCancelled:
		x.EndedAt = timePtr(e.Timestamp)
		x.Reason = e.Error.Clone()
	case events.ExecutionFlagged:
		x.Review = &ReviewFlag{FlaggedAt: e.Timestamp}
		if e.Error != nil {
			x.Review.Reason = e.Error.Message
		}

		if id, ok := e.Data["checkpoint_id"].(string); ok {
			x.Review.CheckpointID = id
		}
	case events.ExecutionResumed:
		x.Review = nil
	case events.ExecutionRecovered:
		// at-least-once: attempts interrupted by the restart run again
		for _, id := range x.TaskOrder {
			t := x.Tasks[id]
			if t.State == TaskRunning {
				t.State = TaskReady
			}
		}

		x.Review = nil
	}

	if transition.to != "" {
		x.State = transition.to
	}

	e.NewState = string(x.State)

	return nil
}

func (x *WorkflowExecution) applyTask(e *Event) error {
	t, ok := x.Tasks[e.TaskID]
	if !ok {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, Err: ErrUnknownTask}
	}

	if t.IsTerminal() {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, From: string(t.State), Err: ErrTerminalTransition}
	}

	// a finished execution only accepts the cancellation of leftover tasks
	if x.State.IsTerminal() && e.Type != events.TaskCancelled {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, From: string(x.State), Err: ErrTerminalTransition}
	}

	transition := taskTransitions[e.Type]
	if !slices.Contains(transition.from, t.State) {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, From: string(t.State), Err: ErrInvalidTransition}
	}

	if e.Type == events.TaskRetrying && !t.RetryPending {
		return &TransitionError{ExecutionID: x.ID, TaskID: e.TaskID, Event: e.Type, From: string(t.State), Err: ErrInvalidTransition}
	}

	e.OldState = string(t.State)

	switch e.Type {
	case events.TaskStarted:
		t.Attempts = max(t.Attempts+1, e.Attempt)
		e.Attempt = t.Attempts
		t.StartedAt = timePtr(e.Timestamp)
		t.EndedAt = nil
	case events.TaskCompleted:
		t.Output = cloneValue(e.Output)
		t.Error = nil
		t.EndedAt = timePtr(e.Timestamp)
	case events.TaskFailed:
		if t.State == TaskReady {
			// failed before dispatch, the evaluation counts as an attempt
			t.Attempts = max(t.Attempts+1, e.Attempt)
		}

		e.Attempt = t.Attempts
		t.Error = e.Error.Clone()
		t.RetryPending = e.Retry
		t.EndedAt = timePtr(e.Timestamp)
	case events.TaskRetrying:
		t.RetryPending = false
	case events.TaskSkipped:
		t.SkipReason = e.SkipReason
		t.EndedAt = timePtr(e.Timestamp)
	case events.TaskCancelled:
		t.RetryPending = false
		t.EndedAt = timePtr(e.Timestamp)
	}

	t.State = transition.to
	e.NewState = string(t.State)

	return nil
}

// Replay rebuilds an execution by applying the events that follow initial's sequence.
func Replay(initial *WorkflowExecution, log []Event) (*WorkflowExecution, error) {
	x := initial.Clone()

	for _, e := range log {
		if e.Sequence <= x.Sequence {
			continue
		}

		if err := x.Apply(e); err != nil {
			return nil, err
		}
	}

	return x, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
