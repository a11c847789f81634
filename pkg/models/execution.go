package models

import (
	"time"

	"github.com/dukex/orchestra/pkg/expression"
)

type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// SkipReason tells a condition skip, which satisfies dependents, from an upstream skip,
// which breaks them.
type SkipReason string

const (
	SkipConditionFalse SkipReason = "condition_false"
	SkipUpstreamFailed SkipReason = "upstream_failed"
)

// WorkflowExecution is one run of a workflow definition. It is mutated only through Apply.
type WorkflowExecution struct {
	ID              string                         `json:"id"`
	WorkflowID      string                         `json:"workflow_id"`
	WorkflowVersion int                            `json:"workflow_version"`
	Parameters      map[string]any                 `json:"parameters,omitempty"`
	Environment     map[string]any                 `json:"environment,omitempty"`
	Context         map[string]any                 `json:"context,omitempty"`
	State           ExecutionState                 `json:"state"`
	Tasks           map[string]*TaskExecutionState `json:"tasks"`
	TaskOrder       []string                       `json:"task_order"`
	Events          []Event                        `json:"events"`
	Reason          *Failure                       `json:"reason,omitempty"`
	Review          *ReviewFlag                    `json:"review,omitempty"`
	Sequence        int64                          `json:"sequence"`
	CreatedAt       time.Time                      `json:"created_at"`
	UpdatedAt       time.Time                      `json:"updated_at"`
	StartedAt       *time.Time                     `json:"started_at,omitempty"`
	EndedAt         *time.Time                     `json:"ended_at,omitempty"`
}

// TaskExecutionState is the runtime record of one task. A failed task with RetryPending
// set is waiting for another attempt and is not terminal.
type TaskExecutionState struct {
	TaskID       string     `json:"task_id"`
	State        TaskState  `json:"state"`
	Attempts     int        `json:"attempts"`
	Output       any        `json:"output,omitempty"`
	Error        *Failure   `json:"error,omitempty"`
	SkipReason   SkipReason `json:"skip_reason,omitempty"`
	RetryPending bool       `json:"retry_pending,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// ReviewFlag marks an execution that recovery refused to resume on its own.
type ReviewFlag struct {
	Reason       string    `json:"reason"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	FlaggedAt    time.Time `json:"flagged_at"`
}

func (t *TaskExecutionState) IsTerminal() bool {
	switch t.State {
	case TaskCompleted, TaskSkipped, TaskCancelled:
		return true
	case TaskFailed:
		return !t.RetryPending
	default:
		return false
	}
}

// HasStarted reports whether any attempt of the task has entered running.
func (t *TaskExecutionState) HasStarted() bool {
	return t.StartedAt != nil
}

// Task returns the state of the named task.
func (x *WorkflowExecution) Task(id string) (*TaskExecutionState, bool) {
	t, ok := x.Tasks[id]
	return t, ok
}

// AllTasksTerminal reports whether every task reached a terminal state.
func (x *WorkflowExecution) AllTasksTerminal() bool {
	for _, t := range x.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}

	return true
}

// FirstFailure returns the failure of the first terminally failed task in declaration order.
func (x *WorkflowExecution) FirstFailure() *Failure {
	for _, id := range x.TaskOrder {
		t := x.Tasks[id]
		if t.State == TaskFailed && !t.RetryPending {
			if t.Error != nil {
				return t.Error.Clone()
			}

			return &Failure{Category: CategoryDispatch, TaskID: id, Message: "task failed"}
		}
	}

	return nil
}

// LastEvent returns the most recently applied event.
func (x *WorkflowExecution) LastEvent() (Event, bool) {
	if len(x.Events) == 0 {
		return Event{}, false
	}

	return x.Events[len(x.Events)-1], true
}

// Progress counts tasks per state.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

func (x *WorkflowExecution) Progress() Progress {
	p := Progress{Total: len(x.Tasks)}

	for _, t := range x.Tasks {
		switch t.State {
		case TaskPending:
			p.Pending++
		case TaskReady:
			p.Ready++
		case TaskRunning:
			p.Running++
		case TaskCompleted:
			p.Completed++
		case TaskFailed:
			p.Failed++
		case TaskSkipped:
			p.Skipped++
		case TaskCancelled:
			p.Cancelled++
		}
	}

	return p
}

// Scope projects the execution into the read-only view seen by expressions.
func (x *WorkflowExecution) Scope() expression.Scope {
	tasks := make(map[string]expression.TaskView, len(x.Tasks))

	for id, t := range x.Tasks {
		view := expression.TaskView{State: string(t.State), Output: t.Output}
		if t.Error != nil {
			view.Error = t.Error.Message
		}

		tasks[id] = view
	}

	ctx := make(map[string]any, len(x.Context)+1)
	for k, v := range x.Context {
		ctx[k] = v
	}

	if _, ok := ctx["execution"]; !ok {
		ctx["execution"] = map[string]any{
			"id":               x.ID,
			"workflow_id":      x.WorkflowID,
			"workflow_version": x.WorkflowVersion,
			"state":            string(x.State),
		}
	}

	return expression.Scope{
		Params:  x.Parameters,
		Tasks:   tasks,
		Env:     x.Environment,
		Context: ctx,
	}
}

// Clone returns a deep copy suitable for snapshots and checkpoints.
func (x *WorkflowExecution) Clone() *WorkflowExecution {
	if x == nil {
		return nil
	}

	out := *x
	out.Parameters = cloneMap(x.Parameters)
	out.Environment = cloneMap(x.Environment)
	out.Context = cloneMap(x.Context)
	out.Reason = x.Reason.Clone()
	out.TaskOrder = append([]string(nil), x.TaskOrder...)
	out.StartedAt = cloneTime(x.StartedAt)
	out.EndedAt = cloneTime(x.EndedAt)

	if x.Review != nil {
		review := *x.Review
		out.Review = &review
	}

	out.Tasks = make(map[string]*TaskExecutionState, len(x.Tasks))
	for id, t := range x.Tasks {
		task := *t
		task.Output = cloneValue(t.Output)
		task.Error = t.Error.Clone()
		task.StartedAt = cloneTime(t.StartedAt)
		task.EndedAt = cloneTime(t.EndedAt)
		out.Tasks[id] = &task
	}

	out.Events = make([]Event, len(x.Events))
	for i, e := range x.Events {
		out.Events[i] = e.Clone()
	}

	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
