package services

import (
	"context"
	"time"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// Runner drives executions. *engine.Engine implements it.
type Runner interface {
	Start(ctx context.Context, workflowID string, version int, params map[string]any) (*models.WorkflowExecution, error)
	Adopt(ctx context.Context, x *models.WorkflowExecution) (*models.WorkflowExecution, error)
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Cancel(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Pause(ctx context.Context, id string) (*models.WorkflowExecution, error)
	Resume(ctx context.Context, id string) (*models.WorkflowExecution, error)
}

type Execution struct {
	runner      Runner
	executions  persistence.ExecutionRepository
	checkpoints *checkpoint.Manager
}

func NewExecution(runner Runner, persistence persistence.Persistence, checkpoints *checkpoint.Manager) *Execution {
	return &Execution{
		runner:      runner,
		executions:  persistence.ExecutionRepository(),
		checkpoints: checkpoints,
	}
}

type StartRequest struct {
	WorkflowID string         `json:"workflow_id"          validate:"required"`
	Version    int            `json:"version,omitempty"    validate:"gte=0"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// TaskStatus is the externally visible state of one task.
type TaskStatus struct {
	State      models.TaskState  `json:"state"`
	Attempts   int               `json:"attempts"`
	Output     any               `json:"output,omitempty"`
	Error      *models.Failure   `json:"error,omitempty"`
	SkipReason models.SkipReason `json:"skip_reason,omitempty"`
}

// Status answers workflow.get_status.
type Status struct {
	ExecutionID     string                `json:"execution_id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version"`
	State           models.ExecutionState `json:"state"`
	Tasks           map[string]TaskStatus `json:"tasks"`
	Progress        models.Progress       `json:"progress"`
	Reason          *models.Failure       `json:"reason,omitempty"`
	Review          *models.ReviewFlag    `json:"review,omitempty"`
	Sequence        int64                 `json:"sequence"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	EndedAt         *time.Time            `json:"ended_at,omitempty"`
}

// NewStatus summarizes an execution snapshot.
func NewStatus(x *models.WorkflowExecution) *Status {
	status := &Status{
		ExecutionID:     x.ID,
		WorkflowID:      x.WorkflowID,
		WorkflowVersion: x.WorkflowVersion,
		State:           x.State,
		Tasks:           make(map[string]TaskStatus, len(x.Tasks)),
		Progress:        x.Progress(),
		Reason:          x.Reason,
		Review:          x.Review,
		Sequence:        x.Sequence,
		StartedAt:       x.StartedAt,
		EndedAt:         x.EndedAt,
	}

	for id, task := range x.Tasks {
		status.Tasks[id] = TaskStatus{
			State:      task.State,
			Attempts:   task.Attempts,
			Output:     task.Output,
			Error:      task.Error,
			SkipReason: task.SkipReason,
		}
	}

	return status
}

// CheckpointSummary describes a checkpoint without its snapshot.
type CheckpointSummary struct {
	ID          string                  `json:"id"`
	ExecutionID string                  `json:"execution_id"`
	Sequence    int64                   `json:"sequence"`
	Reason      models.CheckpointReason `json:"reason"`
	Checksum    string                  `json:"checksum"`
	State       models.ExecutionState   `json:"state"`
	CreatedAt   time.Time               `json:"created_at"`
}

func summarize(cp *models.Checkpoint) CheckpointSummary {
	summary := CheckpointSummary{
		ID:          cp.ID,
		ExecutionID: cp.ExecutionID,
		Sequence:    cp.Sequence,
		Reason:      cp.Reason,
		Checksum:    cp.Checksum,
		CreatedAt:   cp.CreatedAt,
	}

	if cp.State != nil {
		summary.State = cp.State.State
	}

	return summary
}

func (e *Execution) Start(ctx context.Context, req StartRequest) (*Status, error) {
	if req.WorkflowID == "" || req.Version < 0 {
		return nil, NewValidationError("Start", "workflow_id is required and version must not be negative", nil)
	}

	x, err := e.runner.Start(ctx, req.WorkflowID, req.Version, req.Parameters)
	if err != nil {
		return nil, err
	}

	return NewStatus(x), nil
}

func (e *Execution) Status(ctx context.Context, id string) (*Status, error) {
	x, err := e.runner.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return NewStatus(x), nil
}

// Get returns the full execution, event log included.
func (e *Execution) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return e.runner.Get(ctx, id)
}

func (e *Execution) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*Status, error) {
	executions, err := e.executions.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*Status, 0, len(executions))
	for _, x := range executions {
		out = append(out, NewStatus(x))
	}

	return out, nil
}

func (e *Execution) Cancel(ctx context.Context, id string) (*Status, error) {
	return e.control(ctx, id, e.runner.Cancel)
}

func (e *Execution) Pause(ctx context.Context, id string) (*Status, error) {
	return e.control(ctx, id, e.runner.Pause)
}

func (e *Execution) Resume(ctx context.Context, id string) (*Status, error) {
	return e.control(ctx, id, e.runner.Resume)
}

func (e *Execution) control(
	ctx context.Context,
	id string,
	action func(context.Context, string) (*models.WorkflowExecution, error),
) (*Status, error) {
	x, err := action(ctx, id)
	if err != nil {
		return nil, err
	}

	return NewStatus(x), nil
}

// Checkpoint takes a manual snapshot of the execution.
func (e *Execution) Checkpoint(ctx context.Context, id string) (*CheckpointSummary, error) {
	x, err := e.runner.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cp, err := e.checkpoints.Checkpoint(ctx, x, models.CheckpointManual)
	if err != nil {
		return nil, err
	}

	summary := summarize(cp)

	return &summary, nil
}

func (e *Execution) Checkpoints(ctx context.Context, executionID string) ([]CheckpointSummary, error) {
	if _, err := e.executions.Get(ctx, executionID); err != nil {
		return nil, err
	}

	cps, err := e.checkpoints.List(ctx, executionID)
	if err != nil {
		return nil, err
	}

	out := make([]CheckpointSummary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, summarize(cp))
	}

	return out, nil
}

// ResumeCheckpoint restores the checkpoint and hands it to the runner.
func (e *Execution) ResumeCheckpoint(ctx context.Context, checkpointID string) (*Status, error) {
	x, err := e.checkpoints.Resume(ctx, checkpointID, e.runner)
	if err != nil {
		return nil, err
	}

	return NewStatus(x), nil
}

// Replay rebuilds the execution from its initial checkpoint and event log.
func (e *Execution) Replay(ctx context.Context, executionID string) (*Status, error) {
	x, err := e.checkpoints.Replay(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return NewStatus(x), nil
}
