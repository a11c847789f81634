package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Method handles one protocol call. params is the raw JSON object sent by the caller.
type Method func(ctx context.Context, params json.RawMessage) (any, error)

// Protocol dispatches coordination calls by method name.
type Protocol struct {
	methods  map[string]Method
	validate *validator.Validate
}

type executionParams struct {
	ExecutionID string `json:"execution_id" validate:"required"`
}

type workflowParams struct {
	WorkflowID string `json:"workflow_id"       validate:"required"`
	Version    int    `json:"version,omitempty" validate:"gte=0"`
}

type addTaskParams struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	AddTaskRequest
}

type listExecutionsParams struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	States     []models.ExecutionState `json:"states,omitempty"`
}

type checkpointParams struct {
	CheckpointID string `json:"checkpoint_id" validate:"required"`
}

type subscriptionParams struct {
	ID string `json:"id" validate:"required"`
}

// WorkflowCreated answers the workflow creation methods.
type WorkflowCreated struct {
	WorkflowID string `json:"workflow_id"`
	Version    int    `json:"version"`
}

// TaskAdded answers workflow.add_task.
type TaskAdded struct {
	WorkflowID     string `json:"workflow_id"`
	WorkflowTaskID string `json:"workflow_task_id"`
	Version        int    `json:"version"`
}

// ExecutionStarted answers workflow.start.
type ExecutionStarted struct {
	ExecutionID string                `json:"execution_id"`
	State       models.ExecutionState `json:"state"`
}

// Acknowledged answers control methods.
type Acknowledged struct {
	Success bool                  `json:"success"`
	State   models.ExecutionState `json:"state"`
}

func NewProtocol(workflows *Workflow, executions *Execution, subscriptions *Subscription) *Protocol {
	p := &Protocol{
		methods:  make(map[string]Method),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	p.methods["workflow.create"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var def models.WorkflowDefinition
		if err := p.decode(raw, &def); err != nil {
			return nil, err
		}

		created, err := workflows.Create(ctx, &def)
		if err != nil {
			return nil, err
		}

		return WorkflowCreated{WorkflowID: created.ID, Version: created.Version}, nil
	}

	p.methods["workflow.create_sequential"] = createFromList(p, workflows.CreateSequential)
	p.methods["workflow.create_parallel"] = createFromList(p, workflows.CreateParallel)

	p.methods["workflow.add_task"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params addTaskParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		def, err := workflows.AddTask(ctx, params.WorkflowID, params.AddTaskRequest)
		if err != nil {
			return nil, err
		}

		return TaskAdded{WorkflowID: def.ID, WorkflowTaskID: params.Task.ID, Version: def.Version}, nil
	}

	p.methods["workflow.get"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params workflowParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		return workflows.FetchByID(ctx, params.WorkflowID, params.Version)
	}

	p.methods["workflow.list"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return workflows.List(ctx)
	}

	p.methods["workflow.start"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req StartRequest
		if err := p.decode(raw, &req); err != nil {
			return nil, err
		}

		status, err := executions.Start(ctx, req)
		if err != nil {
			return nil, err
		}

		return ExecutionStarted{ExecutionID: status.ExecutionID, State: status.State}, nil
	}

	p.methods["workflow.get_status"] = withExecution(p, executions.Status)
	p.methods["workflow.cancel"] = acknowledge(p, executions.Cancel)
	p.methods["workflow.pause"] = acknowledge(p, executions.Pause)
	p.methods["workflow.resume"] = acknowledge(p, executions.Resume)

	p.methods["workflow.list_executions"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params listExecutionsParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		return executions.List(ctx, persistence.ExecutionFilter{WorkflowID: params.WorkflowID, States: params.States})
	}

	p.methods["checkpoint.create"] = withExecution(p, executions.Checkpoint)
	p.methods["checkpoint.list"] = withExecution(p, executions.Checkpoints)
	p.methods["checkpoint.replay"] = withExecution(p, executions.Replay)

	p.methods["checkpoint.resume"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params checkpointParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		return executions.ResumeCheckpoint(ctx, params.CheckpointID)
	}

	p.methods["webhook.create"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var sub models.WebhookSubscription
		if err := p.decode(raw, &sub); err != nil {
			return nil, err
		}

		return subscriptions.Create(ctx, &sub)
	}

	p.methods["webhook.list"] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return subscriptions.List(ctx)
	}

	p.methods["webhook.get"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params subscriptionParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		return subscriptions.Get(ctx, params.ID)
	}

	p.methods["webhook.delete"] = func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params subscriptionParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		if err := subscriptions.Delete(ctx, params.ID); err != nil {
			return nil, err
		}

		return Acknowledged{Success: true}, nil
	}

	return p
}

// Methods lists the registered method names in order.
func (p *Protocol) Methods() []string {
	names := make([]string, 0, len(p.methods))
	for name := range p.methods {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Call runs the named method.
func (p *Protocol) Call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	handler, ok := p.methods[method]
	if !ok {
		return nil, &ServiceError{
			Op:      "Call",
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("unknown method %q", method),
			Err:     ErrUnknownMethod,
		}
	}

	return handler(ctx, params)
}

func (p *Protocol) decode(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, v); err != nil {
			return NewValidationError("decode", "invalid params: "+err.Error(), err)
		}
	}

	switch v.(type) {
	case *models.WorkflowDefinition, *models.WebhookSubscription:
		// validated by the service with domain-specific errors
		return nil
	}

	if err := p.validate.Struct(v); err != nil {
		return NewValidationError("decode", err.Error(), err)
	}

	return nil
}

func createFromList(p *Protocol, create func(context.Context, TaskListRequest) (*models.WorkflowDefinition, error)) Method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req TaskListRequest
		if err := p.decode(raw, &req); err != nil {
			return nil, err
		}

		def, err := create(ctx, req)
		if err != nil {
			return nil, err
		}

		return WorkflowCreated{WorkflowID: def.ID, Version: def.Version}, nil
	}
}

func withExecution[T any](p *Protocol, call func(context.Context, string) (T, error)) Method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params executionParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		return call(ctx, params.ExecutionID)
	}
}

func acknowledge(p *Protocol, call func(context.Context, string) (*Status, error)) Method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params executionParams
		if err := p.decode(raw, &params); err != nil {
			return nil, err
		}

		status, err := call(ctx, params.ExecutionID)
		if err != nil {
			return nil, err
		}

		return Acknowledged{Success: true, State: status.State}, nil
	}
}
