package web

import (
	"encoding/json"

	"github.com/dukex/orchestra/pkg/models"
)

// StartExecutionRequest is the body of POST /workflows/:id/executions.
type StartExecutionRequest struct {
	Version    int            `json:"version,omitempty"    validate:"gte=0"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AddTaskRequest is the body of POST /workflows/:id/tasks.
type AddTaskRequest struct {
	Task      models.TaskSpec         `json:"task"`
	DependsOn []models.TaskDependency `json:"depends_on,omitempty" validate:"dive"`
}

// RPCRequest is the envelope accepted by POST /rpc.
type RPCRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"           validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse carries either Result or Error.
type RPCResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HookResponse answers an accepted inbound webhook.
type HookResponse struct {
	ExecutionID string                `json:"execution_id"`
	State       models.ExecutionState `json:"state"`
}
