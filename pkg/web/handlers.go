// Package web exposes the coordination protocol over HTTP: REST routes, the /rpc envelope,
// the event stream and inbound webhooks.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/registry"
	"github.com/dukex/orchestra/pkg/services"
	"github.com/dukex/orchestra/pkg/webhook"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	workflows     *services.Workflow
	executions    *services.Execution
	subscriptions *services.Subscription
	protocol      *services.Protocol
	receiver      *webhook.Receiver
	validator     *validator.Validate
	registry      *registry.Registry
}

func NewAPIHandlers(
	workflows *services.Workflow,
	executions *services.Execution,
	subscriptions *services.Subscription,
	receiver *webhook.Receiver,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		workflows:     workflows,
		executions:    executions,
		subscriptions: subscriptions,
		protocol:      services.NewProtocol(workflows, executions, subscriptions),
		receiver:      receiver,
		validator:     validator,
		registry:      registry,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.workflows.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Orchestra API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Orchestra API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetComponents(c fiber.Ctx) error {
	return c.JSON(h.registry.Endpoints())
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.workflows.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflows)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var def models.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.workflows.Create(c.Context(), &def)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(services.WorkflowCreated{WorkflowID: created.ID, Version: created.Version})
}

func (h *APIHandlers) CreateSequentialWorkflow(c fiber.Ctx) error {
	return h.createFromTaskList(c, h.workflows.CreateSequential)
}

func (h *APIHandlers) CreateParallelWorkflow(c fiber.Ctx) error {
	return h.createFromTaskList(c, h.workflows.CreateParallel)
}

func (h *APIHandlers) createFromTaskList(
	c fiber.Ctx,
	create func(ctx context.Context, req services.TaskListRequest) (*models.WorkflowDefinition, error),
) error {
	var req services.TaskListRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := create(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(services.WorkflowCreated{WorkflowID: created.ID, Version: created.Version})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	version := 0

	if versionStr := c.Query("version"); versionStr != "" {
		parsed, err := strconv.Atoi(versionStr)
		if err != nil {
			return badRequest(c, "Invalid version: "+versionStr)
		}

		version = parsed
	}

	def, err := h.workflows.FetchByID(c.Context(), id, version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) GetWorkflowVersions(c fiber.Ctx) error {
	versions, err := h.workflows.Versions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"workflow_id": c.Params("id"), "versions": versions})
}

func (h *APIHandlers) AddTask(c fiber.Ctx) error {
	id := c.Params("id")

	var req AddTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	def, err := h.workflows.AddTask(c.Context(), id, services.AddTaskRequest(req))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(services.TaskAdded{
		WorkflowID:     def.ID,
		WorkflowTaskID: req.Task.ID,
		Version:        def.Version,
	})
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	status, err := h.executions.Start(c.Context(), services.StartRequest{
		WorkflowID: c.Params("id"),
		Version:    req.Version,
		Parameters: req.Parameters,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(services.ExecutionStarted{ExecutionID: status.ExecutionID, State: status.State})
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	filter := persistence.ExecutionFilter{WorkflowID: c.Query("workflow_id")}
	if state := c.Query("state"); state != "" {
		filter.States = []models.ExecutionState{models.ExecutionState(state)}
	}

	list, err := h.executions.List(c.Context(), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(list)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	status, err := h.executions.Status(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) GetExecutionEvents(c fiber.Ctx) error {
	x, err := h.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	records := make([]map[string]any, 0, len(x.Events))
	for _, event := range x.Events {
		records = append(records, eventbus.Record(event))
	}

	return c.JSON(records)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	return h.control(c, h.executions.Cancel)
}

func (h *APIHandlers) PauseExecution(c fiber.Ctx) error {
	return h.control(c, h.executions.Pause)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	return h.control(c, h.executions.Resume)
}

func (h *APIHandlers) control(c fiber.Ctx, action func(ctx context.Context, id string) (*services.Status, error)) error {
	status, err := action(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(services.Acknowledged{Success: true, State: status.State})
}

func (h *APIHandlers) GetCheckpoints(c fiber.Ctx) error {
	cps, err := h.executions.Checkpoints(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(cps)
}

func (h *APIHandlers) CreateCheckpoint(c fiber.Ctx) error {
	cp, err := h.executions.Checkpoint(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(cp)
}

func (h *APIHandlers) ResumeCheckpoint(c fiber.Ctx) error {
	status, err := h.executions.ResumeCheckpoint(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) ReplayExecution(c fiber.Ctx) error {
	status, err := h.executions.Replay(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) GetSubscriptions(c fiber.Ctx) error {
	subs, err := h.subscriptions.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(subs)
}

func (h *APIHandlers) CreateSubscription(c fiber.Ctx) error {
	var sub models.WebhookSubscription
	if err := c.Bind().JSON(&sub); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	created, err := h.subscriptions.Create(c.Context(), &sub)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetSubscription(c fiber.Ctx) error {
	sub, err := h.subscriptions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(sub)
}

func (h *APIHandlers) DeleteSubscription(c fiber.Ctx) error {
	if err := h.subscriptions.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RPC serves every protocol method behind one envelope. Protocol errors are reported in
// the envelope with status 200; only an unreadable envelope is an HTTP error.
func (h *APIHandlers) RPC(c fiber.Ctx) error {
	var req RPCRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return c.JSON(RPCResponse{ID: req.ID, Error: &RPCError{Code: services.CodeInvalidRequest, Message: err.Error()}})
	}

	result, err := h.protocol.Call(c.Context(), req.Method, req.Params)
	if err != nil {
		return c.JSON(RPCResponse{ID: req.ID, Error: &RPCError{Code: services.Code(err), Message: err.Error()}})
	}

	return c.JSON(RPCResponse{ID: req.ID, Result: result})
}

// ReceiveHook starts a workflow from an inbound webhook subscription.
func (h *APIHandlers) ReceiveHook(c fiber.Ctx) error {
	headers := make(map[string]string)
	for name, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	x, err := h.receiver.Handle(c.Context(), c.Params("id"), webhook.Request{
		Body:       c.Body(),
		Header:     func(name string) string { return c.Get(name) },
		Headers:    headers,
		Query:      c.Queries(),
		RemoteAddr: c.IP(),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(HookResponse{ExecutionID: x.ID, State: x.State})
}
