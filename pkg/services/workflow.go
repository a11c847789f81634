package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

type Workflow struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	now         func() time.Time
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence) *Workflow {
	return &Workflow{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// TaskListRequest builds a workflow from an ordered list of task ids. A task id without a
// matching entry in Tasks calls the action of the same name on Component.
type TaskListRequest struct {
	Name        string                          `json:"name"                 validate:"required"`
	Description string                          `json:"description,omitempty"`
	TaskIDs     []string                        `json:"task_ids"             validate:"required,min=1,dive,required"`
	Tasks       []models.TaskSpec               `json:"tasks,omitempty"`
	Component   string                          `json:"component,omitempty"`
	Parameters  map[string]models.ParameterSpec `json:"parameters,omitempty"`
}

// AddTaskRequest appends a task to the latest version of a workflow.
type AddTaskRequest struct {
	Task      models.TaskSpec         `json:"task"`
	DependsOn []models.TaskDependency `json:"depends_on,omitempty" validate:"dive"`
}

// Create validates and stores version 1 of a new definition.
func (w *Workflow) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, NewValidationError("Create", "workflow definition is required", nil)
	}

	created := def.Clone()
	if created.ID == "" {
		created.ID = uuid.NewString()
	}

	created.Version = 1
	created.CreatedAt = w.now().UTC()

	return created, w.store(ctx, created)
}

// CreateSequential chains the listed tasks so each one waits for the previous one.
func (w *Workflow) CreateSequential(ctx context.Context, req TaskListRequest) (*models.WorkflowDefinition, error) {
	def, err := w.fromTaskList("CreateSequential", req)
	if err != nil {
		return nil, err
	}

	for i := 1; i < len(def.Tasks); i++ {
		def.Tasks[i].DependsOn = []models.TaskDependency{{TaskID: def.Tasks[i-1].ID, Kind: models.FinishToStart}}
	}

	return w.Create(ctx, def)
}

// CreateParallel runs the listed tasks without dependencies between them.
func (w *Workflow) CreateParallel(ctx context.Context, req TaskListRequest) (*models.WorkflowDefinition, error) {
	def, err := w.fromTaskList("CreateParallel", req)
	if err != nil {
		return nil, err
	}

	for i := range def.Tasks {
		def.Tasks[i].DependsOn = nil
	}

	return w.Create(ctx, def)
}

func (w *Workflow) fromTaskList(op string, req TaskListRequest) (*models.WorkflowDefinition, error) {
	if len(req.TaskIDs) == 0 {
		return nil, &ServiceError{Op: op, Code: CodeInvalidRequest, Err: ErrTaskIDsRequired}
	}

	if err := w.validate.Struct(req); err != nil {
		return nil, NewValidationError(op, err.Error(), err)
	}

	specs := make(map[string]models.TaskSpec, len(req.Tasks))
	for _, task := range req.Tasks {
		specs[task.ID] = task
	}

	def := &models.WorkflowDefinition{
		Name:        req.Name,
		Description: req.Description,
		Parameters:  req.Parameters,
		Tasks:       make([]models.TaskSpec, 0, len(req.TaskIDs)),
	}

	for _, id := range req.TaskIDs {
		task, ok := specs[id]
		if !ok {
			task = models.TaskSpec{ID: id, Component: req.Component, Action: id}
		}

		def.Tasks = append(def.Tasks, task.Clone())
	}

	return def, nil
}

// AddTask derives the next version of a workflow with one more task.
func (w *Workflow) AddTask(ctx context.Context, workflowID string, req AddTaskRequest) (*models.WorkflowDefinition, error) {
	if err := w.validate.Struct(req); err != nil {
		return nil, NewValidationError("AddTask", err.Error(), err)
	}

	latest, err := w.persistence.DefinitionRepository().Get(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}

	task := req.Task.Clone()
	task.DependsOn = append(task.DependsOn, req.DependsOn...)

	next := latest.Clone()
	next.Tasks = append(next.Tasks, task)
	next.Version = latest.Version + 1
	next.CreatedAt = w.now().UTC()

	return next, w.store(ctx, next)
}

func (w *Workflow) store(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := models.Validate(def); err != nil {
		return err
	}

	return w.persistence.DefinitionRepository().Save(ctx, def)
}

// FetchByID retrieves a workflow by its ID. Version 0 selects the latest version.
func (w *Workflow) FetchByID(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	if version < 0 {
		return nil, NewValidationError("FetchByID", fmt.Sprintf("invalid version %d", version), nil)
	}

	return w.persistence.DefinitionRepository().Get(ctx, id, version)
}

func (w *Workflow) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return w.persistence.DefinitionRepository().List(ctx)
}

func (w *Workflow) Versions(ctx context.Context, id string) ([]int, error) {
	return w.persistence.DefinitionRepository().Versions(ctx, id)
}
