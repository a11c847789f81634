package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("Get", "workflow-123", 2, persistence.ErrWorkflowNotFound)
		executionErr := persistence.NewExecutionError("Get", "exec-1", persistence.ErrExecutionNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.True(t, persistence.IsNotFound(executionErr))
		assert.False(t, persistence.IsCheckpointNotFound(executionErr))

		assert.True(t, errors.Is(workflowErr, persistence.ErrWorkflowNotFound))
	})

	t.Run("workflow error contains context", func(t *testing.T) {
		err := persistence.NewWorkflowError("Save", "workflow-123", 3, persistence.ErrWorkflowAlreadyExists)

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "workflow-123@3")
		assert.Contains(t, err.Error(), "workflow already exists")
	})

	t.Run("entity error keeps wrapped chain", func(t *testing.T) {
		err := persistence.NewCheckpointError("Get", "cp-1", models.ErrCorruptCheckpoint)

		assert.Contains(t, err.Error(), "checkpoint cp-1")
		assert.ErrorIs(t, err, models.ErrCorruptCheckpoint)
	})
}

func TestExecutionFilter(t *testing.T) {
	x := &models.WorkflowExecution{WorkflowID: "wf", State: models.ExecutionRunning}

	assert.True(t, persistence.ExecutionFilter{}.Matches(x))
	assert.True(t, persistence.ExecutionFilter{WorkflowID: "wf"}.Matches(x))
	assert.False(t, persistence.ExecutionFilter{WorkflowID: "other"}.Matches(x))
	assert.True(t, persistence.ExecutionFilter{States: []models.ExecutionState{models.ExecutionPaused, models.ExecutionRunning}}.Matches(x))
	assert.False(t, persistence.ExecutionFilter{States: []models.ExecutionState{models.ExecutionCompleted}}.Matches(x))
}
