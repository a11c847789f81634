package services

import (
	"testing"
	"time"

	"github.com/dukex/orchestra/pkg/mocks"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestExecution_StartAndStatus(t *testing.T) {
	s := newStack(t)

	def, err := s.workflows.CreateSequential(t.Context(), pipelineRequest())
	require.NoError(t, err)

	started, err := s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, started.ExecutionID)
	assert.Equal(t, def.ID, started.WorkflowID)

	s.wait(t, started.ExecutionID)

	status, err := s.executions.Status(t.Context(), started.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCompleted, status.State)
	assert.Equal(t, 3, status.Progress.Total)
	assert.Equal(t, 3, status.Progress.Completed)
	assert.Equal(t, "loaded", status.Tasks["load"].Output)
	assert.EqualValues(t, map[string]any{"rows": float64(3)}, normalize(status.Tasks["transform"].Output))
	assert.NotNil(t, status.EndedAt)

	list, err := s.executions.List(t.Context(), persistence.ExecutionFilter{WorkflowID: def.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, started.ExecutionID, list[0].ExecutionID)
}

// normalize folds ints into float64 the way a JSON round trip through the store does.
func normalize(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}

	out := make(map[string]any, len(m))
	for k, value := range m {
		if i, ok := value.(int); ok {
			out[k] = float64(i)
			continue
		}

		out[k] = value
	}

	return out
}

func TestExecution_Start_Errors(t *testing.T) {
	s := newStack(t)

	req := pipelineRequest()
	req.Parameters = map[string]models.ParameterSpec{"region": {Type: models.ParameterString, Required: true}}

	def, err := s.workflows.CreateSequential(t.Context(), req)
	require.NoError(t, err)

	_, err = s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID})
	assert.Equal(t, CodeInvalidRequest, Code(err))

	_, err = s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID, Parameters: map[string]any{"region": 12}})
	assert.Equal(t, CodeInvalidRequest, Code(err))

	_, err = s.executions.Start(t.Context(), StartRequest{WorkflowID: "unknown"})
	assert.Equal(t, CodeNotFound, Code(err))

	_, err = s.executions.Start(t.Context(), StartRequest{})
	assert.Equal(t, CodeInvalidRequest, Code(err))
}

func TestExecution_PauseResumeCancel(t *testing.T) {
	s := newStack(t)

	def, err := s.workflows.CreateSequential(t.Context(), TaskListRequest{
		Name: "held", TaskIDs: []string{"hold", "load"}, Component: "svc",
	})
	require.NoError(t, err)

	started, err := s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID})
	require.NoError(t, err)

	id := started.ExecutionID

	paused, err := s.executions.Pause(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPaused, paused.State)

	_, err = s.executions.Pause(t.Context(), id)
	assert.Equal(t, CodeInvalidStateTransition, Code(err))

	manual, err := s.executions.Checkpoint(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointManual, manual.Reason)
	assert.Equal(t, models.ExecutionPaused, manual.State)

	resumed, err := s.executions.Resume(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, resumed.State)

	cancelled, err := s.executions.Cancel(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.State)
	assert.Equal(t, models.TaskCancelled, cancelled.Tasks["load"].State)

	_, err = s.executions.Cancel(t.Context(), id)
	assert.ErrorIs(t, err, models.ErrTerminalTransition)
	assert.Equal(t, CodeInvalidStateTransition, Code(err))

	_, err = s.executions.Pause(t.Context(), "missing")
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestExecution_CheckpointsAndReplay(t *testing.T) {
	s := newStack(t)

	def, err := s.workflows.CreateSequential(t.Context(), pipelineRequest())
	require.NoError(t, err)

	started, err := s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID})
	require.NoError(t, err)

	s.wait(t, started.ExecutionID)

	cps, err := s.executions.Checkpoints(t.Context(), started.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	assert.Equal(t, models.CheckpointInitial, cps[0].Reason)
	assert.Equal(t, models.CheckpointTerminal, cps[len(cps)-1].Reason)

	_, err = s.executions.ResumeCheckpoint(t.Context(), cps[len(cps)-1].ID)
	assert.Equal(t, CodeInvalidStateTransition, Code(err))

	_, err = s.executions.ResumeCheckpoint(t.Context(), "missing")
	assert.Equal(t, CodeNotFound, Code(err))

	replayed, err := s.executions.Replay(t.Context(), started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, replayed.State)
	assert.Equal(t, 3, replayed.Progress.Completed)

	_, err = s.executions.Checkpoints(t.Context(), "missing")
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestExecution_ResumeCheckpoint(t *testing.T) {
	s := newStack(t)

	def, err := s.workflows.CreateSequential(t.Context(), TaskListRequest{
		Name: "held", TaskIDs: []string{"hold", "load"}, Component: "svc",
	})
	require.NoError(t, err)

	started, err := s.executions.Start(t.Context(), StartRequest{WorkflowID: def.ID})
	require.NoError(t, err)

	cps, err := s.executions.Checkpoints(t.Context(), started.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)

	_, err = s.executions.ResumeCheckpoint(t.Context(), cps[0].ID)
	assert.Equal(t, CodeInvalidStateTransition, Code(err), "the engine already drives the execution")

	close(s.release)

	x := s.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionCompleted, x.State)
}

func TestExecution_WithMockRunner(t *testing.T) {
	runner := &mocks.MockRunner{}
	store := file.NewPersistence(t.TempDir())
	service := NewExecution(runner, store, nil)

	now := time.Now()
	snapshot := &models.WorkflowExecution{
		ID: "x-1", WorkflowID: "wf", WorkflowVersion: 2, State: models.ExecutionRunning,
		Tasks: map[string]*models.TaskExecutionState{
			"a": {TaskID: "a", State: models.TaskCompleted, Attempts: 1, Output: "ok"},
			"b": {TaskID: "b", State: models.TaskRunning, Attempts: 2},
		},
		TaskOrder: []string{"a", "b"},
		StartedAt: &now,
	}

	runner.On("Get", mock.Anything, "x-1").Return(snapshot, nil)
	runner.On("Get", mock.Anything, "x-2").Return(nil, persistence.NewExecutionError("Get", "x-2", persistence.ErrExecutionNotFound))

	status, err := service.Status(t.Context(), "x-1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.WorkflowVersion)
	assert.Equal(t, TaskStatus{State: models.TaskRunning, Attempts: 2}, status.Tasks["b"])
	assert.Equal(t, 1, status.Progress.Running)

	_, err = service.Status(t.Context(), "x-2")
	assert.Equal(t, CodeNotFound, Code(err))

	runner.AssertExpectations(t)
}
