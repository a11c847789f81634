package mocks

import (
	"context"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockRunner is a mock implementation of services.Runner interface.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Start(ctx context.Context, workflowID string, version int, params map[string]any) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, workflowID, version, params)

	return execution(args)
}

func (m *MockRunner) Adopt(ctx context.Context, x *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, x)

	return execution(args)
}

func (m *MockRunner) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)

	return execution(args)
}

func (m *MockRunner) Cancel(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)

	return execution(args)
}

func (m *MockRunner) Pause(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)

	return execution(args)
}

func (m *MockRunner) Resume(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)

	return execution(args)
}

func execution(args mock.Arguments) (*models.WorkflowExecution, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}
