package mocks

import (
	"context"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Definitions   *MockDefinitionRepository
	Executions    *MockExecutionRepository
	Checkpoints   *MockCheckpointRepository
	Subscriptions *MockSubscriptionRepository
}

// NewMockPersistence returns a MockPersistence with empty repository mocks.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Definitions:   &MockDefinitionRepository{},
		Executions:    &MockExecutionRepository{},
		Checkpoints:   &MockCheckpointRepository{},
		Subscriptions: &MockSubscriptionRepository{},
	}
}

func (m *MockPersistence) DefinitionRepository() persistence.DefinitionRepository {
	return m.Definitions
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return m.Executions
}

func (m *MockPersistence) CheckpointRepository() persistence.CheckpointRepository {
	return m.Checkpoints
}

func (m *MockPersistence) SubscriptionRepository() persistence.SubscriptionRepository {
	return m.Subscriptions
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockDefinitionRepository is a mock implementation of persistence.DefinitionRepository interface.
type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	args := m.Called(ctx, def)

	return args.Error(0)
}

func (m *MockDefinitionRepository) Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) Versions(ctx context.Context, id string) ([]int, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]int), args.Error(1)
}

// MockExecutionRepository is a mock implementation of persistence.ExecutionRepository interface.
type MockExecutionRepository struct {
	mock.Mock
}

func (m *MockExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockExecutionRepository) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowExecution), args.Error(1)
}

func (m *MockExecutionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockCheckpointRepository is a mock implementation of persistence.CheckpointRepository interface.
type MockCheckpointRepository struct {
	mock.Mock
}

func (m *MockCheckpointRepository) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	args := m.Called(ctx, checkpoint)

	return args.Error(0)
}

func (m *MockCheckpointRepository) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Checkpoint), args.Error(1)
}

func (m *MockCheckpointRepository) Latest(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Checkpoint), args.Error(1)
}

func (m *MockCheckpointRepository) List(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Checkpoint), args.Error(1)
}

func (m *MockCheckpointRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockSubscriptionRepository is a mock implementation of persistence.SubscriptionRepository interface.
type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) Save(ctx context.Context, subscription *models.WebhookSubscription) error {
	args := m.Called(ctx, subscription)

	return args.Error(0)
}

func (m *MockSubscriptionRepository) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WebhookSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WebhookSubscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockSubscriptionRepository) UpdateStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	args := m.Called(ctx, id, status)

	return args.Error(0)
}
