package mocks

import (
	"context"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, event models.Event) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context, filter eventbus.Filter, handler eventbus.EventHandler) error {
	args := m.Called(ctx, filter, handler)

	return args.Error(0)
}

func (m *MockEventBus) Stream(ctx context.Context, filter eventbus.Filter) (<-chan models.Event, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(<-chan models.Event), args.Error(1)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}
