package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/engine"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/dukex/orchestra/pkg/registry"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack wires the services over a file store and a local "svc" component. The "hold"
// action blocks until release is closed.
type stack struct {
	store         *file.Persistence
	engine        *engine.Engine
	manager       *checkpoint.Manager
	workflows     *Workflow
	executions    *Execution
	subscriptions *Subscription
	protocol      *Protocol
	release       chan struct{}
}

func newStack(t *testing.T) *stack {
	t.Helper()

	s := &stack{
		store:   file.NewPersistence(t.TempDir()),
		release: make(chan struct{}),
	}

	reg := registry.NewRegistry(testLogger())
	require.NoError(t, reg.RegisterLocal(registry.Component{
		ComponentName: "svc",
		Funcs: map[string]protocol.ActionFunc{
			"extract": func(context.Context, map[string]any) (any, error) {
				return map[string]any{"rows": 3}, nil
			},
			"transform": func(_ context.Context, input map[string]any) (any, error) {
				return input, nil
			},
			"load": func(context.Context, map[string]any) (any, error) {
				return "loaded", nil
			},
			"hold": func(ctx context.Context, _ map[string]any) (any, error) {
				select {
				case <-s.release:
					return "released", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}))

	manager, err := checkpoint.NewManager(testLogger(), checkpoint.DefaultConfig(), s.store, nil)
	require.NoError(t, err)

	cfg := engine.DefaultConfig()
	cfg.TaskTimeout = 2 * time.Second

	s.engine, err = engine.New(testLogger(), cfg, s.store, reg, nil, engine.WithCheckpointer(manager))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = s.engine.Shutdown(ctx)
	})

	s.manager = manager
	s.workflows = NewWorkflow(s.store)
	s.executions = NewExecution(s.engine, s.store, manager)
	s.subscriptions = NewSubscription(s.store)
	s.protocol = NewProtocol(s.workflows, s.executions, s.subscriptions)

	return s
}

func (s *stack) wait(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	x, err := s.engine.Wait(ctx, id)
	require.NoError(t, err)

	return x
}

func pipelineRequest() TaskListRequest {
	return TaskListRequest{
		Name:      "etl",
		TaskIDs:   []string{"extract", "transform", "load"},
		Component: "svc",
		Tasks: []models.TaskSpec{
			{ID: "transform", Component: "svc", Action: "transform", Input: map[string]any{"rows": "${tasks.extract.output.rows}"}},
		},
	}
}
