package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/engine"
	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/registry"
	"github.com/dukex/orchestra/pkg/services"
	"github.com/dukex/orchestra/pkg/web"
	"github.com/dukex/orchestra/pkg/webhook"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 30 * time.Second

type ServerConfig struct {
	Engine     engine.Config
	Checkpoint checkpoint.Config
	Dispatcher webhook.DispatcherConfig
	Web        web.Config
	KeepAlive  time.Duration
}

// Server owns the engine and everything wired around it for one process.
type Server struct {
	logger      *slog.Logger
	cfg         ServerConfig
	persistence persistence.Persistence
	registry    *registry.Registry
	bus         eventbus.EventBus
	engine      *engine.Engine
	checkpoints *checkpoint.Manager
	dispatcher  *webhook.Dispatcher
	workflows   *services.Workflow
}

func NewServer(
	logger *slog.Logger,
	cfg ServerConfig,
	persistence persistence.Persistence,
	registry *registry.Registry,
	bus eventbus.EventBus,
	tracer trace.Tracer,
) (*Server, error) {
	manager, err := checkpoint.NewManager(logger, cfg.Checkpoint, persistence, bus)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(logger, cfg.Engine, persistence, registry, bus,
		engine.WithCheckpointer(manager),
		engine.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:      logger,
		cfg:         cfg,
		persistence: persistence,
		registry:    registry,
		bus:         bus,
		engine:      e,
		checkpoints: manager,
		dispatcher:  webhook.NewDispatcher(logger, cfg.Dispatcher, persistence, nil),
		workflows:   services.NewWorkflow(persistence),
	}, nil
}

func (s *Server) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		s.workflows,
		services.NewExecution(s.engine, s.persistence, s.checkpoints),
		services.NewSubscription(s.persistence),
		webhook.NewReceiver(s.logger, s.persistence.SubscriptionRepository(), s.engine),
		validator.New(validator.WithRequiredStructEnabled()),
		s.registry,
	)

	return web.NewApp(s.cfg.Web, handlers, web.NewStreamer(s.logger, s.bus, s.cfg.KeepAlive))
}

// Seed stores definitions that do not exist yet. Definitions without an id always
// create a new workflow.
func (s *Server) Seed(ctx context.Context, defs []*models.WorkflowDefinition) error {
	for _, def := range defs {
		created, err := s.workflows.Create(ctx, def)
		if errors.Is(err, persistence.ErrWorkflowAlreadyExists) {
			s.logger.InfoContext(ctx, "Workflow already seeded", "workflow_id", def.ID)
			continue
		}

		if err != nil {
			return fmt.Errorf("seeding workflow %q: %w", def.Name, err)
		}

		s.logger.InfoContext(ctx, "Seeded workflow", "workflow_id", created.ID, "name", created.Name)
	}

	return nil
}

// Run recovers interrupted executions, starts the background jobs and serves HTTP until
// ctx is done.
func (s *Server) Run(ctx context.Context, port int) error {
	if err := s.dispatcher.Start(ctx, s.bus); err != nil {
		return fmt.Errorf("starting webhook dispatcher: %w", err)
	}

	report, err := s.checkpoints.Recover(ctx, s.engine)
	if err != nil {
		return fmt.Errorf("recovering executions: %w", err)
	}

	s.logger.InfoContext(ctx, "Recovery finished",
		"resumed", len(report.Resumed),
		"flagged", len(report.Flagged),
		"failed", len(report.Failed),
	)

	if err := s.checkpoints.Start(ctx, s.engine); err != nil {
		return err
	}

	app := s.App()
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "Orchestra API listening", "port", port)

	var serveErr error

	select {
	case serveErr = <-listenErr:
	case <-ctx.Done():
	}

	return errors.Join(serveErr, s.shutdown(app))
}

func (s *Server) shutdown(app *fiber.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.InfoContext(ctx, "Shutting down")

	err := errors.Join(
		app.ShutdownWithContext(ctx),
		s.checkpoints.Stop(ctx),
		s.engine.Shutdown(ctx),
	)

	s.dispatcher.Wait()

	return err
}
