package main

import (
	"context"
	"fmt"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/cmd"
	"github.com/dukex/orchestra/pkg/engine"
	"github.com/dukex/orchestra/pkg/log"
	"github.com/dukex/orchestra/pkg/otelhelper"
	"github.com/dukex/orchestra/pkg/web"
	"github.com/dukex/orchestra/pkg/webhook"
	"github.com/nats-io/nats.go"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = 9091

func ServeCommand() *cli.Command {
	engineDefaults := engine.DefaultConfig()
	checkpointDefaults := checkpoint.DefaultConfig()
	dispatcherDefaults := webhook.DefaultDispatcherConfig()

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the orchestration API and engine",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (file://<dir> or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "checkpoint-url",
				Usage:   "Optional redis:// URL storing checkpoints apart from the main store",
				Sources: cli.EnvVars("CHECKPOINT_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers for the kafka event bus",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "components-file",
				Usage:   "YAML file listing remote component endpoints",
				Sources: cli.EnvVars("COMPONENTS_FILE"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing component plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server for components served over nats",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:    "file-root",
				Usage:   "Directory the core write_file action may write to",
				Sources: cli.EnvVars("FILE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "workflows",
				Usage:   "Workflow definition file or directory seeded at startup",
				Sources: cli.EnvVars("WORKFLOWS_PATH"),
			},
			&cli.StringFlag{
				Name:    "api-token",
				Usage:   "Bearer token required on protocol routes",
				Sources: cli.EnvVars("API_TOKEN"),
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Usage:   "Protocol requests allowed per client and minute (0 disables)",
				Sources: cli.EnvVars("RATE_LIMIT"),
			},
			&cli.BoolFlag{
				Name:    "access-log",
				Usage:   "Log every HTTP request",
				Sources: cli.EnvVars("ACCESS_LOG"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Task attempts in flight across all executions",
				Value:   engineDefaults.Workers,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "max-parallel",
				Usage:   "Task attempts in flight per execution (0 is unbounded)",
				Value:   engineDefaults.MaxParallel,
				Sources: cli.EnvVars("MAX_PARALLEL"),
			},
			&cli.DurationFlag{
				Name:    "task-timeout",
				Usage:   "Default timeout of a task attempt",
				Value:   engineDefaults.TaskTimeout,
				Sources: cli.EnvVars("TASK_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "checkpoint-before-dispatch",
				Usage:   "Checkpoint before every task dispatch",
				Value:   engineDefaults.CheckpointBeforeDispatch,
				Sources: cli.EnvVars("CHECKPOINT_BEFORE_DISPATCH"),
			},
			&cli.DurationFlag{
				Name:    "checkpoint-interval",
				Usage:   "Interval between checkpoint sweeps (0 disables)",
				Value:   checkpointDefaults.Interval,
				Sources: cli.EnvVars("CHECKPOINT_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "checkpoint-retain",
				Usage:   "Recent checkpoints kept per execution (0 keeps all)",
				Value:   checkpointDefaults.Retain,
				Sources: cli.EnvVars("CHECKPOINT_RETAIN"),
			},
			&cli.DurationFlag{
				Name:    "checkpoint-stale-after",
				Usage:   "Age after which a checkpoint is flagged instead of resumed",
				Value:   checkpointDefaults.StaleAfter,
				Sources: cli.EnvVars("CHECKPOINT_STALE_AFTER"),
			},
			&cli.IntFlag{
				Name:    "webhook-disable-after",
				Usage:   "Consecutive failed deliveries before an outbound webhook is disabled",
				Value:   dispatcherDefaults.DisableAfter,
				Sources: cli.EnvVars("WEBHOOK_DISABLE_AFTER"),
			},
			&cli.IntFlag{
				Name:    "webhook-concurrency",
				Usage:   "Deliveries of one event sent at once",
				Value:   dispatcherDefaults.Concurrency,
				Sources: cli.EnvVars("WEBHOOK_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "stream-keep-alive",
				Usage:   "Interval between keep-alive comments on idle event streams",
				Value:   web.DefaultKeepAlive,
				Sources: cli.EnvVars("STREAM_KEEP_ALIVE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("orchestra")

			logger.InfoContext(ctx, "Initializing Orchestra")

			tracer := otelhelper.NoopTracer()

			if command.Bool("tracing") {
				t, shutdown, err := otelhelper.NewTracer(ctx, "orchestra")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = t
			}

			return serve(ctx, command, tracer)
		},
	}
}

func serve(ctx context.Context, command *cli.Command, tracer trace.Tracer) error {
	logger := log.WithModule("orchestra")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("checkpoint-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), "orchestra")
	if err != nil {
		return err
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	registryCfg := cmd.RegistryConfig{
		ComponentsFile: command.String("components-file"),
		PluginsPath:    command.String("plugins-path"),
		FileRoot:       command.String("file-root"),
		HTTPTimeout:    command.Duration("task-timeout"),
	}

	if url := command.String("nats-url"); url != "" {
		conn, err := nats.Connect(url, nats.Name("orchestra"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer conn.Close()

		registryCfg.NATS = conn
	}

	reg, err := cmd.NewRegistry(logger, registryCfg)
	if err != nil {
		return err
	}

	cfg := ServerConfig{
		Engine: engine.Config{
			Workers:                  command.Int("workers"),
			MaxParallel:              command.Int("max-parallel"),
			TaskTimeout:              command.Duration("task-timeout"),
			CheckpointBeforeDispatch: command.Bool("checkpoint-before-dispatch"),
		},
		Checkpoint: checkpoint.Config{
			Interval:   command.Duration("checkpoint-interval"),
			Retain:     command.Int("checkpoint-retain"),
			StaleAfter: command.Duration("checkpoint-stale-after"),
		},
		Dispatcher: webhook.DispatcherConfig{
			Timeout:      webhook.DefaultDispatcherConfig().Timeout,
			DisableAfter: command.Int("webhook-disable-after"),
			Concurrency:  command.Int("webhook-concurrency"),
		},
		Web: web.Config{
			APIToken:  command.String("api-token"),
			RateLimit: command.Int("rate-limit"),
			AccessLog: command.Bool("access-log"),
		},
		KeepAlive: command.Duration("stream-keep-alive"),
	}

	server, err := NewServer(logger, cfg, store, reg, bus, tracer)
	if err != nil {
		return err
	}

	if path := command.String("workflows"); path != "" {
		defs, err := cmd.LoadDefinitions(path)
		if err != nil {
			return err
		}

		if err := server.Seed(ctx, defs); err != nil {
			return err
		}
	}

	return server.Run(ctx, command.Int("port"))
}
