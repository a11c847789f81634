package web

import (
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type Config struct {
	// APIToken, when set, is required as a bearer token on every protocol route.
	// Inbound hooks authenticate with their subscription instead.
	APIToken string
	// RateLimit is the number of protocol requests allowed per client and minute. Zero
	// disables limiting.
	RateLimit int
	// AccessLog enables the request logger.
	AccessLog bool
}

// NewApp assembles the HTTP surface.
func NewApp(cfg Config, handlers *APIHandlers, streamer *Streamer) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())

	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Orchestra API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Post("/hooks/:id", handlers.ReceiveHook)

	api := app.Group("", bearerAuth(cfg.APIToken))

	if cfg.RateLimit > 0 {
		api.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: time.Minute,
			LimitReached: func(c fiber.Ctx) error {
				return rateLimited(c)
			},
		}))
	}

	api.Post("/rpc", handlers.RPC)
	api.Get("/components", handlers.GetComponents)

	if streamer != nil {
		api.Get("/events/stream", streamer.Stream)
	}

	w := api.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Post("/sequential", handlers.CreateSequentialWorkflow)
	w.Post("/parallel", handlers.CreateParallelWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Get("/:id/versions", handlers.GetWorkflowVersions)
	w.Post("/:id/tasks", handlers.AddTask)
	w.Post("/:id/executions", handlers.StartExecution)

	x := api.Group("/executions")
	x.Get("/", handlers.GetExecutions)
	x.Get("/:id", handlers.GetExecution)
	x.Get("/:id/events", handlers.GetExecutionEvents)
	x.Post("/:id/cancel", handlers.CancelExecution)
	x.Post("/:id/pause", handlers.PauseExecution)
	x.Post("/:id/resume", handlers.ResumeExecution)
	x.Get("/:id/checkpoints", handlers.GetCheckpoints)
	x.Post("/:id/checkpoints", handlers.CreateCheckpoint)
	x.Get("/:id/replay", handlers.ReplayExecution)

	api.Post("/checkpoints/:id/resume", handlers.ResumeCheckpoint)

	s := api.Group("/subscriptions")
	s.Get("/", handlers.GetSubscriptions)
	s.Post("/", handlers.CreateSubscription)
	s.Get("/:id", handlers.GetSubscription)
	s.Delete("/:id", handlers.DeleteSubscription)

	return app
}

func bearerAuth(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}

		given, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			return unauthorized(c)
		}

		return c.Next()
	}
}
