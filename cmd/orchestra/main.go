// Command orchestra runs the workflow orchestration service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/orchestra/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "orchestra",
		Usage:                 "Run and inspect declarative workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			ServeCommand(),
			ValidateCommand(),
			ReplayCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.WithModule("orchestra").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
