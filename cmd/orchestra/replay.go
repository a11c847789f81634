package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dukex/orchestra/pkg/checkpoint"
	"github.com/dukex/orchestra/pkg/cmd"
	"github.com/dukex/orchestra/pkg/log"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/services"
	cli "github.com/urfave/cli/v3"
)

// ReplayResult compares the state rebuilt from the event log with the stored one.
type ReplayResult struct {
	Replayed *services.Status `json:"replayed"`
	Stored   *services.Status `json:"stored"`
	Matches  bool             `json:"matches"`
}

func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Rebuild an execution from its initial checkpoint and event log",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
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
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return fmt.Errorf("execution id is required")
			}

			logger := log.WithModule("orchestra")

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("checkpoint-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			return replay(ctx, command.Root().Writer, store, id)
		},
	}
}

func replay(ctx context.Context, w io.Writer, store persistence.Persistence, id string) error {
	manager, err := checkpoint.NewManager(log.WithModule("orchestra"), checkpoint.DefaultConfig(), store, nil)
	if err != nil {
		return err
	}

	stored, err := store.ExecutionRepository().Get(ctx, id)
	if err != nil {
		return err
	}

	replayed, err := manager.Replay(ctx, id)
	if err != nil {
		return err
	}

	result := ReplayResult{
		Replayed: services.NewStatus(replayed),
		Stored:   services.NewStatus(stored),
	}
	result.Matches = sameOutcome(result.Replayed, result.Stored)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}

func sameOutcome(a, b *services.Status) bool {
	if a.State != b.State || a.Sequence != b.Sequence || len(a.Tasks) != len(b.Tasks) {
		return false
	}

	for id, task := range a.Tasks {
		other, ok := b.Tasks[id]
		if !ok || task.State != other.State || task.Attempts != other.Attempts {
			return false
		}
	}

	return true
}
