package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/dukex/orchestra/pkg/persistence/postgresql"
	"github.com/dukex/orchestra/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL. A redis:// checkpointURL moves
// checkpoints to Redis while definitions, executions and subscriptions stay in the main
// store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, checkpointURL string) (persistence.Persistence, error) {
	var (
		p   persistence.Persistence
		err error
	)

	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err = postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}
	default:
		p = file.NewPersistence(databaseURL)
	}

	if checkpointURL == "" {
		return p, nil
	}

	if !strings.HasPrefix(checkpointURL, "redis://") && !strings.HasPrefix(checkpointURL, "rediss://") {
		_ = p.Close(ctx)

		return nil, fmt.Errorf("unsupported checkpoint store %q", checkpointURL)
	}

	checkpoints, err := redis.Open(ctx, checkpointURL)
	if err != nil {
		_ = p.Close(ctx)

		return nil, err
	}

	logger.Info("Storing checkpoints in Redis")

	return persistence.WithCheckpoints(p, checkpoints), nil
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
