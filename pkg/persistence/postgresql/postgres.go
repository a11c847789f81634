// Package postgresql provides PostgreSQL persistence for definitions, executions, checkpoints
// and webhook subscriptions. Aggregates are stored as JSONB next to the columns used to
// filter them.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db               *sql.DB
	logger           *slog.Logger
	definitionRepo   *DefinitionRepository
	executionRepo    *ExecutionRepository
	checkpointRepo   *CheckpointRepository
	subscriptionRepo *SubscriptionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:               database,
		logger:           logger,
		definitionRepo:   &DefinitionRepository{db: database, logger: logger},
		executionRepo:    &ExecutionRepository{db: database, logger: logger},
		checkpointRepo:   &CheckpointRepository{db: database, logger: logger},
		subscriptionRepo: &SubscriptionRepository{db: database, logger: logger},
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return p.definitionRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return p.checkpointRepo
}

func (p *Persistence) SubscriptionRepository() persistence.SubscriptionRepository {
	return p.subscriptionRepo
}

// closeRows logs instead of failing: the result set has already been consumed.
func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
