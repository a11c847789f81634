package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a duplicate primary key.
const uniqueViolation = "23505"

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(def)
	if err != nil {
		return persistence.NewWorkflowError("Save", def.ID, def.Version, err)
	}

	query := `
		INSERT INTO workflow_definitions (id, version, name, definition, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = r.db.ExecContext(ctx, query, def.ID, def.Version, def.Name, data, def.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewWorkflowError("Save", def.ID, def.Version, persistence.ErrWorkflowAlreadyExists)
		}

		return persistence.NewWorkflowError("Save", def.ID, def.Version, fmt.Errorf("failed to insert definition: %w", err))
	}

	return nil
}

func (r *DefinitionRepository) Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	query := `
		SELECT definition
		FROM workflow_definitions
		WHERE id = $1 AND ($2 = 0 OR version = $2)
		ORDER BY version DESC
		LIMIT 1
	`

	var data []byte

	err := r.db.QueryRowContext(ctx, query, id, version).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("Get", id, version, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("Get", id, version, err)
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, persistence.NewWorkflowError("Get", id, version, fmt.Errorf("failed to decode definition: %w", err))
	}

	return &def, nil
}

func (r *DefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `
		SELECT DISTINCT ON (id) definition
		FROM workflow_definitions
		ORDER BY id, version DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	defs := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		var def models.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to decode definition: %w", err)
		}

		defs = append(defs, &def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

func (r *DefinitionRepository) Versions(ctx context.Context, id string) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT version FROM workflow_definitions WHERE id = $1 ORDER BY version", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	versions := make([]int, 0)

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		versions = append(versions, version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	if len(versions) == 0 {
		return nil, persistence.NewWorkflowError("Versions", id, 0, persistence.ErrWorkflowNotFound)
	}

	return versions, nil
}
