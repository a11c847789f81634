package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/lib/pq"
)

// ExecutionRepository handles execution database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Save upserts the execution. Resuming from an older checkpoint rewinds the stored row.
func (r *ExecutionRepository) Save(ctx context.Context, x *models.WorkflowExecution) error {
	data, err := json.Marshal(x)
	if err != nil {
		return persistence.NewExecutionError("Save", x.ID, err)
	}

	query := `
		INSERT INTO workflow_executions
			(id, workflow_id, workflow_version, state, sequence, execution, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state
		  , sequence = EXCLUDED.sequence
		  , execution = EXCLUDED.execution
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		x.ID, x.WorkflowID, x.WorkflowVersion, string(x.State), x.Sequence, data, x.CreatedAt, x.UpdatedAt)
	if err != nil {
		return persistence.NewExecutionError("Save", x.ID, fmt.Errorf("failed to upsert execution: %w", err))
	}

	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, "SELECT execution FROM workflow_executions WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Get", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", id, err)
	}

	var x models.WorkflowExecution
	if err := json.Unmarshal(data, &x); err != nil {
		return nil, persistence.NewExecutionError("Get", id, fmt.Errorf("failed to decode execution: %w", err))
	}

	return &x, nil
}

func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}

	query := `
		SELECT execution
		FROM workflow_executions
		WHERE ($1 = '' OR workflow_id = $1)
		  AND (cardinality($2::text[]) = 0 OR state = ANY($2))
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, filter.WorkflowID, pq.Array(states))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	out := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		var x models.WorkflowExecution
		if err := json.Unmarshal(data, &x); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}

		out = append(out, &x)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return out, nil
}

func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_executions WHERE id = $1", id)
	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}
