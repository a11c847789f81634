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
)

// CheckpointRepository handles checkpoint database operations.
type CheckpointRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const checkpointColumns = `
	SELECT
		id
	  , execution_id
	  , sequence
	  , reason
	  , checksum
	  , state
	  , created_at
	FROM checkpoints
`

func (r *CheckpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	query := `
		INSERT INTO checkpoints (id, execution_id, sequence, reason, checksum, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		cp.ID, cp.ExecutionID, cp.Sequence, string(cp.Reason), cp.Checksum, state, cp.CreatedAt)
	if err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, fmt.Errorf("failed to insert checkpoint: %w", err))
	}

	return nil
}

func (r *CheckpointRepository) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	cp, err := r.scan(r.db.QueryRowContext(ctx, checkpointColumns+"WHERE id = $1", id))
	if err != nil {
		return nil, r.wrap("Get", id, err)
	}

	return cp, nil
}

func (r *CheckpointRepository) Latest(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, checkpointColumns+"WHERE execution_id = $1 ORDER BY sequence DESC, created_at DESC LIMIT 1", executionID)

	cp, err := r.scan(row)
	if err != nil {
		return nil, r.wrap("Latest", executionID, err)
	}

	return cp, nil
}

func (r *CheckpointRepository) List(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, checkpointColumns+"WHERE execution_id = $1 ORDER BY sequence, created_at", executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	out := make([]*models.Checkpoint, 0)

	for rows.Next() {
		cp, err := r.scan(rows)
		if err != nil {
			return nil, r.wrap("List", executionID, err)
		}

		out = append(out, cp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}

	return out, nil
}

func (r *CheckpointRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = $1", id)
	if err != nil {
		return persistence.NewCheckpointError("Delete", id, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *CheckpointRepository) scan(row scanner) (*models.Checkpoint, error) {
	var (
		cp     models.Checkpoint
		reason string
		state  []byte
	)

	err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.Sequence, &reason, &cp.Checksum, &state, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}

	cp.Reason = models.CheckpointReason(reason)

	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrCorruptCheckpoint, err)
	}

	return &cp, nil
}

func (r *CheckpointRepository) wrap(op, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewCheckpointError(op, id, persistence.ErrCheckpointNotFound)
	}

	return persistence.NewCheckpointError(op, id, err)
}
