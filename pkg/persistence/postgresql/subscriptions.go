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
)

// SubscriptionRepository handles webhook subscription database operations. Status lives in
// its own column so delivery bookkeeping does not rewrite the subscription.
type SubscriptionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *SubscriptionRepository) Save(ctx context.Context, sub *models.WebhookSubscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}

	sub.UpdatedAt = now

	data, err := json.Marshal(sub)
	if err != nil {
		return persistence.NewSubscriptionError("Save", sub.ID, err)
	}

	status, err := json.Marshal(sub.Status)
	if err != nil {
		return persistence.NewSubscriptionError("Save", sub.ID, err)
	}

	query := `
		INSERT INTO webhook_subscriptions (id, direction, workflow_id, subscription, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			direction = EXCLUDED.direction
		  , workflow_id = EXCLUDED.workflow_id
		  , subscription = EXCLUDED.subscription
		  , status = EXCLUDED.status
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		sub.ID, string(sub.Direction), sub.WorkflowID, data, status, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return persistence.NewSubscriptionError("Save", sub.ID, fmt.Errorf("failed to upsert subscription: %w", err))
	}

	return nil
}

func (r *SubscriptionRepository) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := r.db.QueryRowContext(ctx, "SELECT subscription, status FROM webhook_subscriptions WHERE id = $1", id)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewSubscriptionError("Get", id, persistence.ErrSubscriptionNotFound)
		}

		return nil, persistence.NewSubscriptionError("Get", id, err)
	}

	return sub, nil
}

func (r *SubscriptionRepository) List(ctx context.Context) ([]*models.WebhookSubscription, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT subscription, status FROM webhook_subscriptions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	out := make([]*models.WebhookSubscription, 0)

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		out = append(out, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return out, nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM webhook_subscriptions WHERE id = $1", id)
	if err != nil {
		return persistence.NewSubscriptionError("Delete", id, err)
	}

	return r.requireRow("Delete", id, result)
}

func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return persistence.NewSubscriptionError("UpdateStatus", id, err)
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE webhook_subscriptions SET status = $2, updated_at = $3 WHERE id = $1", id, data, time.Now().UTC())
	if err != nil {
		return persistence.NewSubscriptionError("UpdateStatus", id, err)
	}

	return r.requireRow("UpdateStatus", id, result)
}

func (r *SubscriptionRepository) requireRow(op, id string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewSubscriptionError(op, id, err)
	}

	if affected == 0 {
		return persistence.NewSubscriptionError(op, id, persistence.ErrSubscriptionNotFound)
	}

	return nil
}

func scanSubscription(row scanner) (*models.WebhookSubscription, error) {
	var data, status []byte

	if err := row.Scan(&data, &status); err != nil {
		return nil, err
	}

	var sub models.WebhookSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}

	if err := json.Unmarshal(status, &sub.Status); err != nil {
		return nil, fmt.Errorf("failed to decode subscription status: %w", err)
	}

	return &sub, nil
}
