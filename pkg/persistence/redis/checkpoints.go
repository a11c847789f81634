// Package redis stores checkpoints in Redis. Each checkpoint is a JSON string and every
// execution keeps a sorted set of its checkpoint ids scored by sequence.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "orchestra"

// CheckpointRepository implements persistence.CheckpointRepository on Redis.
type CheckpointRepository struct {
	client goredis.UniversalClient
	prefix string
}

// NewCheckpointRepository creates a repository; an empty prefix uses "orchestra".
func NewCheckpointRepository(client goredis.UniversalClient, prefix string) *CheckpointRepository {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &CheckpointRepository{client: client, prefix: prefix}
}

// Open connects to a redis:// URL and checks the server answers.
func Open(ctx context.Context, url string) (*CheckpointRepository, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewCheckpointRepository(client, ""), nil
}

func (r *CheckpointRepository) checkpointKey(id string) string {
	return r.prefix + ":checkpoint:" + id
}

func (r *CheckpointRepository) indexKey(executionID string) string {
	return r.prefix + ":checkpoints:" + executionID
}

func (r *CheckpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.checkpointKey(cp.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(cp.ExecutionID), goredis.Z{Score: float64(cp.Sequence), Member: cp.ID})

		return nil
	})
	if err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	return nil
}

func (r *CheckpointRepository) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	data, err := r.client.Get(ctx, r.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewCheckpointError("Get", id, persistence.ErrCheckpointNotFound)
		}

		return nil, persistence.NewCheckpointError("Get", id, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, persistence.NewCheckpointError("Get", id, fmt.Errorf("%w: %w", models.ErrCorruptCheckpoint, err))
	}

	return &cp, nil
}

func (r *CheckpointRepository) Latest(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	ids, err := r.client.ZRevRange(ctx, r.indexKey(executionID), 0, 0).Result()
	if err != nil {
		return nil, persistence.NewCheckpointError("Latest", executionID, err)
	}

	if len(ids) == 0 {
		return nil, persistence.NewCheckpointError("Latest", executionID, persistence.ErrCheckpointNotFound)
	}

	return r.Get(ctx, ids[0])
}

func (r *CheckpointRepository) List(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewCheckpointError("List", executionID, err)
	}

	out := make([]*models.Checkpoint, 0, len(ids))

	for _, id := range ids {
		cp, err := r.Get(ctx, id)
		if err != nil {
			if persistence.IsCheckpointNotFound(err) {
				continue
			}

			return nil, err
		}

		out = append(out, cp)
	}

	return out, nil
}

func (r *CheckpointRepository) Delete(ctx context.Context, id string) error {
	cp, err := r.Get(ctx, id)
	if err != nil {
		if persistence.IsCheckpointNotFound(err) {
			return nil
		}

		if !errors.Is(err, models.ErrCorruptCheckpoint) {
			return err
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.checkpointKey(id))

		if cp != nil {
			pipe.ZRem(ctx, r.indexKey(cp.ExecutionID), id)
		}

		return nil
	})
	if err != nil {
		return persistence.NewCheckpointError("Delete", id, err)
	}

	return nil
}

// Close releases the client.
func (r *CheckpointRepository) Close() error {
	return r.client.Close()
}

// HealthCheck pings the server.
func (r *CheckpointRepository) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
