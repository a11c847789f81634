package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// CheckpointRepository stores checkpoints as checkpoints/<execution>/<sequence>-<id>.json
// so a directory listing is already ordered.
type CheckpointRepository struct {
	store *store
}

func checkpointName(cp *models.Checkpoint) string {
	return fmt.Sprintf("%020d-%s.json", cp.Sequence, cp.ID)
}

func (r *CheckpointRepository) Save(_ context.Context, cp *models.Checkpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := r.store.write(cp, cp.ExecutionID, checkpointName(cp)); err != nil {
		return persistence.NewCheckpointError("Save", cp.ID, err)
	}

	return nil
}

func (r *CheckpointRepository) Get(_ context.Context, id string) (*models.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	matches, err := r.store.glob(filepath.Join("*", "*-"+id+".json"), id)
	if err != nil {
		return nil, persistence.NewCheckpointError("Get", id, err)
	}

	if len(matches) == 0 {
		return nil, persistence.NewCheckpointError("Get", id, persistence.ErrCheckpointNotFound)
	}

	return r.load(id, matches[0])
}

func (r *CheckpointRepository) Latest(_ context.Context, executionID string) (*models.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	files, err := r.files(executionID)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, persistence.NewCheckpointError("Latest", executionID, persistence.ErrCheckpointNotFound)
	}

	last := files[len(files)-1]

	return r.load(checkpointID(last), last)
}

func (r *CheckpointRepository) List(_ context.Context, executionID string) ([]*models.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	files, err := r.files(executionID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Checkpoint, 0, len(files))

	for _, file := range files {
		cp, err := r.load(checkpointID(file), file)
		if err != nil {
			return nil, err
		}

		out = append(out, cp)
	}

	return out, nil
}

func (r *CheckpointRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	matches, err := r.store.glob(filepath.Join("*", "*-"+id+".json"), id)
	if err != nil {
		return persistence.NewCheckpointError("Delete", id, err)
	}

	for _, match := range matches {
		if err := r.store.remove(split(match)...); err != nil {
			return persistence.NewCheckpointError("Delete", id, err)
		}
	}

	return nil
}

func (r *CheckpointRepository) files(executionID string) ([]string, error) {
	files, err := r.store.glob(filepath.Join(executionID, "*.json"), executionID)
	if err != nil {
		return nil, persistence.NewCheckpointError("List", executionID, err)
	}

	sort.Strings(files)

	return files, nil
}

func (r *CheckpointRepository) load(id, file string) (*models.Checkpoint, error) {
	data, err := r.store.readFile(split(file)...)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewCheckpointError("Get", id, persistence.ErrCheckpointNotFound)
		}

		return nil, persistence.NewCheckpointError("Get", id, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, persistence.NewCheckpointError("Get", id, fmt.Errorf("%w: %w", models.ErrCorruptCheckpoint, err))
	}

	if cp.ID == "" {
		cp.ID = id
	}

	return &cp, nil
}

// checkpointID extracts the id from "<sequence>-<id>.json".
func checkpointID(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), ".json")
	if _, id, ok := strings.Cut(name, "-"); ok {
		return id
	}

	return name
}
