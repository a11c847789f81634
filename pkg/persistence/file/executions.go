package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// ExecutionRepository stores executions as executions/<id>.json.
type ExecutionRepository struct {
	store *store
}

func (r *ExecutionRepository) Save(_ context.Context, x *models.WorkflowExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := r.store.write(x, x.ID+".json"); err != nil {
		return persistence.NewExecutionError("Save", x.ID, err)
	}

	return nil
}

func (r *ExecutionRepository) Get(_ context.Context, id string) (*models.WorkflowExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get(id)
}

func (r *ExecutionRepository) get(id string) (*models.WorkflowExecution, error) {
	var x models.WorkflowExecution

	if err := r.store.read(&x, id+".json"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewExecutionError("Get", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", id, err)
	}

	return &x, nil
}

func (r *ExecutionRepository) List(_ context.Context, filter persistence.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	files, err := r.store.glob("*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*models.WorkflowExecution, 0, len(files))

	for _, file := range files {
		x, err := r.get(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		if filter.Matches(x) {
			out = append(out, x)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *ExecutionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if err := r.store.remove(id + ".json"); err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}
