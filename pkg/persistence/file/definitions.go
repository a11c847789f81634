package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// DefinitionRepository stores each version as workflows/<id>/<version>.json.
type DefinitionRepository struct {
	store *store
}

func (r *DefinitionRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	name := strconv.Itoa(def.Version) + ".json"

	if r.store.exists(def.ID, name) {
		return persistence.NewWorkflowError("Save", def.ID, def.Version, persistence.ErrWorkflowAlreadyExists)
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	if err := r.store.write(def, def.ID, name); err != nil {
		return persistence.NewWorkflowError("Save", def.ID, def.Version, err)
	}

	return nil
}

func (r *DefinitionRepository) Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	if version == 0 {
		versions, err := r.Versions(ctx, id)
		if err != nil {
			return nil, err
		}

		version = versions[len(versions)-1]
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var def models.WorkflowDefinition

	if err := r.store.read(&def, id, strconv.Itoa(version)+".json"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewWorkflowError("Get", id, version, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("Get", id, version, err)
	}

	return &def, nil
}

func (r *DefinitionRepository) Versions(_ context.Context, id string) ([]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	files, err := r.store.glob(filepath.Join(id, "*.json"), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", id, err)
	}

	versions := make([]int, 0, len(files))

	for _, file := range files {
		version, err := strconv.Atoi(strings.TrimSuffix(filepath.Base(file), ".json"))
		if err == nil {
			versions = append(versions, version)
		}
	}

	if len(versions) == 0 {
		return nil, persistence.NewWorkflowError("Versions", id, 0, persistence.ErrWorkflowNotFound)
	}

	sort.Ints(versions)

	return versions, nil
}

func (r *DefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	r.store.mu.RLock()
	dirs, err := r.store.glob("*")
	r.store.mu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	defs := make([]*models.WorkflowDefinition, 0, len(dirs))

	for _, dir := range dirs {
		def, err := r.Get(ctx, dir, 0)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				continue
			}

			return nil, err
		}

		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.Before(defs[j].CreatedAt) })

	return defs, nil
}
