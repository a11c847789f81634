// Package file provides file-based persistence, one JSON document per entity under a root
// directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/orchestra/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root             string
	definitionRepo   *DefinitionRepository
	executionRepo    *ExecutionRepository
	checkpointRepo   *CheckpointRepository
	subscriptionRepo *SubscriptionRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:             cleanRoot,
		definitionRepo:   &DefinitionRepository{store: newStore(cleanRoot, "workflows")},
		executionRepo:    &ExecutionRepository{store: newStore(cleanRoot, "executions")},
		checkpointRepo:   &CheckpointRepository{store: newStore(cleanRoot, "checkpoints")},
		subscriptionRepo: &SubscriptionRepository{store: newStore(cleanRoot, "subscriptions")},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return fp.definitionRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) CheckpointRepository() persistence.CheckpointRepository {
	return fp.checkpointRepo
}

func (fp *Persistence) SubscriptionRepository() persistence.SubscriptionRepository {
	return fp.subscriptionRepo
}

// store serializes access to one directory of JSON documents.
type store struct {
	mu  sync.RWMutex
	dir string
}

func newStore(root, name string) *store {
	return &store{dir: filepath.Join(root, name)}
}

// errInvalidKey wraps fs.ErrNotExist: no document can be stored under such a key, so
// lookups report it as missing.
var errInvalidKey = fmt.Errorf("invalid document key: %w", fs.ErrNotExist)

// checkKey accepts a single path element that stays below the store directory and
// carries no glob metacharacters.
func checkKey(key string) error {
	if !filepath.IsLocal(key) || strings.ContainsAny(key, `/\*?[`) || key == "." {
		return fmt.Errorf("%w: %q", errInvalidKey, key)
	}

	return nil
}

func (s *store) path(parts ...string) (string, error) {
	for _, part := range parts {
		if err := checkKey(part); err != nil {
			return "", err
		}
	}

	return filepath.Join(append([]string{s.dir}, parts...)...), nil
}

// split turns a path returned by glob back into its parts.
func split(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}

// write stores v atomically: the document is written to a temporary file and renamed.
func (s *store) write(v any, parts ...string) error {
	target, err := s.path(parts...)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(target), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), target)
}

func (s *store) readFile(parts ...string) ([]byte, error) {
	target, err := s.path(parts...)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(target)
}

// read decodes the document into v. A missing document returns os.ErrNotExist.
func (s *store) read(v any, parts ...string) error {
	data, err := s.readFile(parts...)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (s *store) exists(parts ...string) bool {
	target, err := s.path(parts...)
	if err != nil {
		return false
	}

	_, err = os.Stat(target)

	return err == nil
}

func (s *store) remove(parts ...string) error {
	target, err := s.path(parts...)
	if err != nil {
		return err
	}

	err = os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// glob lists documents relative to the store directory. keys are the caller supplied
// parts of pattern; an invalid one matches nothing.
func (s *store) glob(pattern string, keys ...string) ([]string, error) {
	for _, key := range keys {
		if checkKey(key) != nil {
			return nil, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(matches))
	for _, match := range matches {
		rel, err := filepath.Rel(s.dir, match)
		if err != nil {
			return nil, err
		}

		out = append(out, rel)
	}

	return out, nil
}
