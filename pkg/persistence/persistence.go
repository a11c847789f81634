// Package persistence provides the storage abstraction for workflow definitions, executions,
// checkpoints and webhook subscriptions.
package persistence

import (
	"context"
	"errors"
	"io"

	"github.com/dukex/orchestra/pkg/models"
)

// Persistence is an explicitly owned store. It is opened at startup, passed to the
// services that need it and closed at shutdown.
type Persistence interface {
	DefinitionRepository() DefinitionRepository
	ExecutionRepository() ExecutionRepository
	CheckpointRepository() CheckpointRepository
	SubscriptionRepository() SubscriptionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores immutable, versioned workflow definitions.
type DefinitionRepository interface {
	// Save stores a new version. Saving an existing id and version fails with
	// ErrWorkflowAlreadyExists.
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	// Get returns the given version, or the latest one when version is 0.
	Get(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error)
	// List returns the latest version of every definition.
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)
	Versions(ctx context.Context, id string) ([]int, error)
}

// ExecutionFilter narrows ExecutionRepository.List. Zero values match everything.
type ExecutionFilter struct {
	WorkflowID string
	States     []models.ExecutionState
}

// ExecutionRepository stores the current state of executions, event log included.
type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.WorkflowExecution) error
	Get(ctx context.Context, id string) (*models.WorkflowExecution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*models.WorkflowExecution, error)
	Delete(ctx context.Context, id string) error
}

// CheckpointRepository stores immutable execution snapshots.
type CheckpointRepository interface {
	Save(ctx context.Context, checkpoint *models.Checkpoint) error
	// Get fails with ErrCheckpointNotFound, or with models.ErrCorruptCheckpoint when the
	// stored snapshot cannot be decoded.
	Get(ctx context.Context, id string) (*models.Checkpoint, error)
	Latest(ctx context.Context, executionID string) (*models.Checkpoint, error)
	// List returns the checkpoints of an execution ordered by sequence.
	List(ctx context.Context, executionID string) ([]*models.Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

// SubscriptionRepository stores webhook subscriptions.
type SubscriptionRepository interface {
	Save(ctx context.Context, subscription *models.WebhookSubscription) error
	Get(ctx context.Context, id string) (*models.WebhookSubscription, error)
	List(ctx context.Context) ([]*models.WebhookSubscription, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status models.SubscriptionStatus) error
}

// Matches reports whether x passes the filter.
func (f ExecutionFilter) Matches(x *models.WorkflowExecution) bool {
	if f.WorkflowID != "" && x.WorkflowID != f.WorkflowID {
		return false
	}

	if len(f.States) == 0 {
		return true
	}

	for _, state := range f.States {
		if x.State == state {
			return true
		}
	}

	return false
}

// WithCheckpoints returns p with its checkpoint repository replaced by checkpoints. Close
// also closes checkpoints when it is an io.Closer.
func WithCheckpoints(p Persistence, checkpoints CheckpointRepository) Persistence {
	return &overlay{Persistence: p, checkpoints: checkpoints}
}

type overlay struct {
	Persistence
	checkpoints CheckpointRepository
}

func (o *overlay) CheckpointRepository() CheckpointRepository {
	return o.checkpoints
}

func (o *overlay) HealthCheck(ctx context.Context) error {
	if err := o.Persistence.HealthCheck(ctx); err != nil {
		return err
	}

	if checker, ok := o.checkpoints.(interface{ HealthCheck(context.Context) error }); ok {
		return checker.HealthCheck(ctx)
	}

	return nil
}

func (o *overlay) Close(ctx context.Context) error {
	err := o.Persistence.Close(ctx)

	if closer, ok := o.checkpoints.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}

	return err
}
