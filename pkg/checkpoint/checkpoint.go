// Package checkpoint snapshots executions, restores them from snapshots and recovers the
// executions left behind by a previous process.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type Config struct {
	// Interval between sweeps of the executions in memory. Zero disables the sweep.
	Interval time.Duration `validate:"gte=0"`
	// Retain is the number of recent checkpoints kept per execution besides the initial
	// one. Zero keeps everything.
	Retain int `validate:"gte=0"`
	// StaleAfter is the age after which a checkpoint is no longer trusted on recovery.
	StaleAfter time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Interval:   60 * time.Second,
		Retain:     10,
		StaleAfter: 10 * time.Minute,
	}
}

// Adopter takes over executions restored from checkpoints.
type Adopter interface {
	Adopt(ctx context.Context, x *models.WorkflowExecution) (*models.WorkflowExecution, error)
}

// Source lists the live executions the interval sweep snapshots.
type Source interface {
	Snapshots() []*models.WorkflowExecution
}

type Option func(*Manager)

// WithClock replaces time.Now when judging checkpoint age and stamping events.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	logger      *slog.Logger
	cfg         Config
	checkpoints persistence.CheckpointRepository
	executions  persistence.ExecutionRepository
	publisher   eventbus.EventPublisher
	now         func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewManager(
	logger *slog.Logger,
	cfg Config,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	opts ...Option,
) (*Manager, error) {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}

	m := &Manager{
		logger:      logger.With("module", "checkpoint"),
		cfg:         cfg,
		checkpoints: store.CheckpointRepository(),
		executions:  store.ExecutionRepository(),
		publisher:   publisher,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Checkpoint snapshots x and stores the snapshot. The caller serializes writes to x.
func (m *Manager) Checkpoint(ctx context.Context, x *models.WorkflowExecution, reason models.CheckpointReason) (*models.Checkpoint, error) {
	cp, err := models.NewCheckpoint(x, reason)
	if err != nil {
		return nil, persistence.NewCheckpointError("Checkpoint", x.ID, err)
	}

	cp.CreatedAt = m.now().UTC()

	err = m.checkpoints.Save(ctx, cp)
	if err != nil {
		return nil, err
	}

	m.announce(ctx, cp)

	if reason == models.CheckpointTerminal {
		m.prune(ctx, x.ID)
	}

	return cp, nil
}

// announce publishes checkpoint_created. The event is not part of the execution log and
// carries the sequence the snapshot was taken at.
func (m *Manager) announce(ctx context.Context, cp *models.Checkpoint) {
	if m.publisher == nil {
		return
	}

	event := models.Event{
		ID:          uuid.NewString(),
		Sequence:    cp.Sequence,
		Type:        events.CheckpointCreated,
		ExecutionID: cp.ExecutionID,
		WorkflowID:  cp.State.WorkflowID,
		NewState:    string(cp.State.State),
		Data:        map[string]any{"checkpoint_id": cp.ID, "reason": string(cp.Reason)},
		Timestamp:   cp.CreatedAt,
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish checkpoint event", "checkpoint_id", cp.ID, "error", err)
	}
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Checkpoint, error) {
	return m.checkpoints.Get(ctx, id)
}

func (m *Manager) Latest(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	return m.checkpoints.Latest(ctx, executionID)
}

func (m *Manager) List(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	return m.checkpoints.List(ctx, executionID)
}

// Resume restores the execution captured by the checkpoint and hands it to adopter. Tasks
// that were running at checkpoint time run again; completed tasks keep their outputs.
func (m *Manager) Resume(ctx context.Context, checkpointID string, adopter Adopter) (*models.WorkflowExecution, error) {
	cp, err := m.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	if err := cp.Verify(); err != nil {
		return nil, &RecoveryError{ExecutionID: cp.ExecutionID, CheckpointID: cp.ID, Err: err}
	}

	if cp.State.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s captured a %s execution", ErrNotResumable, cp.ID, cp.State.State)
	}

	x, err := adopter.Adopt(ctx, cp.State.Clone())
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "Execution resumed from checkpoint",
		"execution_id", cp.ExecutionID, "checkpoint_id", cp.ID, "sequence", cp.Sequence)

	return x, nil
}

// Replay rebuilds the execution from its initial checkpoint and the stored event log.
func (m *Manager) Replay(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	cps, err := m.checkpoints.List(ctx, executionID)
	if err != nil {
		return nil, err
	}

	initial := initialCheckpoint(cps)
	if initial == nil {
		return nil, &RecoveryError{ExecutionID: executionID, Err: ErrNoInitialCheckpoint}
	}

	if err := initial.Verify(); err != nil {
		return nil, &RecoveryError{ExecutionID: executionID, CheckpointID: initial.ID, Err: err}
	}

	x, err := m.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	replayed, err := models.Replay(initial.State, x.Events)
	if err != nil {
		return nil, &RecoveryError{ExecutionID: executionID, CheckpointID: initial.ID, Err: err}
	}

	return replayed, nil
}

func initialCheckpoint(cps []*models.Checkpoint) *models.Checkpoint {
	for _, cp := range cps {
		if cp.Reason == models.CheckpointInitial {
			return cp
		}
	}

	return nil
}

// prune deletes everything but the initial checkpoint and the newest cfg.Retain ones.
func (m *Manager) prune(ctx context.Context, executionID string) {
	if m.cfg.Retain == 0 {
		return
	}

	cps, err := m.checkpoints.List(ctx, executionID)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to list checkpoints for retention", "execution_id", executionID, "error", err)

		return
	}

	initial := initialCheckpoint(cps)
	cut := len(cps) - m.cfg.Retain

	for i := 0; i < cut; i++ {
		if cps[i] == initial {
			continue
		}

		if err := m.checkpoints.Delete(ctx, cps[i].ID); err != nil {
			m.logger.WarnContext(ctx, "Failed to delete checkpoint", "checkpoint_id", cps[i].ID, "error", err)
		}
	}
}
