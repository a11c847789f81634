package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// Report lists what Recover did with each execution it found.
type Report struct {
	Resumed []string `json:"resumed"`
	Flagged []string `json:"flagged"`
	Failed  []string `json:"failed"`
}

// Recover restores every running or paused execution after a restart. An execution with
// a checkpoint younger than StaleAfter is handed to adopter. One whose checkpoint is
// missing or stale is flagged for review and paused. One whose checkpoint is corrupt is
// failed with a recovery reason.
func (m *Manager) Recover(ctx context.Context, adopter Adopter) (Report, error) {
	var report Report

	stored, err := m.executions.List(ctx, persistence.ExecutionFilter{
		States: []models.ExecutionState{models.ExecutionPending, models.ExecutionRunning, models.ExecutionPaused},
	})
	if err != nil {
		return report, err
	}

	for _, x := range stored {
		if x.Review != nil {
			m.logger.InfoContext(ctx, "Execution awaits operator review", "execution_id", x.ID, "reason", x.Review.Reason)
			report.Flagged = append(report.Flagged, x.ID)

			continue
		}

		outcome, err := m.recover(ctx, x, adopter)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to recover execution", "execution_id", x.ID, "error", err)

			continue
		}

		switch outcome {
		case outcomeResumed:
			report.Resumed = append(report.Resumed, x.ID)
		case outcomeFlagged:
			report.Flagged = append(report.Flagged, x.ID)
		case outcomeFailed:
			report.Failed = append(report.Failed, x.ID)
		}
	}

	m.logger.InfoContext(ctx, "Recovery finished",
		"resumed", len(report.Resumed), "flagged", len(report.Flagged), "failed", len(report.Failed))

	return report, nil
}

type outcome int

const (
	outcomeResumed outcome = iota
	outcomeFlagged
	outcomeFailed
)

func (m *Manager) recover(ctx context.Context, x *models.WorkflowExecution, adopter Adopter) (outcome, error) {
	cp, err := m.checkpoints.Latest(ctx, x.ID)

	switch {
	case persistence.IsCheckpointNotFound(err):
		return outcomeFlagged, m.flag(ctx, x, "", "no checkpoint found")
	case errors.Is(err, models.ErrCorruptCheckpoint):
		return outcomeFailed, m.fail(ctx, x, &RecoveryError{ExecutionID: x.ID, Err: err})
	case err != nil:
		return 0, err
	}

	if err := cp.Verify(); err != nil {
		return outcomeFailed, m.fail(ctx, x, &RecoveryError{ExecutionID: x.ID, CheckpointID: cp.ID, Err: err})
	}

	age := m.now().Sub(cp.CreatedAt)
	if age > m.cfg.StaleAfter {
		return outcomeFlagged, m.flag(ctx, x, cp.ID, fmt.Sprintf("latest checkpoint is %s old", age.Truncate(time.Second)))
	}

	_, err = adopter.Adopt(ctx, restore(cp, x))
	if err != nil {
		return 0, err
	}

	m.logger.InfoContext(ctx, "Execution recovered", "execution_id", x.ID, "checkpoint_id", cp.ID, "sequence", cp.Sequence)

	return outcomeResumed, nil
}

// restore picks the state to resume from. The stored execution wins when its event log
// extends the checkpoint; otherwise the checkpoint snapshot is used.
func restore(cp *models.Checkpoint, stored *models.WorkflowExecution) *models.WorkflowExecution {
	if stored.Sequence <= cp.Sequence {
		return cp.State.Clone()
	}

	replayed, err := models.Replay(cp.State, stored.Events)
	if err != nil || replayed.Sequence != stored.Sequence {
		return cp.State.Clone()
	}

	return replayed
}

// flag marks x for operator review and pauses it so nothing is dispatched until an
// operator resumes or cancels it.
func (m *Manager) flag(ctx context.Context, x *models.WorkflowExecution, checkpointID, reason string) error {
	published := len(x.Events)

	err := m.apply(x, events.ExecutionFlagged, func(e *models.Event) {
		e.Error = &models.Failure{
			Category: models.CategoryRecovery,
			Class:    models.ClassRecovery,
			Code:     "stale_checkpoint",
			Message:  reason,
		}
		if checkpointID != "" {
			e.Data = map[string]any{"checkpoint_id": checkpointID}
		}
	})
	if err != nil {
		return err
	}

	if x.State == models.ExecutionRunning {
		if err := m.apply(x, events.ExecutionPaused, nil); err != nil {
			return err
		}
	}

	m.logger.WarnContext(ctx, "Execution flagged for review", "execution_id", x.ID, "checkpoint_id", checkpointID, "reason", reason)

	return m.store(ctx, x, published)
}

// fail closes x with a recovery failure and cancels its unfinished tasks.
func (m *Manager) fail(ctx context.Context, x *models.WorkflowExecution, cause *RecoveryError) error {
	published := len(x.Events)

	err := m.apply(x, events.ExecutionFailed, func(e *models.Event) {
		e.Error = &models.Failure{
			Category: models.CategoryRecovery,
			Class:    models.ClassRecovery,
			Code:     "corrupt_checkpoint",
			Message:  cause.Error(),
		}
	})
	if err != nil {
		return err
	}

	for _, id := range x.TaskOrder {
		if x.Tasks[id].IsTerminal() {
			continue
		}

		if err := m.applyTask(x, events.TaskCancelled, id, nil); err != nil {
			return err
		}
	}

	m.logger.ErrorContext(ctx, "Execution failed during recovery", "execution_id", x.ID, "error", cause)

	return m.store(ctx, x, published)
}

func (m *Manager) apply(x *models.WorkflowExecution, eventType events.EventType, mutate func(*models.Event)) error {
	return m.applyTask(x, eventType, "", mutate)
}

func (m *Manager) applyTask(x *models.WorkflowExecution, eventType events.EventType, taskID string, mutate func(*models.Event)) error {
	event := x.NewEvent(eventType, taskID, m.now())
	if mutate != nil {
		mutate(&event)
	}

	return x.Apply(event)
}

func (m *Manager) store(ctx context.Context, x *models.WorkflowExecution, published int) error {
	if err := m.executions.Save(ctx, x); err != nil {
		return err
	}

	if m.publisher == nil {
		return nil
	}

	for _, event := range x.Events[published:] {
		if err := m.publisher.Publish(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "Failed to publish event", "execution_id", x.ID, "event_type", event.Type, "error", err)
		}
	}

	return nil
}
