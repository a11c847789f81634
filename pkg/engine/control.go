package engine

import (
	"context"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
)

var cancelledByRequest = &models.Failure{
	Category: models.CategoryCancelled,
	Class:    models.ClassCancelled,
	Code:     "cancelled",
	Message:  "execution cancelled by request",
}

// Cancel records the cancellation and cancels every non-terminal task before aborting the
// attempts still in flight. Results that arrive afterwards are dropped.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.updateStored(ctx, id, models.CheckpointCancel, cancelStored)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return e.updateStored(ctx, id, models.CheckpointCancel, cancelStored)
	}

	err := e.cancel(r)
	if err != nil {
		return nil, err
	}

	err = e.executions.Save(r.storeCtx, r.x)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist cancellation", "error", err)
	}

	e.checkpoint(r, models.CheckpointCancel)
	e.publish(r)

	r.logger.InfoContext(ctx, "Execution cancelled", "in_flight", len(r.inflight))

	snapshot := r.x.Clone()
	e.finish(r)

	return snapshot, nil
}

func (e *Engine) cancel(r *run) error {
	err := e.apply(r, events.ExecutionCancelled, "", func(ev *models.Event) {
		ev.Error = cancelledByRequest.Clone()
	})
	if err != nil {
		return err
	}

	for _, taskID := range r.x.TaskOrder {
		if r.x.Tasks[taskID].IsTerminal() {
			continue
		}

		if err := e.apply(r, events.TaskCancelled, taskID, nil); err != nil {
			return err
		}
	}

	r.stopTimers()
	clear(r.held)

	return nil
}

// Pause stops dispatching. Attempts in flight finish and their results are recorded.
func (e *Engine) Pause(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	r := e.lookup(id)
	if r == nil {
		return e.updateStored(ctx, id, models.CheckpointPause, func(e *Engine, x *models.WorkflowExecution) error {
			return e.applyStored(x, events.ExecutionPaused, "", nil)
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := e.apply(r, events.ExecutionPaused, "", nil)
	if err != nil {
		return nil, err
	}

	err = e.executions.Save(r.storeCtx, r.x)
	if err != nil {
		return nil, err
	}

	e.checkpoint(r, models.CheckpointPause)
	e.publish(r)

	r.logger.InfoContext(ctx, "Execution paused", "in_flight", len(r.inflight))

	return r.x.Clone(), nil
}

// Resume re-evaluates eligibility and dispatches again. A paused execution that is not in
// memory, for example one flagged for review after a restart, is adopted first.
func (e *Engine) Resume(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	r := e.lookup(id)
	if r == nil {
		x, err := e.executions.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if x.State != models.ExecutionPaused {
			return nil, &models.TransitionError{ExecutionID: id, Event: events.ExecutionResumed, From: string(x.State), Err: transitionErr(x.State)}
		}

		_, err = e.Adopt(ctx, x)
		if err != nil && !IsAlreadyRunning(err) {
			return nil, err
		}

		r = e.lookup(id)
		if r == nil {
			return e.executions.Get(ctx, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := e.apply(r, events.ExecutionResumed, "", nil)
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "Execution resumed")

	e.advance(r)

	return r.x.Clone(), nil
}

func transitionErr(state models.ExecutionState) error {
	if state.IsTerminal() {
		return models.ErrTerminalTransition
	}

	return models.ErrInvalidTransition
}

func cancelStored(e *Engine, x *models.WorkflowExecution) error {
	err := e.applyStored(x, events.ExecutionCancelled, "", func(ev *models.Event) {
		ev.Error = cancelledByRequest.Clone()
	})
	if err != nil {
		return err
	}

	for _, taskID := range x.TaskOrder {
		if x.Tasks[taskID].IsTerminal() {
			continue
		}

		if err := e.applyStored(x, events.TaskCancelled, taskID, nil); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) applyStored(x *models.WorkflowExecution, eventType events.EventType, taskID string, mutate func(*models.Event)) error {
	event := x.NewEvent(eventType, taskID, e.now())
	if mutate != nil {
		mutate(&event)
	}

	return x.Apply(event)
}

// updateStored changes an execution the engine is not driving, such as one left for
// operator review by recovery.
func (e *Engine) updateStored(
	ctx context.Context,
	id string,
	reason models.CheckpointReason,
	change func(*Engine, *models.WorkflowExecution) error,
) (*models.WorkflowExecution, error) {
	x, err := e.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	published := len(x.Events)

	err = change(e, x)
	if err != nil {
		return nil, err
	}

	err = e.executions.Save(ctx, x)
	if err != nil {
		return nil, err
	}

	if e.checkpointer != nil {
		if _, err := e.checkpointer.Checkpoint(ctx, x, reason); err != nil {
			e.logger.ErrorContext(ctx, "Failed to checkpoint execution", "execution_id", id, "error", err)
		}
	}

	if e.publisher != nil {
		for _, event := range x.Events[published:] {
			if err := e.publisher.Publish(ctx, event); err != nil {
				e.logger.WarnContext(ctx, "Failed to publish event", "execution_id", id, "error", err)
			}
		}
	}

	return x, nil
}
