package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/log"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/otelhelper"
	"github.com/dukex/orchestra/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// attempt is one dispatched call, prepared under the execution lock.
type attempt struct {
	taskID  string
	number  int
	spec    *models.TaskSpec
	input   map[string]any
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// dispatch resolves the task input and marks the task running. A task whose input cannot
// be resolved fails with an evaluation failure instead and false is returned.
func (e *Engine) dispatch(r *run, id string) (*attempt, bool) {
	spec, _ := r.sched.Spec(id)

	input, err := resolveInput(spec.Input, r.x.Scope())
	if err != nil {
		failure := models.NewFailure(models.ClassEvaluation, id, err)
		failure.Code = "input"
		_ = e.failTask(r, id, failure)

		return nil, false
	}

	if e.apply(r, events.TaskStarted, id, nil) != nil {
		return nil, false
	}

	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.inflight[id] = cancel

	return &attempt{
		taskID:  id,
		number:  r.x.Tasks[id].Attempts,
		spec:    spec,
		input:   input,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}, true
}

func resolveInput(input map[string]any, scope expression.Scope) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}

	resolved, err := expression.ResolveValue(input, scope)
	if err != nil {
		return nil, err
	}

	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input resolved to %T, expected an object", resolved)
	}

	return out, nil
}

// launch runs the attempt on a worker. The call happens outside the execution lock.
func (e *Engine) launch(r *run, a *attempt) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		output, failure := e.call(r, a)
		e.complete(r, a, output, failure)
	}()
}

func (e *Engine) call(r *run, a *attempt) (any, *models.Failure) {
	ctx := log.WithLogger(a.ctx, r.logger.With("task_id", a.taskID, "attempt", a.number))
	logger := log.FromContext(ctx)

	err := e.workers.Acquire(ctx, 1)
	if err != nil {
		return nil, models.NewFailure(models.ClassCancelled, a.taskID, err)
	}
	defer e.workers.Release(1)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "task.attempt",
		attribute.String(otelhelper.ExecutionIDKey, r.x.ID),
		attribute.String(otelhelper.WorkflowIDKey, r.x.WorkflowID),
		attribute.String(otelhelper.TaskIDKey, a.taskID),
		attribute.Int(otelhelper.TaskAttemptKey, a.number),
		attribute.String(otelhelper.ComponentKey, a.spec.Component),
		attribute.String(otelhelper.ActionKey, a.spec.Action),
	)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	logger.DebugContext(ctx, "Invoking component", "component", a.spec.Component, "action", a.spec.Action)

	output, err := e.invoke(ctx, a)
	if err == nil {
		return output, nil
	}

	failure := classify(ctx, a, err)
	otelhelper.SetError(span, err, attribute.String(otelhelper.FailureClassKey, string(failure.Class)))

	return nil, failure
}

func (e *Engine) invoke(ctx context.Context, a *attempt) (any, error) {
	endpoint, err := e.invoker.Resolve(ctx, a.spec.Component)
	if err != nil {
		return nil, err
	}

	return e.invoker.Invoke(ctx, endpoint, a.spec.Action, a.input)
}

// classify maps a call error onto the dispatch failure taxonomy.
func classify(ctx context.Context, a *attempt, err error) *models.Failure {
	var failure *models.Failure

	switch {
	case a.ctx.Err() != nil:
		failure = models.NewFailure(models.ClassCancelled, a.taskID, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		failure = models.NewFailure(models.ClassTimeout, a.taskID, fmt.Errorf("attempt exceeded %s: %w", a.timeout, err))
	case protocol.IsUnresolved(err):
		failure = models.NewFailure(models.ClassUnresolvedComponent, a.taskID, err)
	case protocol.IsRemote(err):
		failure = models.NewFailure(models.ClassRemote, a.taskID, err)

		var remote *protocol.RemoteError
		if errors.As(err, &remote) {
			failure.Code = remote.Code
		}
	default:
		failure = models.NewFailure(models.ClassTransport, a.taskID, err)
	}

	return failure
}

// complete applies the outcome of an attempt. Results of attempts that were cancelled,
// superseded or belong to a finished execution are dropped.
func (e *Engine) complete(r *run, a *attempt, output any, failure *models.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.cancel()

	delete(r.inflight, a.taskID)

	if r.finished || e.closing.Load() {
		return
	}

	t := r.x.Tasks[a.taskID]
	if t.State != models.TaskRunning || t.Attempts != a.number {
		r.logger.Debug("Dropping late result", "task_id", a.taskID, "attempt", a.number, "state", t.State)

		return
	}

	if failure != nil && failure.Class == models.ClassCancelled {
		return
	}

	if failure != nil {
		_ = e.failTask(r, a.taskID, failure)
	} else {
		_ = e.finishTask(r, a.taskID, output)
	}

	e.advance(r)
}
