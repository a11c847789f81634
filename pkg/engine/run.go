package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/scheduler"
)

// run is the in-memory side of one execution. Every field is guarded by mu.
type run struct {
	mu       sync.Mutex
	x        *models.WorkflowExecution
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	storeCtx context.Context

	// inflight holds the cancel func of every attempt handed to a worker.
	inflight map[string]context.CancelFunc
	// held keeps results of finished attempts waiting on a finish_to_finish or
	// start_to_finish predecessor.
	held     map[string]any
	timers   map[string]*time.Timer
	backoffs map[string]backoff.BackOff

	// published counts the events of x already handed to the publisher.
	published int
	done      chan struct{}
	finished  bool
}

func (e *Engine) register(x *models.WorkflowExecution, sched *scheduler.Scheduler) (*run, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &run{
		x:        x,
		sched:    sched,
		logger:   e.logger.With("execution_id", x.ID, "workflow_id", x.WorkflowID),
		ctx:      ctx,
		cancel:   cancel,
		storeCtx: context.WithoutCancel(ctx),
		inflight: make(map[string]context.CancelFunc),
		held:     make(map[string]any),
		timers:   make(map[string]*time.Timer),
		backoffs: make(map[string]backoff.BackOff),
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.runs[x.ID]; exists {
		cancel()

		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, x.ID)
	}

	e.runs[x.ID] = r

	return r, nil
}

// finish releases the run. The caller holds r.mu.
func (e *Engine) finish(r *run) {
	if r.finished {
		return
	}

	r.finished = true
	r.stopTimers()
	r.cancel()

	e.mu.Lock()
	delete(e.runs, r.x.ID)
	e.mu.Unlock()

	close(r.done)
}

func (r *run) stopTimers() {
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
}

// apply builds the next event, lets mutate fill in its payload and applies it.
func (e *Engine) apply(r *run, eventType events.EventType, taskID string, mutate func(*models.Event)) error {
	event := r.x.NewEvent(eventType, taskID, e.now())
	if mutate != nil {
		mutate(&event)
	}

	err := r.x.Apply(event)
	if err != nil {
		r.logger.Error("Rejected transition", "event_type", eventType, "task_id", taskID, "error", err)

		return err
	}

	return nil
}

// advance runs planning rounds until a round changes nothing, records the outcome and
// only then hands the dispatched attempts to workers. The caller holds r.mu.
func (e *Engine) advance(r *run) {
	var launches []*attempt

	for r.x.State == models.ExecutionRunning {
		// Held results belong to tasks that are still running.
		running := len(r.inflight) + len(r.held)
		plan := r.sched.Plan(r.x, scheduler.Request{Running: running, MaxParallel: e.cfg.MaxParallel})

		if plan.Changed() {
			if !e.applyPlan(r, plan) {
				break
			}

			continue
		}

		if e.resolveHeld(r) {
			continue
		}

		// A started task can open start_to_start and start_to_finish gates, so any
		// dispatch calls for another round.
		replan := false

		for _, id := range plan.Dispatch {
			a, ok := e.dispatch(r, id)
			if ok {
				launches = append(launches, a)
			}

			if r.x.Tasks[id].State != models.TaskReady {
				replan = true
			}
		}

		if !replan {
			break
		}
	}

	e.settle(r)

	err := e.executions.Save(r.storeCtx, r.x)
	if err != nil {
		r.logger.Error("Failed to persist execution, abandoning it until recovery", "sequence", r.x.Sequence, "error", err)

		for _, a := range launches {
			a.cancel()
		}

		e.finish(r)

		return
	}

	if len(launches) > 0 && e.cfg.CheckpointBeforeDispatch {
		e.checkpoint(r, models.CheckpointDispatch)
	}

	e.publish(r)

	if r.x.State.IsTerminal() {
		e.checkpoint(r, models.CheckpointTerminal)
		r.logger.Info("Execution finished", "state", r.x.State, "sequence", r.x.Sequence)
		e.finish(r)

		return
	}

	for _, a := range launches {
		e.launch(r, a)
	}
}

func (e *Engine) applyPlan(r *run, plan scheduler.Plan) bool {
	for _, id := range plan.Promote {
		if e.apply(r, events.TaskReady, id, nil) != nil {
			return false
		}
	}

	for _, skip := range plan.Skip {
		err := e.apply(r, events.TaskSkipped, skip.TaskID, func(ev *models.Event) {
			ev.SkipReason = skip.Reason
			if skip.Detail != "" {
				ev.Data = map[string]any{"detail": skip.Detail}
			}
		})
		if err != nil {
			return false
		}
	}

	for _, fail := range plan.Fail {
		if e.failTask(r, fail.TaskID, fail.Failure) != nil {
			return false
		}
	}

	return true
}

// settle closes the execution once every task is terminal and nothing is pending.
func (e *Engine) settle(r *run) {
	x := r.x
	if x.State.IsTerminal() || x.State == models.ExecutionPending {
		return
	}

	if len(r.inflight) > 0 || len(r.held) > 0 || len(r.timers) > 0 || !x.AllTasksTerminal() {
		return
	}

	if failure := x.FirstFailure(); failure != nil {
		_ = e.apply(r, events.ExecutionFailed, "", func(ev *models.Event) {
			ev.Error = failure
		})

		return
	}

	_ = e.apply(r, events.ExecutionCompleted, "", nil)
}

// failTask records a failed attempt and schedules the retry the policy allows.
func (e *Engine) failTask(r *run, id string, failure *models.Failure) error {
	t := r.x.Tasks[id]
	spec, _ := r.sched.Spec(id)

	attempts := t.Attempts
	if t.State == models.TaskReady {
		attempts++
	}

	failure.TaskID = id
	failure.Attempt = attempts
	retry := spec.Retry.ShouldRetry(attempts, failure.Class)

	err := e.apply(r, events.TaskFailed, id, func(ev *models.Event) {
		ev.Error = failure
		ev.Retry = retry
		ev.Attempt = attempts
	})
	if err != nil {
		return err
	}

	if !retry {
		r.logger.Warn("Task failed", "task_id", id, "attempts", attempts, "class", failure.Class, "error", failure.Message)

		return nil
	}

	delay := e.retryDelay(r, id, spec)
	r.logger.Info("Task failed, retrying", "task_id", id, "attempts", attempts, "class", failure.Class, "delay", delay)

	r.timers[id] = time.AfterFunc(delay, func() { e.retry(r, id) })

	return nil
}

func (e *Engine) retryDelay(r *run, id string, spec *models.TaskSpec) time.Duration {
	b, ok := r.backoffs[id]
	if !ok {
		initial, maxDelay, multiplier := spec.Retry.Delays()

		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = initial
		exp.MaxInterval = maxDelay
		exp.Multiplier = multiplier
		exp.RandomizationFactor = 0.1
		exp.MaxElapsedTime = 0
		exp.Reset()

		b = exp
		r.backoffs[id] = b
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		_, maxDelay, _ := spec.Retry.Delays()

		return maxDelay
	}

	return delay
}

func (e *Engine) retry(r *run, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.timers, id)

	if r.finished || e.closing.Load() {
		return
	}

	t := r.x.Tasks[id]
	if t.State != models.TaskFailed || !t.RetryPending {
		return
	}

	if e.apply(r, events.TaskRetrying, id, nil) != nil {
		return
	}

	e.advance(r)
}

// finishTask applies a successful result, holding it while a completion gate waits.
func (e *Engine) finishTask(r *run, id string, output any) error {
	status, broken := r.sched.CompletionStatus(r.x, id)

	switch status {
	case scheduler.EdgeSatisfied:
		delete(r.held, id)

		return e.apply(r, events.TaskCompleted, id, func(ev *models.Event) {
			ev.Output = output
			ev.Attempt = r.x.Tasks[id].Attempts
		})
	case scheduler.EdgeBroken:
		delete(r.held, id)

		failure := models.NewFailure(models.ClassUpstream, id, fmt.Errorf("dependency %s did not reach the state required to complete", broken))
		failure.Code = "completion_gate"

		return e.failTask(r, id, failure)
	default:
		r.held[id] = output
		r.logger.Debug("Holding task result until its completion gate opens", "task_id", id)

		return nil
	}
}

func (e *Engine) resolveHeld(r *run) bool {
	changed := false

	for _, id := range r.x.TaskOrder {
		output, ok := r.held[id]
		if !ok {
			continue
		}

		status, _ := r.sched.CompletionStatus(r.x, id)
		if status == scheduler.EdgeWaiting {
			continue
		}

		if e.finishTask(r, id, output) == nil {
			changed = true
		}
	}

	return changed
}

func (e *Engine) checkpoint(r *run, reason models.CheckpointReason) {
	if e.checkpointer == nil {
		return
	}

	cp, err := e.checkpointer.Checkpoint(r.storeCtx, r.x, reason)
	if err != nil {
		r.logger.Error("Failed to checkpoint execution", "reason", reason, "error", err)

		return
	}

	r.logger.Debug("Checkpoint created", "checkpoint_id", cp.ID, "reason", reason, "sequence", cp.Sequence)
}

// publish hands new events to the bus in sequence order. Delivery is best effort here;
// the stored event log stays authoritative.
func (e *Engine) publish(r *run) {
	if e.publisher == nil {
		r.published = len(r.x.Events)

		return
	}

	for _, event := range r.x.Events[r.published:] {
		err := e.publisher.Publish(r.storeCtx, event)
		if err != nil {
			r.logger.Warn("Failed to publish event", "event_type", event.Type, "sequence", event.Sequence, "error", err)
		}
	}

	r.published = len(r.x.Events)
}
