// Package engine drives workflow executions. Each execution has a single writer: every
// state change goes through models.Apply under the execution's lock and is persisted
// before any component call it causes is made.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/orchestra/pkg/eventbus"
	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/otelhelper"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/dukex/orchestra/pkg/scheduler"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Config tunes the engine. Workers bounds attempts in flight across all executions,
// MaxParallel bounds them per execution (0 disables the per-execution limit).
type Config struct {
	Workers                  int            `validate:"gte=1"`
	MaxParallel              int            `validate:"gte=0"`
	TaskTimeout              time.Duration  `validate:"gte=0"`
	CheckpointBeforeDispatch bool           `validate:"-"`
	Environment              map[string]any `validate:"-"`
}

func DefaultConfig() Config {
	return Config{
		Workers:                  32,
		MaxParallel:              8,
		TaskTimeout:              5 * time.Minute,
		CheckpointBeforeDispatch: true,
	}
}

// Checkpointer snapshots executions. The engine calls it with the execution lock held.
type Checkpointer interface {
	Checkpoint(ctx context.Context, execution *models.WorkflowExecution, reason models.CheckpointReason) (*models.Checkpoint, error)
}

type Option func(*Engine)

func WithCheckpointer(checkpointer Checkpointer) Option {
	return func(e *Engine) { e.checkpointer = checkpointer }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithEvaluator(evaluator *expression.Evaluator) Option {
	return func(e *Engine) { e.evaluator = evaluator }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	logger       *slog.Logger
	cfg          Config
	definitions  persistence.DefinitionRepository
	executions   persistence.ExecutionRepository
	invoker      protocol.ComponentInvoker
	publisher    eventbus.EventPublisher
	checkpointer Checkpointer
	evaluator    *expression.Evaluator
	tracer       trace.Tracer
	workers      *semaphore.Weighted
	now          func() time.Time

	mu      sync.Mutex
	runs    map[string]*run
	wg      sync.WaitGroup
	closing atomic.Bool
}

func New(
	logger *slog.Logger,
	cfg Config,
	store persistence.Persistence,
	invoker protocol.ComponentInvoker,
	publisher eventbus.EventPublisher,
	opts ...Option,
) (*Engine, error) {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		logger:      logger.With("module", "engine"),
		cfg:         cfg,
		definitions: store.DefinitionRepository(),
		executions:  store.ExecutionRepository(),
		invoker:     invoker,
		publisher:   publisher,
		evaluator:   expression.NewEvaluator(),
		tracer:      otelhelper.NoopTracer(),
		workers:     semaphore.NewWeighted(int64(cfg.Workers)),
		now:         time.Now,
		runs:        make(map[string]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Start instantiates the given definition version (0 = latest) and begins scheduling it.
// The returned snapshot reflects the first planning round.
func (e *Engine) Start(ctx context.Context, workflowID string, version int, params map[string]any) (*models.WorkflowExecution, error) {
	if e.closing.Load() {
		return nil, ErrShuttingDown
	}

	def, err := e.definitions.Get(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}

	x, err := models.Instantiate(def, params, e.cfg.Environment)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(def, e.evaluator)
	if err != nil {
		return nil, err
	}

	r, err := e.register(x, sched)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = e.executions.Save(r.storeCtx, r.x)
	if err != nil {
		e.finish(r)

		return nil, err
	}

	e.checkpoint(r, models.CheckpointInitial)

	err = e.apply(r, events.ExecutionStarted, "", nil)
	if err != nil {
		e.finish(r)

		return nil, err
	}

	r.logger.InfoContext(ctx, "Execution started", "tasks", len(def.Tasks), "version", def.Version)

	e.advance(r)

	return r.x.Clone(), nil
}

// Adopt takes over a stored execution, typically restored from a checkpoint. Attempts that
// were running when the snapshot was taken are made ready again.
func (e *Engine) Adopt(ctx context.Context, x *models.WorkflowExecution) (*models.WorkflowExecution, error) {
	if e.closing.Load() {
		return nil, ErrShuttingDown
	}

	if x.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotAdoptable, x.ID, x.State)
	}

	def, err := e.definitions.Get(ctx, x.WorkflowID, x.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(def, e.evaluator)
	if err != nil {
		return nil, err
	}

	r, err := e.register(x.Clone(), sched)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.published = len(r.x.Events)

	if r.x.State == models.ExecutionPending {
		err = e.apply(r, events.ExecutionStarted, "", nil)
	} else if hasRunningTask(r.x) {
		err = e.apply(r, events.ExecutionRecovered, "", nil)
	}

	if err != nil {
		e.finish(r)

		return nil, err
	}

	r.logger.InfoContext(ctx, "Execution adopted", "sequence", r.x.Sequence, "state", r.x.State)

	e.advance(r)

	return r.x.Clone(), nil
}

// Get returns a consistent snapshot of the execution.
func (e *Engine) Get(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if r := e.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()

		return r.x.Clone(), nil
	}

	return e.executions.Get(ctx, id)
}

// Wait blocks until the execution reaches a terminal state or leaves the engine.
func (e *Engine) Wait(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if r := e.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return e.executions.Get(ctx, id)
}

// Snapshots returns copies of every execution the engine is driving.
func (e *Engine) Snapshots() []*models.WorkflowExecution {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))

	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]*models.WorkflowExecution, 0, len(runs))

	for _, r := range runs {
		r.mu.Lock()
		if !r.x.State.IsTerminal() {
			out = append(out, r.x.Clone())
		}
		r.mu.Unlock()
	}

	return out
}

// Running reports whether the engine drives the execution.
func (e *Engine) Running(id string) bool {
	return e.lookup(id) != nil
}

// Shutdown stops scheduling and aborts in-flight attempts. Their results are dropped; the
// stored executions stay non-terminal and are picked up by recovery on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closing.Store(true)

	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))

	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		r.stopTimers()
		r.mu.Unlock()
		r.cancel()
	}

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runs[id]
}

func hasRunningTask(x *models.WorkflowExecution) bool {
	for _, t := range x.Tasks {
		if t.State == models.TaskRunning {
			return true
		}
	}

	return false
}
