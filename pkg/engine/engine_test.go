package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/dukex/orchestra/pkg/persistence/file"
	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/dukex/orchestra/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingCheckpointer stores checkpoints in the execution's persistence.
type recordingCheckpointer struct {
	mu    sync.Mutex
	repo  persistence.CheckpointRepository
	taken []*models.Checkpoint
}

func (c *recordingCheckpointer) Checkpoint(ctx context.Context, x *models.WorkflowExecution, reason models.CheckpointReason) (*models.Checkpoint, error) {
	cp, err := models.NewCheckpoint(x, reason)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.taken = append(c.taken, cp)
	c.mu.Unlock()

	return cp, c.repo.Save(ctx, cp)
}

func (c *recordingCheckpointer) reasons() []models.CheckpointReason {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.CheckpointReason, 0, len(c.taken))
	for _, cp := range c.taken {
		out = append(out, cp.Reason)
	}

	return out
}

type harness struct {
	engine      *Engine
	store       *file.Persistence
	registry    *registry.Registry
	checkpoints *recordingCheckpointer
}

func newHarness(t *testing.T, cfg Config, actions map[string]protocol.ActionFunc) *harness {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(testLogger())
	require.NoError(t, reg.RegisterLocal(registry.Component{ComponentName: "svc", Funcs: actions}))

	checkpoints := &recordingCheckpointer{repo: store.CheckpointRepository()}

	e, err := New(testLogger(), cfg, store, reg, nil, WithCheckpointer(checkpoints))
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = e.Shutdown(ctx)
	})

	return &harness{engine: e, store: store, registry: reg, checkpoints: checkpoints}
}

func (h *harness) start(t *testing.T, def *models.WorkflowDefinition, params map[string]any) *models.WorkflowExecution {
	t.Helper()

	require.NoError(t, models.Validate(def))
	require.NoError(t, h.store.DefinitionRepository().Save(context.Background(), def))

	x, err := h.engine.Start(context.Background(), def.ID, 0, params)
	require.NoError(t, err)

	return x
}

func (h *harness) wait(t *testing.T, id string) *models.WorkflowExecution {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	x, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)

	return x
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 2 * time.Second

	return cfg
}

func ok(output any) protocol.ActionFunc {
	return func(context.Context, map[string]any) (any, error) {
		return output, nil
	}
}

func fail(message string) protocol.ActionFunc {
	return func(context.Context, map[string]any) (any, error) {
		return nil, &protocol.RemoteError{Component: "svc", Action: "fail", Code: "boom", Message: message}
	}
}

func eventTypes(x *models.WorkflowExecution, taskID string) []events.EventType {
	var out []events.EventType

	for _, e := range x.Events {
		if e.TaskID == taskID {
			out = append(out, e.Type)
		}
	}

	return out
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(testLogger(), Config{Workers: 0}, file.NewPersistence(t.TempDir()), registry.NewRegistry(testLogger()), nil)
	require.Error(t, err)
}

func TestEngine_FailurePropagatesDownstream(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"run": ok("done"), "fail": fail("permanent")})

	def := &models.WorkflowDefinition{
		ID: "chain", Version: 1, Name: "chain",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "fail"},
			{ID: "B", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "A"}}},
			{ID: "C", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "B"}}},
		},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, models.TaskFailed, x.Tasks["A"].State)
	assert.Equal(t, 1, x.Tasks["A"].Attempts)
	assert.Equal(t, models.TaskSkipped, x.Tasks["B"].State)
	assert.Equal(t, models.SkipUpstreamFailed, x.Tasks["B"].SkipReason)
	assert.Equal(t, models.TaskSkipped, x.Tasks["C"].State)
	assert.Equal(t, models.SkipUpstreamFailed, x.Tasks["C"].SkipReason)

	require.NotNil(t, x.Reason)
	assert.Equal(t, "A", x.Reason.TaskID)
	assert.Equal(t, models.CategoryDispatch, x.Reason.Category)
	assert.Equal(t, models.ClassRemote, x.Reason.Class)
	assert.Equal(t, "boom", x.Reason.Code)
}

func TestEngine_IndependentTasksRunConcurrently(t *testing.T) {
	var started sync.WaitGroup

	started.Add(2)

	both := make(chan struct{})

	go func() {
		started.Wait()
		close(both)
	}()

	rendezvous := func(ctx context.Context, _ map[string]any) (any, error) {
		started.Done()

		select {
		case <-both:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cfg := testConfig()
	cfg.MaxParallel = 2
	h := newHarness(t, cfg, map[string]protocol.ActionFunc{"meet": rendezvous})

	def := &models.WorkflowDefinition{
		ID: "parallel", Version: 1, Name: "parallel",
		Tasks: []models.TaskSpec{
			{ID: "left", Component: "svc", Action: "meet"},
			{ID: "right", Component: "svc", Action: "meet"},
		},
	}

	x := h.start(t, def, nil)
	assert.Equal(t, models.TaskRunning, x.Tasks["left"].State)
	assert.Equal(t, models.TaskRunning, x.Tasks["right"].State)

	x = h.wait(t, x.ID)
	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, "ok", x.Tasks["left"].Output)
	assert.Equal(t, "ok", x.Tasks["right"].Output)
}

func TestEngine_ParallelismLimit(t *testing.T) {
	var running, peak atomic.Int32

	track := func(context.Context, map[string]any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		running.Add(-1)

		return nil, nil
	}

	cfg := testConfig()
	cfg.MaxParallel = 2
	h := newHarness(t, cfg, map[string]protocol.ActionFunc{"track": track})

	def := &models.WorkflowDefinition{ID: "fanout", Version: 1, Name: "fanout"}
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		def.Tasks = append(def.Tasks, models.TaskSpec{ID: id, Component: "svc", Action: "track"})
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_FalseConditionSkips(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{
		"count": ok(map[string]any{"count": 3}),
		"run":   ok("ran"),
	})

	def := &models.WorkflowDefinition{
		ID: "conditional", Version: 1, Name: "conditional",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "count"},
			{
				ID: "B", Component: "svc", Action: "run",
				DependsOn: []models.TaskDependency{{TaskID: "A"}},
				Condition: &expression.Condition{Expr: "${tasks.A.output.count} > 5"},
			},
			{ID: "C", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "B"}}},
		},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, models.TaskSkipped, x.Tasks["B"].State)
	assert.Equal(t, models.SkipConditionFalse, x.Tasks["B"].SkipReason)
	assert.Equal(t, 0, x.Tasks["B"].Attempts)
	assert.NotContains(t, eventTypes(x, "B"), events.TaskStarted)
	assert.Equal(t, models.TaskCompleted, x.Tasks["C"].State, "a condition skip satisfies finish_to_start")
}

func TestEngine_RetriesUntilAttemptsExhausted(t *testing.T) {
	var calls atomic.Int32

	flaky := func(context.Context, map[string]any) (any, error) {
		calls.Add(1)

		return nil, errors.New("connection reset")
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"flaky": flaky})

	def := &models.WorkflowDefinition{
		ID: "retry", Version: 1, Name: "retry",
		Tasks: []models.TaskSpec{{
			ID: "A", Component: "svc", Action: "flaky",
			Retry: &models.RetryPolicy{MaxAttempts: 3, InitialDelay: models.Duration(time.Millisecond), MaxDelay: models.Duration(5 * time.Millisecond)},
		}},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, x.Tasks["A"].Attempts)
	assert.Equal(t, models.ClassTransport, x.Tasks["A"].Error.Class)
	assert.Equal(t, []events.EventType{
		events.TaskStarted, events.TaskFailed, events.TaskRetrying,
		events.TaskStarted, events.TaskFailed, events.TaskRetrying,
		events.TaskStarted, events.TaskFailed,
	}, eventTypes(x, "A"))
}

func TestEngine_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32

	second := func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}

		return "recovered", nil
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"second": second})

	def := &models.WorkflowDefinition{
		ID: "retry-ok", Version: 1, Name: "retry-ok",
		Tasks: []models.TaskSpec{{
			ID: "A", Component: "svc", Action: "second",
			Retry: &models.RetryPolicy{MaxAttempts: 2, InitialDelay: models.Duration(time.Millisecond)},
		}},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, 2, x.Tasks["A"].Attempts)
	assert.Equal(t, "recovered", x.Tasks["A"].Output)
	assert.Nil(t, x.Tasks["A"].Error)
}

func TestEngine_NonRetryableClassFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"fail": fail("bad request")})

	def := &models.WorkflowDefinition{
		ID: "classes", Version: 1, Name: "classes",
		Tasks: []models.TaskSpec{{
			ID: "A", Component: "svc", Action: "fail",
			Retry: &models.RetryPolicy{MaxAttempts: 5, InitialDelay: models.Duration(time.Millisecond), RetryableClasses: []models.FailureClass{models.ClassTimeout}},
		}},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, 1, x.Tasks["A"].Attempts)
}

func TestEngine_Timeout(t *testing.T) {
	slow := func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"slow": slow})

	def := &models.WorkflowDefinition{
		ID: "timeout", Version: 1, Name: "timeout",
		Tasks: []models.TaskSpec{{ID: "A", Component: "svc", Action: "slow", Timeout: models.Duration(20 * time.Millisecond)}},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, models.ClassTimeout, x.Tasks["A"].Error.Class)
}

func TestEngine_UnresolvedComponent(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{})

	def := &models.WorkflowDefinition{
		ID: "missing", Version: 1, Name: "missing",
		Tasks: []models.TaskSpec{{ID: "A", Component: "nowhere", Action: "run"}},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, models.ClassUnresolvedComponent, x.Tasks["A"].Error.Class)
	assert.Equal(t, models.CategoryDispatch, x.Reason.Category)
}

func TestEngine_InputReferencesUpstreamOutput(t *testing.T) {
	var received atomic.Value

	capture := func(_ context.Context, input map[string]any) (any, error) {
		received.Store(input)

		return nil, nil
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{
		"produce": ok(map[string]any{"user": map[string]any{"name": "ada"}}),
		"capture": capture,
	})

	def := &models.WorkflowDefinition{
		ID: "data", Version: 1, Name: "data",
		Parameters: map[string]models.ParameterSpec{"greeting": {Type: models.ParameterString, Default: "hello"}},
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "produce"},
			{
				ID: "B", Component: "svc", Action: "capture",
				DependsOn: []models.TaskDependency{{TaskID: "A"}},
				Input: map[string]any{
					"name":    "${tasks.A.output.user.name}",
					"message": "${param.greeting}, ${tasks.A.output.user.name}",
				},
			},
		},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	require.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, map[string]any{"name": "ada", "message": "hello, ada"}, received.Load())
}

func TestEngine_UnresolvableInputIsEvaluationFailure(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"run": ok(map[string]any{})})

	def := &models.WorkflowDefinition{
		ID: "unresolved", Version: 1, Name: "unresolved",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "run"},
			{
				ID: "B", Component: "svc", Action: "run",
				DependsOn: []models.TaskDependency{{TaskID: "A"}},
				Input:     map[string]any{"v": "${tasks.A.output.missing}"},
			},
		},
	}

	x := h.wait(t, h.start(t, def, nil).ID)

	assert.Equal(t, models.ExecutionFailed, x.State)
	assert.Equal(t, models.ClassEvaluation, x.Tasks["B"].Error.Class)
	assert.Equal(t, models.CategoryEvaluation, x.Reason.Category)
	assert.NotContains(t, eventTypes(x, "B"), events.TaskStarted)
}

func TestEngine_FinishToFinishHoldsCompletion(t *testing.T) {
	release := make(chan struct{})

	slow := func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"slow": slow, "fast": ok("fast")})

	def := &models.WorkflowDefinition{
		ID: "ff", Version: 1, Name: "ff",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "slow"},
			{ID: "B", Component: "svc", Action: "fast", DependsOn: []models.TaskDependency{{TaskID: "A", Kind: models.FinishToFinish}}},
		},
	}

	x := h.start(t, def, nil)

	require.Eventually(t, func() bool {
		snapshot, err := h.engine.Get(context.Background(), x.ID)

		return err == nil && snapshot.Tasks["B"].Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)

	snapshot, err := h.engine.Get(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, snapshot.Tasks["B"].State, "B is held until A finishes")

	close(release)

	x = h.wait(t, x.ID)
	require.Equal(t, models.ExecutionCompleted, x.State)

	var order []string

	for _, e := range x.Events {
		if e.Type == events.TaskCompleted {
			order = append(order, e.TaskID)
		}
	}

	assert.Equal(t, []string{"A", "B"}, order)
}

func TestEngine_StartToStartRunsAlongsidePredecessor(t *testing.T) {
	release := make(chan struct{})

	slow := func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"slow": slow, "fast": ok("fast")})

	def := &models.WorkflowDefinition{
		ID: "ss", Version: 1, Name: "ss",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "slow"},
			{ID: "B", Component: "svc", Action: "fast", DependsOn: []models.TaskDependency{{TaskID: "A", Kind: models.StartToStart}}},
			{ID: "C", Component: "svc", Action: "fast", DependsOn: []models.TaskDependency{{TaskID: "A", Kind: models.StartToFinish}}},
		},
	}

	x := h.start(t, def, nil)

	require.Eventually(t, func() bool {
		snapshot, err := h.engine.Get(context.Background(), x.ID)

		return err == nil &&
			snapshot.Tasks["B"].State == models.TaskCompleted &&
			snapshot.Tasks["C"].State == models.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond, "B and C finish while A is still running")

	snapshot, err := h.engine.Get(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, snapshot.Tasks["A"].State)

	close(release)

	x = h.wait(t, x.ID)
	require.Equal(t, models.ExecutionCompleted, x.State)
	assert.True(t, x.Tasks["B"].StartedAt.Before(*x.Tasks["A"].EndedAt))
}

func TestEngine_HeldResultsCountTowardParallelism(t *testing.T) {
	release := make(chan struct{})

	slow := func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cfg := testConfig()
	cfg.MaxParallel = 2

	h := newHarness(t, cfg, map[string]protocol.ActionFunc{"slow": slow, "fast": ok("fast")})

	def := &models.WorkflowDefinition{
		ID: "held", Version: 1, Name: "held",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "slow"},
			{ID: "B", Component: "svc", Action: "fast", DependsOn: []models.TaskDependency{{TaskID: "A", Kind: models.FinishToFinish}}},
			{ID: "C", Component: "svc", Action: "fast"},
		},
	}

	x := h.start(t, def, nil)

	require.Eventually(t, func() bool {
		snapshot, err := h.engine.Get(context.Background(), x.ID)

		return err == nil && snapshot.Tasks["B"].Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	snapshot, err := h.engine.Get(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, snapshot.Tasks["B"].State)
	assert.Equal(t, 0, snapshot.Tasks["C"].Attempts, "A and the held B fill both slots")

	close(release)

	x = h.wait(t, x.ID)
	require.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, 1, x.Tasks["C"].Attempts)
}

func TestEngine_CheckpointsBeforeDispatch(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID: "chain", Version: 1, Name: "chain",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "run"},
			{ID: "B", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "A"}}},
		},
	}

	assert.True(t, DefaultConfig().CheckpointBeforeDispatch)

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"run": ok("done")})
	x := h.wait(t, h.start(t, def, nil).ID)
	require.Equal(t, models.ExecutionCompleted, x.State)

	dispatches := 0

	for _, reason := range h.checkpoints.reasons() {
		if reason == models.CheckpointDispatch {
			dispatches++
		}
	}

	assert.Equal(t, 2, dispatches)

	cfg := testConfig()
	cfg.CheckpointBeforeDispatch = false

	h = newHarness(t, cfg, map[string]protocol.ActionFunc{"run": ok("done")})
	x = h.wait(t, h.start(t, def, nil).ID)
	require.Equal(t, models.ExecutionCompleted, x.State)
	assert.NotContains(t, h.checkpoints.reasons(), models.CheckpointDispatch)
}

func TestEngine_Cancel(t *testing.T) {
	aborted := make(chan struct{})

	block := func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		close(aborted)

		return "late", nil
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"block": block, "run": ok(nil)})

	def := &models.WorkflowDefinition{
		ID: "cancel", Version: 1, Name: "cancel",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "block"},
			{ID: "B", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "A"}}},
		},
	}

	x := h.start(t, def, nil)

	cancelled, err := h.engine.Cancel(context.Background(), x.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCancelled, cancelled.State)
	assert.Equal(t, models.CategoryCancelled, cancelled.Reason.Category)

	for id, task := range cancelled.Tasks {
		assert.Equal(t, models.TaskCancelled, task.State, id)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was not aborted")
	}

	stored := h.wait(t, x.ID)
	assert.Equal(t, cancelled.Sequence, stored.Sequence, "the late result is dropped")
	assert.Nil(t, stored.Tasks["A"].Output)
	assert.Contains(t, h.checkpoints.reasons(), models.CheckpointCancel)

	_, err = h.engine.Cancel(context.Background(), x.ID)
	require.ErrorIs(t, err, models.ErrTerminalTransition)
}

func TestEngine_PauseAndResume(t *testing.T) {
	release := make(chan struct{})
	var bCalls atomic.Int32

	gate := func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-release:
			return "a", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{
		"gate": gate,
		"count": func(context.Context, map[string]any) (any, error) {
			bCalls.Add(1)

			return "b", nil
		},
	})

	def := &models.WorkflowDefinition{
		ID: "pause", Version: 1, Name: "pause",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "gate"},
			{ID: "B", Component: "svc", Action: "count", DependsOn: []models.TaskDependency{{TaskID: "A"}}},
		},
	}

	x := h.start(t, def, nil)

	paused, err := h.engine.Pause(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPaused, paused.State)
	assert.Contains(t, h.checkpoints.reasons(), models.CheckpointPause)

	close(release)

	require.Eventually(t, func() bool {
		snapshot, err := h.engine.Get(context.Background(), x.ID)

		return err == nil && snapshot.Tasks["A"].State == models.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond, "in-flight attempt finishes while paused")

	time.Sleep(20 * time.Millisecond)

	snapshot, err := h.engine.Get(context.Background(), x.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, snapshot.Tasks["B"].State)
	assert.Equal(t, int32(0), bCalls.Load())

	_, err = h.engine.Pause(context.Background(), x.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.engine.Resume(context.Background(), x.ID)
	require.NoError(t, err)

	x = h.wait(t, x.ID)
	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, int32(1), bCalls.Load())
}

func TestEngine_ReplayReproducesExecution(t *testing.T) {
	var calls atomic.Int32

	flaky := func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}

		return map[string]any{"count": 10}, nil
	}

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{"flaky": flaky, "run": ok("ran")})

	def := &models.WorkflowDefinition{
		ID: "replay", Version: 1, Name: "replay",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "flaky", Retry: &models.RetryPolicy{MaxAttempts: 2, InitialDelay: models.Duration(time.Millisecond)}},
			{ID: "B", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "A"}}, Condition: &expression.Condition{Expr: "${tasks.A.output.count} > 5"}},
			{ID: "C", Component: "svc", Action: "run", DependsOn: []models.TaskDependency{{TaskID: "A"}}, Condition: &expression.Condition{Op: expression.OpLt, Left: "${tasks.A.output.count}", Right: 5}},
		},
	}

	x := h.wait(t, h.start(t, def, nil).ID)
	require.Equal(t, models.ExecutionCompleted, x.State)

	initial, err := h.store.CheckpointRepository().List(context.Background(), x.ID)
	require.NoError(t, err)
	require.NotEmpty(t, initial)
	require.Equal(t, models.CheckpointInitial, initial[0].Reason)

	replayed, err := models.Replay(initial[0].State, x.Events)
	require.NoError(t, err)

	assert.Equal(t, x.State, replayed.State)
	assert.Equal(t, x.Sequence, replayed.Sequence)

	for id, task := range x.Tasks {
		assert.Equal(t, task.State, replayed.Tasks[id].State, id)
		assert.Equal(t, task.Attempts, replayed.Tasks[id].Attempts, id)
		assert.Equal(t, task.Output, replayed.Tasks[id].Output, id)
	}
}

func TestEngine_AdoptRerunsInterruptedAttempts(t *testing.T) {
	var aCalls, bCalls atomic.Int32

	release := make(chan struct{})

	h := newHarness(t, testConfig(), map[string]protocol.ActionFunc{
		"a": func(context.Context, map[string]any) (any, error) {
			aCalls.Add(1)

			return "a", nil
		},
		"b": func(ctx context.Context, _ map[string]any) (any, error) {
			bCalls.Add(1)

			select {
			case <-release:
				return "b", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	def := &models.WorkflowDefinition{
		ID: "adopt", Version: 1, Name: "adopt",
		Tasks: []models.TaskSpec{
			{ID: "A", Component: "svc", Action: "a"},
			{ID: "B", Component: "svc", Action: "b", DependsOn: []models.TaskDependency{{TaskID: "A"}}},
		},
	}
	require.NoError(t, h.store.DefinitionRepository().Save(context.Background(), def))

	// A completed and B was running when the previous process stopped.
	x, err := models.Instantiate(def, nil, nil)
	require.NoError(t, err)

	now := time.Now()
	for _, step := range []struct {
		eventType events.EventType
		taskID    string
	}{
		{events.ExecutionStarted, ""},
		{events.TaskStarted, "A"},
		{events.TaskCompleted, "A"},
		{events.TaskReady, "B"},
		{events.TaskStarted, "B"},
	} {
		require.NoError(t, x.Apply(x.NewEvent(step.eventType, step.taskID, now)))
	}

	_, err = h.engine.Adopt(context.Background(), x)
	require.NoError(t, err)

	_, err = h.engine.Adopt(context.Background(), x)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)

	x = h.wait(t, x.ID)
	assert.Equal(t, models.ExecutionCompleted, x.State)
	assert.Equal(t, int32(0), aCalls.Load())
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Equal(t, 2, x.Tasks["B"].Attempts)
	assert.Contains(t, eventTypes(x, ""), events.ExecutionRecovered)
}
