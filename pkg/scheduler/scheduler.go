// Package scheduler decides, from a consistent execution snapshot, which tasks become
// ready, which are skipped or failed before dispatch, which run next and which held
// results may complete. It never mutates the execution; the engine applies its decisions.
package scheduler

import (
	"fmt"

	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/graph"
	"github.com/dukex/orchestra/pkg/models"
)

// EdgeStatus is the state of one dependency edge.
type EdgeStatus int

const (
	EdgeWaiting EdgeStatus = iota
	EdgeSatisfied
	EdgeBroken
)

func (s EdgeStatus) String() string {
	switch s {
	case EdgeSatisfied:
		return "satisfied"
	case EdgeBroken:
		return "broken"
	default:
		return "waiting"
	}
}

// Scheduler is built once per execution start from the definition the execution runs.
type Scheduler struct {
	graph     *graph.Graph
	specs     map[string]*models.TaskSpec
	evaluator *expression.Evaluator
}

func New(def *models.WorkflowDefinition, evaluator *expression.Evaluator) (*Scheduler, error) {
	if def == nil {
		return nil, fmt.Errorf("scheduler: definition is required")
	}

	g, err := models.BuildGraph(def)
	if err != nil {
		return nil, err
	}

	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}

	specs := make(map[string]*models.TaskSpec, len(def.Tasks))
	for i := range def.Tasks {
		specs[def.Tasks[i].ID] = &def.Tasks[i]
	}

	return &Scheduler{graph: g, specs: specs, evaluator: evaluator}, nil
}

// Spec returns the task spec for id.
func (s *Scheduler) Spec(id string) (*models.TaskSpec, bool) {
	spec, ok := s.specs[id]
	return spec, ok
}

// Request carries the runtime constraints of one planning round.
type Request struct {
	// Running is the number of attempts currently in flight for the execution.
	Running int
	// MaxParallel caps in-flight attempts. Values <= 0 disable the limit.
	MaxParallel int
}

type SkipDecision struct {
	TaskID string
	Reason models.SkipReason
	Detail string
}

type FailDecision struct {
	TaskID  string
	Failure *models.Failure
}

// Plan is the outcome of one planning round.
type Plan struct {
	// Promote lists pending tasks whose start gates are satisfied.
	Promote []string
	Skip    []SkipDecision
	// Fail lists ready tasks whose condition could not be evaluated.
	Fail []FailDecision
	// Dispatch lists ready tasks to start now, in declaration order.
	Dispatch []string
	// Deferred lists runnable tasks left for a later round by the parallelism limit.
	Deferred []string
}

// Changed reports whether the plan changes task state before any dispatch.
func (p Plan) Changed() bool {
	return len(p.Promote) > 0 || len(p.Skip) > 0 || len(p.Fail) > 0
}

// Plan evaluates every non-terminal, not yet running task of x. Newly promoted tasks are
// considered for dispatch in the same round. Ties are broken by declaration order.
func (s *Scheduler) Plan(x *models.WorkflowExecution, req Request) Plan {
	var plan Plan

	scope := x.Scope()
	free := -1

	if req.MaxParallel > 0 {
		free = max(req.MaxParallel-req.Running, 0)
	}

	for _, id := range s.graph.Nodes() {
		t, ok := x.Tasks[id]
		if !ok || (t.State != models.TaskPending && t.State != models.TaskReady) {
			continue
		}

		spec := s.specs[id]

		startGate, broken := s.startStatus(x, id, spec)
		if broken != "" {
			plan.Skip = append(plan.Skip, SkipDecision{
				TaskID: id,
				Reason: models.SkipUpstreamFailed,
				Detail: fmt.Sprintf("dependency %s did not succeed", broken),
			})

			continue
		}

		if startGate != EdgeSatisfied {
			continue
		}

		if t.State == models.TaskPending {
			plan.Promote = append(plan.Promote, id)
		}

		if spec.Condition != nil {
			ok, err := s.evaluator.Evaluate(*spec.Condition, scope)
			if err != nil {
				failure := models.NewFailure(models.ClassEvaluation, id, err)
				failure.Code = "condition"
				plan.Fail = append(plan.Fail, FailDecision{TaskID: id, Failure: failure})

				continue
			}

			if !ok {
				plan.Skip = append(plan.Skip, SkipDecision{TaskID: id, Reason: models.SkipConditionFalse})
				continue
			}
		}

		if free == 0 {
			plan.Deferred = append(plan.Deferred, id)
			continue
		}

		plan.Dispatch = append(plan.Dispatch, id)

		if free > 0 {
			free--
		}
	}

	return plan
}

// CompletionStatus reports whether a finished attempt of taskID may complete now. Only
// finish_to_finish and start_to_finish edges gate completion. The returned id names the
// broken predecessor, if any.
func (s *Scheduler) CompletionStatus(x *models.WorkflowExecution, taskID string) (EdgeStatus, string) {
	spec, ok := s.specs[taskID]
	if !ok {
		return EdgeSatisfied, ""
	}

	status := EdgeSatisfied

	for _, dep := range s.graph.Predecessors(taskID) {
		kind := models.DependencyKind(dep.Kind)
		if kind.GatesStart() {
			continue
		}

		switch s.edge(x, dep, spec) {
		case EdgeBroken:
			return EdgeBroken, dep.From
		case EdgeWaiting:
			status = EdgeWaiting
		}
	}

	return status, ""
}

// startStatus folds every incoming edge. Any broken edge, of any kind, blocks the task
// for good; only start-gating edges can make it wait.
func (s *Scheduler) startStatus(x *models.WorkflowExecution, id string, spec *models.TaskSpec) (EdgeStatus, string) {
	status := EdgeSatisfied

	for _, dep := range s.graph.Predecessors(id) {
		switch s.edge(x, dep, spec) {
		case EdgeBroken:
			return EdgeBroken, dep.From
		case EdgeWaiting:
			if models.DependencyKind(dep.Kind).GatesStart() {
				status = EdgeWaiting
			}
		}
	}

	return status, ""
}

func (s *Scheduler) edge(x *models.WorkflowExecution, dep graph.Edge, spec *models.TaskSpec) EdgeStatus {
	pred, ok := x.Tasks[dep.From]
	if !ok {
		return EdgeBroken
	}

	status := Edge(models.DependencyKind(dep.Kind), pred)
	if status == EdgeBroken && spec.AllowUpstreamFailure {
		return EdgeSatisfied
	}

	return status
}

// Edge evaluates a single dependency of the given kind against its predecessor.
// Finish kinds need the predecessor completed; start kinds need it started. A condition
// skip satisfies every kind. A predecessor that can no longer reach the required state
// breaks the edge.
func Edge(kind models.DependencyKind, pred *models.TaskExecutionState) EdgeStatus {
	if pred.State == models.TaskSkipped {
		if pred.SkipReason == models.SkipConditionFalse {
			return EdgeSatisfied
		}

		return EdgeBroken
	}

	switch kind.Normalize() {
	case models.StartToStart, models.StartToFinish:
		if pred.HasStarted() || pred.State == models.TaskCompleted {
			return EdgeSatisfied
		}
	default:
		if pred.State == models.TaskCompleted {
			return EdgeSatisfied
		}
	}

	if pred.IsTerminal() {
		return EdgeBroken
	}

	return EdgeWaiting
}
