package models

import (
	"time"

	"github.com/dukex/orchestra/pkg/events"
)

func chainDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      "wf-chain",
		Version: 1,
		Name:    "chain",
		Tasks: []TaskSpec{
			{ID: "a", Component: "svc", Action: "run"},
			{ID: "b", Component: "svc", Action: "run", DependsOn: []TaskDependency{{TaskID: "a"}}},
			{ID: "c", Component: "svc", Action: "run", DependsOn: []TaskDependency{{TaskID: "b", Kind: FinishToStart}}},
		},
	}
}

func apply(x *WorkflowExecution, eventType events.EventType, taskID string, mutate ...func(*Event)) error {
	e := x.NewEvent(eventType, taskID, time.Date(2026, 1, 1, 0, 0, int(x.Sequence), 0, time.UTC))
	for _, m := range mutate {
		m(&e)
	}

	return x.Apply(e)
}
