package models

import (
	"fmt"
	"math"
	"time"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/google/uuid"
)

// Instantiate creates a pending execution of def. Declared parameter defaults are applied
// and every declared parameter is type-checked. Tasks without start-gating predecessors
// begin ready, every other task pending. The returned execution carries its
// execution_created event and serves as the initial state for replay.
func Instantiate(def *WorkflowDefinition, params, env map[string]any) (*WorkflowExecution, error) {
	resolved, err := ResolveParameters(def, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	x := &WorkflowExecution{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Parameters:      resolved,
		Environment:     cloneMap(env),
		Context:         map[string]any{},
		State:           ExecutionPending,
		Tasks:           make(map[string]*TaskExecutionState, len(def.Tasks)),
		TaskOrder:       def.TaskIDs(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for _, task := range def.Tasks {
		state := TaskReady

		for _, dep := range task.DependsOn {
			if dep.Kind.GatesStart() {
				state = TaskPending
				break
			}
		}

		x.Tasks[task.ID] = &TaskExecutionState{TaskID: task.ID, State: state}
	}

	created := x.NewEvent(events.ExecutionCreated, "", now)
	created.Data = map[string]any{"workflow_version": def.Version}

	if err := x.Apply(created); err != nil {
		return nil, err
	}

	return x, nil
}

// ResolveParameters applies defaults and checks declared types. Undeclared parameters pass
// through unchanged.
func ResolveParameters(def *WorkflowDefinition, params map[string]any) (map[string]any, error) {
	out := cloneMap(params)
	if out == nil {
		out = map[string]any{}
	}

	for name, spec := range def.Parameters {
		value, ok := out[name]
		if !ok || value == nil {
			if spec.Default != nil {
				out[name] = cloneValue(spec.Default)
				continue
			}

			if spec.Required {
				return nil, &ParameterError{Name: name, Reason: "required parameter is missing"}
			}

			continue
		}

		if spec.Type != "" {
			if err := checkParameterType(name, spec.Type, value); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func checkParameterType(name string, typ ParameterType, value any) error {
	ok := false

	switch typ {
	case ParameterString:
		_, ok = value.(string)
	case ParameterBoolean:
		_, ok = value.(bool)
	case ParameterObject:
		_, ok = value.(map[string]any)
	case ParameterArray:
		_, ok = value.([]any)
	case ParameterNumber:
		ok = isNumber(value)
	case ParameterInteger:
		ok = isInteger(value)
	default:
		return &ParameterError{Name: name, Reason: fmt.Sprintf("unknown type %q", typ)}
	}

	if !ok {
		return &ParameterError{Name: name, Reason: fmt.Sprintf("expected %s, got %T", typ, value)}
	}

	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

func isInteger(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n) == math.Trunc(float64(n))
	default:
		return false
	}
}
