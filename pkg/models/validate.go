package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dukex/orchestra/pkg/expression"
	"github.com/dukex/orchestra/pkg/graph"
	"github.com/go-playground/validator/v10"
)

// task ids appear inside ${tasks.<id>...} paths, so dots and braces are excluded.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// workflow ids name storage keys and URL segments.
var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a definition before it is stored: required fields, unique task ids,
// dependency targets and kinds, acyclicity, expression syntax and retry policies. All
// problems are reported, joined, each as a *DefinitionError.
func Validate(def *WorkflowDefinition) error {
	if def == nil {
		return &DefinitionError{Err: ErrNoTasks}
	}

	var errs []error

	if err := validate.Struct(def); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, fieldErr := range validationErrs {
				errs = append(errs, &DefinitionError{
					Field: fieldPath(fieldErr.Namespace()),
					Err:   fmt.Errorf("failed %q validation", fieldErr.Tag()),
				})
			}
		} else {
			errs = append(errs, &DefinitionError{Err: err})
		}
	}

	// An empty id is assigned when the definition is created.
	if def.ID != "" && !workflowIDPattern.MatchString(def.ID) {
		errs = append(errs, &DefinitionError{Field: "id", Err: ErrInvalidWorkflowID})
	}

	if len(def.Tasks) == 0 {
		errs = append(errs, &DefinitionError{Field: "tasks", Err: ErrNoTasks})
	}

	seen := make(map[string]bool, len(def.Tasks))

	for _, task := range def.Tasks {
		if task.ID != "" && !taskIDPattern.MatchString(task.ID) {
			errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "id", Err: ErrInvalidTaskID})
		}

		if seen[task.ID] {
			errs = append(errs, &DefinitionError{TaskID: task.ID, Err: ErrDuplicateTask})
		}

		seen[task.ID] = true
	}

	for name, param := range def.Parameters {
		if param.Default != nil && param.Type != "" {
			if err := checkParameterType(name, param.Type, param.Default); err != nil {
				errs = append(errs, &DefinitionError{Field: "parameters." + name, Err: fmt.Errorf("%w: %w", ErrInvalidParameterSpec, err)})
			}
		}
	}

	for _, task := range def.Tasks {
		errs = append(errs, validateTask(task, seen)...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := BuildGraph(def); err != nil {
		return err
	}

	return nil
}

func validateTask(task TaskSpec, known map[string]bool) []error {
	var errs []error

	for _, dep := range task.DependsOn {
		switch {
		case dep.TaskID == task.ID:
			errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "depends_on", Err: ErrSelfDependency})
		case !known[dep.TaskID]:
			errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "depends_on", Err: fmt.Errorf("%w: %s", ErrUnknownDependency, dep.TaskID)})
		}

		if !dep.Kind.Valid() {
			errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "depends_on", Err: fmt.Errorf("%w: %s", ErrUnknownDependencyKind, dep.Kind)})
		}
	}

	var paths []string

	if err := expression.CheckValue(task.Input); err != nil {
		errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "input", Err: fmt.Errorf("%w: %w", ErrMalformedExpression, err)})
	} else {
		paths = append(paths, stringLeaves(task.Input)...)
	}

	if task.Condition != nil {
		if err := expression.CheckCondition(*task.Condition); err != nil {
			errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "condition", Err: fmt.Errorf("%w: %w", ErrMalformedExpression, err)})
		} else {
			paths = append(paths, task.Condition.Paths()...)
		}
	}

	for _, path := range paths {
		for _, ref := range expression.TaskReferences(path) {
			if !known[ref] {
				errs = append(errs, &DefinitionError{TaskID: task.ID, Err: fmt.Errorf("%w: %s", ErrUnknownTaskReference, ref)})
			}
		}
	}

	if err := task.Retry.Validate(); err != nil {
		errs = append(errs, &DefinitionError{TaskID: task.ID, Field: "retry", Err: fmt.Errorf("%w: %w", ErrInvalidRetryPolicy, err)})
	}

	return errs
}

// BuildGraph builds the dependency graph of def. Every dependency kind is an edge.
func BuildGraph(def *WorkflowDefinition) (*graph.Graph, error) {
	var edges []graph.Edge

	for _, task := range def.Tasks {
		for _, dep := range task.DependsOn {
			edges = append(edges, graph.Edge{From: dep.TaskID, To: task.ID, Kind: string(dep.Kind.Normalize())})
		}
	}

	g, err := graph.New(def.TaskIDs(), edges)
	if err != nil {
		return nil, &DefinitionError{Field: "tasks", Err: err}
	}

	if _, err := g.TopologicalSort(); err != nil {
		return nil, &DefinitionError{Field: "depends_on", Err: fmt.Errorf("%w: %w", ErrCyclicGraph, err)}
	}

	return g, nil
}

func stringLeaves(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case map[string]any:
		var out []string
		for _, item := range v {
			out = append(out, stringLeaves(item)...)
		}

		return out
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, stringLeaves(item)...)
		}

		return out
	default:
		return nil
	}
}

// fieldPath turns "WorkflowDefinition.Tasks[0].Component" into "tasks[0].component".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}

	for i, part := range parts {
		parts[i] = toSnake(part)
	}

	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder

	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] != '[' {
				b.WriteByte('_')
			}

			r += 'a' - 'A'
		}

		b.WriteRune(r)
	}

	return b.String()
}
