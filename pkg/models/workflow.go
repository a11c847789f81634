// Package models defines the domain models for declarative workflow orchestration.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/orchestra/pkg/expression"
	"gopkg.in/yaml.v3"
)

// DependencyKind selects which side of the predecessor gates which side of the dependent.
type DependencyKind string

const (
	FinishToStart  DependencyKind = "finish_to_start"
	StartToStart   DependencyKind = "start_to_start"
	FinishToFinish DependencyKind = "finish_to_finish"
	StartToFinish  DependencyKind = "start_to_finish"
)

// Normalize maps the empty kind to finish_to_start.
func (k DependencyKind) Normalize() DependencyKind {
	if k == "" {
		return FinishToStart
	}

	return k
}

func (k DependencyKind) Valid() bool {
	switch k.Normalize() {
	case FinishToStart, StartToStart, FinishToFinish, StartToFinish:
		return true
	default:
		return false
	}
}

// GatesStart reports whether the edge must be satisfied before the dependent may run.
// The other kinds gate the dependent's completion instead.
func (k DependencyKind) GatesStart() bool {
	switch k.Normalize() {
	case FinishToStart, StartToStart:
		return true
	default:
		return false
	}
}

// WorkflowDefinition is an immutable, versioned task graph. Edits create a new version.
type WorkflowDefinition struct {
	ID          string                   `json:"id"                    yaml:"id"`
	Version     int                      `json:"version"               yaml:"version"`
	Name        string                   `json:"name"                  yaml:"name"                 validate:"required"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []TaskSpec               `json:"tasks"                 yaml:"tasks"                validate:"required,min=1,dive"`
	Parameters  map[string]ParameterSpec `json:"parameters,omitempty"  yaml:"parameters,omitempty" validate:"dive"`
	Metadata    map[string]any           `json:"metadata,omitempty"    yaml:"metadata,omitempty"`
	CreatedAt   time.Time                `json:"created_at"            yaml:"created_at,omitempty"`
}

// TaskSpec binds one unit of work to a component action.
type TaskSpec struct {
	ID                   string                `json:"id"                               yaml:"id"                               validate:"required"`
	Name                 string                `json:"name,omitempty"                   yaml:"name,omitempty"`
	Component            string                `json:"component"                        yaml:"component"                        validate:"required"`
	Action               string                `json:"action"                           yaml:"action"                           validate:"required"`
	Input                map[string]any        `json:"input,omitempty"                  yaml:"input,omitempty"`
	DependsOn            []TaskDependency      `json:"depends_on,omitempty"             yaml:"depends_on,omitempty"             validate:"dive"`
	Retry                *RetryPolicy          `json:"retry,omitempty"                  yaml:"retry,omitempty"`
	Condition            *expression.Condition `json:"condition,omitempty"              yaml:"condition,omitempty"`
	Timeout              Duration              `json:"timeout,omitempty"                yaml:"timeout,omitempty"                validate:"gte=0"`
	AllowUpstreamFailure bool                  `json:"allow_upstream_failure,omitempty" yaml:"allow_upstream_failure,omitempty"`
}

// TaskDependency is an edge from the task named by TaskID to the task declaring it.
type TaskDependency struct {
	TaskID string         `json:"task_id"        yaml:"task_id" validate:"required"`
	Kind   DependencyKind `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// UnmarshalJSON accepts either a bare task id or the object form.
func (d *TaskDependency) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*d = TaskDependency{TaskID: id, Kind: FinishToStart}
		return nil
	}

	type plain TaskDependency

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*d = TaskDependency(p)

	return nil
}

func (d *TaskDependency) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*d = TaskDependency{TaskID: value.Value, Kind: FinishToStart}
		return nil
	}

	type plain TaskDependency

	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}

	*d = TaskDependency(p)

	return nil
}

// ParameterType is the declared type of a workflow parameter.
type ParameterType string

const (
	ParameterString  ParameterType = "string"
	ParameterNumber  ParameterType = "number"
	ParameterInteger ParameterType = "integer"
	ParameterBoolean ParameterType = "boolean"
	ParameterObject  ParameterType = "object"
	ParameterArray   ParameterType = "array"
)

type ParameterSpec struct {
	Type        ParameterType `json:"type"                  yaml:"type"                  validate:"omitempty,oneof=string number integer boolean object array"`
	Required    bool          `json:"required,omitempty"    yaml:"required,omitempty"`
	Default     any           `json:"default,omitempty"     yaml:"default,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Task returns the spec with the given id.
func (d *WorkflowDefinition) Task(id string) (*TaskSpec, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}

	return nil, false
}

// TaskIDs returns task ids in declaration order.
func (d *WorkflowDefinition) TaskIDs() []string {
	ids := make([]string, len(d.Tasks))
	for i, task := range d.Tasks {
		ids[i] = task.ID
	}

	return ids
}

// Clone deep-copies the definition so a new version can be derived from it.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}

	out := *d
	out.Metadata = cloneMap(d.Metadata)

	if d.Parameters != nil {
		out.Parameters = make(map[string]ParameterSpec, len(d.Parameters))
		for k, v := range d.Parameters {
			v.Default = cloneValue(v.Default)
			out.Parameters[k] = v
		}
	}

	out.Tasks = make([]TaskSpec, len(d.Tasks))
	for i, task := range d.Tasks {
		out.Tasks[i] = task.Clone()
	}

	return &out
}

func (t TaskSpec) Clone() TaskSpec {
	out := t
	out.Input = cloneMap(t.Input)

	if t.DependsOn != nil {
		out.DependsOn = append([]TaskDependency(nil), t.DependsOn...)
	}

	if t.Retry != nil {
		retry := *t.Retry
		retry.RetryableClasses = append([]FailureClass(nil), t.Retry.RetryableClasses...)
		out.Retry = &retry
	}

	if t.Condition != nil {
		cond := *t.Condition
		out.Condition = &cond
	}

	return out
}

// Duration is a time.Duration that encodes as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	case string:
		return d.UnmarshalText([]byte(v))
	default:
		return errors.New("invalid duration")
	}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = 0
		return nil
	}

	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}

	*d = Duration(parsed)

	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
