// Package expression resolves ${...} references against an execution scope and evaluates
// structured boolean conditions. Evaluation has no side effects and is safe for concurrent use.
package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reference roots.
const (
	RootParam   = "param"
	RootParams  = "params"
	RootTasks   = "tasks"
	RootEnv     = "env"
	RootContext = "context"
)

// Task reference fields.
const (
	FieldOutput = "output"
	FieldState  = "state"
	FieldError  = "error"
)

// TaskView is the read-only projection of a task visible to expressions.
type TaskView struct {
	State  string `json:"state"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Scope is the snapshot an expression is evaluated against.
type Scope struct {
	Params  map[string]any
	Tasks   map[string]TaskView
	Env     map[string]any
	Context map[string]any
}

// Resolve substitutes every ${...} reference in s. A string consisting of exactly one
// reference yields the referenced value with its type preserved; otherwise each value
// is rendered into the surrounding text.
func Resolve(s string, scope Scope) (any, error) {
	refs, err := scan(s)
	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return s, nil
	}

	if len(refs) == 1 && refs[0].start == 0 && refs[0].end == len(s) {
		return lookup(refs[0].path, scope)
	}

	var b strings.Builder

	last := 0

	for _, ref := range refs {
		b.WriteString(s[last:ref.start])

		value, err := lookup(ref.path, scope)
		if err != nil {
			return nil, err
		}

		b.WriteString(stringify(value))

		last = ref.end
	}

	b.WriteString(s[last:])

	return b.String(), nil
}

// ResolveValue walks maps and slices resolving every string leaf. Non-string leaves are
// returned unchanged.
func ResolveValue(value any, scope Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return Resolve(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			resolved, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

// CheckSyntax reports whether every reference in s is well formed.
func CheckSyntax(s string) error {
	refs, err := scan(s)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if err := checkPath(ref.path); err != nil {
			return &SyntaxError{Expression: s, Reason: err.Error()}
		}
	}

	return nil
}

// CheckValue runs CheckSyntax over every string leaf of value.
func CheckValue(value any) error {
	switch v := value.(type) {
	case string:
		return CheckSyntax(v)
	case map[string]any:
		for _, item := range v {
			if err := CheckValue(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := CheckValue(item); err != nil {
				return err
			}
		}
	}

	return nil
}

// TaskReferences returns the task ids referenced through ${tasks.<id>...} in s, in order
// of appearance. Malformed input yields no references.
func TaskReferences(s string) []string {
	refs, err := scan(s)
	if err != nil {
		return nil
	}

	var ids []string

	for _, ref := range refs {
		parts := strings.Split(ref.path, ".")
		if len(parts) >= 2 && parts[0] == RootTasks {
			ids = append(ids, parts[1])
		}
	}

	return ids
}

type reference struct {
	path  string
	start int
	end   int
}

func scan(s string) ([]reference, error) {
	var refs []reference

	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], "${")
		if open < 0 {
			break
		}

		open += i

		closing := strings.IndexByte(s[open+2:], '}')
		if closing < 0 {
			return nil, &SyntaxError{Expression: s, Reason: "unterminated reference"}
		}

		closing += open + 2

		path := strings.TrimSpace(s[open+2 : closing])
		if path == "" {
			return nil, &SyntaxError{Expression: s, Reason: "empty reference"}
		}

		if strings.Contains(path, "${") {
			return nil, &SyntaxError{Expression: s, Reason: "nested reference"}
		}

		refs = append(refs, reference{path: path, start: open, end: closing + 1})
		i = closing + 1
	}

	return refs, nil
}

func checkPath(path string) error {
	parts := strings.Split(path, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("empty segment in %q", path)
		}
	}

	switch parts[0] {
	case RootParam, RootParams, RootEnv, RootContext:
		if len(parts) < 2 {
			return fmt.Errorf("%q requires a name", parts[0])
		}
	case RootTasks:
		if len(parts) < 3 {
			return fmt.Errorf("task reference %q requires a field", path)
		}

		switch parts[2] {
		case FieldOutput:
		case FieldState, FieldError:
			if len(parts) > 3 {
				return fmt.Errorf("task field %q has no members", parts[2])
			}
		default:
			return fmt.Errorf("unknown task field %q", parts[2])
		}
	default:
		return fmt.Errorf("unknown root %q", parts[0])
	}

	return nil
}

func lookup(path string, scope Scope) (any, error) {
	if err := checkPath(path); err != nil {
		return nil, &SyntaxError{Expression: "${" + path + "}", Reason: err.Error()}
	}

	parts := strings.Split(path, ".")

	switch parts[0] {
	case RootParam, RootParams:
		return descend(path, scope.Params, parts[1:])
	case RootEnv:
		return descend(path, scope.Env, parts[1:])
	case RootContext:
		return descend(path, scope.Context, parts[1:])
	}

	task, ok := scope.Tasks[parts[1]]
	if !ok {
		return nil, &UnresolvedReferenceError{Reference: path, Reason: "unknown task"}
	}

	switch parts[2] {
	case FieldState:
		return task.State, nil
	case FieldError:
		if task.Error == "" {
			return nil, &UnresolvedReferenceError{Reference: path, Reason: "task has no error"}
		}

		return task.Error, nil
	}

	if task.Output == nil {
		return nil, &UnresolvedReferenceError{Reference: path, Reason: "task has no output"}
	}

	return walk(path, task.Output, parts[3:])
}

func descend(path string, root map[string]any, parts []string) (any, error) {
	value, ok := root[parts[0]]
	if !ok {
		return nil, &UnresolvedReferenceError{Reference: path, Reason: fmt.Sprintf("%q is not defined", parts[0])}
	}

	return walk(path, value, parts[1:])
}

func walk(path string, value any, parts []string) (any, error) {
	current := value

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, &UnresolvedReferenceError{Reference: path, Reason: fmt.Sprintf("missing key %q", part)}
			}

			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(v) {
				return nil, &UnresolvedReferenceError{Reference: path, Reason: fmt.Sprintf("invalid index %q", part)}
			}

			current = v[index]
		default:
			return nil, &UnresolvedReferenceError{Reference: path, Reason: fmt.Sprintf("cannot access %q on %T", part, current)}
		}
	}

	return current, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
