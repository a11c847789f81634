package webhook

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// mapper extracts workflow parameters from a request document with field path
// expressions such as "body.order.id" or "headers['X-Request-Id']".
type mapper struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newMapper() *mapper {
	return &mapper{cache: make(map[string]*vm.Program)}
}

// Map evaluates every path of mapping against doc. Paths that point at nothing are left
// out so parameter defaults apply. An empty mapping passes the body through.
func (m *mapper) Map(mapping map[string]string, doc map[string]any) (map[string]any, error) {
	if len(mapping) == 0 {
		body, _ := doc["body"].(map[string]any)
		if body == nil {
			body = map[string]any{}
		}

		return body, nil
	}

	params := make(map[string]any, len(mapping))

	for name, path := range mapping {
		program, err := m.compile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping for %s: %v", ErrInvalidPayload, name, err)
		}

		value, err := expr.Run(program, doc)
		if err != nil || value == nil {
			continue
		}

		params[name] = value
	}

	return params, nil
}

func (m *mapper) compile(path string) (*vm.Program, error) {
	path = strings.TrimSpace(path)

	m.mu.RLock()
	program, ok := m.cache[path]
	m.mu.RUnlock()

	if ok {
		return program, nil
	}

	program, err := expr.Compile(path, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[path] = program
	m.mu.Unlock()

	return program, nil
}
