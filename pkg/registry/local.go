package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/orchestra/pkg/protocol"
)

const LocalTransportName = "local"

// LocalTransport calls in-process components.
type LocalTransport struct {
	mu         sync.RWMutex
	components map[string]map[string]protocol.ActionFunc
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{components: make(map[string]map[string]protocol.ActionFunc)}
}

func (t *LocalTransport) Name() string {
	return LocalTransportName
}

func (t *LocalTransport) Add(component protocol.LocalComponent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.components[component.Name()] = component.Actions()
}

func (t *LocalTransport) Invoke(ctx context.Context, endpoint protocol.Endpoint, action string, input map[string]any) (any, error) {
	t.mu.RLock()
	actions, ok := t.components[endpoint.Component]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrComponentNotFound, endpoint.Component)
	}

	fn, ok := actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", protocol.ErrActionNotFound, endpoint.Component, action)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return fn(ctx, input)
}

// Component is a LocalComponent assembled from a name and a set of functions.
type Component struct {
	ComponentName string
	Funcs         map[string]protocol.ActionFunc
}

func (c Component) Name() string {
	return c.ComponentName
}

func (c Component) Actions() map[string]protocol.ActionFunc {
	return c.Funcs
}
