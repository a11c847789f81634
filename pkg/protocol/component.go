// Package protocol defines the contracts between the engine and the components that run
// task actions.
package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Endpoint is where a component's actions are served.
type Endpoint struct {
	Component string            `json:"component"          yaml:"component"          validate:"required"`
	Transport string            `json:"transport"          yaml:"transport"          validate:"required"`
	Address   string            `json:"address,omitempty"  yaml:"address,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ComponentInvoker resolves component names and calls their actions. Retries and
// timeouts are layered on top by the engine; implementations make a single call.
type ComponentInvoker interface {
	Resolve(ctx context.Context, component string) (Endpoint, error)
	Invoke(ctx context.Context, endpoint Endpoint, action string, input map[string]any) (any, error)
}

// Transport performs calls for one kind of endpoint.
type Transport interface {
	Name() string
	Invoke(ctx context.Context, endpoint Endpoint, action string, input map[string]any) (any, error)
}

// ActionFunc is an in-process action implementation.
type ActionFunc func(ctx context.Context, input map[string]any) (any, error)

// LocalComponent is a component served in-process. Plugins export it as the
// "Component" symbol.
type LocalComponent interface {
	Name() string
	Actions() map[string]ActionFunc
}

var (
	ErrComponentNotFound = errors.New("component not found")
	ErrActionNotFound    = errors.New("action not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrRemote            = errors.New("remote component error")
)

// RemoteError carries an error payload returned by a component.
type RemoteError struct {
	Component string `json:"component,omitempty"`
	Action    string `json:"action,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s.%s returned %s: %s", e.Component, e.Action, e.Code, e.Message)
	}

	return fmt.Sprintf("%s.%s returned an error: %s", e.Component, e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// Request and Response are the JSON envelopes exchanged with http and nats components.
type Request struct {
	Action string         `json:"action"`
	Input  map[string]any `json:"input"`
}

type Response struct {
	Output any          `json:"output,omitempty"`
	Error  *RemoteError `json:"error,omitempty"`
}

func IsUnresolved(err error) bool {
	return errors.Is(err, ErrComponentNotFound) || errors.Is(err, ErrActionNotFound) || errors.Is(err, ErrTransportNotFound)
}

func IsRemote(err error) bool {
	return errors.Is(err, ErrRemote)
}
