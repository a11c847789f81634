// Package registry maps component names to endpoints and routes calls to the transport
// serving each endpoint.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/orchestra/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// Registry implements protocol.ComponentInvoker.
type Registry struct {
	logger     *slog.Logger
	mu         sync.RWMutex
	endpoints  map[string]protocol.Endpoint
	transports map[string]protocol.Transport
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:     log.With("module", "registry"),
		endpoints:  make(map[string]protocol.Endpoint),
		transports: make(map[string]protocol.Transport),
	}
}

func (r *Registry) RegisterTransport(transport protocol.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[transport.Name()] = transport
}

// Register adds or replaces the endpoint of a component.
func (r *Registry) Register(endpoint protocol.Endpoint) error {
	if endpoint.Component == "" {
		return fmt.Errorf("endpoint component name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transports[endpoint.Transport]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrTransportNotFound, endpoint.Transport)
	}

	r.endpoints[endpoint.Component] = endpoint
	r.logger.Info("Registered component", "component", endpoint.Component, "transport", endpoint.Transport, "address", endpoint.Address)

	return nil
}

// RegisterLocal serves a component in-process through the local transport, creating
// the transport when needed.
func (r *Registry) RegisterLocal(component protocol.LocalComponent) error {
	r.mu.Lock()

	transport, ok := r.transports[LocalTransportName].(*LocalTransport)
	if !ok {
		transport = NewLocalTransport()
		r.transports[LocalTransportName] = transport
	}

	r.mu.Unlock()

	transport.Add(component)

	return r.Register(protocol.Endpoint{Component: component.Name(), Transport: LocalTransportName})
}

func (r *Registry) Unregister(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.endpoints, component)
}

func (r *Registry) Resolve(_ context.Context, component string) (protocol.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoint, ok := r.endpoints[component]
	if !ok {
		return protocol.Endpoint{}, fmt.Errorf("%w: %s", protocol.ErrComponentNotFound, component)
	}

	return endpoint, nil
}

func (r *Registry) Invoke(ctx context.Context, endpoint protocol.Endpoint, action string, input map[string]any) (any, error) {
	r.mu.RLock()
	transport, ok := r.transports[endpoint.Transport]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrTransportNotFound, endpoint.Transport)
	}

	return transport.Invoke(ctx, endpoint, action, input)
}

// Endpoints returns the registered endpoints sorted by component name.
func (r *Registry) Endpoints() []protocol.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		out = append(out, endpoint)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })

	return out
}

// HealthCheck reports how many components can be resolved.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	count := len(r.endpoints)
	r.mu.RUnlock()

	return fmt.Sprintf("%d components registered", count), true
}

type endpointsFile struct {
	Components []protocol.Endpoint `yaml:"components"`
}

// LoadEndpoints registers every endpoint listed in a YAML file of the form
//
//	components:
//	  - component: summarizer
//	    transport: http
//	    address: http://summarizer:8080
func (r *Registry) LoadEndpoints(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading components file: %w", err)
	}

	var file endpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing components file %s: %w", path, err)
	}

	for _, endpoint := range file.Components {
		if err := r.Register(endpoint); err != nil {
			return err
		}
	}

	return nil
}

// LoadPlugins opens every components/**/*.so under pluginsPath and registers the
// exported Component symbol as a local component.
func (r *Registry) LoadPlugins(pluginsPath string) error {
	components, err := loadPlugin[protocol.LocalComponent](r.logger, pluginsPath, "Component")
	if err != nil {
		return err
	}

	for _, component := range components {
		if err := r.RegisterLocal(component); err != nil {
			return err
		}
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("opening plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded component plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
