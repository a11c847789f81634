// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/orchestra/pkg/components/core"
	"github.com/dukex/orchestra/pkg/registry"
	"github.com/nats-io/nats.go"
)

type RegistryConfig struct {
	// ComponentsFile lists remote component endpoints.
	ComponentsFile string
	// PluginsPath holds components/**/*.so plugins.
	PluginsPath string
	// FileRoot enables the core write_file action.
	FileRoot string
	// NATS, when set, enables the nats transport.
	NATS        *nats.Conn
	HTTPTimeout time.Duration
}

// NewRegistry builds the component registry: the core component, plugins, then the
// endpoints file.
func NewRegistry(logger *slog.Logger, cfg RegistryConfig) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	reg.RegisterTransport(registry.NewHTTPTransport(client))

	if cfg.NATS != nil {
		reg.RegisterTransport(registry.NewNATSTransport(cfg.NATS))
	}

	if err := reg.RegisterLocal(core.New(logger, core.Config{FileRoot: cfg.FileRoot, HTTPClient: client})); err != nil {
		return nil, err
	}

	if cfg.PluginsPath != "" {
		if err := reg.LoadPlugins(cfg.PluginsPath); err != nil {
			return nil, err
		}
	}

	if cfg.ComponentsFile != "" {
		if err := reg.LoadEndpoints(cfg.ComponentsFile); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
