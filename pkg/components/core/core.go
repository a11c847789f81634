// Package core is the built-in local component. It offers http_request, log, render and
// write_file actions to workflows that need no external service.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

// Name is the component name tasks use to reach these actions.
const Name = "core"

const defaultHTTPTimeout = 30 * time.Second

var ErrInvalidInput = errors.New("invalid action input")

type Config struct {
	// FileRoot confines write_file. Empty disables the action.
	FileRoot   string
	HTTPClient *http.Client
}

type Component struct {
	logger   *slog.Logger
	client   *http.Client
	fileRoot string
	validate *validator.Validate
}

func New(logger *slog.Logger, cfg Config) *Component {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Component{
		logger:   logger.With("module", "core_component"),
		client:   client,
		fileRoot: cfg.FileRoot,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (c *Component) Name() string {
	return Name
}

func (c *Component) Actions() map[string]protocol.ActionFunc {
	actions := map[string]protocol.ActionFunc{
		"http_request": c.httpRequest,
		"log":          c.log,
		"render":       c.render,
	}

	if c.fileRoot != "" {
		actions["write_file"] = c.writeFile
	}

	return actions
}

// decode maps a task input onto T and validates it.
func decode[T any](v *validator.Validate, action string, input map[string]any) (T, error) {
	var out T

	data, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidInput, action, err)
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidInput, action, err)
	}

	if err := v.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidInput, action, err)
	}

	return out, nil
}

type logInput struct {
	Message string         `json:"message" validate:"required"`
	Level   string         `json:"level"   validate:"omitempty,oneof=debug info warn error"`
	Fields  map[string]any `json:"fields"`
}

func (c *Component) log(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[logInput](c.validate, "log", input)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if in.Level != "" {
		if err := level.UnmarshalText([]byte(in.Level)); err != nil {
			return nil, fmt.Errorf("%w: log: %v", ErrInvalidInput, err)
		}
	}

	attrs := make([]any, 0, len(in.Fields)*2)
	for k, v := range in.Fields {
		attrs = append(attrs, k, v)
	}

	c.logger.Log(ctx, level, in.Message, attrs...)

	return map[string]any{"message": in.Message}, nil
}
