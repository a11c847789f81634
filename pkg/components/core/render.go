package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dukex/orchestra/pkg/template"
)

var ErrFileExists = errors.New("file already exists")

type renderInput struct {
	Template string `json:"template" validate:"required"`
	Data     any    `json:"data"`
}

func (c *Component) render(_ context.Context, input map[string]any) (any, error) {
	in, err := decode[renderInput](c.validate, "render", input)
	if err != nil {
		return nil, err
	}

	return template.Render(in.Template, in.Data)
}

type writeFileInput struct {
	Path      string `json:"path"      validate:"required"`
	Content   any    `json:"content"`
	Overwrite bool   `json:"overwrite"`
}

func (c *Component) writeFile(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[writeFileInput](c.validate, "write_file", input)
	if err != nil {
		return nil, err
	}

	if !filepath.IsLocal(in.Path) {
		return nil, fmt.Errorf("%w: write_file: path %q leaves the file root", ErrInvalidInput, in.Path)
	}

	var data []byte

	if s, ok := in.Content.(string); ok {
		data = []byte(s)
	} else {
		data, err = json.MarshalIndent(in.Content, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal content: %w", err)
		}
	}

	fullPath := filepath.Join(c.fileRoot, in.Path)

	if !in.Overwrite {
		if _, err := os.Stat(fullPath); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, in.Path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for '%s': %w", in.Path, err)
	}

	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write file '%s': %w", in.Path, err)
	}

	c.logger.InfoContext(ctx, "Wrote file", "path", in.Path, "bytes", len(data))

	return map[string]any{"path": in.Path, "bytes_written": len(data)}, nil
}
