package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dukex/orchestra/pkg/cmd"
	"github.com/dukex/orchestra/pkg/models"
	cli "github.com/urfave/cli/v3"
)

var errInvalidWorkflows = errors.New("invalid workflow definitions")

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow definition files without storing them",
		ArgsUsage: "<file or directory>...",
		Action: func(_ context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				return fmt.Errorf("at least one workflow file or directory is required")
			}

			return validateDefinitions(command.Root().Writer, paths)
		},
	}
}

func validateDefinitions(w io.Writer, paths []string) error {
	invalid := 0

	for _, path := range paths {
		defs, err := cmd.LoadDefinitions(path)
		if err != nil {
			_, _ = fmt.Fprintf(w, "FAIL %s: %v\n", path, err)
			invalid++

			continue
		}

		for _, def := range defs {
			if err := models.Validate(def); err != nil {
				_, _ = fmt.Fprintf(w, "FAIL %s (%s):\n  %v\n", path, def.Name, err)
				invalid++

				continue
			}

			_, _ = fmt.Fprintf(w, "ok   %s (%s, %d tasks)\n", path, def.Name, len(def.Tasks))
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d", errInvalidWorkflows, invalid)
	}

	return nil
}
