package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/cmd"
	"github.com/dukex/procflow/pkg/crontab"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/urfave/cli/v3"
)

var ErrInvalidDefinition = errors.New("definition is invalid")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate a YAML or JSON definition document",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Definition document to check, - reads stdin",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			data, err := readDocument(command.String("file"), command.Root().Reader)
			if err != nil {
				return err
			}

			return validateDocument(command.Root().Writer, data)
		},
	}
}

func readDocument(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}

		return io.ReadAll(stdin)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	return data, nil
}

func validateDocument(out io.Writer, data []byte) error {
	if out == nil {
		out = os.Stdout
	}

	definition, err := validation.ParseDocument(data)
	if err == nil {
		registry := cmd.NewRegistry(slog.New(slog.DiscardHandler), cmd.Handlers{Clock: clock.Real()})
		err = validation.NewValidator(crontab.NewParser(), registry).Validate(definition)
	}

	if err != nil {
		if !validation.IsValidationError(err) {
			return err
		}

		for _, issue := range validation.Issues(err) {
			_, _ = fmt.Fprintln(out, issue.String())
		}

		return ErrInvalidDefinition
	}

	_, _ = fmt.Fprintf(out, "%s is valid: %d steps, %d triggers\n",
		definition.Name, len(definition.Steps), len(definition.Triggers))

	return nil
}
