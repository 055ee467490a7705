package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dukex/procflow/pkg/crontab"
	"github.com/urfave/cli/v3"
)

const defaultRunCount = 5

func NewNextRunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "next-runs",
		Usage: "Print the next fire times of a cron expression or preset",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    "5-field cron expression or preset (hourly, daily, weekly, monthly, weekdays)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "timezone",
				Aliases: []string{"tz"},
				Usage:   "IANA timezone the expression is evaluated in",
				Value:   crontab.DefaultTimezone,
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Number of fire times to print",
				Value:   defaultRunCount,
			},
			&cli.StringFlag{
				Name:  "after",
				Usage: "RFC 3339 instant to start from; defaults to now",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			after := time.Now()

			if raw := command.String("after"); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return fmt.Errorf("invalid --after: %w", err)
				}

				after = parsed
			}

			return printNextRuns(command.Root().Writer, command.String("cron"), command.String("timezone"), after, command.Int("count"))
		},
	}
}

func printNextRuns(out io.Writer, cronOrPreset, timezone string, after time.Time, count int) error {
	if out == nil {
		out = os.Stdout
	}

	if count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", count)
	}

	parser := crontab.NewParser()

	expression, err := parser.Parse(cronOrPreset)
	if err != nil {
		return err
	}

	runs, err := crontab.NextRuns(parser, expression, timezone, after, count)
	if err != nil && len(runs) == 0 {
		return err
	}

	if err != nil {
		_, _ = fmt.Fprintf(out, "warning: %v\n", err)
	}

	location, locErr := time.LoadLocation(timezone)
	if locErr != nil {
		location = time.UTC
	}

	for _, run := range runs {
		_, _ = fmt.Fprintf(out, "%s  %s\n", run.UTC().Format(time.RFC3339), run.In(location).Format("Mon 2006-01-02 15:04 MST"))
	}

	return nil
}
