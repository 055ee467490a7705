// Package crontab resolves cron presets and computes fire times in a timezone.
package crontab

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Presets maps named shorthands to 5-field cron expressions.
var Presets = map[string]string{
	"hourly":   "0 * * * *",
	"daily":    "0 9 * * *",
	"weekly":   "0 9 * * 1",
	"monthly":  "0 9 1 * *",
	"weekdays": "0 9 * * 1-5",
}

// DefaultTimezone is used when a trigger does not name one or names an unknown zone.
const DefaultTimezone = "UTC"

var ErrInvalidExpression = errors.New("invalid cron expression")

// ScheduleComputeError reports a cron or timezone problem found while computing a fire time.
type ScheduleComputeError struct {
	Expression string
	Timezone   string
	Err        error
}

func (e *ScheduleComputeError) Error() string {
	return fmt.Sprintf("failed to compute schedule %q in %q: %v", e.Expression, e.Timezone, e.Err)
}

func (e *ScheduleComputeError) Unwrap() error {
	return e.Err
}

// Resolve expands a preset name, or returns the trimmed expression unchanged.
func Resolve(cronOrPreset string) string {
	value := strings.TrimSpace(cronOrPreset)
	if expression, ok := Presets[strings.ToLower(value)]; ok {
		return expression
	}

	return value
}

// Cron parses expressions and computes next fire times.
type Cron interface {
	Parse(cronOrPreset string) (string, error)
	Next(expression, timezone string, after time.Time) (time.Time, error)
}

// Parser is the robfig/cron backed Cron with a cache of parsed schedules.
type Parser struct {
	parser cron.Parser

	mu    sync.RWMutex
	cache map[string]cron.Schedule
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cache:  make(map[string]cron.Schedule),
	}
}

// Parse resolves presets and checks the result is a valid 5-field expression.
func (p *Parser) Parse(cronOrPreset string) (string, error) {
	expression := Resolve(cronOrPreset)

	if len(strings.Fields(expression)) != 5 {
		return "", fmt.Errorf("%w: %q must have 5 fields", ErrInvalidExpression, cronOrPreset)
	}

	if _, err := p.schedule(expression); err != nil {
		return "", err
	}

	return expression, nil
}

// Next returns the first fire time strictly after the given instant, evaluated in timezone.
// An unknown timezone yields the UTC fire time together with a *ScheduleComputeError.
func (p *Parser) Next(expression, timezone string, after time.Time) (time.Time, error) {
	schedule, err := p.schedule(Resolve(expression))
	if err != nil {
		return time.Time{}, &ScheduleComputeError{Expression: expression, Timezone: timezone, Err: err}
	}

	location, locErr := LoadLocation(timezone)

	next := schedule.Next(after.In(location)).UTC()
	if next.IsZero() {
		return time.Time{}, &ScheduleComputeError{
			Expression: expression,
			Timezone:   timezone,
			Err:        errors.New("expression never fires"),
		}
	}

	if locErr != nil {
		return next, &ScheduleComputeError{Expression: expression, Timezone: timezone, Err: locErr}
	}

	return next, nil
}

func (p *Parser) schedule(expression string) (cron.Schedule, error) {
	p.mu.RLock()
	schedule, ok := p.cache[expression]
	p.mu.RUnlock()

	if ok {
		return schedule, nil
	}

	schedule, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}

	p.mu.Lock()
	p.cache[expression] = schedule
	p.mu.Unlock()

	return schedule, nil
}

// LoadLocation returns the named zone, or UTC and an error when the name is unknown.
func LoadLocation(timezone string) (*time.Location, error) {
	if timezone == "" || timezone == DefaultTimezone {
		return time.UTC, nil
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}

	return location, nil
}

// NextRuns returns the next count fire times after the given instant.
func NextRuns(c Cron, expression, timezone string, after time.Time, count int) ([]time.Time, error) {
	runs := make([]time.Time, 0, count)

	var warning error

	for range count {
		next, err := c.Next(expression, timezone, after)
		if err != nil {
			var computeErr *ScheduleComputeError
			if !errors.As(err, &computeErr) || next.IsZero() {
				return runs, err
			}

			warning = err
		}

		runs = append(runs, next)
		after = next
	}

	return runs, warning
}
