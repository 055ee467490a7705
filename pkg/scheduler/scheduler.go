// Package scheduler fires executions for the schedule triggers of published definitions.
//
// Every enabled trigger is projected into a schedule row carrying its next fire time. A
// periodic tick launches the due rows, advances them with a compare-and-set on next_run_at,
// wakes timer waits and expires overdue approvals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/crontab"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTickInterval = time.Minute
	DefaultTickTimeout  = 30 * time.Second
	DefaultRowTimeout   = 10 * time.Second
	DefaultBatchSize    = 100
)

// Launcher starts executions in the background.
type Launcher interface {
	Launch(ctx context.Context, definitionID string, opts engine.StartOptions) (*models.Execution, error)
}

// Waker resumes executions whose timer wait is over.
type Waker interface {
	ResumeDue(ctx context.Context, now time.Time) (int, error)
}

// Sweeper expires approval requests past their deadline.
type Sweeper interface {
	ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)
}

type Options struct {
	TickInterval time.Duration
	// TickTimeout bounds one whole tick; RowTimeout bounds the work for a single row.
	TickTimeout time.Duration
	RowTimeout  time.Duration
	BatchSize   int

	Waker   Waker
	Sweeper Sweeper
	Clock   clock.Clock
	Sink    eventbus.Sink
	Tracer  trace.Tracer
}

// TickReport summarizes one tick.
type TickReport struct {
	Fired    int
	Failed   int
	Skipped  int
	Resumed  int
	Expired  int
	Duration time.Duration
}

type Scheduler struct {
	rows     persistence.ScheduleRepository
	cron     crontab.Cron
	launcher Launcher
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(rows persistence.ScheduleRepository, cron crontab.Cron, launcher Launcher, logger *slog.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}

	if opts.TickTimeout <= 0 {
		opts.TickTimeout = DefaultTickTimeout
	}

	if opts.RowTimeout <= 0 {
		opts.RowTimeout = DefaultRowTimeout
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Sink == nil {
		opts.Sink = eventbus.Discard()
	}

	if opts.Tracer == nil {
		opts.Tracer = otelhelper.Noop()
	}

	return &Scheduler{
		rows:     rows,
		cron:     cron,
		launcher: launcher,
		logger:   logger.With("module", "scheduler"),
		opts:     opts,
		inFlight: make(map[string]struct{}),
	}
}

// Register stores a schedule row for every enabled schedule trigger of definition and computes
// its first fire time. Triggers whose expression cannot be evaluated are logged and skipped.
func (s *Scheduler) Register(ctx context.Context, definition *models.Definition) ([]*models.ScheduleRow, error) {
	now := s.opts.Clock.Now()
	rows := make([]*models.ScheduleRow, 0, len(definition.Triggers))

	for _, trigger := range definition.ScheduleTriggers() {
		logger := s.logger.With("definition_id", definition.ID, "trigger_id", trigger.ID)

		expression, err := s.cron.Parse(trigger.Cron)
		if err != nil {
			logger.WarnContext(ctx, "skipping schedule trigger", "cron", trigger.Cron, "error", err)

			continue
		}

		next, ok := s.next(ctx, logger, expression, trigger.Timezone, now)
		if !ok {
			continue
		}

		row := &models.ScheduleRow{
			ID:             uuid.NewString(),
			DefinitionID:   definition.ID,
			DefinitionName: definition.Name,
			TriggerID:      trigger.ID,
			CronExpression: expression,
			Timezone:       trigger.Timezone,
			Description:    trigger.Description,
			Enabled:        true,
			NextRunAt:      next,
			CreatedAt:      now,
		}

		if row.Timezone == "" {
			row.Timezone = crontab.DefaultTimezone
		}

		if err := s.rows.Save(ctx, row); err != nil {
			return rows, fmt.Errorf("failed to save schedule for trigger %s: %w", trigger.ID, err)
		}

		logger.InfoContext(ctx, "schedule registered", "cron", expression, "timezone", row.Timezone, "next_run_at", next)

		event := events.New(events.ScheduleRegistered).
			With("schedule_id", row.ID).
			With("trigger_id", row.TriggerID).
			With("next_run_at", next)
		event.DefinitionID = definition.ID
		s.opts.Sink.Emit(ctx, event)

		rows = append(rows, row)
	}

	return rows, nil
}

// Deregister removes every schedule row of a definition and returns how many were removed.
func (s *Scheduler) Deregister(ctx context.Context, definitionID string) (int, error) {
	removed, err := s.rows.DeleteByDefinition(ctx, definitionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedules: %w", err)
	}

	s.logger.InfoContext(ctx, "schedules deregistered", "definition_id", definitionID, "removed", removed)

	event := events.New(events.ScheduleDeregistered).With("removed", removed)
	event.DefinitionID = definitionID
	s.opts.Sink.Emit(ctx, event)

	return removed, nil
}

// Rows returns the schedule rows of a definition.
func (s *Scheduler) Rows(ctx context.Context, definitionID string) ([]*models.ScheduleRow, error) {
	return s.rows.ListByDefinition(ctx, definitionID)
}

// SetEnabled toggles a row. Re-enabling computes the next fire time from now.
func (s *Scheduler) SetEnabled(ctx context.Context, rowID string, enabled bool) (*models.ScheduleRow, error) {
	row, err := s.rows.GetByID(ctx, rowID)
	if err != nil {
		return nil, err
	}

	var next time.Time

	if enabled {
		now := s.opts.Clock.Now()

		next, err = s.cron.Next(row.CronExpression, row.Timezone, now)
		if next.IsZero() {
			return nil, err
		}
	}

	if err := s.rows.SetEnabled(ctx, rowID, enabled, next); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "schedule toggled", "schedule_id", rowID, "enabled", enabled)

	return s.rows.GetByID(ctx, rowID)
}

// Start runs Tick every TickInterval until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}

	s.started = true
	s.done = make(chan struct{})
	s.wg.Add(1)

	go s.loop(ctx, s.done)

	s.logger.InfoContext(ctx, "scheduler started", "tick_interval", s.opts.TickInterval)
}

// Stop halts the loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return
	}

	s.started = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires the due rows, then resumes due timer waits and expires overdue approvals.
// Problems with single rows are logged and never abort the tick.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()

	ctx, span := otelhelper.StartSpan(ctx, s.opts.Tracer, "scheduler.tick")
	defer span.End()

	var report TickReport

	now := s.opts.Clock.Now()
	started := time.Now()

	due, err := s.rows.Due(ctx, now, s.opts.BatchSize)
	if err != nil {
		otelhelper.SetError(span, err)

		return report, fmt.Errorf("failed to list due schedules: %w", err)
	}

	for _, row := range due {
		if ctx.Err() != nil {
			s.logger.WarnContext(ctx, "tick timed out, leaving rows for the next tick", "remaining", len(due)-report.Fired-report.Failed-report.Skipped)

			break
		}

		if !s.claim(row.ID) {
			report.Skipped++

			continue
		}

		if s.fire(ctx, row, now) {
			report.Fired++
		} else {
			report.Failed++
		}

		s.release(row.ID)
	}

	if s.opts.Waker != nil {
		resumed, err := s.opts.Waker.ResumeDue(ctx, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to resume due executions", "error", err)
		}

		report.Resumed = resumed
	}

	if s.opts.Sweeper != nil {
		expired, err := s.opts.Sweeper.ExpireOverdue(ctx, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to expire overdue approvals", "error", err)
		}

		report.Expired = len(expired)
	}

	report.Duration = time.Since(started)

	span.SetAttributes(
		attribute.Int("procflow.scheduler.fired", report.Fired),
		attribute.Int("procflow.scheduler.failed", report.Failed),
		attribute.Int("procflow.scheduler.resumed", report.Resumed))

	if report.Fired+report.Failed+report.Resumed+report.Expired > 0 {
		s.logger.InfoContext(ctx, "scheduler tick",
			"fired", report.Fired,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"resumed", report.Resumed,
			"expired", report.Expired,
			"duration", report.Duration)
	}

	return report, nil
}

// fire launches one row and advances it. It reports whether the launch succeeded.
func (s *Scheduler) fire(ctx context.Context, row *models.ScheduleRow, now time.Time) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RowTimeout)
	defer cancel()

	ctx, span := otelhelper.StartSpan(ctx, s.opts.Tracer, "scheduler.fire",
		attribute.String(otelhelper.ScheduleIDKey, row.ID),
		attribute.String(otelhelper.DefinitionIDKey, row.DefinitionID),
		attribute.String(otelhelper.TriggerIDKey, row.TriggerID))
	defer span.End()

	logger := s.logger.With("schedule_id", row.ID, "definition_id", row.DefinitionID, "trigger_id", row.TriggerID)

	execution, launchErr := s.launcher.Launch(ctx, row.DefinitionID, engine.StartOptions{
		TriggeredBy: models.TriggeredBySchedule,
		Input: map[string]any{
			"schedule_id":  row.ID,
			"trigger_id":   row.TriggerID,
			"scheduled_at": row.NextRunAt.Format(time.RFC3339),
		},
	})
	if launchErr != nil {
		otelhelper.SetError(span, launchErr)
		logger.ErrorContext(ctx, "failed to launch scheduled execution", "error", launchErr)

		event := events.New(events.ScheduleFailed).
			With("schedule_id", row.ID).
			With("error", launchErr.Error())
		event.DefinitionID = row.DefinitionID
		s.opts.Sink.Emit(ctx, event)
	}

	next, ok := s.next(ctx, logger, row.CronExpression, row.Timezone, now)
	if !ok {
		if err := s.rows.SetEnabled(ctx, row.ID, false, time.Time{}); err != nil {
			logger.ErrorContext(ctx, "failed to disable schedule", "error", err)
		}

		return launchErr == nil
	}

	advanced, err := s.rows.Advance(ctx, row.ID, row.NextRunAt, next, now)

	switch {
	case err != nil:
		logger.ErrorContext(ctx, "failed to advance schedule", "error", err)
	case !advanced:
		logger.WarnContext(ctx, "schedule was advanced concurrently", "expected_next_run_at", row.NextRunAt)
	default:
		logger.DebugContext(ctx, "schedule advanced", "next_run_at", next)
	}

	if launchErr != nil {
		return false
	}

	event := events.New(events.ScheduleFired).
		With("schedule_id", row.ID).
		With("trigger_id", row.TriggerID).
		With("next_run_at", next)
	event.DefinitionID = row.DefinitionID
	event.ExecutionID = execution.ID
	s.opts.Sink.Emit(ctx, event)

	logger.InfoContext(ctx, "scheduled execution launched", "execution_id", execution.ID, "next_run_at", next)

	return true
}

// next computes the fire time after now. A bad timezone falls back to UTC with a warning;
// an expression that cannot be evaluated yields false.
func (s *Scheduler) next(ctx context.Context, logger *slog.Logger, expression, timezone string, now time.Time) (time.Time, bool) {
	next, err := s.cron.Next(expression, timezone, now)
	if err == nil {
		return next, true
	}

	var computeErr *crontab.ScheduleComputeError
	if errors.As(err, &computeErr) && !next.IsZero() {
		logger.WarnContext(ctx, "falling back to UTC", "timezone", timezone, "error", err)

		return next, true
	}

	logger.ErrorContext(ctx, "cannot compute next fire time", "cron", expression, "error", err)

	return time.Time{}, false
}

func (s *Scheduler) claim(rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[rowID]; busy {
		return false
	}

	s.inFlight[rowID] = struct{}{}

	return true
}

func (s *Scheduler) release(rowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, rowID)
}
