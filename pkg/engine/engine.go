// Package engine runs executions of published definitions. It walks the step dependency
// graph, invokes the registered handler for every ready step and persists each transition,
// so a waiting execution can be resumed exactly where it paused.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxParallelSteps = 4

// Handlers resolves the handler of a step type.
type Handlers interface {
	Get(stepType models.StepType) (protocol.Handler, error)
}

type Options struct {
	// MaxParallelSteps bounds how many ready steps of one execution run at once.
	MaxParallelSteps int
	Clock            clock.Clock
	Sink             eventbus.Sink
	Tracer           trace.Tracer
}

// StartOptions describe a new execution.
type StartOptions struct {
	TriggeredBy models.TriggerSource
	Input       map[string]any
}

type Engine struct {
	definitions persistence.DefinitionRepository
	executions  persistence.ExecutionRepository
	handlers    Handlers
	logger      *slog.Logger
	clock       clock.Clock
	sink        eventbus.Sink
	tracer      trace.Tracer
	maxParallel int

	// steppers admits one stepping pass per execution; writers serializes state writes
	// with Cancel.
	steppers *keyedMutex
	writers  *keyedMutex

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	running   map[string]context.CancelFunc
	cancelled map[string]struct{}
	timers    map[string]*time.Timer
}

func New(store persistence.Persistence, handlers Handlers, logger *slog.Logger, opts Options) *Engine {
	if opts.MaxParallelSteps <= 0 {
		opts.MaxParallelSteps = DefaultMaxParallelSteps
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

	base, cancel := context.WithCancel(context.Background())

	return &Engine{
		definitions: store.Definitions(),
		executions:  store.Executions(),
		handlers:    handlers,
		logger:      logger.With("module", "engine"),
		clock:       opts.Clock,
		sink:        opts.Sink,
		tracer:      opts.Tracer,
		maxParallel: opts.MaxParallelSteps,
		steppers:    newKeyedMutex(),
		writers:     newKeyedMutex(),
		base:        base,
		baseCancel:  cancel,
		running:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// Start creates an execution and steps it until it waits or finishes.
func (e *Engine) Start(ctx context.Context, definitionID string, opts StartOptions) (*models.Execution, error) {
	definition, execution, err := e.create(ctx, definitionID, opts)
	if err != nil {
		return nil, err
	}

	return e.step(ctx, definition, execution.ID)
}

// Launch creates an execution and steps it in the background.
func (e *Engine) Launch(ctx context.Context, definitionID string, opts StartOptions) (*models.Execution, error) {
	definition, execution, err := e.create(ctx, definitionID, opts)
	if err != nil {
		return nil, err
	}

	if !e.goTracked(func() {
		if _, err := e.step(e.base, definition, execution.ID); err != nil {
			e.logger.Error("background execution failed", "execution_id", execution.ID, "error", err)
		}
	}) {
		return nil, ErrClosed
	}

	return execution, nil
}

// Resume re-invokes the waiting step of an execution and continues stepping.
func (e *Engine) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	unlock := e.steppers.Lock(executionID)
	defer unlock()

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusWaiting {
		return nil, &ExecutionError{Op: "resume", ExecutionID: executionID, Err: ErrExecutionNotWaiting}
	}

	definition, err := e.definitions.GetByID(ctx, execution.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition of execution %s: %w", executionID, err)
	}

	e.disarm(executionID)

	execution.Status = models.ExecutionStatusRunning
	execution.ResumeAt = nil
	execution.UpdatedAt = e.clock.Now()

	if err := e.update(ctx, execution); err != nil {
		return e.settle(ctx, executionID, err)
	}

	e.emit(ctx, events.ExecutionResumed, execution, "", nil)

	return e.stepLocked(ctx, definition, execution)
}

// Cancel stops an execution at once. Handlers still running get their context cancelled
// and their results are discarded.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	unlock := e.writers.Lock(executionID)
	defer unlock()

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, &ExecutionError{Op: "cancel", ExecutionID: executionID, Err: ErrExecutionFinished}
	}

	now := e.clock.Now()
	execution.Status = models.ExecutionStatusCancelling
	execution.UpdatedAt = now

	if err := e.executions.Update(ctx, execution); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cancel, ok := e.running[executionID]; ok {
		e.cancelled[executionID] = struct{}{}
		cancel()
	}
	e.mu.Unlock()

	e.disarm(executionID)

	for _, state := range execution.Steps {
		if state.Status != models.StepStatusRunning && state.Status != models.StepStatusWaiting {
			continue
		}

		state.Status = models.StepStatusFailed
		state.Error = &models.StepError{Code: models.ErrorCodeCancelled, Message: "execution cancelled"}
		state.CompletedAt = &now

		if err := e.executions.SaveStep(ctx, executionID, state); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist cancelled step",
				"execution_id", executionID, "step_id", state.StepID, "error", err)
		}
	}

	execution.Status = models.ExecutionStatusCancelled
	execution.Error = &models.StepError{Code: models.ErrorCodeCancelled, Message: "execution cancelled"}
	execution.CompletedAt = &now
	execution.ResumeAt = nil

	if err := e.executions.Update(ctx, execution); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID)
	e.emit(ctx, events.ExecutionCancelled, execution, "", nil)

	return execution, nil
}

func (e *Engine) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	return e.executions.GetByID(ctx, executionID)
}

func (e *Engine) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	return e.executions.List(ctx, filter)
}

// ResumeDue resumes, in the background, every waiting execution whose wake-up time is at
// or before now. It returns how many were picked up.
func (e *Engine) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.executions.DueWakeups(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due wake-ups: %w", err)
	}

	resumed := 0

	for _, execution := range due {
		if e.resumeAsync(execution.ID) {
			resumed++
		}
	}

	return resumed, nil
}

// Recover re-arms the wake-up timers of waiting executions and restarts stepping for
// executions that were interrupted while running.
func (e *Engine) Recover(ctx context.Context) error {
	waiting, err := e.executions.List(ctx, persistence.ExecutionFilter{Status: models.ExecutionStatusWaiting})
	if err != nil {
		return fmt.Errorf("failed to list waiting executions: %w", err)
	}

	armed := 0

	for _, execution := range waiting {
		if execution.ResumeAt != nil {
			e.arm(execution.ID, *execution.ResumeAt)
			armed++
		}
	}

	interrupted, err := e.executions.List(ctx, persistence.ExecutionFilter{Status: models.ExecutionStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running executions: %w", err)
	}

	for _, execution := range interrupted {
		definition, err := e.definitions.GetByID(ctx, execution.DefinitionID)
		if err != nil {
			e.logger.ErrorContext(ctx, "cannot recover execution", "execution_id", execution.ID, "error", err)

			continue
		}

		id := execution.ID
		e.goTracked(func() {
			if _, err := e.step(e.base, definition, id); err != nil {
				e.logger.Error("recovered execution failed", "execution_id", id, "error", err)
			}
		})
	}

	e.logger.InfoContext(ctx, "executions recovered", "timers", armed, "restarted", len(interrupted))

	return nil
}

// Close stops wake-up timers, cancels background stepping and waits for it to return.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true

	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
}

func (e *Engine) create(ctx context.Context, definitionID string, opts StartOptions) (*models.Definition, *models.Execution, error) {
	definition, err := e.definitions.GetByID(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}

	if !definition.IsPublished() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrDefinitionNotPublished, definitionID, definition.Status)
	}

	if opts.TriggeredBy == "" {
		opts.TriggeredBy = models.TriggeredByManual
	}

	now := e.clock.Now()
	execution := &models.Execution{
		ID:                uuid.NewString(),
		DefinitionID:      definition.ID,
		DefinitionName:    definition.Name,
		DefinitionVersion: definition.Version,
		Status:            models.ExecutionStatusRunning,
		TriggeredBy:       opts.TriggeredBy,
		Input:             opts.Input,
		Steps:             make(map[string]*models.StepExecution, len(definition.Steps)),
		StartedAt:         now,
		UpdatedAt:         now,
	}

	if execution.Input == nil {
		execution.Input = map[string]any{}
	}

	for _, step := range definition.Steps {
		execution.Steps[step.ID] = &models.StepExecution{StepID: step.ID, Status: models.StepStatusPending}
	}

	if err := e.executions.Create(ctx, execution); err != nil {
		return nil, nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.logger.InfoContext(ctx, "execution started",
		"execution_id", execution.ID,
		"definition_id", definition.ID,
		"definition_name", definition.Name,
		"triggered_by", execution.TriggeredBy)

	e.emit(ctx, events.ExecutionStarted, execution, "", map[string]any{"triggered_by": string(execution.TriggeredBy)})

	return definition, execution.Clone(), nil
}

// step loads the execution under its stepper lock and drives it.
func (e *Engine) step(ctx context.Context, definition *models.Definition, executionID string) (*models.Execution, error) {
	unlock := e.steppers.Lock(executionID)
	defer unlock()

	execution, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusRunning {
		return execution, nil
	}

	return e.stepLocked(ctx, definition, execution)
}

func (e *Engine) stepLocked(ctx context.Context, definition *models.Definition, execution *models.Execution) (*models.Execution, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(e.base, cancel)
	defer stop()

	e.mu.Lock()
	e.running[execution.ID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, execution.ID)
		delete(e.cancelled, execution.ID)
		e.mu.Unlock()
	}()

	runCtx, span := otelhelper.StartSpan(runCtx, e.tracer, "engine.step",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.DefinitionIDKey, definition.ID),
		attribute.String(otelhelper.DefinitionNameKey, definition.Name))
	defer span.End()

	err := e.drive(runCtx, definition, execution)
	if err != nil && !errors.Is(err, errCancelled) {
		otelhelper.SetError(span, err)
	}

	return e.settle(ctx, execution.ID, err)
}

// settle returns the persisted execution after a stepping pass. Cancellation and writes
// refused because the execution already finished are not errors for the caller.
func (e *Engine) settle(ctx context.Context, executionID string, err error) (*models.Execution, error) {
	if err != nil && !errors.Is(err, errCancelled) && !errors.Is(err, persistence.ErrExecutionTerminal) {
		return nil, &ExecutionError{Op: "step", ExecutionID: executionID, Err: err}
	}

	return e.executions.GetByID(context.WithoutCancel(ctx), executionID)
}

func (e *Engine) goTracked(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		fn()
	}()

	return true
}

func (e *Engine) resumeAsync(executionID string) bool {
	return e.goTracked(func() {
		_, err := e.Resume(e.base, executionID)
		if err != nil && !IsNotWaiting(err) {
			e.logger.Error("failed to resume execution", "execution_id", executionID, "error", err)
		}
	})
}

// arm schedules an in-process resume at resumeAt, replacing any previous timer.
func (e *Engine) arm(executionID string, resumeAt time.Time) {
	delay := max(resumeAt.Sub(e.clock.Now()), 0)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if timer, ok := e.timers[executionID]; ok {
		timer.Stop()
	}

	e.timers[executionID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, executionID)
		e.mu.Unlock()

		e.resumeAsync(executionID)
	})
}

func (e *Engine) disarm(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.timers[executionID]; ok {
		timer.Stop()
		delete(e.timers, executionID)
	}
}

func (e *Engine) emit(ctx context.Context, eventType events.EventType, execution *models.Execution, stepID string, data map[string]any) {
	event := events.New(eventType)
	event.DefinitionID = execution.DefinitionID
	event.ExecutionID = execution.ID
	event.StepID = stepID
	event.Data = data

	e.sink.Emit(ctx, event)
}
