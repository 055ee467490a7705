package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/otelhelper"
	"github.com/dukex/procflow/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// drive steps a running execution until it waits, fails, completes or is cancelled.
func (e *Engine) drive(ctx context.Context, definition *models.Definition, execution *models.Execution) error {
	for {
		if err := e.skipBlocked(ctx, definition, execution); err != nil {
			return err
		}

		batch := readySteps(definition, execution)
		if len(batch) == 0 {
			return e.complete(ctx, execution)
		}

		results, err := e.runBatch(ctx, definition, execution, batch)
		if err != nil {
			return err
		}

		done, err := e.apply(ctx, execution, batch, results)
		if err != nil || done {
			return err
		}
	}
}

// readySteps returns, in definition order, the steps whose dependencies all completed and
// that still have to run. Waiting and interrupted steps are re-invoked.
func readySteps(definition *models.Definition, execution *models.Execution) []*models.StepDefinition {
	ready := make([]*models.StepDefinition, 0, len(definition.Steps))

	for _, step := range definition.Steps {
		state := execution.Steps[step.ID]
		if state == nil || state.IsDone() {
			continue
		}

		if dependenciesCompleted(step, execution) {
			ready = append(ready, step)
		}
	}

	return ready
}

func dependenciesCompleted(step *models.StepDefinition, execution *models.Execution) bool {
	for _, dep := range step.DependsOn {
		state := execution.Steps[dep]
		if state == nil || state.Status != models.StepStatusCompleted {
			return false
		}
	}

	return true
}

// skipBlocked marks pending steps with a failed or skipped dependency as skipped, repeating
// until no more steps change.
func (e *Engine) skipBlocked(ctx context.Context, definition *models.Definition, execution *models.Execution) error {
	for changed := true; changed; {
		changed = false

		for _, step := range definition.Steps {
			state := execution.Steps[step.ID]
			if state == nil || state.Status != models.StepStatusPending {
				continue
			}

			blocker := ""

			for _, dep := range step.DependsOn {
				depState := execution.Steps[dep]
				if depState != nil && (depState.Status == models.StepStatusFailed || depState.Status == models.StepStatusSkipped) {
					blocker = dep

					break
				}
			}

			if blocker == "" {
				continue
			}

			now := e.clock.Now()
			state.Status = models.StepStatusSkipped
			state.CompletedAt = &now

			if err := e.saveStep(ctx, execution.ID, state); err != nil {
				return err
			}

			e.emit(ctx, events.StepSkipped, execution, step.ID, map[string]any{"blocked_by": blocker})

			changed = true
		}
	}

	return nil
}

// runBatch marks the batch running and invokes the handlers concurrently. Results are
// returned in batch order.
func (e *Engine) runBatch(ctx context.Context, definition *models.Definition, execution *models.Execution, batch []*models.StepDefinition) ([]protocol.Result, error) {
	now := e.clock.Now()

	for _, step := range batch {
		state := execution.Steps[step.ID]
		state.Status = models.StepStatusRunning
		state.Attempts++

		if state.StartedAt == nil {
			state.StartedAt = &now
		}

		if err := e.saveStep(ctx, execution.ID, state); err != nil {
			return nil, err
		}

		e.emit(ctx, events.StepStarted, execution, step.ID, map[string]any{
			"type":    string(step.Type),
			"attempt": state.Attempts,
		})
	}

	outputs := execution.Outputs()
	results := make([]protocol.Result, len(batch))

	var group errgroup.Group
	group.SetLimit(e.maxParallel)

	for i, step := range batch {
		stepCtx := &protocol.StepContext{
			ExecutionID:    execution.ID,
			DefinitionName: definition.Name,
			Input:          execution.Input,
			Outputs:        outputs,
			Step:           step,
			State:          execution.Steps[step.ID].Clone(),
		}

		group.Go(func() error {
			results[i] = e.invoke(ctx, stepCtx)

			return nil
		})
	}

	_ = group.Wait()

	if ctx.Err() != nil {
		return nil, errCancelled
	}

	return results, nil
}

// invoke runs one handler. Errors and panics become an INTERNAL failure.
func (e *Engine) invoke(ctx context.Context, stepCtx *protocol.StepContext) (result protocol.Result) {
	step := stepCtx.Step

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.handler",
		attribute.String(otelhelper.ExecutionIDKey, stepCtx.ExecutionID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)))
	defer span.End()

	logger := e.logger.With("execution_id", stepCtx.ExecutionID, "step_id", step.ID, "step_type", step.Type)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "step handler panicked", "panic", r, "stack", string(debug.Stack()))
			otelhelper.SetError(span, fmt.Errorf("panic: %v", r))

			result = protocol.Fail(models.ErrorCodeInternal, fmt.Sprintf("step handler panicked: %v", r))
		}
	}()

	handler, err := e.handlers.Get(step.Type)
	if err != nil {
		otelhelper.SetError(span, err)

		return protocol.Fail(models.ErrorCodeInternal, err.Error())
	}

	result, err = handler.Execute(ctx, stepCtx, step.Config)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorContext(ctx, "step handler failed", "error", err)
		}

		otelhelper.SetError(span, err)

		return protocol.Fail(models.ErrorCodeInternal, err.Error())
	}

	switch result.Outcome {
	case protocol.OutcomeOk, protocol.OutcomeWait:
	case protocol.OutcomeFail:
		if result.Error == nil {
			result.Error = &models.StepError{Code: models.ErrorCodeInternal, Message: "step failed without an error"}
		}

		otelhelper.SetFailure(span, result.Error.Code, result.Error.Message)
	default:
		return protocol.Fail(models.ErrorCodeInternal, fmt.Sprintf("step handler returned outcome %q", result.Outcome))
	}

	return result
}

// apply records the batch results in definition order and reports whether stepping stops.
// The first step that waits keeps the execution waiting; other steps that waited in the same
// batch go back to pending with their metadata and are invoked again on resume. When the
// batch fails the execution no step is left waiting.
func (e *Engine) apply(ctx context.Context, execution *models.Execution, batch []*models.StepDefinition, results []protocol.Result) (bool, error) {
	var (
		now      = e.clock.Now()
		failure  *models.StepError
		waitStep string
		resumeAt *time.Time
		failing  bool
	)

	for i, step := range batch {
		if results[i].Outcome == protocol.OutcomeFail && !step.ContinueOnFailure {
			failing = true

			break
		}
	}

	for i, step := range batch {
		state := execution.Steps[step.ID]
		result := results[i]

		switch result.Outcome {
		case protocol.OutcomeOk:
			state.Status = models.StepStatusCompleted
			state.Output = result.Output
			state.Error = nil
			state.WaitMetadata = nil
			state.CompletedAt = &now
		case protocol.OutcomeFail:
			state.Status = models.StepStatusFailed
			state.Error = result.Error
			state.CompletedAt = &now

			if failure == nil && !step.ContinueOnFailure {
				failure = &models.StepError{
					Code:    result.Error.Code,
					Message: fmt.Sprintf("step %q failed: %s", step.ID, result.Error.Message),
					Details: map[string]any{"step_id": step.ID},
				}
			}
		case protocol.OutcomeWait:
			state.WaitMetadata = result.Metadata

			if waitStep == "" && !failing {
				waitStep = step.ID
				state.Status = models.StepStatusWaiting
			} else {
				state.Status = models.StepStatusPending
			}

			if at, ok := protocol.ResumeAt(result.Metadata); ok && (resumeAt == nil || at.Before(*resumeAt)) {
				resumeAt = &at
			}
		}

		if err := e.saveStep(ctx, execution.ID, state); err != nil {
			return true, err
		}

		e.emitStep(ctx, execution, step, state)
	}

	switch {
	case failure != nil:
		execution.Status = models.ExecutionStatusFailed
		execution.Error = failure
		execution.CompletedAt = &now
		execution.ResumeAt = nil
		execution.UpdatedAt = now

		if err := e.update(ctx, execution); err != nil {
			return true, err
		}

		e.logger.InfoContext(ctx, "execution failed",
			"execution_id", execution.ID,
			"code", failure.Code,
			"error", failure.Message)
		e.emit(ctx, events.ExecutionFailed, execution, failure.Details["step_id"].(string), map[string]any{
			"code":    failure.Code,
			"message": failure.Message,
		})

		return true, nil
	case waitStep != "":
		execution.Status = models.ExecutionStatusWaiting
		execution.ResumeAt = resumeAt
		execution.UpdatedAt = now

		if err := e.update(ctx, execution); err != nil {
			return true, err
		}

		if resumeAt != nil {
			e.arm(execution.ID, *resumeAt)
		}

		e.logger.InfoContext(ctx, "execution waiting", "execution_id", execution.ID, "step_id", waitStep, "resume_at", resumeAt)
		e.emit(ctx, events.ExecutionWaiting, execution, waitStep, nil)

		return true, nil
	default:
		return false, nil
	}
}

func (e *Engine) complete(ctx context.Context, execution *models.Execution) error {
	now := e.clock.Now()
	execution.Status = models.ExecutionStatusCompleted
	execution.CompletedAt = &now
	execution.ResumeAt = nil
	execution.UpdatedAt = now

	if err := e.update(ctx, execution); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", execution.ID,
		"duration", now.Sub(execution.StartedAt))
	e.emit(ctx, events.ExecutionCompleted, execution, "", nil)

	return nil
}

func (e *Engine) emitStep(ctx context.Context, execution *models.Execution, step *models.StepDefinition, state *models.StepExecution) {
	switch state.Status {
	case models.StepStatusCompleted:
		e.emit(ctx, events.StepCompleted, execution, step.ID, nil)
	case models.StepStatusFailed:
		e.emit(ctx, events.StepFailed, execution, step.ID, map[string]any{
			"code":    state.Error.Code,
			"message": state.Error.Message,
		})
	case models.StepStatusWaiting:
		e.emit(ctx, events.StepWaiting, execution, step.ID, state.WaitMetadata)
	}
}

// saveStep persists a step unless the execution was cancelled meanwhile.
func (e *Engine) saveStep(ctx context.Context, executionID string, state *models.StepExecution) error {
	unlock := e.writers.Lock(executionID)
	defer unlock()

	if e.isCancelled(executionID) {
		return errCancelled
	}

	if err := e.executions.SaveStep(context.WithoutCancel(ctx), executionID, state); err != nil {
		return fmt.Errorf("failed to save step %s: %w", state.StepID, err)
	}

	return nil
}

// update persists the execution-level fields unless the execution was cancelled meanwhile.
func (e *Engine) update(ctx context.Context, execution *models.Execution) error {
	unlock := e.writers.Lock(execution.ID)
	defer unlock()

	if e.isCancelled(execution.ID) {
		return errCancelled
	}

	if err := e.executions.Update(context.WithoutCancel(ctx), execution); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	return nil
}

func (e *Engine) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.cancelled[executionID]

	return ok
}
