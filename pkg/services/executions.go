package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// Runner is the engine surface the operations need.
type Runner interface {
	Start(ctx context.Context, definitionID string, opts engine.StartOptions) (*models.Execution, error)
	Launch(ctx context.Context, definitionID string, opts engine.StartOptions) (*models.Execution, error)
	Resume(ctx context.Context, executionID string) (*models.Execution, error)
	Cancel(ctx context.Context, executionID string) (*models.Execution, error)
	Get(ctx context.Context, executionID string) (*models.Execution, error)
	List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error)
}

// StartRequest describes a manual start. With Wait the call returns once the execution
// waits or finishes; otherwise it returns right after the execution is created.
type StartRequest struct {
	Input     map[string]any
	Wait      bool
	Principal string
}

type Executions struct {
	runner Runner
	logger *slog.Logger
}

func NewExecutions(runner Runner, logger *slog.Logger) *Executions {
	return &Executions{runner: runner, logger: logger.With("module", "executions")}
}

func (x *Executions) Start(ctx context.Context, definitionID string, req StartRequest) (*models.Execution, error) {
	opts := engine.StartOptions{TriggeredBy: models.TriggeredByManual, Input: req.Input}

	start := x.runner.Launch
	if req.Wait {
		start = x.runner.Start
	}

	execution, err := start(ctx, definitionID, opts)
	if err != nil {
		return nil, err
	}

	x.logger.InfoContext(ctx, "manual execution started",
		"execution_id", execution.ID,
		"definition_id", definitionID,
		"principal", req.Principal)

	return execution, nil
}

func (x *Executions) Get(ctx context.Context, id string) (*models.Execution, error) {
	return x.runner.Get(ctx, id)
}

func (x *Executions) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	switch filter.Status {
	case "", models.ExecutionStatusRunning, models.ExecutionStatusWaiting, models.ExecutionStatusCompleted,
		models.ExecutionStatusFailed, models.ExecutionStatusCancelling, models.ExecutionStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}

	return x.runner.List(ctx, filter)
}

func (x *Executions) Resume(ctx context.Context, id, principal string) (*models.Execution, error) {
	x.logger.InfoContext(ctx, "resume requested", "execution_id", id, "principal", principal)

	return x.runner.Resume(ctx, id)
}

func (x *Executions) Cancel(ctx context.Context, id, principal string) (*models.Execution, error) {
	x.logger.InfoContext(ctx, "cancel requested", "execution_id", id, "principal", principal)

	return x.runner.Cancel(ctx, id)
}
