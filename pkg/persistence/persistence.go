// Package persistence provides the data storage abstraction layer for definitions, executions,
// approval requests and schedule rows.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/procflow/pkg/models"
)

type Persistence interface {
	Definitions() DefinitionRepository
	Executions() ExecutionRepository
	Approvals() ApprovalRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionFilter narrows definition listings. Zero values match everything.
type DefinitionFilter struct {
	Name   string
	Status models.DefinitionStatus
}

type DefinitionRepository interface {
	// Save inserts or replaces a definition. A different definition with the same name
	// and version yields ErrDefinitionAlreadyExists.
	Save(ctx context.Context, definition *models.Definition) error
	GetByID(ctx context.Context, id string) (*models.Definition, error)
	List(ctx context.Context, filter DefinitionFilter) ([]*models.Definition, error)
	// LatestVersion returns the highest version stored for name, or 0.
	LatestVersion(ctx context.Context, name string) (int, error)
}

// ExecutionFilter narrows execution listings. Zero values match everything.
type ExecutionFilter struct {
	DefinitionID string
	Status       models.ExecutionStatus
	Limit        int
}

type ExecutionRepository interface {
	// Create stores a new execution together with its step states.
	Create(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)
	// Update writes the execution-level fields. It fails with ErrExecutionTerminal when
	// the stored execution is already completed, failed or cancelled.
	Update(ctx context.Context, execution *models.Execution) error
	// SaveStep writes the state of one step.
	SaveStep(ctx context.Context, executionID string, step *models.StepExecution) error
	// DueWakeups returns waiting executions whose resume_at is at or before now.
	DueWakeups(ctx context.Context, now time.Time) ([]*models.Execution, error)
}

// ApprovalFilter narrows approval listings. Zero values match everything.
type ApprovalFilter struct {
	Status      models.ApprovalStatus
	ExecutionID string
	Assignee    string
}

type ApprovalRepository interface {
	// Create stores a new request. A request for the same execution step yields ErrApprovalExists.
	Create(ctx context.Context, request *models.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetByStep(ctx context.Context, executionID, stepID string) (*models.ApprovalRequest, error)
	List(ctx context.Context, filter ApprovalFilter) ([]*models.ApprovalRequest, error)
	// Decide moves a pending request to the status and decision fields carried by request.
	// It fails with ErrApprovalAlreadyDecided when the stored request is not pending.
	Decide(ctx context.Context, request *models.ApprovalRequest) error
	// Overdue returns pending requests whose deadline is at or before now.
	Overdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error)
}

type ScheduleRepository interface {
	// Save inserts or replaces the row for (definition_id, trigger_id).
	Save(ctx context.Context, row *models.ScheduleRow) error
	GetByID(ctx context.Context, id string) (*models.ScheduleRow, error)
	ListByDefinition(ctx context.Context, definitionID string) ([]*models.ScheduleRow, error)
	DeleteByDefinition(ctx context.Context, definitionID string) (int, error)
	// Due returns enabled rows with next_run_at at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.ScheduleRow, error)
	// Advance sets next_run_at and last_run_at only if next_run_at still equals expected.
	// It reports whether the row was advanced.
	Advance(ctx context.Context, id string, expected, next, lastRun time.Time) (bool, error)
	SetEnabled(ctx context.Context, id string, enabled bool, next time.Time) error
}
