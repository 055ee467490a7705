package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

type definitionRepository struct {
	store *Persistence
}

func (r *definitionRepository) Save(_ context.Context, definition *models.Definition) error {
	return r.store.write(func() error {
		for id, existing := range r.store.definitions {
			if id != definition.ID && existing.Name == definition.Name && existing.Version == definition.Version {
				return persistence.NewDefinitionError("Save", definition.ID, persistence.ErrDefinitionAlreadyExists)
			}
		}

		r.store.definitions[definition.ID] = definition.Clone()

		return nil
	})
}

func (r *definitionRepository) GetByID(_ context.Context, id string) (*models.Definition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	definition, ok := r.store.definitions[id]
	if !ok {
		return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
	}

	return definition.Clone(), nil
}

func (r *definitionRepository) List(_ context.Context, filter persistence.DefinitionFilter) ([]*models.Definition, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	definitions := make([]*models.Definition, 0, len(r.store.definitions))

	for _, definition := range r.store.definitions {
		if filter.Name != "" && definition.Name != filter.Name {
			continue
		}

		if filter.Status != "" && definition.Status != filter.Status {
			continue
		}

		definitions = append(definitions, definition.Clone())
	}

	sort.Slice(definitions, func(i, j int) bool {
		if definitions[i].Name != definitions[j].Name {
			return definitions[i].Name < definitions[j].Name
		}

		return definitions[i].Version < definitions[j].Version
	})

	return definitions, nil
}

func (r *definitionRepository) LatestVersion(_ context.Context, name string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	latest := 0

	for _, definition := range r.store.definitions {
		if definition.Name == name && definition.Version > latest {
			latest = definition.Version
		}
	}

	return latest, nil
}

type executionRepository struct {
	store *Persistence
}

func (r *executionRepository) Create(_ context.Context, execution *models.Execution) error {
	return r.store.write(func() error {
		r.store.executions[execution.ID] = execution.Clone()

		return nil
	})
}

func (r *executionRepository) GetByID(_ context.Context, id string) (*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	execution, ok := r.store.executions[id]
	if !ok {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (r *executionRepository) List(_ context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	executions := make([]*models.Execution, 0, len(r.store.executions))

	for _, execution := range r.store.executions {
		if filter.DefinitionID != "" && execution.DefinitionID != filter.DefinitionID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		executions = append(executions, execution.Clone())
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	if filter.Limit > 0 && len(executions) > filter.Limit {
		executions = executions[:filter.Limit]
	}

	return executions, nil
}

func (r *executionRepository) Update(_ context.Context, execution *models.Execution) error {
	return r.store.write(func() error {
		stored, ok := r.store.executions[execution.ID]
		if !ok {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		if stored.Status.IsTerminal() {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionTerminal)
		}

		updated := execution.Clone()
		stored.Status = updated.Status
		stored.Error = updated.Error
		stored.UpdatedAt = updated.UpdatedAt
		stored.CompletedAt = updated.CompletedAt
		stored.ResumeAt = updated.ResumeAt

		return nil
	})
}

func (r *executionRepository) SaveStep(_ context.Context, executionID string, step *models.StepExecution) error {
	return r.store.write(func() error {
		stored, ok := r.store.executions[executionID]
		if !ok {
			return &persistence.ExecutionError{
				Op:          "SaveStep",
				ExecutionID: executionID,
				StepID:      step.StepID,
				Err:         persistence.ErrExecutionNotFound,
			}
		}

		if stored.Steps == nil {
			stored.Steps = make(map[string]*models.StepExecution)
		}

		stored.Steps[step.StepID] = step.Clone()

		return nil
	})
}

func (r *executionRepository) DueWakeups(_ context.Context, now time.Time) ([]*models.Execution, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	executions := make([]*models.Execution, 0)

	for _, execution := range r.store.executions {
		if execution.Status == models.ExecutionStatusWaiting && execution.ResumeAt != nil && !execution.ResumeAt.After(now) {
			executions = append(executions, execution.Clone())
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].ResumeAt.Before(*executions[j].ResumeAt)
	})

	return executions, nil
}

type approvalRepository struct {
	store *Persistence
}

func (r *approvalRepository) Create(_ context.Context, request *models.ApprovalRequest) error {
	return r.store.write(func() error {
		for _, existing := range r.store.approvals {
			if existing.ExecutionID == request.ExecutionID && existing.StepID == request.StepID {
				return persistence.NewApprovalError("Create", existing.ID, persistence.ErrApprovalExists)
			}
		}

		r.store.approvals[request.ID] = request.Clone()

		return nil
	})
}

func (r *approvalRepository) GetByID(_ context.Context, id string) (*models.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	request, ok := r.store.approvals[id]
	if !ok {
		return nil, persistence.NewApprovalError("GetByID", id, persistence.ErrApprovalNotFound)
	}

	return request.Clone(), nil
}

func (r *approvalRepository) GetByStep(_ context.Context, executionID, stepID string) (*models.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, request := range r.store.approvals {
		if request.ExecutionID == executionID && request.StepID == stepID {
			return request.Clone(), nil
		}
	}

	return nil, persistence.NewApprovalError("GetByStep", executionID+"/"+stepID, persistence.ErrApprovalNotFound)
}

func (r *approvalRepository) List(_ context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	requests := make([]*models.ApprovalRequest, 0, len(r.store.approvals))

	for _, request := range r.store.approvals {
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}

		if filter.ExecutionID != "" && request.ExecutionID != filter.ExecutionID {
			continue
		}

		if filter.Assignee != "" && !slices.Contains(request.Assignees, filter.Assignee) {
			continue
		}

		requests = append(requests, request.Clone())
	}

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return strings.Compare(requests[i].ID, requests[j].ID) < 0
		}

		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})

	return requests, nil
}

func (r *approvalRepository) Decide(_ context.Context, request *models.ApprovalRequest) error {
	return r.store.write(func() error {
		stored, ok := r.store.approvals[request.ID]
		if !ok {
			return persistence.NewApprovalError("Decide", request.ID, persistence.ErrApprovalNotFound)
		}

		if stored.Status != models.ApprovalStatusPending {
			return persistence.NewApprovalError("Decide", request.ID, persistence.ErrApprovalAlreadyDecided)
		}

		decided := request.Clone()
		stored.Status = decided.Status
		stored.DecidedAt = decided.DecidedAt
		stored.DecidedBy = decided.DecidedBy
		stored.DecisionComment = decided.DecisionComment

		return nil
	})
}

func (r *approvalRepository) Overdue(_ context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	requests := make([]*models.ApprovalRequest, 0)

	for _, request := range r.store.approvals {
		if request.IsOverdue(now) {
			requests = append(requests, request.Clone())
		}
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Deadline.Before(*requests[j].Deadline)
	})

	return requests, nil
}

type scheduleRepository struct {
	store *Persistence
}

func (r *scheduleRepository) Save(_ context.Context, row *models.ScheduleRow) error {
	return r.store.write(func() error {
		for id, existing := range r.store.schedules {
			if existing.DefinitionID == row.DefinitionID && existing.TriggerID == row.TriggerID && id != row.ID {
				delete(r.store.schedules, id)
			}
		}

		r.store.schedules[row.ID] = row.Clone()

		return nil
	})
}

func (r *scheduleRepository) GetByID(_ context.Context, id string) (*models.ScheduleRow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	row, ok := r.store.schedules[id]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	return row.Clone(), nil
}

func (r *scheduleRepository) ListByDefinition(_ context.Context, definitionID string) ([]*models.ScheduleRow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows := make([]*models.ScheduleRow, 0)

	for _, row := range r.store.schedules {
		if row.DefinitionID == definitionID {
			rows = append(rows, row.Clone())
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].TriggerID < rows[j].TriggerID
	})

	return rows, nil
}

func (r *scheduleRepository) DeleteByDefinition(_ context.Context, definitionID string) (int, error) {
	removed := 0

	err := r.store.write(func() error {
		for id, row := range r.store.schedules {
			if row.DefinitionID == definitionID {
				delete(r.store.schedules, id)
				removed++
			}
		}

		return nil
	})

	return removed, err
}

func (r *scheduleRepository) Due(_ context.Context, now time.Time, limit int) ([]*models.ScheduleRow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rows := make([]*models.ScheduleRow, 0)

	for _, row := range r.store.schedules {
		if row.IsDue(now) {
			rows = append(rows, row.Clone())
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].NextRunAt.Before(rows[j].NextRunAt)
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	return rows, nil
}

func (r *scheduleRepository) Advance(_ context.Context, id string, expected, next, lastRun time.Time) (bool, error) {
	advanced := false

	err := r.store.write(func() error {
		row, ok := r.store.schedules[id]
		if !ok {
			return persistence.ErrScheduleNotFound
		}

		if !row.NextRunAt.Equal(expected) {
			return nil
		}

		row.NextRunAt = next
		row.LastRunAt = &lastRun
		advanced = true

		return nil
	})

	return advanced, err
}

func (r *scheduleRepository) SetEnabled(_ context.Context, id string, enabled bool, next time.Time) error {
	return r.store.write(func() error {
		row, ok := r.store.schedules[id]
		if !ok {
			return persistence.ErrScheduleNotFound
		}

		row.Enabled = enabled
		if enabled {
			row.NextRunAt = next
		}

		return nil
	})
}
