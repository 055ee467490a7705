package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/lib/pq"
)

const executionColumns = `id, definition_id, definition_name, definition_version, status, triggered_by,
	input, error, started_at, updated_at, completed_at, resume_at`

const stepColumns = `execution_id, step_id, status, output, error, wait_metadata, attempts, started_at, completed_at`

// ExecutionRepository handles execution and step state database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create stores a new execution and its step states in one transaction.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution) error {
	inputJSON, err := json.Marshal(execution.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	errorJSON, err := json.Marshal(execution.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.ErrorContext(ctx, "failed to rollback transaction", "error", err)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		execution.ID,
		execution.DefinitionID,
		execution.DefinitionName,
		execution.DefinitionVersion,
		execution.Status,
		execution.TriggeredBy,
		inputJSON,
		errorJSON,
		execution.StartedAt.UTC(),
		execution.UpdatedAt.UTC(),
		nullTime(execution.CompletedAt),
		nullTime(execution.ResumeAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	for _, step := range execution.Steps {
		if err := saveStep(ctx, tx, execution.ID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	return nil
}

// GetByID retrieves an execution with its step states.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if err := r.loadSteps(ctx, []*models.Execution{execution}); err != nil {
		return nil, err
	}

	return execution, nil
}

// List returns executions matching filter, newest first.
func (r *ExecutionRepository) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.Execution, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		conditions = append(conditions, fmt.Sprintf("definition_id = $%d", len(args)))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY started_at DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryExecutions(ctx, query, args...)
}

// Update writes the execution-level fields unless the stored execution is terminal.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.Execution) error {
	errorJSON, err := json.Marshal(execution.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, error = $3, updated_at = $4, completed_at = $5, resume_at = $6
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		execution.ID,
		execution.Status,
		errorJSON,
		execution.UpdatedAt.UTC(),
		nullTime(execution.CompletedAt),
		nullTime(execution.ResumeAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, execution.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}

	if !exists {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionTerminal)
}

// SaveStep upserts the state of one step.
func (r *ExecutionRepository) SaveStep(ctx context.Context, executionID string, step *models.StepExecution) error {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, executionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check execution: %w", err)
	}

	if !exists {
		return &persistence.ExecutionError{
			Op:          "SaveStep",
			ExecutionID: executionID,
			StepID:      step.StepID,
			Err:         persistence.ErrExecutionNotFound,
		}
	}

	return saveStep(ctx, r.db, executionID, step)
}

// DueWakeups returns waiting executions whose resume_at has passed.
func (r *ExecutionRepository) DueWakeups(ctx context.Context, now time.Time) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE status = 'waiting' AND resume_at IS NOT NULL AND resume_at <= $1
		ORDER BY resume_at`

	return r.queryExecutions(ctx, query, now.UTC())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveStep(ctx context.Context, db execer, executionID string, step *models.StepExecution) error {
	outputJSON, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	errorJSON, err := json.Marshal(step.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal step error: %w", err)
	}

	waitJSON, err := json.Marshal(step.WaitMetadata)
	if err != nil {
		return fmt.Errorf("failed to marshal wait metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO step_executions (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			wait_metadata = EXCLUDED.wait_metadata,
			attempts = EXCLUDED.attempts,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		executionID,
		step.StepID,
		step.Status,
		outputJSON,
		errorJSON,
		waitJSON,
		step.Attempts,
		nullTime(step.StartedAt),
		nullTime(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", step.StepID, err)
	}

	return nil
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	if err := r.loadSteps(ctx, executions); err != nil {
		return nil, err
	}

	return executions, nil
}

func (r *ExecutionRepository) loadSteps(ctx context.Context, executions []*models.Execution) error {
	if len(executions) == 0 {
		return nil
	}

	byID := make(map[string]*models.Execution, len(executions))
	ids := make([]string, 0, len(executions))

	for _, execution := range executions {
		byID[execution.ID] = execution
		ids = append(ids, execution.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to query steps: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		executionID, step, err := scanStep(rows)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}

		byID[executionID].Steps[step.StepID] = step
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("failed to iterate steps: %w", err)
	}

	return nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution             models.Execution
		inputJSON, errorJSON  []byte
		completedAt, resumeAt sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.DefinitionID,
		&execution.DefinitionName,
		&execution.DefinitionVersion,
		&execution.Status,
		&execution.TriggeredBy,
		&inputJSON,
		&errorJSON,
		&execution.StartedAt,
		&execution.UpdatedAt,
		&completedAt,
		&resumeAt,
	)
	if err != nil {
		return nil, err
	}

	if inputJSON != nil {
		if err := json.Unmarshal(inputJSON, &execution.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}

	if errorJSON != nil {
		if err := json.Unmarshal(errorJSON, &execution.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	execution.Steps = make(map[string]*models.StepExecution)
	execution.StartedAt = execution.StartedAt.UTC()
	execution.UpdatedAt = execution.UpdatedAt.UTC()
	execution.CompletedAt = timePtr(completedAt)
	execution.ResumeAt = timePtr(resumeAt)

	return &execution, nil
}

func scanStep(row scanner) (string, *models.StepExecution, error) {
	var (
		executionID                     string
		step                            models.StepExecution
		outputJSON, errorJSON, waitJSON []byte
		startedAt, completedAt          sql.NullTime
	)

	err := row.Scan(
		&executionID,
		&step.StepID,
		&step.Status,
		&outputJSON,
		&errorJSON,
		&waitJSON,
		&step.Attempts,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return "", nil, err
	}

	if outputJSON != nil {
		if err := json.Unmarshal(outputJSON, &step.Output); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}

	if errorJSON != nil {
		if err := json.Unmarshal(errorJSON, &step.Error); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	if waitJSON != nil {
		if err := json.Unmarshal(waitJSON, &step.WaitMetadata); err != nil {
			return "", nil, fmt.Errorf("failed to unmarshal wait metadata: %w", err)
		}
	}

	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)

	return executionID, &step, nil
}
