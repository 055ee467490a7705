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
)

const approvalColumns = `id, execution_id, step_id, title, description, assignees, status,
	deadline, decided_at, decided_by, decision_comment, created_at`

// ApprovalRepository handles approval request database operations.
type ApprovalRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewApprovalRepository creates a new approval repository.
func NewApprovalRepository(db *sql.DB, logger *slog.Logger) *ApprovalRepository {
	return &ApprovalRepository{db: db, logger: logger}
}

// Create stores a new approval request.
func (r *ApprovalRepository) Create(ctx context.Context, request *models.ApprovalRequest) error {
	assigneesJSON, err := json.Marshal(request.Assignees)
	if err != nil {
		return fmt.Errorf("failed to marshal assignees: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		request.ID,
		request.ExecutionID,
		request.StepID,
		request.Title,
		request.Description,
		assigneesJSON,
		request.Status,
		nullTime(request.Deadline),
		nullTime(request.DecidedAt),
		request.DecidedBy,
		request.DecisionComment,
		request.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewApprovalError("Create", request.ID, persistence.ErrApprovalExists)
		}

		return fmt.Errorf("failed to create approval request: %w", err)
	}

	return nil
}

// GetByID retrieves an approval request by id.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`

	request, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewApprovalError("GetByID", id, persistence.ErrApprovalNotFound)
		}

		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}

	return request, nil
}

// GetByStep retrieves the approval request raised by an execution step.
func (r *ApprovalRepository) GetByStep(ctx context.Context, executionID, stepID string) (*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE execution_id = $1 AND step_id = $2`

	request, err := scanApproval(r.db.QueryRowContext(ctx, query, executionID, stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewApprovalError("GetByStep", executionID+"/"+stepID, persistence.ErrApprovalNotFound)
		}

		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}

	return request, nil
}

// List returns approval requests matching filter, oldest first.
func (r *ApprovalRepository) List(ctx context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		conditions = append(conditions, fmt.Sprintf("execution_id = $%d", len(args)))
	}

	if filter.Assignee != "" {
		args = append(args, filter.Assignee)
		conditions = append(conditions, fmt.Sprintf("assignees ? $%d", len(args)))
	}

	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY created_at, id`

	return r.queryApprovals(ctx, query, args...)
}

// Decide records the decision carried by request if the stored request is still pending.
func (r *ApprovalRepository) Decide(ctx context.Context, request *models.ApprovalRequest) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $2, decided_at = $3, decided_by = $4, decision_comment = $5
		WHERE id = $1 AND status = 'pending'`,
		request.ID,
		request.Status,
		nullTime(request.DecidedAt),
		request.DecidedBy,
		request.DecisionComment,
	)
	if err != nil {
		return fmt.Errorf("failed to decide approval request: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, request.ID); err != nil {
		return err
	}

	return persistence.NewApprovalError("Decide", request.ID, persistence.ErrApprovalAlreadyDecided)
}

// Overdue returns pending requests whose deadline has passed.
func (r *ApprovalRepository) Overdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests
		WHERE status = 'pending' AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline`

	return r.queryApprovals(ctx, query, now.UTC())
}

func (r *ApprovalRepository) queryApprovals(ctx context.Context, query string, args ...any) ([]*models.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	requests := make([]*models.ApprovalRequest, 0)

	for rows.Next() {
		request, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		requests = append(requests, request)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate approval requests: %w", err)
	}

	return requests, nil
}

func scanApproval(row scanner) (*models.ApprovalRequest, error) {
	var (
		request             models.ApprovalRequest
		assigneesJSON       []byte
		deadline, decidedAt sql.NullTime
	)

	err := row.Scan(
		&request.ID,
		&request.ExecutionID,
		&request.StepID,
		&request.Title,
		&request.Description,
		&assigneesJSON,
		&request.Status,
		&deadline,
		&decidedAt,
		&request.DecidedBy,
		&request.DecisionComment,
		&request.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(assigneesJSON, &request.Assignees); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignees: %w", err)
	}

	request.Deadline = timePtr(deadline)
	request.DecidedAt = timePtr(decidedAt)
	request.CreatedAt = request.CreatedAt.UTC()

	return &request, nil
}
