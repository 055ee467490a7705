package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/identity"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
)

// Resumer continues an execution after a decision.
type Resumer interface {
	Resume(ctx context.Context, executionID string) (*models.Execution, error)
}

// Decision is an approve or reject call by an assignee.
type Decision struct {
	Approve   bool
	Principal string
	Comment   string
}

// DecisionResult carries the decided request and, when the execution could be resumed, the
// execution after resuming.
type DecisionResult struct {
	Approval  *models.ApprovalRequest `json:"approval"`
	Execution *models.Execution       `json:"execution,omitempty"`
}

type Approvals struct {
	approvals *approval.Service
	resumer   Resumer
	logger    *slog.Logger
}

func NewApprovals(approvals *approval.Service, resumer Resumer, logger *slog.Logger) *Approvals {
	return &Approvals{approvals: approvals, resumer: resumer, logger: logger.With("module", "approvals")}
}

func (a *Approvals) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return a.approvals.Get(ctx, id)
}

func (a *Approvals) List(ctx context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	switch filter.Status {
	case "", models.ApprovalStatusPending, models.ApprovalStatusApproved, models.ApprovalStatusRejected, models.ApprovalStatusExpired:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}

	return a.approvals.List(ctx, filter)
}

// Decide records the decision and resumes the execution that raised the request. A resume
// that is no longer possible, because the execution moved on or was cancelled, is logged
// and the decision still stands.
func (a *Approvals) Decide(ctx context.Context, id string, decision Decision) (*DecisionResult, error) {
	principal, err := identity.Parse(decision.Principal)
	if err != nil {
		return nil, err
	}

	decide := a.approvals.Reject
	if decision.Approve {
		decide = a.approvals.Approve
	}

	request, err := decide(ctx, id, principal, decision.Comment)
	if err != nil {
		return nil, err
	}

	result := &DecisionResult{Approval: request}

	execution, err := a.resumer.Resume(ctx, request.ExecutionID)

	switch {
	case err == nil:
		result.Execution = execution
	case errors.Is(err, engine.ErrExecutionNotWaiting), persistence.IsExecutionNotFound(err):
		a.logger.WarnContext(ctx, "decision recorded but execution not resumed",
			"approval_id", id,
			"execution_id", request.ExecutionID,
			"error", err)
	default:
		return result, fmt.Errorf("failed to resume execution %s: %w", request.ExecutionID, err)
	}

	return result, nil
}
