// Package approval implements the step that waits for a human decision.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/template"
)

// ApprovalIDKey is the wait metadata entry holding the id of the pending request.
const ApprovalIDKey = "approval_id"

type Handler struct {
	approvals *approval.Service
	logger    *slog.Logger
}

var _ protocol.Handler = (*Handler)(nil)

func NewHandler(approvals *approval.Service, logger *slog.Logger) *Handler {
	return &Handler{
		approvals: approvals,
		logger:    logger.With("module", "approval_step"),
	}
}

// Execute raises the approval request on first call and reports its state afterwards.
// Repeated calls never create a second request for the same execution step.
func (h *Handler) Execute(ctx context.Context, stepCtx *protocol.StepContext, stepConfig models.StepConfig) (protocol.Result, error) {
	config, err := approvalConfig(stepConfig)
	if err != nil {
		return protocol.Result{}, err
	}

	request, err := h.approvals.GetForStep(ctx, stepCtx.ExecutionID, stepCtx.Step.ID)
	if persistence.IsApprovalNotFound(err) {
		request, err = h.raise(ctx, stepCtx, config)
	}

	if err != nil {
		return protocol.Result{}, err
	}

	switch request.Status {
	case models.ApprovalStatusApproved:
		return protocol.Ok(map[string]any{
			"approval_id": request.ID,
			"decided_by":  request.DecidedBy,
			"comment":     request.DecisionComment,
		}), nil
	case models.ApprovalStatusRejected:
		return protocol.FailWithDetails(models.ErrorCodeApprovalRejected,
			fmt.Sprintf("rejected by %s: %s", request.DecidedBy, request.DecisionComment),
			map[string]any{"approval_id": request.ID, "decided_by": request.DecidedBy}), nil
	case models.ApprovalStatusExpired:
		return protocol.FailWithDetails(models.ErrorCodeApprovalExpired,
			fmt.Sprintf("approval %q expired without a decision", request.Title),
			map[string]any{"approval_id": request.ID}), nil
	default:
		metadata := map[string]any{ApprovalIDKey: request.ID}

		// The deadline doubles as a wake-up so an unanswered request fails the step.
		if request.Deadline != nil {
			metadata[protocol.ResumeAtKey] = request.Deadline.UTC().Format(time.RFC3339Nano)
		}

		return protocol.Wait(metadata), nil
	}
}

func (h *Handler) raise(ctx context.Context, stepCtx *protocol.StepContext, config models.ApprovalConfig) (*models.ApprovalRequest, error) {
	var timeout time.Duration

	if config.Timeout != "" {
		parsed, err := models.ParseDuration(config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("approval timeout: %w", err)
		}

		timeout = parsed
	}

	vars := stepCtx.Template()

	request, created, err := h.approvals.Request(ctx, approval.RequestParams{
		ExecutionID: stepCtx.ExecutionID,
		StepID:      stepCtx.Step.ID,
		Title:       template.Render(config.Title, vars),
		Description: template.Render(config.Description, vars),
		Assignees:   config.Assignees,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, err
	}

	if created {
		h.logger.InfoContext(ctx, "waiting for approval",
			"execution_id", stepCtx.ExecutionID,
			"step_id", stepCtx.Step.ID,
			"approval_id", request.ID)
	}

	return request, nil
}

func approvalConfig(config models.StepConfig) (models.ApprovalConfig, error) {
	switch c := config.(type) {
	case models.ApprovalConfig:
		return c, nil
	case *models.ApprovalConfig:
		if c != nil {
			return *c, nil
		}
	}

	return models.ApprovalConfig{}, fmt.Errorf("%w: approval step got %T", protocol.ErrUnexpectedConfig, config)
}
