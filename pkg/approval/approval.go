// Package approval keeps the human decision gates raised by approval steps. Requests are
// unique per execution step and move exactly once from pending to a final status; a pending
// request past its deadline is expired on the next access.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/google/uuid"
)

var (
	ErrNotAssignee      = errors.New("principal is not an assignee of the approval request")
	ErrAlreadyDecided   = errors.New("approval request already decided")
	ErrCommentRequired  = errors.New("a comment is required to reject an approval request")
	ErrApprovalExpired  = errors.New("approval request expired")
	ErrApprovalRejected = errors.New("approval request rejected")
)

// RequestParams describe the request an approval step raises.
type RequestParams struct {
	ExecutionID string
	StepID      string
	Title       string
	Description string
	Assignees   []string
	// Timeout sets the deadline relative to creation. Zero means no deadline.
	Timeout time.Duration
}

type Service struct {
	repo   persistence.ApprovalRepository
	clock  clock.Clock
	sink   eventbus.Sink
	logger *slog.Logger
}

func NewService(repo persistence.ApprovalRepository, clk clock.Clock, sink eventbus.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = eventbus.Discard()
	}

	return &Service{
		repo:   repo,
		clock:  clk,
		sink:   sink,
		logger: logger.With("module", "approval"),
	}
}

// Request returns the request for the step, creating it on first call. created reports
// whether this call stored it.
func (s *Service) Request(ctx context.Context, params RequestParams) (request *models.ApprovalRequest, created bool, err error) {
	existing, err := s.GetForStep(ctx, params.ExecutionID, params.StepID)
	if err == nil {
		return existing, false, nil
	}

	if !persistence.IsApprovalNotFound(err) {
		return nil, false, err
	}

	now := s.clock.Now()
	request = &models.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: params.ExecutionID,
		StepID:      params.StepID,
		Title:       params.Title,
		Description: params.Description,
		Assignees:   append([]string(nil), params.Assignees...),
		Status:      models.ApprovalStatusPending,
		CreatedAt:   now,
	}

	if params.Timeout > 0 {
		deadline := now.Add(params.Timeout)
		request.Deadline = &deadline
	}

	err = s.repo.Create(ctx, request)
	if errors.Is(err, persistence.ErrApprovalExists) {
		existing, err := s.GetForStep(ctx, params.ExecutionID, params.StepID)

		return existing, false, err
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to create approval request: %w", err)
	}

	s.logger.InfoContext(ctx, "approval requested",
		"approval_id", request.ID,
		"execution_id", request.ExecutionID,
		"step_id", request.StepID,
		"assignees", request.Assignees)

	s.emit(ctx, events.ApprovalRequested, request, "")

	return request, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.refresh(ctx, request)
}

func (s *Service) GetForStep(ctx context.Context, executionID, stepID string) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetByStep(ctx, executionID, stepID)
	if err != nil {
		return nil, err
	}

	return s.refresh(ctx, request)
}

// List returns the requests matching filter. Overdue requests are expired before filtering
// by status so a pending filter never returns a request past its deadline.
func (s *Service) List(ctx context.Context, filter persistence.ApprovalFilter) ([]*models.ApprovalRequest, error) {
	status := filter.Status
	filter.Status = ""

	requests, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := make([]*models.ApprovalRequest, 0, len(requests))

	for _, request := range requests {
		request, err = s.refresh(ctx, request)
		if err != nil {
			return nil, err
		}

		if status != "" && request.Status != status {
			continue
		}

		result = append(result, request)
	}

	return result, nil
}

func (s *Service) Approve(ctx context.Context, id, principal, comment string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, principal, comment, models.ApprovalStatusApproved)
}

// Reject records a rejection. The comment must not be blank.
func (s *Service) Reject(ctx context.Context, id, principal, comment string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, principal, comment, models.ApprovalStatusRejected)
}

// ExpireOverdue expires every pending request whose deadline is at or before now.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	overdue, err := s.repo.Overdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue approvals: %w", err)
	}

	expired := make([]*models.ApprovalRequest, 0, len(overdue))

	for _, request := range overdue {
		updated, err := s.expire(ctx, request, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to expire approval", "approval_id", request.ID, "error", err)

			continue
		}

		if updated.Status == models.ApprovalStatusExpired {
			expired = append(expired, updated)
		}
	}

	return expired, nil
}

func (s *Service) decide(ctx context.Context, id, principal, comment string, status models.ApprovalStatus) (*models.ApprovalRequest, error) {
	request, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case request.Status == models.ApprovalStatusExpired:
		return nil, ErrApprovalExpired
	case request.IsDecided():
		return nil, ErrAlreadyDecided
	case !request.IsAssignee(principal):
		return nil, ErrNotAssignee
	case status == models.ApprovalStatusRejected && strings.TrimSpace(comment) == "":
		return nil, ErrCommentRequired
	}

	now := s.clock.Now()
	request.Status = status
	request.DecidedAt = &now
	request.DecidedBy = principal
	request.DecisionComment = strings.TrimSpace(comment)

	err = s.repo.Decide(ctx, request)
	if errors.Is(err, persistence.ErrApprovalAlreadyDecided) {
		return nil, ErrAlreadyDecided
	}

	if err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}

	s.logger.InfoContext(ctx, "approval decided",
		"approval_id", request.ID,
		"status", status,
		"decided_by", principal)

	eventType := events.ApprovalApproved
	if status == models.ApprovalStatusRejected {
		eventType = events.ApprovalRejected
	}

	s.emit(ctx, eventType, request, principal)

	return request, nil
}

func (s *Service) refresh(ctx context.Context, request *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	now := s.clock.Now()
	if !request.IsOverdue(now) {
		return request, nil
	}

	return s.expire(ctx, request, now)
}

func (s *Service) expire(ctx context.Context, request *models.ApprovalRequest, now time.Time) (*models.ApprovalRequest, error) {
	expired := request.Clone()
	expired.Status = models.ApprovalStatusExpired
	expired.DecidedAt = &now

	err := s.repo.Decide(ctx, expired)
	if errors.Is(err, persistence.ErrApprovalAlreadyDecided) {
		return s.repo.GetByID(ctx, request.ID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to expire approval request: %w", err)
	}

	s.logger.InfoContext(ctx, "approval expired", "approval_id", expired.ID, "deadline", expired.Deadline)
	s.emit(ctx, events.ApprovalExpired, expired, "")

	return expired, nil
}

func (s *Service) emit(ctx context.Context, eventType events.EventType, request *models.ApprovalRequest, principal string) {
	event := events.New(eventType).
		With("approval_id", request.ID).
		With("status", string(request.Status))
	event.ExecutionID = request.ExecutionID
	event.StepID = request.StepID
	event.Principal = principal

	if request.DecisionComment != "" {
		event = event.With("comment", request.DecisionComment)
	}

	s.sink.Emit(ctx, event)
}
