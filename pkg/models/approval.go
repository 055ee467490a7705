package models

import (
	"slices"
	"time"
)

// ApprovalStatus represents the state of a human decision gate.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is the durable record of a decision gate, unique per execution step.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	StepID          string         `json:"step_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Assignees       []string       `json:"assignees"`
	Status          ApprovalStatus `json:"status"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecisionComment string         `json:"decision_comment,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// IsAssignee reports whether principal may decide the request.
func (a *ApprovalRequest) IsAssignee(principal string) bool {
	return principal != "" && slices.Contains(a.Assignees, principal)
}

// IsOverdue reports whether the request is still pending past its deadline.
func (a *ApprovalRequest) IsOverdue(now time.Time) bool {
	return a.Status == ApprovalStatusPending && a.Deadline != nil && !now.Before(*a.Deadline)
}

func (a *ApprovalRequest) IsDecided() bool {
	return a.Status != ApprovalStatusPending
}

func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}

	clone := *a
	clone.Assignees = slices.Clone(a.Assignees)
	clone.Deadline = cloneTime(a.Deadline)
	clone.DecidedAt = cloneTime(a.DecidedAt)

	return &clone
}
