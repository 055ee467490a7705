// Package services composes the engine, scheduler, approval store and resource queue
// into the operations offered over HTTP.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/engine"
	"github.com/dukex/procflow/pkg/identity"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/validation"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDefinitionRequired = errors.New("definition is required")
	ErrNameRequired       = errors.New("definition name is required")
	ErrInvalidStatus      = errors.New("invalid status")

	// Business Logic Conflicts (409 Conflict).
	ErrDefinitionNotDraft = errors.New("only draft definitions can be changed")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}


// IsValidationError checks if an error is a client error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDefinitionRequired) ||
		errors.Is(err, ErrNameRequired) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, approval.ErrCommentRequired) ||
		validation.IsValidationError(err)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDefinitionNotDraft) ||
		errors.Is(err, persistence.ErrDefinitionAlreadyExists) ||
		errors.Is(err, engine.ErrDefinitionNotPublished) ||
		errors.Is(err, engine.ErrExecutionNotWaiting) ||
		errors.Is(err, engine.ErrExecutionFinished) ||
		errors.Is(err, approval.ErrAlreadyDecided) ||
		errors.Is(err, approval.ErrApprovalExpired)
}

// IsForbiddenError checks if an error should return HTTP 403.
func IsForbiddenError(err error) bool {
	return errors.Is(err, approval.ErrNotAssignee)
}

// IsUnauthorizedError checks if an error should return HTTP 401.
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, identity.ErrMissingPrincipal)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsNotFound(err) || queue.IsNotFound(err)
}
