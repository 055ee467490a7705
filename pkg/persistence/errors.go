// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a definition was not found by the given identifier.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrDefinitionAlreadyExists indicates a definition with the same name and version already exists.
	ErrDefinitionAlreadyExists = errors.New("definition already exists")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal indicates an update targeted an execution that already reached a terminal status.
	ErrExecutionTerminal = errors.New("execution is terminal")

	// ErrApprovalNotFound indicates an approval request was not found.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrApprovalExists indicates an approval request already exists for the execution step.
	ErrApprovalExists = errors.New("approval request already exists")

	// ErrApprovalAlreadyDecided indicates the approval request left the pending status already.
	ErrApprovalAlreadyDecided = errors.New("approval request already decided")

	// ErrScheduleNotFound indicates a schedule row was not found.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// DefinitionError wraps definition-related errors with additional context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "GetByID", "Save")
	DefinitionID string // Definition ID if applicable
	Err          error  // Underlying error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, e.DefinitionID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for definition errors.
func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDefinitionError creates a new definition error with context.
func NewDefinitionError(op, definitionID string, err error) *DefinitionError {
	return &DefinitionError{Op: op, DefinitionID: definitionID, Err: err}
}

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string
	ExecutionID string
	StepID      string // Step ID for step-level operations
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s operation failed for step %s of execution %s: %v", e.Op, e.StepID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// ApprovalError wraps approval-related errors with additional context.
type ApprovalError struct {
	Op         string
	ApprovalID string
	Err        error
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("%s operation failed for approval %s: %v", e.Op, e.ApprovalID, e.Err)
}

func (e *ApprovalError) Unwrap() error {
	return e.Err
}

func (e *ApprovalError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewApprovalError(op, approvalID string, err error) *ApprovalError {
	return &ApprovalError{Op: op, ApprovalID: approvalID, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a definition was not found.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsApprovalNotFound checks if an error indicates an approval request was not found.
func IsApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}

// IsScheduleNotFound checks if an error indicates a schedule row was not found.
func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}

// IsNotFound checks if an error is any of the not found errors.
func IsNotFound(err error) bool {
	return IsDefinitionNotFound(err) || IsExecutionNotFound(err) || IsApprovalNotFound(err) || IsScheduleNotFound(err)
}
