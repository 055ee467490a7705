package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDefinitionNotPublished = errors.New("definition is not published")
	ErrExecutionNotWaiting    = errors.New("execution is not waiting")
	ErrExecutionFinished      = errors.New("execution already finished")
	ErrClosed                 = errors.New("engine is closed")

	// errCancelled stops a stepping pass whose execution was cancelled under it.
	errCancelled = errors.New("execution cancelled")
)

// ExecutionError wraps a failure of an engine operation on one execution.
type ExecutionError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func IsNotWaiting(err error) bool {
	return errors.Is(err, ErrExecutionNotWaiting)
}
