// Package agent is the client side of the external agents that task steps talk to.
package agent

import (
	"context"
	"errors"
	"fmt"
)

var ErrResourceUnavailable = errors.New("resource unavailable")

// Response is what an agent returned for one message.
type Response struct {
	Response any            `json:"response"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// Client sends a message to the agent behind a resource key.
type Client interface {
	Send(ctx context.Context, resourceKey, message string) (*Response, error)
}

// ResourceUnavailableError means the agent could not be reached or did not exist.
type ResourceUnavailableError struct {
	ResourceKey string
	StatusCode  int
	Err         error
}

func (e *ResourceUnavailableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("resource %q unavailable: status %d", e.ResourceKey, e.StatusCode)
	}

	return fmt.Sprintf("resource %q unavailable: %v", e.ResourceKey, e.Err)
}

func (e *ResourceUnavailableError) Unwrap() error {
	return e.Err
}

func (e *ResourceUnavailableError) Is(target error) bool {
	return target == ErrResourceUnavailable
}

// TaskError is a refusal reported by a reachable agent.
type TaskError struct {
	ResourceKey string
	StatusCode  int
	Message     string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("resource %q rejected the message: status %d: %s", e.ResourceKey, e.StatusCode, e.Message)
}

func IsResourceUnavailable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable)
}
