// Package validation performs static checks on definitions before they are published.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDefinition is matched by every *ValidationError.
var ErrInvalidDefinition = errors.New("invalid definition")

// Issue is one problem found in a definition.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}

	return i.Field + ": " + i.Message
}

// ValidationError lists every issue that prevents a definition from being published.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}

	return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// IsValidationError checks if an error reports an invalid definition.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

// Issues returns the issues carried by err, if any.
func Issues(err error) []Issue {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Issues
	}

	return nil
}
