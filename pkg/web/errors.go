package web

import (
	"errors"
	"strconv"

	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// invalidDefinitionProblem carries the validator issues next to the problem fields.
type invalidDefinitionProblem struct {
	*problems.Problem
	Issues []validation.Issue `json:"issues"`
}

// queueFullProblem reports a resource queue at capacity.
type queueFullProblem struct {
	*problems.Problem
	ResourceKey       string `json:"resource_key,omitempty"`
	QueueLength       int    `json:"queue_length,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	ExecutionID       string `json:"execution_id,omitempty"`
}

func newProblem(c fiber.Ctx, status int, problemType string) *problems.Problem {
	return problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType)
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := newProblem(c, fiber.StatusBadRequest, "validation_error").WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := newProblem(c, fiber.StatusUnauthorized, "unauthorized").WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func tooManyRequests(c fiber.Ctx, problem queueFullProblem) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(problem.RetryAfterSeconds))

	return c.Status(fiber.StatusTooManyRequests).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	if full, ok := queue.AsQueueFull(err); ok {
		return tooManyRequests(c, queueFullProblem{
			Problem:           newProblem(c, fiber.StatusTooManyRequests, "queue_full").WithDetail(err.Error()),
			ResourceKey:       full.ResourceKey,
			QueueLength:       full.QueueLength,
			RetryAfterSeconds: int(full.RetryAfter.Seconds()),
		})
	}

	switch {
	case validation.IsValidationError(err):
		return c.Status(fiber.StatusBadRequest).JSON(invalidDefinitionProblem{
			Problem: newProblem(c, fiber.StatusBadRequest, "invalid_definition").WithDetail("definition failed validation"),
			Issues:  validation.Issues(err),
		})

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsUnauthorizedError(err):
		return unauthorized(c, err.Error())

	case services.IsForbiddenError(err):
		problem := newProblem(c, fiber.StatusForbidden, "forbidden").WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case services.IsNotFoundError(err):
		problem := newProblem(c, fiber.StatusNotFound, "not_found").WithDetail(err.Error())

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case services.IsConflictError(err):
		problem := newProblem(c, fiber.StatusConflict, "conflict").WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, queue.ErrResourceBusy):
		problem := newProblem(c, fiber.StatusConflict, "resource_busy").WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		problem := newProblem(c, fiber.StatusInternalServerError, "internal_error").WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
