package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/procflow/pkg/identity"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/registry"
	"github.com/dukex/procflow/pkg/services"
	"github.com/dukex/procflow/pkg/validation"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	definitions *services.Definitions
	executions  *services.Executions
	approvals   *services.Approvals
	resources   *services.Resources
	health      *services.Health
	registry    *registry.Registry
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	definitions *services.Definitions,
	executions *services.Executions,
	approvals *services.Approvals,
	resources *services.Resources,
	health *services.Health,
	registry *registry.Registry,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		executions:  executions,
		approvals:   approvals,
		resources:   resources,
		health:      health,
		registry:    registry,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) fail(c fiber.Ctx, err error) error {
	if !services.IsValidationError(err) && !services.IsNotFoundError(err) && !services.IsConflictError(err) &&
		!services.IsForbiddenError(err) && !services.IsUnauthorizedError(err) {
		h.logger.ErrorContext(c.Context(), "request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}

	return handleServiceError(c, err)
}

func principal(c fiber.Ctx) (string, error) {
	return identity.Parse(c.Get(identity.Header))
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	filter := persistence.DefinitionFilter{
		Name:   c.Query("name"),
		Status: models.DefinitionStatus(c.Query("status")),
	}

	definitions, err := h.definitions.List(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"definitions": definitions, "total_count": len(definitions)})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	definition, err := h.definitions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(definition)
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	draft, err := validation.ParseDocument(c.Body())
	if err != nil {
		return h.fail(c, err)
	}

	created, err := h.definitions.Create(c.Context(), draft)
	if err != nil {
		return h.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	draft, err := validation.ParseDocument(c.Body())
	if err != nil {
		return h.fail(c, err)
	}

	updated, err := h.definitions.UpdateDraft(c.Context(), c.Params("id"), draft)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	published, err := h.definitions.Publish(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) ArchiveDefinition(c fiber.Ctx) error {
	archived, removed, err := h.definitions.Archive(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(ArchiveResponse{Definition: archived, SchedulesRemoved: removed})
}

func (h *APIHandlers) ListSchedules(c fiber.Ctx) error {
	rows, err := h.definitions.Schedules(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"schedules": rows})
}

func (h *APIHandlers) UpdateSchedule(c fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	row, err := h.definitions.SetScheduleEnabled(c.Context(), c.Params("id"), *req.Enabled)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(row)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if wait := c.Query("wait"); wait != "" {
		parsed, err := strconv.ParseBool(wait)
		if err != nil {
			return badRequest(c, "wait must be a boolean")
		}

		req.Wait = parsed
	}

	caller, _ := principal(c)

	execution, err := h.executions.Start(c.Context(), c.Params("id"), services.StartRequest{
		Input:     req.Input,
		Wait:      req.Wait,
		Principal: caller,
	})
	if err != nil {
		return h.fail(c, err)
	}

	if problem, ok := queueFullExecution(c, execution); ok {
		return tooManyRequests(c, problem)
	}

	status := fiber.StatusAccepted
	if execution.Status.IsTerminal() || execution.Status == models.ExecutionStatusWaiting {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(execution)
}

// queueFullExecution reports an execution that failed because a resource queue was full.
func queueFullExecution(c fiber.Ctx, execution *models.Execution) (queueFullProblem, bool) {
	if execution.Status != models.ExecutionStatusFailed || execution.Error == nil ||
		execution.Error.Code != models.ErrorCodeQueueFull {
		return queueFullProblem{}, false
	}

	problem := queueFullProblem{
		Problem:     newProblem(c, fiber.StatusTooManyRequests, "queue_full").WithDetail(execution.Error.Message),
		ExecutionID: execution.ID,
	}

	stepID, _ := execution.Error.Details["step_id"].(string)
	if state, ok := execution.Steps[stepID]; ok && state.Error != nil {
		details := state.Error.Details
		problem.ResourceKey, _ = details["resource_key"].(string)
		problem.QueueLength = intDetail(details["queue_length"])
		problem.RetryAfterSeconds = intDetail(details["retry_after_seconds"])
	}

	return problem, true
}

func intDetail(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	filter := persistence.ExecutionFilter{
		DefinitionID: c.Query("definition_id"),
		Status:       models.ExecutionStatus(c.Query("status")),
	}

	if limit := c.Query("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}

		filter.Limit = parsed
	}

	executions, err := h.executions.List(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions, "total_count": len(executions)})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.executions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	caller, err := principal(c)
	if err != nil {
		return unauthorized(c, err.Error())
	}

	execution, err := h.executions.Resume(c.Context(), c.Params("id"), caller)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	caller, err := principal(c)
	if err != nil {
		return unauthorized(c, err.Error())
	}

	execution, err := h.executions.Cancel(c.Context(), c.Params("id"), caller)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListApprovals(c fiber.Ctx) error {
	filter := persistence.ApprovalFilter{
		Status:      models.ApprovalStatus(c.Query("status")),
		ExecutionID: c.Query("execution_id"),
		Assignee:    c.Query("assignee"),
	}

	requests, err := h.approvals.List(c.Context(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"approvals": requests, "total_count": len(requests)})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	request, err := h.approvals.Get(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(request)
}

func (h *APIHandlers) ApproveRequest(c fiber.Ctx) error {
	return h.decide(c, true)
}

func (h *APIHandlers) RejectRequest(c fiber.Ctx) error {
	return h.decide(c, false)
}

func (h *APIHandlers) decide(c fiber.Ctx, approve bool) error {
	var req DecisionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.approvals.Decide(c.Context(), c.Params("id"), services.Decision{
		Approve:   approve,
		Principal: c.Get(identity.Header),
		Comment:   req.Comment,
	})
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetQueue(c fiber.Ctx) error {
	status, err := h.resources.Status(c.Context(), c.Params("key"))
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(status)
}

func (h *APIHandlers) ClearQueue(c fiber.Ctx) error {
	caller, err := principal(c)
	if err != nil {
		return unauthorized(c, err.Error())
	}

	key := c.Params("key")

	removed, err := h.resources.Clear(c.Context(), key, caller)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(ClearQueueResponse{ResourceKey: key, Removed: removed})
}

func (h *APIHandlers) ForceRelease(c fiber.Ctx) error {
	caller, err := principal(c)
	if err != nil {
		return unauthorized(c, err.Error())
	}

	key := c.Params("key")

	release, err := h.resources.ForceRelease(c.Context(), key, caller)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(ForceReleaseResponse{ResourceKey: key, Released: release.Released, Promoted: release.Promoted})
}

// Readiness reports whether the persistence layer answers.
func (h *APIHandlers) Readiness(c fiber.Ctx) error {
	repositoryCheck, repOk := h.health.Check(c.Context())

	status := "unhealthy"
	message := "procflow is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if repOk {
		status = "healthy"
		message = "procflow is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"step_types": h.registry.Types(),
		"timestamp":  time.Now().UTC(),
	})
}
