// Package task implements the step that sends a message to an external agent. Access to the
// agent is serialized through the resource queue so at most one task talks to a resource at a time.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/procflow/pkg/agent"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/template"
)

const DefaultTimeout = 5 * time.Minute

type Options struct {
	// DefaultTimeout bounds a task whose config sets no timeout. It covers waiting for the
	// resource and the agent call.
	DefaultTimeout time.Duration
}

type Handler struct {
	queue  *queue.Queue
	client agent.Client
	logger *slog.Logger
	opts   Options
}

var _ protocol.Handler = (*Handler)(nil)

func NewHandler(q *queue.Queue, client agent.Client, logger *slog.Logger, opts Options) *Handler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	return &Handler{
		queue:  q,
		client: client,
		logger: logger.With("module", "task_step"),
		opts:   opts,
	}
}

func (h *Handler) Execute(ctx context.Context, stepCtx *protocol.StepContext, stepConfig models.StepConfig) (protocol.Result, error) {
	config, err := taskConfig(stepConfig)
	if err != nil {
		return protocol.Result{}, err
	}

	timeout := h.opts.DefaultTimeout
	if config.Timeout != "" {
		timeout, err = models.ParseDuration(config.Timeout)
		if err != nil {
			return protocol.Result{}, fmt.Errorf("task timeout: %w", err)
		}
	}

	logger := h.logger.With(
		"execution_id", stepCtx.ExecutionID,
		"step_id", stepCtx.Step.ID,
		"resource_key", config.Resource,
	)

	// A task invoked again was interrupted mid-run; its message may already have been delivered.
	if stepCtx.State != nil && stepCtx.State.Attempts > 1 {
		logger.WarnContext(ctx, "re-sending interrupted task", "attempt", stepCtx.State.Attempts)
	}

	entry := &models.QueueEntry{
		ResourceKey: config.Resource,
		Payload:     template.Render(config.Message, stepCtx.Template()),
		Source:      stepCtx.ExecutionID + "/" + stepCtx.Step.ID,
	}

	admitted, err := h.queue.Submit(ctx, entry, config.ShouldWaitIfBusy())
	if err != nil {
		return admissionFailure(err)
	}

	succeeded := false

	defer func() {
		release, releaseErr := h.queue.Complete(context.WithoutCancel(ctx), config.Resource, entry.ID, succeeded)
		if releaseErr != nil && !queue.IsNotFound(releaseErr) {
			logger.ErrorContext(ctx, "failed to release resource claim", "entry_id", entry.ID, "error", releaseErr)

			return
		}

		if release.Promoted != nil {
			logger.DebugContext(ctx, "next queue entry promoted", "entry_id", release.Promoted.ID)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if admitted.Status == models.QueueEntryStatusQueued {
		logger.InfoContext(ctx, "waiting for resource", "position", admitted.Position)

		if _, err := h.queue.Await(taskCtx, config.Resource, entry.ID); err != nil {
			return h.failure(ctx, taskCtx, config.Resource, timeout, err)
		}
	}

	started := time.Now()

	response, err := h.client.Send(taskCtx, config.Resource, entry.Payload)
	if err != nil {
		logger.WarnContext(ctx, "task failed", "error", err, "duration", time.Since(started))

		return h.failure(ctx, taskCtx, config.Resource, timeout, err)
	}

	succeeded = true

	logger.InfoContext(ctx, "task completed", "duration", time.Since(started))

	return protocol.Ok(map[string]any{
		"response": response.Response,
		"metrics":  response.Metrics,
	}), nil
}

// failure maps an error raised while holding or waiting for the resource to a step result.
// Cancellation of the parent context is returned as an error.
func (h *Handler) failure(ctx, taskCtx context.Context, resourceKey string, timeout time.Duration, err error) (protocol.Result, error) {
	switch {
	case ctx.Err() != nil:
		return protocol.Result{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return protocol.FailWithDetails(models.ErrorCodeStepTimeout,
			fmt.Sprintf("task on %q did not finish within %s", resourceKey, models.FormatDuration(timeout)),
			map[string]any{"timeout": models.FormatDuration(timeout)}), nil
	case queue.IsNotFound(err):
		return protocol.Fail(models.ErrorCodeResourceUnavailable,
			fmt.Sprintf("queue entry for %q was dropped before the resource was free", resourceKey)), nil
	case agent.IsResourceUnavailable(err):
		return protocol.Fail(models.ErrorCodeResourceUnavailable, err.Error()), nil
	default:
		return protocol.Fail(models.ErrorCodeTaskFailed, err.Error()), nil
	}
}

func admissionFailure(err error) (protocol.Result, error) {
	if full, ok := queue.AsQueueFull(err); ok {
		return protocol.FailWithDetails(models.ErrorCodeQueueFull, full.Error(), map[string]any{
			"resource_key":        full.ResourceKey,
			"queue_length":        full.QueueLength,
			"retry_after_seconds": int(full.RetryAfter / time.Second),
		}), nil
	}

	if errors.Is(err, queue.ErrResourceBusy) {
		return protocol.Fail(models.ErrorCodeQueueFull, err.Error()), nil
	}

	return protocol.Result{}, fmt.Errorf("failed to submit queue entry: %w", err)
}

func taskConfig(config models.StepConfig) (models.TaskConfig, error) {
	switch c := config.(type) {
	case models.TaskConfig:
		return c, nil
	case *models.TaskConfig:
		if c != nil {
			return *c, nil
		}
	}

	return models.TaskConfig{}, fmt.Errorf("%w: task step got %T", protocol.ErrUnexpectedConfig, config)
}
