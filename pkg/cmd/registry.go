// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/procflow/pkg/agent"
	"github.com/dukex/procflow/pkg/approval"
	"github.com/dukex/procflow/pkg/clock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/queue"
	"github.com/dukex/procflow/pkg/registry"
	approvalstep "github.com/dukex/procflow/pkg/steps/approval"
	"github.com/dukex/procflow/pkg/steps/task"
	"github.com/dukex/procflow/pkg/steps/timer"
)

// Handlers holds what the native step handlers need.
type Handlers struct {
	Queue     *queue.Queue
	Agents    agent.Client
	Approvals *approval.Service
	Clock     clock.Clock
	Task      task.Options
}

func registerNativeSteps(reg *registry.Registry, deps Handlers, logger *slog.Logger) {
	reg.Register(models.StepTypeTask, task.NewHandler(deps.Queue, deps.Agents, logger, deps.Task))
	reg.Register(models.StepTypeTimer, timer.NewHandler(deps.Clock, logger))
	reg.Register(models.StepTypeApproval, approvalstep.NewHandler(deps.Approvals, logger))
}

// NewRegistry returns a registry with the task, timer and approval handlers.
func NewRegistry(logger *slog.Logger, deps Handlers) *registry.Registry {
	reg := registry.NewRegistry(logger)

	registerNativeSteps(reg, deps, logger)

	return reg
}
