// Package web provides the HTTP operations surface.
package web

import "github.com/dukex/procflow/pkg/models"

// StartExecutionRequest represents the request body for starting a manual execution.
type StartExecutionRequest struct {
	Input map[string]any `json:"input"`
	// Wait makes the call return once the execution waits or finishes.
	Wait bool `json:"wait"`
}

// DecisionRequest represents the request body for approving or rejecting a request.
type DecisionRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

// ScheduleRequest represents the request body for enabling or disabling a schedule row.
type ScheduleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type ArchiveResponse struct {
	Definition       *models.Definition `json:"definition"`
	SchedulesRemoved int                `json:"schedules_removed"`
}

type ClearQueueResponse struct {
	ResourceKey string `json:"resource_key"`
	Removed     int    `json:"removed"`
}

type ForceReleaseResponse struct {
	ResourceKey string             `json:"resource_key"`
	Released    *models.QueueEntry `json:"released,omitempty"`
	Promoted    *models.QueueEntry `json:"promoted,omitempty"`
}
