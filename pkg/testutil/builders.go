// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestDefinition creates a draft Definition with a single timer step that can be overridden.
func CreateTestDefinition(overrides ...func(*models.Definition)) *models.Definition {
	now := time.Now().UTC()

	definition := &models.Definition{
		ID:      uuid.New().String(),
		Name:    "test-process",
		Version: 1,
		Status:  models.DefinitionStatusDraft,
		Steps: []*models.StepDefinition{
			TimerStep("wait", "1s"),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(definition)
	}

	return definition
}

// WithSteps replaces the definition steps.
func WithSteps(steps ...*models.StepDefinition) func(*models.Definition) {
	return func(d *models.Definition) {
		d.Steps = steps
	}
}

// WithTriggers replaces the definition triggers.
func WithTriggers(triggers ...*models.TriggerConfig) func(*models.Definition) {
	return func(d *models.Definition) {
		d.Triggers = triggers
	}
}

// WithName sets the definition name.
func WithName(name string) func(*models.Definition) {
	return func(d *models.Definition) {
		d.Name = name
	}
}

// WithStatus sets the definition status.
func WithStatus(status models.DefinitionStatus) func(*models.Definition) {
	return func(d *models.Definition) {
		d.Status = status
	}
}

// Published marks the definition as published.
func Published() func(*models.Definition) {
	return func(d *models.Definition) {
		now := time.Now().UTC()
		d.Status = models.DefinitionStatusPublished
		d.PublishedAt = &now
	}
}

// TaskStep creates a task step targeting resource.
func TaskStep(id, resource, message string, dependsOn ...string) *models.StepDefinition {
	return &models.StepDefinition{
		ID:        id,
		Type:      models.StepTypeTask,
		DependsOn: dependsOn,
		Config:    models.TaskConfig{Resource: resource, Message: message},
	}
}

// TimerStep creates a timer step with the given delay.
func TimerStep(id, delay string, dependsOn ...string) *models.StepDefinition {
	return &models.StepDefinition{
		ID:        id,
		Type:      models.StepTypeTimer,
		DependsOn: dependsOn,
		Config:    models.TimerConfig{Delay: delay},
	}
}

// ApprovalStep creates an approval step assigned to assignees.
func ApprovalStep(id, title string, assignees []string, dependsOn ...string) *models.StepDefinition {
	return &models.StepDefinition{
		ID:        id,
		Type:      models.StepTypeApproval,
		DependsOn: dependsOn,
		Config:    models.ApprovalConfig{Title: title, Assignees: assignees},
	}
}

// GenericStep creates a step of an arbitrary type with no specific configuration.
func GenericStep(id string, stepType models.StepType, dependsOn ...string) *models.StepDefinition {
	return &models.StepDefinition{
		ID:        id,
		Type:      stepType,
		DependsOn: dependsOn,
		Config:    models.GenericConfig{Type: stepType, Fields: map[string]any{}},
	}
}

// ScheduleTrigger creates an enabled schedule trigger.
func ScheduleTrigger(id, cronOrPreset, timezone string) *models.TriggerConfig {
	return &models.TriggerConfig{
		ID:       id,
		Type:     models.TriggerTypeSchedule,
		Cron:     cronOrPreset,
		Timezone: timezone,
		Enabled:  true,
	}
}
