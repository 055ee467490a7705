// Package models defines the core domain models for process orchestration.
package models

import "time"

// DefinitionStatus represents the lifecycle state of a definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"     // Editable, not executable
	DefinitionStatusPublished DefinitionStatus = "published" // Immutable, executable
	DefinitionStatusArchived  DefinitionStatus = "archived"  // Historical, not executable
)

// TriggerType identifies a trigger variant.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
)

// Definition is a versioned process template made of a step graph and its triggers.
type Definition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"                   validate:"required"`
	Version     int               `json:"version"`
	Description string            `json:"description,omitempty"`
	Status      DefinitionStatus  `json:"status"`
	Steps       []*StepDefinition `json:"steps"                  validate:"dive"`
	Triggers    []*TriggerConfig  `json:"triggers,omitempty"     validate:"dive"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
}

// TriggerConfig describes how executions of a definition are started automatically.
type TriggerConfig struct {
	ID          string      `json:"id"                    validate:"required"`
	Type        TriggerType `json:"type"                  validate:"required,oneof=schedule"`
	Cron        string      `json:"cron"                  validate:"required"`
	Timezone    string      `json:"timezone,omitempty"`
	Enabled     bool        `json:"enabled"`
	Description string      `json:"description,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *StepDefinition {
	for _, step := range d.Steps {
		if step.ID == id {
			return step
		}
	}

	return nil
}

// ScheduleTriggers returns the enabled schedule triggers of the definition.
func (d *Definition) ScheduleTriggers() []*TriggerConfig {
	triggers := make([]*TriggerConfig, 0, len(d.Triggers))

	for _, trigger := range d.Triggers {
		if trigger.Type == TriggerTypeSchedule && trigger.Enabled {
			triggers = append(triggers, trigger)
		}
	}

	return triggers
}

func (d *Definition) IsPublished() bool {
	return d.Status == DefinitionStatusPublished
}

// Clone returns a copy of the definition that shares no slices with the original.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}

	clone := *d

	clone.Steps = make([]*StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		s := *step
		s.DependsOn = append([]string(nil), step.DependsOn...)
		clone.Steps[i] = &s
	}

	clone.Triggers = make([]*TriggerConfig, len(d.Triggers))
	for i, trigger := range d.Triggers {
		t := *trigger
		clone.Triggers[i] = &t
	}

	if d.PublishedAt != nil {
		publishedAt := *d.PublishedAt
		clone.PublishedAt = &publishedAt
	}

	return &clone
}
