package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dukex/procflow/pkg/crontab"
	"github.com/dukex/procflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// StepTypes reports which step types have a registered handler.
type StepTypes interface {
	Has(stepType models.StepType) bool
}

// Validator checks definitions for graph, cron, duration and config problems.
type Validator struct {
	cron     crontab.Cron
	types    StepTypes
	validate *validator.Validate
}

// NewValidator creates a validator. A nil types accepts any step type.
func NewValidator(cron crontab.Cron, types StepTypes) *Validator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}

		return name
	})

	return &Validator{
		cron:     cron,
		types:    types,
		validate: validate,
	}
}

// Validate returns a *ValidationError listing every issue found, or nil.
func (v *Validator) Validate(definition *models.Definition) error {
	if definition == nil {
		return &ValidationError{Issues: []Issue{{Message: "definition is required"}}}
	}

	var issues []Issue

	if strings.TrimSpace(definition.Name) == "" {
		issues = append(issues, Issue{Field: "name", Message: "is required"})
	}

	if len(definition.Steps) == 0 {
		issues = append(issues, Issue{Field: "steps", Message: "at least one step is required"})
	}

	issues = append(issues, v.checkSteps(definition)...)
	issues = append(issues, checkGraph(definition)...)
	issues = append(issues, v.checkTriggers(definition)...)

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	return nil
}

func (v *Validator) checkSteps(definition *models.Definition) []Issue {
	var issues []Issue

	seen := make(map[string]bool, len(definition.Steps))

	for i, step := range definition.Steps {
		field := fmt.Sprintf("steps[%d]", i)

		if step == nil {
			issues = append(issues, Issue{Field: field, Message: "step is null"})

			continue
		}

		if step.ID == "" {
			issues = append(issues, Issue{Field: field + ".id", Message: "is required"})
		} else {
			field = "steps." + step.ID

			if seen[step.ID] {
				issues = append(issues, Issue{Field: field, Message: "duplicate step id"})
			}

			seen[step.ID] = true
		}

		if step.Type == "" {
			issues = append(issues, Issue{Field: field + ".type", Message: "is required"})

			continue
		}

		if v.types != nil && !v.types.Has(step.Type) {
			issues = append(issues, Issue{Field: field + ".type", Message: fmt.Sprintf("unknown step type %q", step.Type)})

			continue
		}

		issues = append(issues, v.checkStepConfig(field, step)...)
	}

	return issues
}

func (v *Validator) checkStepConfig(field string, step *models.StepDefinition) []Issue {
	if step.Config == nil {
		return []Issue{{Field: field, Message: "missing configuration for " + string(step.Type)}}
	}

	if step.Config.StepType() != step.Type {
		return []Issue{{Field: field, Message: fmt.Sprintf("configuration of type %q does not match step type %q", step.Config.StepType(), step.Type)}}
	}

	var issues []Issue

	switch config := step.Config.(type) {
	case models.TaskConfig:
		issues = append(issues, v.structIssues(field, config)...)
		issues = append(issues, durationIssue(field+".timeout", config.Timeout, false)...)
	case models.TimerConfig:
		issues = append(issues, v.structIssues(field, config)...)
		if config.Delay != "" {
			issues = append(issues, durationIssue(field+".delay", config.Delay, true)...)
		}
	case models.ApprovalConfig:
		issues = append(issues, v.structIssues(field, config)...)
		issues = append(issues, durationIssue(field+".timeout", config.Timeout, false)...)
	}

	return issues
}

func (v *Validator) structIssues(field string, config any) []Issue {
	err := v.validate.Struct(config)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []Issue{{Field: field, Message: err.Error()}}
	}

	issues := make([]Issue, 0, len(fieldErrors))

	for _, fieldErr := range fieldErrors {
		name := fieldErr.Field()

		message := "failed " + fieldErr.Tag()
		switch fieldErr.Tag() {
		case "required":
			message = "is required"
		case "min":
			message = "must have at least " + fieldErr.Param() + " entries"
		}

		issues = append(issues, Issue{Field: field + "." + name, Message: message})
	}

	return issues
}

func durationIssue(field, value string, required bool) []Issue {
	if value == "" {
		if required {
			return []Issue{{Field: field, Message: "is required"}}
		}

		return nil
	}

	if _, err := models.ParseDuration(value); err != nil {
		return []Issue{{Field: field, Message: fmt.Sprintf("malformed duration %q, expected <int><ms|s|m|h|d>", value)}}
	}

	return nil
}

func (v *Validator) checkTriggers(definition *models.Definition) []Issue {
	var issues []Issue

	seen := make(map[string]bool, len(definition.Triggers))

	for i, trigger := range definition.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)

		if trigger == nil {
			issues = append(issues, Issue{Field: field, Message: "trigger is null"})

			continue
		}

		if trigger.ID == "" {
			issues = append(issues, Issue{Field: field + ".id", Message: "is required"})
		} else {
			field = "triggers." + trigger.ID

			if seen[trigger.ID] {
				issues = append(issues, Issue{Field: field, Message: "duplicate trigger id"})
			}

			seen[trigger.ID] = true
		}

		if trigger.Type != models.TriggerTypeSchedule {
			issues = append(issues, Issue{Field: field + ".type", Message: fmt.Sprintf("unsupported trigger type %q", trigger.Type)})

			continue
		}

		if _, err := v.cron.Parse(trigger.Cron); err != nil {
			issues = append(issues, Issue{Field: field + ".cron", Message: err.Error()})
		}
	}

	return issues
}
