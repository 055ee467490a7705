package models

import (
	"encoding/json"
	"fmt"
)

// StepType identifies the handler responsible for a step.
type StepType string

const (
	StepTypeTask     StepType = "task"
	StepTypeTimer    StepType = "timer"
	StepTypeApproval StepType = "approval"
)

// StepConfig is the type-specific part of a step definition.
type StepConfig interface {
	StepType() StepType
}

// StepDefinition is one node of a definition's dependency graph.
// Type-specific fields are encoded inline next to the common ones.
type StepDefinition struct {
	ID                string     `json:"id"                            validate:"required"`
	Name              string     `json:"name,omitempty"`
	Type              StepType   `json:"type"                          validate:"required"`
	DependsOn         []string   `json:"depends_on,omitempty"`
	ContinueOnFailure bool       `json:"continue_on_failure,omitempty"`
	Config            StepConfig `json:"-"`
}

// TaskConfig sends a message to an external resource through the resource queue.
type TaskConfig struct {
	Resource   string `json:"resource"               validate:"required"`
	Message    string `json:"message"                validate:"required"`
	Timeout    string `json:"timeout,omitempty"`
	WaitIfBusy *bool  `json:"wait_if_busy,omitempty"`
}

func (TaskConfig) StepType() StepType { return StepTypeTask }

// ShouldWaitIfBusy reports whether the task queues behind a busy resource. Defaults to true.
func (c TaskConfig) ShouldWaitIfBusy() bool {
	return c.WaitIfBusy == nil || *c.WaitIfBusy
}

// TimerConfig suspends a step for a fixed delay.
type TimerConfig struct {
	Delay string `json:"delay" validate:"required"`
}

func (TimerConfig) StepType() StepType { return StepTypeTimer }

// ApprovalConfig gates a step on a human decision.
type ApprovalConfig struct {
	Title       string   `json:"title"                 validate:"required"`
	Description string   `json:"description,omitempty"`
	Assignees   []string `json:"assignees"             validate:"required,min=1,dive,required"`
	Timeout     string   `json:"timeout,omitempty"`
}

func (ApprovalConfig) StepType() StepType { return StepTypeApproval }

// GenericConfig holds the fields of step types without a dedicated config struct.
type GenericConfig struct {
	Type   StepType       `json:"-"`
	Fields map[string]any `json:"-"`
}

func (c GenericConfig) StepType() StepType { return c.Type }

var stepCommonFields = []string{"id", "name", "type", "depends_on", "continue_on_failure"}

type stepDefinitionAlias StepDefinition

func (s StepDefinition) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(stepDefinitionAlias(s))
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}

	switch config := s.Config.(type) {
	case nil:
	case GenericConfig:
		for key, value := range config.Fields {
			fields[key] = value
		}
	case *GenericConfig:
		for key, value := range config.Fields {
			fields[key] = value
		}
	default:
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s config: %w", s.Type, err)
		}

		extra := map[string]any{}
		if err := json.Unmarshal(raw, &extra); err != nil {
			return nil, err
		}

		for key, value := range extra {
			fields[key] = value
		}
	}

	return json.Marshal(fields)
}

func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var alias stepDefinitionAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	*s = StepDefinition(alias)

	config, err := decodeStepConfig(s.Type, data)
	if err != nil {
		return fmt.Errorf("step %q: %w", s.ID, err)
	}

	s.Config = config

	return nil
}

func decodeStepConfig(stepType StepType, data []byte) (StepConfig, error) {
	switch stepType {
	case StepTypeTask:
		var config TaskConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, err
		}

		return config, nil
	case StepTypeTimer:
		var config TimerConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, err
		}

		return config, nil
	case StepTypeApproval:
		var config ApprovalConfig
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, err
		}

		return config, nil
	default:
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}

		for _, key := range stepCommonFields {
			delete(fields, key)
		}

		return GenericConfig{Type: stepType, Fields: fields}, nil
	}
}
