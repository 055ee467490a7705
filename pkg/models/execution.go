package models

import (
	"maps"
	"time"
)

// ExecutionStatus represents the state of one run of a definition.
type ExecutionStatus string

const (
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusWaiting    ExecutionStatus = "waiting"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelling ExecutionStatus = "cancelling"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// TriggerSource tells what started an execution.
type TriggerSource string

const (
	TriggeredByManual   TriggerSource = "manual"
	TriggeredBySchedule TriggerSource = "schedule"
	TriggeredByAgent    TriggerSource = "agent"
)

// StepStatus represents the state of one step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Failure codes recorded on failed steps.
const (
	ErrorCodeInternal            = "INTERNAL"
	ErrorCodeApprovalRejected    = "APPROVAL_REJECTED"
	ErrorCodeApprovalExpired     = "APPROVAL_EXPIRED"
	ErrorCodeStepTimeout         = "STEP_TIMEOUT"
	ErrorCodeQueueFull           = "QUEUE_FULL"
	ErrorCodeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	ErrorCodeTaskFailed          = "TASK_FAILED"
	ErrorCodeCancelled           = "CANCELLED"
)

// StepError describes why a step or an execution failed.
type StepError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Execution is one run of a published definition.
type Execution struct {
	ID                string                    `json:"id"`
	DefinitionID      string                    `json:"definition_id"`
	DefinitionName    string                    `json:"definition_name"`
	DefinitionVersion int                       `json:"definition_version"`
	Status            ExecutionStatus           `json:"status"`
	TriggeredBy       TriggerSource             `json:"triggered_by"`
	Input             map[string]any            `json:"input,omitempty"`
	Steps             map[string]*StepExecution `json:"steps"`
	Error             *StepError                `json:"error,omitempty"`
	StartedAt         time.Time                 `json:"started_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
	ResumeAt          *time.Time                `json:"resume_at,omitempty"`
}

// StepExecution is the persisted state of one step of an execution.
type StepExecution struct {
	StepID       string         `json:"step_id"`
	Status       StepStatus     `json:"status"`
	Output       any            `json:"output,omitempty"`
	Error        *StepError     `json:"error,omitempty"`
	WaitMetadata map[string]any `json:"wait_metadata,omitempty"`
	Attempts     int            `json:"attempts"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// WaitingStep returns the step currently suspended, or nil.
func (e *Execution) WaitingStep() *StepExecution {
	for _, step := range e.Steps {
		if step.Status == StepStatusWaiting {
			return step
		}
	}

	return nil
}

// Outputs returns the outputs of completed steps keyed by step id.
func (e *Execution) Outputs() map[string]any {
	outputs := make(map[string]any, len(e.Steps))

	for id, step := range e.Steps {
		if step.Status == StepStatusCompleted {
			outputs[id] = step.Output
		}
	}

	return outputs
}

// Clone returns a copy whose step states can be mutated independently.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}

	clone := *e
	clone.Input = maps.Clone(e.Input)

	clone.Steps = make(map[string]*StepExecution, len(e.Steps))
	for id, step := range e.Steps {
		clone.Steps[id] = step.Clone()
	}

	if e.Error != nil {
		stepErr := *e.Error
		clone.Error = &stepErr
	}

	clone.CompletedAt = cloneTime(e.CompletedAt)
	clone.ResumeAt = cloneTime(e.ResumeAt)

	return &clone
}

func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}

	clone := *s
	clone.WaitMetadata = maps.Clone(s.WaitMetadata)
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.CompletedAt = cloneTime(s.CompletedAt)

	if s.Error != nil {
		stepErr := *s.Error
		clone.Error = &stepErr
	}

	return &clone
}

// IsDone reports whether the step reached a state that releases or blocks its dependents.
func (s *StepExecution) IsDone() bool {
	return s.Status == StepStatusCompleted || s.Status == StepStatusFailed || s.Status == StepStatusSkipped
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	c := *t

	return &c
}
