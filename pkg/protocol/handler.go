// Package protocol defines the contract between the execution engine and step handlers.
package protocol

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/template"
)

// ErrUnexpectedConfig is returned by a handler given the config of another step type.
var ErrUnexpectedConfig = errors.New("unexpected step config")

// Handler runs one step type.
//
// A handler may be invoked several times for the same step: once when the step
// becomes ready and again on every resume while it is waiting. Implementations
// must be idempotent with respect to the persisted state in StepContext.State.
type Handler interface {
	Execute(ctx context.Context, stepCtx *StepContext, config models.StepConfig) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, stepCtx *StepContext, config models.StepConfig) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, stepCtx *StepContext, config models.StepConfig) (Result, error) {
	return f(ctx, stepCtx, config)
}

// StepContext is what a handler sees of the execution it runs in.
type StepContext struct {
	ExecutionID    string
	DefinitionName string
	Input          map[string]any
	// Outputs holds the outputs of completed steps keyed by step id.
	Outputs map[string]any
	Step    *models.StepDefinition
	// State is the persisted state of the step. WaitMetadata is carried over between invocations.
	State *models.StepExecution
}

// WaitMetadata returns the metadata recorded by the previous invocation, if any.
func (c *StepContext) WaitMetadata() map[string]any {
	if c.State == nil {
		return nil
	}

	return c.State.WaitMetadata
}

// Attempt returns how many times the handler has been invoked for the step, this call included.
func (c *StepContext) Attempt() int {
	if c.State == nil {
		return 1
	}

	return c.State.Attempts
}

// Template returns the variables available to "{{...}}" expressions in step fields.
func (c *StepContext) Template() template.Context {
	return template.Context{
		Input:       c.Input,
		StepOutputs: c.Outputs,
		ExecutionID: c.ExecutionID,
		ProcessName: c.DefinitionName,
	}
}

// Outcome is the kind of result a handler returns.
type Outcome string

const (
	OutcomeOk   Outcome = "ok"
	OutcomeFail Outcome = "fail"
	OutcomeWait Outcome = "wait"
)

// Result is the outcome of one handler invocation.
type Result struct {
	Outcome Outcome
	Output  any
	Error   *models.StepError
	// Metadata is persisted on the step while it waits.
	Metadata map[string]any
}

func Ok(output any) Result {
	return Result{Outcome: OutcomeOk, Output: output}
}

func Fail(code, message string) Result {
	return Result{Outcome: OutcomeFail, Error: &models.StepError{Code: code, Message: message}}
}

// FailWithDetails is Fail with extra structured information attached to the error.
func FailWithDetails(code, message string, details map[string]any) Result {
	result := Fail(code, message)
	result.Error.Details = maps.Clone(details)

	return result
}

func Wait(metadata map[string]any) Result {
	return Result{Outcome: OutcomeWait, Metadata: maps.Clone(metadata)}
}

func (r Result) IsOk() bool   { return r.Outcome == OutcomeOk }
func (r Result) IsFail() bool { return r.Outcome == OutcomeFail }
func (r Result) IsWait() bool { return r.Outcome == OutcomeWait }

// ResumeAtKey is the wait metadata entry telling the engine when to re-invoke a waiting step.
const ResumeAtKey = "resume_at"

// ResumeAt reads the wake-up time recorded under ResumeAtKey.
func ResumeAt(metadata map[string]any) (time.Time, bool) {
	switch value := metadata[ResumeAtKey].(type) {
	case time.Time:
		return value, true
	case string:
		resumeAt, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, false
		}

		return resumeAt, true
	default:
		return time.Time{}, false
	}
}
