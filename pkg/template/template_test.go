package template_test

import (
	"testing"

	"github.com/dukex/procflow/pkg/template"
	"github.com/stretchr/testify/assert"
)

func testContext() template.Context {
	return template.Context{
		Input: map[string]any{
			"ref":   "v1.2.0",
			"count": 3,
			"tags":  []string{"a", "b"},
		},
		StepOutputs: map[string]any{
			"build": map[string]any{"url": "https://ci/1", "ok": true},
			"lint":  "clean",
			"my-step": map[string]any{
				"value": "dashed",
			},
		},
		ExecutionID: "exec-42",
		ProcessName: "release",
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "no variables", input: "plain text", expected: "plain text"},
		{name: "input value", input: "Deploy {{input.ref}}", expected: "Deploy v1.2.0"},
		{name: "number", input: "{{input.count}} items", expected: "3 items"},
		{name: "whitespace inside braces", input: "{{ input.ref }}", expected: "v1.2.0"},
		{name: "step output", input: "lint: {{steps.lint.output}}", expected: "lint: clean"},
		{name: "step output field", input: "see {{steps.build.output.url}}", expected: "see https://ci/1"},
		{name: "step output object", input: "{{steps.my-step.output}}", expected: `{"value":"dashed"}`},
		{name: "dashed step id", input: "{{steps.my-step.output.value}}", expected: "dashed"},
		{name: "execution id", input: "run {{execution.id}}", expected: "run exec-42"},
		{name: "process name", input: "[{{process.name}}]", expected: "[release]"},
		{name: "array index", input: "{{input.tags[1]}}", expected: "b"},
		{name: "unresolved input", input: "{{input.missing}} stays", expected: "{{input.missing}} stays"},
		{name: "unresolved step", input: "{{steps.nope.output}}", expected: "{{steps.nope.output}}"},
		{name: "unknown root", input: "{{env.HOME}}", expected: "{{env.HOME}}"},
		{name: "bare root", input: "{{input}}", expected: "{{input}}"},
		{
			name:     "mixed",
			input:    "{{process.name}} {{input.ref}} by {{input.author}}",
			expected: "release v1.2.0 by {{input.author}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, template.Render(tt.input, testContext()))
		})
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	value, ok := template.Evaluate("steps.build.output.ok", testContext())
	assert.True(t, ok)
	assert.Equal(t, true, value)

	_, ok = template.Evaluate("steps.build.output.nothing", testContext())
	assert.False(t, ok)
}
