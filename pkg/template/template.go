// Package template resolves {{...}} variables against an execution context.
package template

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/blues/jsonata-go"
)

var (
	variablePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	identifier      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\[[0-9]+\])*$`)

	expressions sync.Map
)

var roots = map[string]bool{
	"input":     true,
	"steps":     true,
	"execution": true,
	"process":   true,
}

// Context is the data visible to templates.
type Context struct {
	Input       map[string]any
	StepOutputs map[string]any
	ExecutionID string
	ProcessName string
}

func (c Context) data() any {
	steps := make(map[string]any, len(c.StepOutputs))
	for id, output := range c.StepOutputs {
		steps[id] = map[string]any{"output": output}
	}

	data := map[string]any{
		"input":     c.Input,
		"steps":     steps,
		"execution": map[string]any{"id": c.ExecutionID},
		"process":   map[string]any{"name": c.ProcessName},
	}

	// Outputs may hold structs; the evaluator only walks plain JSON values.
	raw, err := json.Marshal(data)
	if err != nil {
		return data
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return data
	}

	return normalized
}

// Render replaces every resolvable {{path}} in text. Unresolved variables are left verbatim.
func Render(text string, c Context) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	data := c.data()

	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		path := variablePattern.FindStringSubmatch(match)[1]

		value, ok := evaluate(path, data)
		if !ok {
			return match
		}

		return format(value)
	})
}

// Evaluate resolves a single dotted path such as "steps.build.output.url".
func Evaluate(path string, c Context) (any, bool) {
	return evaluate(path, c.data())
}

func evaluate(path string, data any) (any, bool) {
	expression, ok := toExpression(path)
	if !ok {
		return nil, false
	}

	compiled, err := compile(expression)
	if err != nil {
		return nil, false
	}

	value, err := compiled.Eval(data)
	if err != nil || value == nil {
		return nil, false
	}

	return value, true
}

func compile(expression string) (*jsonata.Expr, error) {
	if cached, ok := expressions.Load(expression); ok {
		return cached.(*jsonata.Expr), nil
	}

	compiled, err := jsonata.Compile(expression)
	if err != nil {
		return nil, err
	}

	expressions.Store(expression, compiled)

	return compiled, nil
}

// toExpression turns a dotted path into a JSONata path, quoting segments that are not plain identifiers.
func toExpression(path string) (string, bool) {
	segments := strings.Split(strings.TrimSpace(path), ".")
	if len(segments) < 2 || !roots[segments[0]] {
		return "", false
	}

	for i, segment := range segments {
		switch {
		case segment == "":
			return "", false
		case identifier.MatchString(segment):
		case strings.ContainsRune(segment, '`'):
			return "", false
		default:
			segments[i] = "`" + segment + "`"
		}
	}

	return strings.Join(segments, "."), true
}

func format(value any) string {
	switch v := value.(type) {
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(raw)
	}
}
