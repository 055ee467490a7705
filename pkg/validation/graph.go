package validation

import (
	"fmt"
	"strings"

	"github.com/dukex/procflow/pkg/models"
)

const (
	unvisited = iota
	visiting
	visited
)

func checkGraph(definition *models.Definition) []Issue {
	var issues []Issue

	ids := make(map[string]bool, len(definition.Steps))
	for _, step := range definition.Steps {
		if step != nil && step.ID != "" {
			ids[step.ID] = true
		}
	}

	edges := make(map[string][]string, len(definition.Steps))

	for _, step := range definition.Steps {
		if step == nil || step.ID == "" {
			continue
		}

		for _, dependency := range step.DependsOn {
			switch {
			case dependency == step.ID:
				issues = append(issues, Issue{Field: "steps." + step.ID + ".depends_on", Message: "step depends on itself"})
			case !ids[dependency]:
				issues = append(issues, Issue{
					Field:   "steps." + step.ID + ".depends_on",
					Message: fmt.Sprintf("unknown step %q", dependency),
				})
			default:
				edges[step.ID] = append(edges[step.ID], dependency)
			}
		}
	}

	if cycle := findCycle(definition, edges); cycle != nil {
		issues = append(issues, Issue{Field: "steps", Message: "dependency cycle: " + strings.Join(cycle, " -> ")})
	}

	return issues
}

// findCycle returns the steps of one dependency cycle, or nil when the graph is acyclic.
func findCycle(definition *models.Definition, edges map[string][]string) []string {
	state := make(map[string]int, len(edges))

	var stack []string

	var visit func(id string) []string

	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)

		for _, next := range edges[id] {
			switch state[next] {
			case visiting:
				for i, candidate := range stack {
					if candidate == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = visited

		return nil
	}

	for _, step := range definition.Steps {
		if step == nil || step.ID == "" || state[step.ID] != unvisited {
			continue
		}

		if cycle := visit(step.ID); cycle != nil {
			return cycle
		}
	}

	return nil
}
