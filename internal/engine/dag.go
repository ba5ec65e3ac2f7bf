package engine

import (
	"fmt"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

// Graph is the in-memory directed acyclic graph representation of a
// workflow. Built from a WorkflowDefinition, used by the scheduler to
// determine admission order.
type Graph struct {
	Steps   map[string]*schema.WorkflowStep // step ID -> definition
	Edges   map[string][]string             // step ID -> dependencies (depends_on)
	Reverse map[string][]string             // step ID -> dependents (who depends on me)
	Sorted  []string                        // topological order
	Roots   []string                        // steps with no dependencies
}

var validStepTypes = map[schema.StepType]bool{
	schema.StepTypeAction:  true,
	schema.StepTypeNotify:  true,
	schema.StepTypeLog:     true,
	schema.StepTypeResolve: true,
	schema.StepTypeReject:  true,
}

var validNotifyVariants = map[string]bool{
	"":        true, // defaults to info
	"info":    true,
	"success": true,
	"warning": true,
	"error":   true,
}

// BuildGraph validates a WorkflowDefinition and compiles it into an
// executable Graph. It checks step IDs, per-type constraints, binding
// references, builds adjacency lists, and performs a topological sort
// with cycle detection using Kahn's algorithm. All failures surface
// before any step runs.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]*schema.WorkflowStep, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}

		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStepID, "duplicate step ID: %s", step.ID)
		}

		// Default step type to action when empty.
		if step.Type == "" {
			step.Type = schema.StepTypeAction
		}

		if !validStepTypes[step.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type).WithStep(step.ID)
		}

		g.Steps[step.ID] = step
	}

	// Second pass: validate per-type constraints and static references.
	for _, step := range g.Steps {
		if err := validateStep(step, g.Steps); err != nil {
			return nil, err
		}
	}

	// Third pass: build adjacency lists and validate dependencies.
	for id, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownStepReference, "step %s depends on non-existent step: %s", id, dep).WithStep(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}

	g.Sorted = sorted
	return g, nil
}

// validateStep checks per-type constraints on a step definition and
// that every binding references a declared step.
func validateStep(step *schema.WorkflowStep, steps map[string]*schema.WorkflowStep) error {
	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "action step %s has no action name", step.ID).WithStep(step.ID)
		}

	case schema.StepTypeNotify:
		if step.Message == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "notify step %s has no message", step.ID).WithStep(step.ID)
		}
		if !validNotifyVariants[step.Variant] {
			return schema.NewErrorf(schema.ErrCodeValidation, "notify step %s has unknown variant: %s", step.ID, step.Variant).WithStep(step.ID)
		}

	case schema.StepTypeLog, schema.StepTypeReject:
		if step.Message == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s step %s has no message", step.Type, step.ID).WithStep(step.ID)
		}
	}

	if step.OnError != nil {
		if step.Type != schema.StepTypeAction {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: on_error applies to action steps only", step.ID).WithStep(step.ID)
		}
		if err := validateOnError(step.OnError); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
	}

	if step.If != nil {
		if err := step.If.Validate(); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
	}

	// Static binding references must point at declared steps.
	for _, b := range stepBindings(step) {
		if b.Kind != schema.BindStep {
			continue
		}
		if _, exists := steps[b.Step.ID]; !exists {
			return schema.NewErrorf(schema.ErrCodeUnknownStepReference,
				"step %s references non-existent step: %s", step.ID, b.Step.ID).WithStep(step.ID)
		}
	}

	return nil
}

func validateOnError(p *schema.OnErrorPolicy) error {
	switch p.Strategy {
	case "", schema.OnErrorFail, schema.OnErrorContinue:
	case schema.OnErrorRetry:
		if p.RetryCount < 1 {
			return fmt.Errorf("retry strategy requires retry_count >= 1")
		}
	default:
		return fmt.Errorf("unknown on_error strategy %q", p.Strategy)
	}
	if p.RetryDelay != "" {
		if _, err := time.ParseDuration(p.RetryDelay); err != nil {
			return fmt.Errorf("invalid retry_delay %q: %v", p.RetryDelay, err)
		}
	}
	return nil
}

// stepBindings collects every binding a step declares: arguments,
// message, resolve outputs, and condition operands.
func stepBindings(step *schema.WorkflowStep) []*schema.ArgBinding {
	var out []*schema.ArgBinding
	for name := range step.Args {
		b := step.Args[name]
		out = append(out, &b)
	}
	if step.Message != nil {
		out = append(out, step.Message)
	}
	for name := range step.Output {
		b := step.Output[name]
		out = append(out, &b)
	}
	out = append(out, step.If.Bindings()...)
	return out
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
