package binding

import (
	"strconv"
	"strings"

	"github.com/weft-dev/weft/pkg/schema"
)

// StepValue is the resolution-visible result of a step: its terminal
// status and, for completed steps, the decoded output value.
type StepValue struct {
	Status schema.StepStatus
	Output any
}

// Scope is the data a binding resolves against: the execution's input
// payload and the results of previously settled steps.
type Scope struct {
	Input map[string]any
	Steps map[string]StepValue

	// Execution carries metadata (id, workflow_id) exposed to CEL
	// condition leaves.
	Execution map[string]any
}

// StepOutputs returns the outputs of all completed steps, keyed by
// step ID. Used as the "steps" variable for CEL conditions.
func (s *Scope) StepOutputs() map[string]any {
	out := make(map[string]any, len(s.Steps))
	for id, sv := range s.Steps {
		if sv.Status == schema.StepStatusCompleted {
			out[id] = sv.Output
		}
	}
	return out
}

// traversePath walks a dot-separated path through nested maps and
// slices. Missing keys, out-of-range indices, and traversal into
// non-container values all yield nil: an unset path is undefined, not
// an error.
func traversePath(value any, path string) any {
	if path == "" {
		return value
	}
	current := value
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}
