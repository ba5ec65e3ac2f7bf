// Package binding resolves step argument bindings and evaluates
// condition expressions against an execution's accumulated state.
package binding

import (
	"github.com/weft-dev/weft/pkg/schema"
)

// Resolve produces the concrete value for a single binding.
//
// Literal bindings return their value as-is. Input bindings navigate
// the input payload; an unset path yields nil. Step bindings require
// the referenced step to have completed: a reference to a failed,
// skipped, or unsettled step is an UNRESOLVABLE_STEP_REFERENCE error,
// while an unset path within a completed output yields nil.
func Resolve(b schema.ArgBinding, sc *Scope) (any, error) {
	switch b.Kind {
	case schema.BindLiteral:
		return b.Literal, nil
	case schema.BindInput:
		var root any = sc.Input
		if sc.Input == nil {
			return nil, nil
		}
		return traversePath(root, b.Input), nil
	case schema.BindStep:
		sv, ok := sc.Steps[b.Step.ID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvableStep,
				"step %q has not produced an output", b.Step.ID).
				WithDetails(map[string]any{"referenced_step": b.Step.ID})
		}
		if sv.Status != schema.StepStatusCompleted {
			return nil, schema.NewErrorf(schema.ErrCodeUnresolvableStep,
				"step %q did not complete (status: %s)", b.Step.ID, sv.Status).
				WithDetails(map[string]any{
					"referenced_step": b.Step.ID,
					"status":          string(sv.Status),
				})
		}
		return traversePath(sv.Output, b.Step.Path), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown binding kind %q", b.Kind)
	}
}

// ResolveArgs resolves a full argument map. The first failing binding
// aborts resolution and its error is returned with the argument name
// attached.
func ResolveArgs(args map[string]schema.ArgBinding, sc *Scope) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	for name, b := range args {
		v, err := Resolve(b, sc)
		if err != nil {
			if werr, ok := err.(*schema.WeftError); ok {
				if werr.Details == nil {
					werr.Details = map[string]any{}
				}
				werr.Details["argument"] = name
			}
			return nil, err
		}
		resolved[name] = v
	}
	return resolved, nil
}
