package binding

import (
	"context"
	"reflect"
	"strings"

	"github.com/weft-dev/weft/internal/expressions"
	"github.com/weft-dev/weft/pkg/schema"
)

// Evaluator evaluates condition expression trees. The structural
// variants (equals, contains, and so on) are interpreted directly;
// cel leaves are delegated to a shared CEL engine.
type Evaluator struct {
	cel *expressions.CELEngine
}

// NewEvaluator creates an Evaluator backed by a fresh CEL engine.
func NewEvaluator() (*Evaluator, error) {
	eng, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{cel: eng}, nil
}

// Evaluate reduces a condition tree to a boolean. Binding resolution
// failures and type errors surface as CONDITION_EVALUATION_ERROR so
// the caller can skip the gated step and record the cause.
func (ev *Evaluator) Evaluate(ctx context.Context, cond *schema.ConditionExpression, sc *Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}

	switch cond.Op {
	case schema.OpEquals:
		left, right, err := ev.resolvePair(cond.Left, cond.Right, sc)
		if err != nil {
			return false, err
		}
		return looseEqual(left, right), nil

	case schema.OpNotEquals:
		left, right, err := ev.resolvePair(cond.Left, cond.Right, sc)
		if err != nil {
			return false, err
		}
		return !looseEqual(left, right), nil

	case schema.OpContains:
		value, err := ev.resolveOperand(cond.Value, sc)
		if err != nil {
			return false, err
		}
		search, err := ev.resolveOperand(cond.Search, sc)
		if err != nil {
			return false, err
		}
		return contains(value, search)

	case schema.OpExists:
		value, err := ev.resolveOperand(cond.Value, sc)
		if err != nil {
			return false, err
		}
		return value != nil, nil

	case schema.OpTruthy:
		value, err := ev.resolveOperand(cond.Value, sc)
		if err != nil {
			return false, err
		}
		return Truthy(value), nil

	case schema.OpAnd:
		for _, sub := range cond.Conds {
			ok, err := ev.Evaluate(ctx, sub, sc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case schema.OpOr:
		for _, sub := range cond.Conds {
			ok, err := ev.Evaluate(ctx, sub, sc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case schema.OpNot:
		ok, err := ev.Evaluate(ctx, cond.Cond, sc)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case schema.OpCEL:
		out, err := ev.cel.Evaluate(ctx, cond.Expr, map[string]any{
			"input":     sc.Input,
			"steps":     sc.StepOutputs(),
			"execution": sc.Execution,
		})
		if err != nil {
			return false, schema.AsWeftError(err, schema.ErrCodeConditionEvaluation)
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
				"CEL condition %q did not produce a boolean", cond.Expr)
		}
		return b, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"unknown condition op %q", cond.Op)
	}
}

// resolveOperand resolves a condition operand, converting resolution
// failures into condition evaluation errors.
func (ev *Evaluator) resolveOperand(b *schema.ArgBinding, sc *Scope) (any, error) {
	if b == nil {
		return nil, schema.NewError(schema.ErrCodeConditionEvaluation, "condition operand is missing")
	}
	v, err := Resolve(*b, sc)
	if err != nil {
		werr := schema.AsWeftError(err, schema.ErrCodeConditionEvaluation)
		return nil, schema.NewError(schema.ErrCodeConditionEvaluation, werr.Message).
			WithCause(werr).
			WithDetails(werr.Details)
	}
	return v, nil
}

func (ev *Evaluator) resolvePair(left, right *schema.ArgBinding, sc *Scope) (any, any, error) {
	l, err := ev.resolveOperand(left, sc)
	if err != nil {
		return nil, nil, err
	}
	r, err := ev.resolveOperand(right, sc)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

// Truthy implements loose boolean coercion over JSON values: nil,
// false, zero numbers, and empty strings are false; everything else,
// including empty arrays and objects, is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	default:
		return true
	}
}

// looseEqual compares two JSON values with numeric widening, so that
// int64(3) from one source equals float64(3) from another.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !looseEqual(v, bvv) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// contains implements membership over the two collection shapes the
// definition format produces: substring match for strings, element
// match for arrays. Anything else is a type error.
func contains(value, search any) (bool, error) {
	switch coll := value.(type) {
	case string:
		s, ok := search.(string)
		if !ok {
			return false, schema.NewError(schema.ErrCodeConditionEvaluation,
				"contains on a string requires a string search value")
		}
		return strings.Contains(coll, s), nil
	case []any:
		for _, item := range coll {
			if looseEqual(item, search) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
			"contains requires a string or array value, got %T", value)
	}
}
