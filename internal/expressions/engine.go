package expressions

import "context"

// Engine evaluates expressions against execution data.
// Three implementations: CEL (condition leaves), GoJQ (transforms), Expr (logic).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
