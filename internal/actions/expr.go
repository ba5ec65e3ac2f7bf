package actions

import (
	"context"
	"encoding/json"

	"github.com/weft-dev/weft/internal/expressions"
	"github.com/weft-dev/weft/pkg/schema"
)

// ExprActions returns the expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
		&jqAction{engine: expressions.NewGoJQEngine()},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against the provided 'data' value.",
	}
}

func (a *exprEvalAction) Validate(input map[string]any) error {
	if stringParam(input, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval: requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	expression := stringParam(input.Params, "expression", "")

	scope := make(map[string]any)
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}
	for k, v := range input.Context {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "expr.eval: marshal output: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}

// --- jq ---

type jqAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq query over the provided 'data' value.",
	}
}

func (a *jqAction) Validate(input map[string]any) error {
	if stringParam(input, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq: requires non-empty 'query' string parameter")
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	query := stringParam(input.Params, "query", "")

	data, _ := input.Params["data"].(map[string]any)
	result, err := a.engine.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "jq: marshal output: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}
