package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execExpr(t *testing.T, name string, params map[string]any) (any, error) {
	t.Helper()
	a := findAction(t, ExprActions(), name)
	out, err := a.Execute(context.Background(), ActionInput{Params: params})
	if err != nil {
		return nil, err
	}
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result["result"], nil
}

func TestExprEval_Arithmetic(t *testing.T) {
	result, err := execExpr(t, "expr.eval", map[string]any{
		"expression": "1 + 2 * 3",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(7), result)
}

func TestExprEval_WithData(t *testing.T) {
	result, err := execExpr(t, "expr.eval", map[string]any{
		"expression": "data.price * data.qty",
		"data":       map[string]any{"price": float64(4), "qty": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(20), result)
}

func TestExprEval_StringOps(t *testing.T) {
	result, err := execExpr(t, "expr.eval", map[string]any{
		"expression": `upper(data.name)`,
		"data":       map[string]any{"name": "weft"},
	})
	require.NoError(t, err)
	assert.Equal(t, "WEFT", result)
}

func TestExprEval_MissingExpression(t *testing.T) {
	_, err := execExpr(t, "expr.eval", map[string]any{})
	require.Error(t, err)
}

func TestJQ_Select(t *testing.T) {
	result, err := execExpr(t, "jq", map[string]any{
		"query": ".items | map(.id)",
		"data": map[string]any{
			"items": []any{
				map[string]any{"id": float64(1)},
				map[string]any{"id": float64(2)},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, result)
}

func TestJQ_SingleValue(t *testing.T) {
	result, err := execExpr(t, "jq", map[string]any{
		"query": ".name",
		"data":  map[string]any{"name": "weft"},
	})
	require.NoError(t, err)
	assert.Equal(t, "weft", result)
}

func TestJQ_InvalidQuery(t *testing.T) {
	_, err := execExpr(t, "jq", map[string]any{
		"query": ".[unterminated",
		"data":  map[string]any{},
	})
	require.Error(t, err)
}

func TestJQ_MissingQuery(t *testing.T) {
	_, err := execExpr(t, "jq", map[string]any{})
	require.Error(t, err)
}
