package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-dev/weft/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

func TestGoJQ_Identity(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{"a": 1.0}
	out, err := e.Evaluate(context.Background(), ".", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestGoJQ_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".user.email", map[string]any{
		"user": map[string]any{"email": "ops@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", out)
}

func TestGoJQ_Reshape(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "{total: .requests, bad: .errors}", map[string]any{
		"requests": 100.0,
		"errors":   3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 100.0, "bad": 3.0}, out)
}

func TestGoJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{
		"items": []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)
}

func TestGoJQ_NoOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[] | select(. > 10)", map[string]any{
		"items": []any{1.0, 2.0},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[invalid", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	// Iterating a non-array is a runtime error.
	_, err := e.Evaluate(context.Background(), ".value[]", map[string]any{
		"value": 42.0,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionExecution, errCode(t, err))
}

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errCode(t, err))
}
