package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weft-dev/weft/pkg/schema"
)

func requireGraphError(t *testing.T, def *schema.WorkflowDefinition, code string) {
	t.Helper()
	_, err := BuildGraph(def)
	require.Error(t, err)
	var werr *schema.WeftError
	require.True(t, errors.As(err, &werr), "expected a structured error, got %v", err)
	assert.Equal(t, code, werr.Code)
}

func TestBuildGraph_LinearChain(t *testing.T) {
	g, err := BuildGraph(&schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			actionStep("a", "noop"),
			actionStep("b", "noop", "a"),
			actionStep("c", "noop", "b"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, g.Sorted)
	assert.Equal(t, []string{"a"}, g.Roots)
	assert.Equal(t, []string{"b"}, g.Reverse["a"])
}

func TestBuildGraph_Diamond(t *testing.T) {
	g, err := BuildGraph(&schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			actionStep("top", "noop"),
			actionStep("left", "noop", "top"),
			actionStep("right", "noop", "top"),
			actionStep("bottom", "noop", "left", "right"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "top", g.Sorted[0])
	assert.Equal(t, "bottom", g.Sorted[3])
	assert.ElementsMatch(t, []string{"left", "right"}, g.Reverse["top"])
}

func TestBuildGraph_DefaultsToActionType(t *testing.T) {
	g, err := BuildGraph(&schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "a", Action: "noop"}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepTypeAction, g.Steps["a"].Type)
}

func TestBuildGraph_EmptyDefinition(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{}, schema.ErrCodeValidation)
	_, err := BuildGraph(nil)
	require.Error(t, err)
}

func TestBuildGraph_DuplicateStepID(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			actionStep("dup", "noop"),
			actionStep("dup", "noop"),
		},
	}, schema.ErrCodeDuplicateStepID)
}

func TestBuildGraph_UnknownDependency(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{actionStep("a", "noop", "ghost")},
	}, schema.ErrCodeUnknownStepReference)
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{actionStep("a", "noop", "a")},
	}, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_Cycle(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			actionStep("a", "noop", "c"),
			actionStep("b", "noop", "a"),
			actionStep("c", "noop", "b"),
		},
	}, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_ActionRequiresName(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "a", Type: schema.StepTypeAction}},
	}, schema.ErrCodeValidation)
}

func TestBuildGraph_NotifyValidation(t *testing.T) {
	msg := schema.LiteralBinding("hi")

	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "n", Type: schema.StepTypeNotify}},
	}, schema.ErrCodeValidation)

	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "n", Type: schema.StepTypeNotify, Message: &msg, Variant: "loud"}},
	}, schema.ErrCodeValidation)

	_, err := BuildGraph(&schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "n", Type: schema.StepTypeNotify, Message: &msg, Variant: "warning"}},
	})
	require.NoError(t, err)
}

func TestBuildGraph_ResolveWithoutOutput(t *testing.T) {
	// Output bindings on resolve steps are optional.
	_, err := BuildGraph(&schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{ID: "r", Type: schema.StepTypeResolve}},
	})
	require.NoError(t, err)
}

func TestBuildGraph_OnErrorPolicy(t *testing.T) {
	mk := func(p *schema.OnErrorPolicy) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			Steps: []schema.WorkflowStep{{ID: "a", Type: schema.StepTypeAction, Action: "noop", OnError: p}},
		}
	}

	requireGraphError(t, mk(&schema.OnErrorPolicy{Strategy: "explode"}), schema.ErrCodeValidation)
	requireGraphError(t, mk(&schema.OnErrorPolicy{Strategy: schema.OnErrorRetry}), schema.ErrCodeValidation)
	requireGraphError(t, mk(&schema.OnErrorPolicy{Strategy: schema.OnErrorRetry, RetryCount: 1, RetryDelay: "soon"}), schema.ErrCodeValidation)

	_, err := BuildGraph(mk(&schema.OnErrorPolicy{Strategy: schema.OnErrorRetry, RetryCount: 2, RetryDelay: "250ms"}))
	require.NoError(t, err)

	// onError only applies to action steps.
	msg := schema.LiteralBinding("hi")
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{
			ID: "n", Type: schema.StepTypeLog, Message: &msg,
			OnError: &schema.OnErrorPolicy{Strategy: schema.OnErrorContinue},
		}},
	}, schema.ErrCodeValidation)
}

func TestBuildGraph_BindingReferencesChecked(t *testing.T) {
	requireGraphError(t, &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{
			ID:     "a",
			Type:   schema.StepTypeAction,
			Action: "noop",
			Args: map[string]schema.ArgBinding{
				"v": schema.StepBinding("ghost", "output"),
			},
		}},
	}, schema.ErrCodeUnknownStepReference)
}
