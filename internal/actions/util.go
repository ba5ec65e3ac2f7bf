package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weft-dev/weft/pkg/schema"
)

// UtilityActions returns the utility.* builtin actions.
func UtilityActions() []Action {
	return []Action{
		&waitAction{},
		&echoAction{},
	}
}

// --- utility.wait ---

const waitInputSchema = `{
  "type": "object",
  "properties": {
    "ms": {"type": "integer", "minimum": 0},
    "duration": {"type": "string"}
  }
}`

type waitAction struct{}

func (a *waitAction) Name() string { return "utility.wait" }

func (a *waitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Sleep for the given duration ('ms' integer or 'duration' string), honoring cancellation.",
		InputSchema: json.RawMessage(waitInputSchema),
	}
}

func (a *waitAction) Validate(input map[string]any) error {
	if _, err := waitDuration(input); err != nil {
		return err
	}
	return nil
}

func (a *waitAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	d, err := waitDuration(input.Params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	out, _ := json.Marshal(map[string]any{
		"waited_ms": time.Since(start).Milliseconds(),
	})
	return &ActionOutput{Data: out}, nil
}

func waitDuration(params map[string]any) (time.Duration, error) {
	if ds := stringParam(params, "duration", ""); ds != "" {
		d, err := time.ParseDuration(ds)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "utility.wait: invalid duration %q", ds).WithCause(err)
		}
		if d < 0 {
			return 0, schema.NewError(schema.ErrCodeValidation, "utility.wait: duration must not be negative")
		}
		return d, nil
	}

	ms := intParam(params, "ms", -1)
	if ms < 0 {
		return 0, schema.NewError(schema.ErrCodeValidation, "utility.wait: requires 'ms' (non-negative integer) or 'duration'")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// --- utility.echo ---

type echoAction struct{}

func (a *echoAction) Name() string { return "utility.echo" }

func (a *echoAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Return the resolved params unchanged. Useful for wiring and debugging.",
	}
}

func (a *echoAction) Validate(input map[string]any) error { return nil }

func (a *echoAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	out, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "utility.echo: marshal params: %v", err)
	}
	return &ActionOutput{Data: out}, nil
}
