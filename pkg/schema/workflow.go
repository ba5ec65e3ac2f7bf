package schema

import (
	"encoding/json"
	"fmt"
)

// WorkflowDefinition is the JSON-serializable workflow format.
// Clients provide this via workflow.define and the engine executes it
// as a dependency DAG.
type WorkflowDefinition struct {
	Inputs   map[string]InputField `json:"inputs,omitempty"`
	Steps    []WorkflowStep        `json:"steps"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// InputField declares one entry of a workflow's input schema.
type InputField struct {
	Type        string          `json:"type,omitempty"` // string | number | boolean | object | array
	Required    bool            `json:"required,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	Enum        []any           `json:"enum,omitempty"`
	Description string          `json:"description,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction  StepType = "action"
	StepTypeNotify  StepType = "notify"
	StepTypeLog     StepType = "log"
	StepTypeResolve StepType = "resolve"
	StepTypeReject  StepType = "reject"
)

// WorkflowStep describes a single step in a workflow. The Type field
// discriminates which of the remaining fields are meaningful.
type WorkflowStep struct {
	ID        string               `json:"id"`
	Type      StepType             `json:"type"`
	DependsOn []string             `json:"depends_on,omitempty"`
	If        *ConditionExpression `json:"if,omitempty"`
	OnError   *OnErrorPolicy       `json:"on_error,omitempty"` // action steps only

	// action
	Action string                `json:"action,omitempty"`
	Args   map[string]ArgBinding `json:"args,omitempty"`

	// notify, log, reject
	Message *ArgBinding `json:"message,omitempty"`
	Variant string      `json:"variant,omitempty"` // notify only: info | success | warning | error

	// resolve
	Output map[string]ArgBinding `json:"output,omitempty"`
}

// OnErrorPolicy configures failure handling for an action step.
type OnErrorPolicy struct {
	Strategy   string `json:"strategy"` // fail | continue | retry (default: fail)
	RetryCount int    `json:"retry_count,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"` // e.g. "500ms", "2s"
}

const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorRetry    = "retry"
)

// BindKind discriminates the three argument binding variants.
type BindKind string

const (
	BindLiteral BindKind = "literal"
	BindInput   BindKind = "input"
	BindStep    BindKind = "step"
)

// StepRef points into the output of a previously completed step.
type StepRef struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"` // dot-separated, e.g. "metadata.durationMs"
}

// ArgBinding is a tagged union describing where a step argument value
// comes from. Exactly one variant is set. The JSON encoding uses the
// variant name as the single object key:
//
//	{"literal": 42}
//	{"input": "user.email"}
//	{"step": {"id": "fetch", "path": "body.count"}}
type ArgBinding struct {
	Kind    BindKind
	Literal any
	Input   string
	Step    *StepRef
}

// LiteralBinding builds a literal-variant binding.
func LiteralBinding(v any) ArgBinding {
	return ArgBinding{Kind: BindLiteral, Literal: v}
}

// InputBinding builds an input-variant binding.
func InputBinding(path string) ArgBinding {
	return ArgBinding{Kind: BindInput, Input: path}
}

// StepBinding builds a step-variant binding.
func StepBinding(id, path string) ArgBinding {
	return ArgBinding{Kind: BindStep, Step: &StepRef{ID: id, Path: path}}
}

func (b ArgBinding) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BindLiteral:
		return json.Marshal(map[string]any{"literal": b.Literal})
	case BindInput:
		return json.Marshal(map[string]string{"input": b.Input})
	case BindStep:
		return json.Marshal(map[string]*StepRef{"step": b.Step})
	default:
		return nil, fmt.Errorf("arg binding: unknown kind %q", b.Kind)
	}
}

func (b *ArgBinding) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("arg binding: %w", err)
	}

	var variants []BindKind
	for _, k := range []BindKind{BindLiteral, BindInput, BindStep} {
		if _, ok := raw[string(k)]; ok {
			variants = append(variants, k)
		}
	}
	if len(variants) != 1 {
		return fmt.Errorf("arg binding: expected exactly one of %q, %q, %q", BindLiteral, BindInput, BindStep)
	}

	kind := variants[0]
	payload := raw[string(kind)]
	switch kind {
	case BindLiteral:
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("arg binding: literal: %w", err)
		}
		*b = ArgBinding{Kind: BindLiteral, Literal: v}
	case BindInput:
		var path string
		if err := json.Unmarshal(payload, &path); err != nil {
			return fmt.Errorf("arg binding: input path must be a string: %w", err)
		}
		*b = ArgBinding{Kind: BindInput, Input: path}
	case BindStep:
		var ref StepRef
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("arg binding: step ref: %w", err)
		}
		if ref.ID == "" {
			return fmt.Errorf("arg binding: step ref requires an id")
		}
		*b = ArgBinding{Kind: BindStep, Step: &ref}
	}
	return nil
}

// ConditionOp enumerates the condition expression variants.
type ConditionOp string

const (
	OpEquals    ConditionOp = "equals"
	OpNotEquals ConditionOp = "notEquals"
	OpContains  ConditionOp = "contains"
	OpExists    ConditionOp = "exists"
	OpTruthy    ConditionOp = "truthy"
	OpAnd       ConditionOp = "and"
	OpOr        ConditionOp = "or"
	OpNot       ConditionOp = "not"
	OpCEL       ConditionOp = "cel"
)

// ConditionExpression is a recursive condition tree gating step
// execution. Which fields are meaningful depends on Op:
//
//	equals, notEquals  -> Left, Right
//	contains           -> Value, Search
//	exists, truthy     -> Value
//	and, or            -> Conds (at least one)
//	not                -> Cond
//	cel                -> Expr
type ConditionExpression struct {
	Op     ConditionOp            `json:"op"`
	Left   *ArgBinding            `json:"left,omitempty"`
	Right  *ArgBinding            `json:"right,omitempty"`
	Value  *ArgBinding            `json:"value,omitempty"`
	Search *ArgBinding            `json:"search,omitempty"`
	Conds  []*ConditionExpression `json:"conds,omitempty"`
	Cond   *ConditionExpression   `json:"cond,omitempty"`
	Expr   string                 `json:"expr,omitempty"`
}

// Validate checks the structural shape of the condition tree.
func (c *ConditionExpression) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Op {
	case OpEquals, OpNotEquals:
		if c.Left == nil || c.Right == nil {
			return fmt.Errorf("condition %q requires left and right", c.Op)
		}
	case OpContains:
		if c.Value == nil || c.Search == nil {
			return fmt.Errorf("condition %q requires value and search", c.Op)
		}
	case OpExists, OpTruthy:
		if c.Value == nil {
			return fmt.Errorf("condition %q requires value", c.Op)
		}
	case OpAnd, OpOr:
		if len(c.Conds) == 0 {
			return fmt.Errorf("condition %q requires at least one operand", c.Op)
		}
		for _, sub := range c.Conds {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case OpNot:
		if c.Cond == nil {
			return fmt.Errorf("condition %q requires a nested condition", c.Op)
		}
		return c.Cond.Validate()
	case OpCEL:
		if c.Expr == "" {
			return fmt.Errorf("condition %q requires a non-empty expr", c.Op)
		}
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
	return nil
}

// Bindings returns all argument bindings referenced by the condition
// tree, for static reference validation.
func (c *ConditionExpression) Bindings() []*ArgBinding {
	if c == nil {
		return nil
	}
	var out []*ArgBinding
	for _, b := range []*ArgBinding{c.Left, c.Right, c.Value, c.Search} {
		if b != nil {
			out = append(out, b)
		}
	}
	for _, sub := range c.Conds {
		out = append(out, sub.Bindings()...)
	}
	if c.Cond != nil {
		out = append(out, c.Cond.Bindings()...)
	}
	return out
}
