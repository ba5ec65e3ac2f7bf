// Package validation checks trigger input payloads against a
// workflow's declared input schema before the engine creates an
// execution.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weft-dev/weft/pkg/schema"
)

// InputValidator compiles declared input schemas to JSON Schema and
// validates trigger payloads against them. Compiled schemas are cached
// by their serialized form.
type InputValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewInputValidator creates an empty validator.
func NewInputValidator() *InputValidator {
	return &InputValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Apply validates payload against the declared inputs and returns a
// copy with defaults filled in for absent optional fields. Missing
// required fields, type mismatches, and enum violations all surface
// as VALIDATION_ERROR before any step runs.
func (v *InputValidator) Apply(inputs map[string]schema.InputField, payload map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(payload)+len(inputs))
	for k, val := range payload {
		merged[k] = val
	}

	// Defaults apply before validation so a defaulted field also
	// satisfies required and enum constraints.
	for name, field := range inputs {
		if _, present := merged[name]; present {
			continue
		}
		if len(field.Default) == 0 {
			continue
		}
		var def any
		if err := json.Unmarshal(field.Default, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"input %q has invalid default: %v", name, err)
		}
		merged[name] = def
	}

	if len(inputs) == 0 {
		return merged, nil
	}

	compiled, err := v.getOrCompile(inputs)
	if err != nil {
		return nil, err
	}

	instance, err := toJSONValue(merged)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode input payload: %v", err)
	}

	if err := compiled.Validate(instance); err != nil {
		return nil, toValidationError(err)
	}

	return merged, nil
}

// buildSchemaDoc converts the declared input fields into a JSON
// Schema document.
func buildSchemaDoc(inputs map[string]schema.InputField) map[string]any {
	properties := make(map[string]any, len(inputs))
	var required []string

	for name, field := range inputs {
		prop := map[string]any{}
		if field.Type != "" {
			prop["type"] = field.Type
		}
		if len(field.Enum) > 0 {
			prop["enum"] = field.Enum
		}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		properties[name] = prop
		if field.Required {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (v *InputValidator) getOrCompile(inputs map[string]schema.InputField) (*jsonschema.Schema, error) {
	docBytes, err := json.Marshal(buildSchemaDoc(inputs))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal input schema: %v", err)
	}
	key := string(docBytes)

	v.mu.Lock()
	defer v.mu.Unlock()

	if compiled, ok := v.cache[key]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse input schema: %v", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("weft://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "add schema resource: %v", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile input schema: %v", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numeric
// values become json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a
// WeftError with one message per leaf violation.
func toValidationError(err error) *schema.WeftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("input validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
