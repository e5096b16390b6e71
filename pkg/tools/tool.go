// Package tools provides the tool model exposed to language models:
// named callables with argument schemas in the OpenAI function-calling
// shape, plus a registry for safe lookup and invocation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Callable is the function a tool dispatches to. Arguments arrive as a
// map keyed by parameter name; the return value is coerced to a string
// for the model (structs and slices marshal to JSON).
type Callable func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named callable with a generated or explicit argument schema.
type Tool struct {
	name            string
	description     string
	callable        Callable
	argNames        []string
	argDescriptions map[string]string
	argTypes        map[string]string
	explicitSchema  map[string]any
}

// New creates a tool. The callable may be attached later with
// WithCallable but is required before invocation.
func New(name, description string, callable Callable) *Tool {
	return &Tool{
		name:            name,
		description:     description,
		callable:        callable,
		argDescriptions: make(map[string]string),
		argTypes:        make(map[string]string),
	}
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Description() string { return t.description }

// WithCallable attaches the function the tool dispatches to.
func (t *Tool) WithCallable(callable Callable) *Tool {
	t.callable = callable
	return t
}

// Args declares the callable's parameter names in order. Every declared
// argument is required and defaults to type string.
func (t *Tool) Args(names ...string) *Tool {
	t.argNames = append(t.argNames, names...)
	return t
}

// Describe attaches a description to a named argument, declaring it if
// it has not been declared yet. This is the generic form of the fluent
// describe<Arg>() convention.
func (t *Tool) Describe(arg, text string) *Tool {
	if !t.hasArg(arg) {
		t.argNames = append(t.argNames, arg)
	}
	t.argDescriptions[arg] = text
	return t
}

// TypedArg overrides the default string type for a named argument.
func (t *Tool) TypedArg(arg, jsonType string) *Tool {
	if !t.hasArg(arg) {
		t.argNames = append(t.argNames, arg)
	}
	t.argTypes[arg] = jsonType
	return t
}

// SetSchema replaces the generated parameter schema entirely. The value
// is the `parameters` object of the OpenAI function shape.
func (t *Tool) SetSchema(parameters map[string]any) *Tool {
	t.explicitSchema = parameters
	return t
}

func (t *Tool) hasArg(name string) bool {
	for _, n := range t.argNames {
		if n == name {
			return true
		}
	}
	return false
}

// ArgNames returns the declared parameter names in declaration order.
func (t *Tool) ArgNames() []string {
	out := make([]string, len(t.argNames))
	copy(out, t.argNames)
	return out
}

// Schema returns the tool in the OpenAI function-calling shape:
//
//	{type:"function", function:{name, description,
//	  parameters:{type:"object", properties, required}, strict:true}}
//
// Providers that use a different shape adapt this at their boundary.
func (t *Tool) Schema() map[string]any {
	parameters := t.explicitSchema
	if parameters == nil {
		properties := make(map[string]any, len(t.argNames))
		required := make([]string, 0, len(t.argNames))
		for _, arg := range t.argNames {
			desc := t.argDescriptions[arg]
			if desc == "" {
				desc = arg
			}
			argType := t.argTypes[arg]
			if argType == "" {
				argType = "string"
			}
			properties[arg] = map[string]any{
				"type":        argType,
				"description": desc,
			}
			required = append(required, arg)
		}
		parameters = map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		}
	}

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.name,
			"description": t.description,
			"parameters":  parameters,
			"strict":      true,
		},
	}
}

// Invoke validates that a callable is attached, runs it and coerces the
// result to a string for the model.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if t.callable == nil {
		return "", fmt.Errorf("tool %q has no callable attached", t.name)
	}
	result, err := t.callable(ctx, args)
	if err != nil {
		return "", err
	}
	return CoerceResult(result), nil
}

// CoerceResult turns a callable's return value into the string handed
// back to the model. Non-scalar values serialize to JSON.
func CoerceResult(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
