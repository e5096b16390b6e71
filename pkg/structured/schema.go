// Package structured implements schema-constrained output: a return
// format may be a struct, a struct pointer, a map template or a slice
// prototype. The schema is derived from the target, injected into the
// provider request, and the model's JSON answer is populated back into
// the target shape.
package structured

import (
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema derives a JSON-schema map from a structured-output target.
// Structs reflect through their fields (json tags honored); map
// templates infer property types from the template values; a slice
// target wraps the element schema in an array.
func Schema(target any) (map[string]any, error) {
	if target == nil {
		return nil, fmt.Errorf("structured output target cannot be nil")
	}
	v := reflect.ValueOf(target)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v = reflect.New(v.Type().Elem()).Elem()
		} else {
			v = v.Elem()
		}
	}

	switch v.Kind() {
	case reflect.Struct:
		return reflectStruct(v.Interface())
	case reflect.Map:
		template, ok := v.Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map templates must be map[string]any, got %T", target)
		}
		return mapTemplateSchema(template), nil
	case reflect.Slice, reflect.Array:
		elem, err := elementPrototype(v)
		if err != nil {
			return nil, err
		}
		items, err := Schema(elem)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "array", "items": items}, nil
	default:
		return nil, fmt.Errorf("unsupported structured output target %T", target)
	}
}

func reflectStruct(target any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(target)
	raw, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode derived schema: %w", err)
	}
	out, err := decodeJSONMap(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode derived schema: %w", err)
	}
	// The $schema URI is noise on the provider wire.
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

func mapTemplateSchema(template map[string]any) map[string]any {
	properties := make(map[string]any, len(template))
	required := make([]string, 0, len(template))
	for key, value := range template {
		properties[key] = inferType(value)
		required = append(required, key)
	}
	sortStrings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func inferType(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{"type": "string"}
	case bool:
		return map[string]any{"type": "boolean"}
	case int, int32, int64:
		return map[string]any{"type": "integer"}
	case float32, float64:
		return map[string]any{"type": "number"}
	case string:
		return map[string]any{"type": "string"}
	case map[string]any:
		return mapTemplateSchema(v)
	case []any:
		if len(v) == 0 {
			return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
		}
		return map[string]any{"type": "array", "items": inferType(v[0])}
	default:
		rv := reflect.ValueOf(value)
		for rv.Kind() == reflect.Pointer && !rv.IsNil() {
			rv = rv.Elem()
		}
		if rv.Kind() == reflect.Struct {
			if schema, err := reflectStruct(rv.Interface()); err == nil {
				return schema
			}
		}
		return map[string]any{"type": "string"}
	}
}

func elementPrototype(v reflect.Value) (any, error) {
	if v.Len() > 0 {
		return v.Index(0).Interface(), nil
	}
	elemType := v.Type().Elem()
	if elemType.Kind() == reflect.Interface {
		return nil, fmt.Errorf("empty []any cannot describe an array schema; include one prototype element")
	}
	return reflect.New(elemType).Elem().Interface(), nil
}
