package structured

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Populate copies decoded JSON data into a structured-output target
// and returns the populated value. Field matching is case-insensitive;
// numeric strings and "true"/"false" coerce to their typed fields;
// nested structs and slices of structs recurse. Extra fields in data
// are ignored and absent fields keep the target's declared values.
// It performs no model call, so it also serves cache rehydration.
func Populate(target any, data any) (any, error) {
	if target == nil {
		return nil, fmt.Errorf("populate target cannot be nil")
	}

	v := reflect.ValueOf(target)
	switch {
	case v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Struct:
		if err := decode(data, target); err != nil {
			return nil, err
		}
		return target, nil

	case v.Kind() == reflect.Struct:
		out := reflect.New(v.Type())
		out.Elem().Set(v)
		if err := decode(data, out.Interface()); err != nil {
			return nil, err
		}
		return out.Elem().Interface(), nil

	case v.Kind() == reflect.Slice || v.Kind() == reflect.Array:
		return populateSlice(v, data)

	case v.Kind() == reflect.Map:
		template, ok := target.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("map templates must be map[string]any, got %T", target)
		}
		return populateTemplate(template, data)

	default:
		return nil, fmt.Errorf("unsupported populate target %T", target)
	}
}

// populateSlice fills one populated instance per element of data,
// using the target's element type (or its prototype element) as the
// shape.
func populateSlice(target reflect.Value, data any) (any, error) {
	items, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("array target requires a JSON array, got %T", data)
	}
	proto, err := elementPrototype(target)
	if err != nil {
		return nil, err
	}

	out := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(proto)), 0, len(items))
	for i, item := range items {
		populated, err := Populate(proto, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = reflect.Append(out, reflect.ValueOf(populated))
	}
	return out.Interface(), nil
}

// populateTemplate overlays data onto a copy of the template, keeping
// template values as defaults for absent keys and dropping keys the
// template does not declare.
func populateTemplate(template map[string]any, data any) (map[string]any, error) {
	values, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("object target requires a JSON object, got %T", data)
	}
	lower := make(map[string]any, len(values))
	for k, v := range values {
		lower[strings.ToLower(k)] = v
	}

	out := make(map[string]any, len(template))
	for key, def := range template {
		value, present := lower[strings.ToLower(key)]
		if !present {
			out[key] = def
			continue
		}
		switch d := def.(type) {
		case map[string]any:
			nested, err := populateTemplate(d, value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			out[key] = nested
		default:
			out[key] = value
		}
	}
	return out, nil
}

func decode(data any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(data); err != nil {
		return fmt.Errorf("data does not fit the target shape: %w", err)
	}
	return nil
}
