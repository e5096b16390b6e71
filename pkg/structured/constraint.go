package structured

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Providers with native JSON-schema response formats. Everyone else
// gets a JSON directive appended to the system message plus a
// json_object response format where the API accepts one.
var nativeSchemaProviders = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"grok":       true,
	"mistral":    true,
}

var jsonObjectProviders = map[string]bool{
	"groq":     true,
	"deepseek": true,
	"ollama":   true,
}

// ConstrainParams returns a copy of params carrying the provider's
// structured-output constraint for the given schema.
func ConstrainParams(provider string, params map[string]any, schema map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	switch {
	case nativeSchemaProviders[provider]:
		out["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"strict": true,
				"schema": schema,
			},
		}
	case provider == "gemini":
		out["response_mime_type"] = "application/json"
		out["response_schema"] = geminiSchema(schema)
	case jsonObjectProviders[provider]:
		out["response_format"] = map[string]any{"type": "json_object"}
	}
	return out
}

// Directive returns the system instruction enforcing schema-shaped
// JSON output, used for providers without native schema enforcement
// and alongside json_object formats.
func Directive(schema map[string]any) string {
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "Respond with valid JSON only. Do not include any text outside the JSON value."
	}
	return fmt.Sprintf(
		"Respond with a single JSON value conforming exactly to this JSON schema, with no markdown fences and no text outside the JSON:\n%s",
		encoded,
	)
}

// geminiSchema strips keywords the Gemini response_schema dialect
// rejects.
func geminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" || k == "$schema" {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = geminiSchema(nested)
			continue
		}
		out[k] = v
	}
	if props, ok := out["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, prop := range props {
			if nested, ok := prop.(map[string]any); ok {
				cleaned[name] = geminiSchema(nested)
			} else {
				cleaned[name] = prop
			}
		}
		out["properties"] = cleaned
	}
	return out
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortStrings(s []string) { sort.Strings(s) }
