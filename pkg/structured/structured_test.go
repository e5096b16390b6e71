package structured

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type person struct {
	Name    string   `json:"name"`
	Age     int      `json:"age"`
	Email   string   `json:"email,omitempty"`
	Hobbies []string `json:"hobbies,omitempty"`
}

type team struct {
	Lead    person   `json:"lead"`
	Members []person `json:"members"`
}

func TestSchema_Struct(t *testing.T) {
	schema, err := Schema(person{})
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")

	properties := schema["properties"].(map[string]any)
	name := properties["name"].(map[string]any)
	assert.Equal(t, "string", name["type"])
	age := properties["age"].(map[string]any)
	assert.Equal(t, "integer", age["type"])
	hobbies := properties["hobbies"].(map[string]any)
	assert.Equal(t, "array", hobbies["type"])
}

func TestSchema_StructPointer(t *testing.T) {
	direct, err := Schema(person{})
	require.NoError(t, err)
	viaPointer, err := Schema(&person{})
	require.NoError(t, err)
	viaNilPointer, err := Schema((*person)(nil))
	require.NoError(t, err)

	assert.Equal(t, direct, viaPointer)
	assert.Equal(t, direct, viaNilPointer)
}

func TestSchema_MapTemplate(t *testing.T) {
	schema, err := Schema(map[string]any{
		"title": "",
		"score": 0.0,
		"count": 0,
		"done":  false,
		"tags":  []any{"x"},
	})
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"count", "done", "score", "tags", "title"}, schema["required"])

	properties := schema["properties"].(map[string]any)
	assert.Equal(t, "number", properties["score"].(map[string]any)["type"])
	assert.Equal(t, "integer", properties["count"].(map[string]any)["type"])
	assert.Equal(t, "boolean", properties["done"].(map[string]any)["type"])
	tags := properties["tags"].(map[string]any)
	assert.Equal(t, "array", tags["type"])
	assert.Equal(t, "string", tags["items"].(map[string]any)["type"])
}

func TestSchema_SliceTarget(t *testing.T) {
	schema, err := Schema([]person{})
	require.NoError(t, err)
	assert.Equal(t, "array", schema["type"])
	items := schema["items"].(map[string]any)
	assert.Equal(t, "object", items["type"])

	_, err = Schema([]any{})
	assert.Error(t, err, "empty []any has no element shape")

	_, err = Schema(42)
	assert.Error(t, err)

	_, err = Schema(nil)
	assert.Error(t, err)
}

func TestPopulate_Struct(t *testing.T) {
	out, err := Populate(person{Email: "default@example.com"}, map[string]any{
		"Name":    "Ada",
		"age":     "36",
		"hobbies": []any{"math", "engines"},
		"extra":   "ignored",
	})
	require.NoError(t, err)

	p := out.(person)
	assert.Equal(t, "Ada", p.Name, "field matching is case-insensitive")
	assert.Equal(t, 36, p.Age, "numeric strings coerce")
	assert.Equal(t, []string{"math", "engines"}, p.Hobbies)
	assert.Equal(t, "default@example.com", p.Email, "absent fields keep declared values")
}

func TestPopulate_StructPointerInPlace(t *testing.T) {
	target := &person{}
	out, err := Populate(target, map[string]any{"name": "Alan"})
	require.NoError(t, err)
	assert.Same(t, target, out)
	assert.Equal(t, "Alan", target.Name)
}

func TestPopulate_Nested(t *testing.T) {
	out, err := Populate(team{}, map[string]any{
		"lead": map[string]any{"name": "Grace", "age": 45},
		"members": []any{
			map[string]any{"name": "Ada"},
			map[string]any{"name": "Alan"},
		},
	})
	require.NoError(t, err)

	tm := out.(team)
	assert.Equal(t, "Grace", tm.Lead.Name)
	require.Len(t, tm.Members, 2)
	assert.Equal(t, "Alan", tm.Members[1].Name)
}

func TestPopulate_SliceTarget(t *testing.T) {
	out, err := Populate([]person{}, []any{
		map[string]any{"name": "Ada", "age": 36},
		map[string]any{"name": "Alan", "age": 41},
	})
	require.NoError(t, err)

	people := out.([]person)
	require.Len(t, people, 2)
	assert.Equal(t, "Ada", people[0].Name)
	assert.Equal(t, 41, people[1].Age)

	_, err = Populate([]person{}, map[string]any{"not": "an array"})
	assert.Error(t, err)
}

func TestPopulate_MapTemplate(t *testing.T) {
	template := map[string]any{
		"title":  "untitled",
		"score":  0.0,
		"detail": map[string]any{"lang": "en"},
	}
	out, err := Populate(template, map[string]any{
		"Title":      "Go Concurrency",
		"detail":     map[string]any{"lang": "de", "undeclared": true},
		"undeclared": "dropped",
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, "Go Concurrency", result["title"])
	assert.Equal(t, 0.0, result["score"], "template value is the default")
	detail := result["detail"].(map[string]any)
	assert.Equal(t, "de", detail["lang"])
	assert.NotContains(t, detail, "undeclared")
	assert.NotContains(t, result, "undeclared")
}

func TestConstrainParams(t *testing.T) {
	schema := map[string]any{"type": "object"}
	base := map[string]any{"temperature": 0.1}

	t.Run("native json schema", func(t *testing.T) {
		out := ConstrainParams("openai", base, schema)
		format := out["response_format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])
		inner := format["json_schema"].(map[string]any)
		assert.Equal(t, schema, inner["schema"])
		assert.Equal(t, 0.1, out["temperature"])
		assert.NotContains(t, base, "response_format", "params copy on write")
	})

	t.Run("gemini dialect", func(t *testing.T) {
		out := ConstrainParams("gemini", nil, map[string]any{
			"type":                 "object",
			"additionalProperties": false,
		})
		assert.Equal(t, "application/json", out["response_mime_type"])
		rs := out["response_schema"].(map[string]any)
		assert.NotContains(t, rs, "additionalProperties")
	})

	t.Run("json object fallback", func(t *testing.T) {
		out := ConstrainParams("groq", nil, schema)
		format := out["response_format"].(map[string]any)
		assert.Equal(t, "json_object", format["type"])
	})

	t.Run("unknown provider adds nothing", func(t *testing.T) {
		out := ConstrainParams("ollama-exotic", base, schema)
		assert.NotContains(t, out, "response_format")
	})
}

func TestDirective(t *testing.T) {
	text := Directive(map[string]any{"type": "object"})
	assert.Contains(t, text, `{"type":"object"}`)
	assert.Contains(t, text, "JSON schema")
}
