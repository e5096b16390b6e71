package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTool_Schema(t *testing.T) {
	tool := New("weather", "Looks up the weather", nil).
		Args("city").
		Describe("city", "City name").
		TypedArg("days", "integer")

	schema := tool.Schema()
	assert.Equal(t, "function", schema["type"])

	function := schema["function"].(map[string]any)
	assert.Equal(t, "weather", function["name"])
	assert.Equal(t, "Looks up the weather", function["description"])
	assert.Equal(t, true, function["strict"])

	parameters := function["parameters"].(map[string]any)
	assert.Equal(t, "object", parameters["type"])
	assert.Equal(t, []string{"city", "days"}, parameters["required"])

	properties := parameters["properties"].(map[string]any)
	city := properties["city"].(map[string]any)
	assert.Equal(t, "string", city["type"])
	assert.Equal(t, "City name", city["description"])
	days := properties["days"].(map[string]any)
	assert.Equal(t, "integer", days["type"])
	assert.Equal(t, "days", days["description"], "undescribed args fall back to their name")
}

func TestTool_SetSchemaOverrides(t *testing.T) {
	explicit := map[string]any{"type": "object", "properties": map[string]any{}}
	tool := New("custom", "", nil).Args("ignored").SetSchema(explicit)

	function := tool.Schema()["function"].(map[string]any)
	assert.Equal(t, explicit, function["parameters"])
}

func TestTool_Invoke(t *testing.T) {
	tool := New("add", "Adds numbers", func(ctx context.Context, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	out, err := tool.Invoke(context.Background(), map[string]any{"a": 1.5, "b": 2.5})
	require.NoError(t, err)
	assert.Equal(t, "4", out)
}

func TestTool_InvokeWithoutCallable(t *testing.T) {
	_, err := New("empty", "", nil).Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no callable")
}

func TestCoerceResult(t *testing.T) {
	assert.Equal(t, "", CoerceResult(nil))
	assert.Equal(t, "plain", CoerceResult("plain"))
	assert.Equal(t, "true", CoerceResult(true))
	assert.Equal(t, "42", CoerceResult(42))
	assert.Equal(t, "3.14", CoerceResult(3.14))
	assert.Equal(t, `{"city":"Paris"}`, CoerceResult(map[string]string{"city": "Paris"}))
	assert.Equal(t, `[1,2]`, CoerceResult([]int{1, 2}))
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("b", "", nil)))
	require.NoError(t, r.Register(New("a", "", nil)))

	assert.Equal(t, 2, r.Count())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Name(), "registration order is preserved")
	assert.Equal(t, "a", list[1].Name())

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "b", schemas[0]["function"].(map[string]any)["name"])

	err := r.Register(New("a", "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(New("", "", nil)))
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("echo", "", func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})))

	out, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	var notFound *ErrToolNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "ghost", notFound.Name)
}

func TestRegistry_ExecutePropagatesToolError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("backend unavailable")
	require.NoError(t, r.Register(New("flaky", "", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, boom
	})))

	_, err := r.Execute(context.Background(), "flaky", nil)
	assert.ErrorIs(t, err, boom)
}
