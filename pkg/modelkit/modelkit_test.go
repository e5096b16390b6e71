package modelkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/tools"
)

// chatStub plays scripted chat-completions responses and records the
// requests it saw.
type chatStub struct {
	mu        sync.Mutex
	responses []string
	requests  []map[string]any
	server    *httptest.Server
}

func newChatStub(t *testing.T, responses ...string) *chatStub {
	t.Helper()
	stub := &chatStub{responses: responses}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		defer stub.mu.Unlock()

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		stub.requests = append(stub.requests, body)

		require.NotEmpty(t, stub.responses, "chat stub ran out of scripted responses")
		next := stub.responses[0]
		stub.responses = stub.responses[1:]
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, next)
	}))
	t.Cleanup(stub.server.Close)
	t.Cleanup(llms.ResetServices)
	return stub
}

func (s *chatStub) request(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *chatStub) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func plainAnswer(text string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %q}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, text)
}

func toolCallAnswer(name, arguments string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-2",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": %q, "arguments": %q}}]
		}}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
	}`, name, arguments)
}

func chatStubOptions(stub *chatStub) chat.Options {
	return chat.Options{Provider: "openai", APIKey: "sk-test", BaseURL: stub.server.URL}
}

func TestChat_DispatchesCallableTools(t *testing.T) {
	stub := newChatStub(t,
		toolCallAnswer("get_temperature", `{"city":"Paris"}`),
		plainAnswer("It is 24 degrees in Paris."),
	)

	var asked []string
	thermometer := tools.New("get_temperature", "current temperature for a city",
		func(ctx context.Context, args map[string]any) (any, error) {
			city, _ := args["city"].(string)
			asked = append(asked, city)
			return "24", nil
		}).Args("city")

	out, err := Chat(context.Background(), "How warm is Paris?",
		chat.Params{"tools": []*tools.Tool{thermometer}},
		chatStubOptions(stub), nil)
	require.NoError(t, err)

	assert.Equal(t, "It is 24 degrees in Paris.", out)
	assert.Equal(t, []string{"Paris"}, asked)
	require.Equal(t, 2, stub.requestCount(), "tool result goes back to the model")

	// The closing turn carries the dispatched tool output.
	messages := stub.request(1)["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "24", last["content"])
}

func TestChat_AcceptsRegistryAndToolSlices(t *testing.T) {
	build := func() (*tools.Tool, *[]string) {
		var calls []string
		tool := tools.New("lookup", "look a value up",
			func(ctx context.Context, args map[string]any) (any, error) {
				calls = append(calls, "lookup")
				return "found", nil
			})
		return tool, &calls
	}

	t.Run("registry value", func(t *testing.T) {
		stub := newChatStub(t, toolCallAnswer("lookup", `{}`), plainAnswer("done"))
		tool, calls := build()
		registry := tools.NewRegistry()
		require.NoError(t, registry.Register(tool))

		out, err := Chat(context.Background(), "look it up",
			chat.Params{"tools": registry}, chatStubOptions(stub), nil)
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.Len(t, *calls, 1)
	})

	t.Run("any slice", func(t *testing.T) {
		stub := newChatStub(t, toolCallAnswer("lookup", `{}`), plainAnswer("done"))
		tool, calls := build()

		out, err := Chat(context.Background(), "look it up",
			chat.Params{"tools": []any{tool}}, chatStubOptions(stub), nil)
		require.NoError(t, err)
		assert.Equal(t, "done", out)
		assert.Len(t, *calls, 1)
	})
}

func TestChat_RawSchemaToolsPassThrough(t *testing.T) {
	stub := newChatStub(t, plainAnswer("passed through"))

	schemas := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":       "remote_tool",
			"parameters": map[string]any{"type": "object"},
		},
	}}

	out, err := Chat(context.Background(), "hello",
		chat.Params{"tools": schemas}, chatStubOptions(stub), nil)
	require.NoError(t, err)

	assert.Equal(t, "passed through", out)
	require.Equal(t, 1, stub.requestCount())
	sent := stub.request(0)["tools"].([]any)
	require.Len(t, sent, 1)
	function := sent[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "remote_tool", function["name"])
}
