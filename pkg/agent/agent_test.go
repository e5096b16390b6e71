package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/protocol"
	"github.com/modelkit/modelkit/pkg/tools"
)

// modelStub plays scripted chat-completions responses and records the
// requests it saw.
type modelStub struct {
	mu        sync.Mutex
	responses []string
	requests  []map[string]any
	server    *httptest.Server
}

func newModelStub(t *testing.T, responses ...string) *modelStub {
	t.Helper()
	stub := &modelStub{responses: responses}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		defer stub.mu.Unlock()

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		stub.requests = append(stub.requests, body)

		require.NotEmpty(t, stub.responses, "model stub ran out of scripted responses")
		next := stub.responses[0]
		stub.responses = stub.responses[1:]
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, next)
	}))
	t.Cleanup(stub.server.Close)
	t.Cleanup(llms.ResetServices)
	return stub
}

func (s *modelStub) request(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *modelStub) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func textResponse(text string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %q}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, text)
}

func toolCallResponse(name, arguments string) string {
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

func stubOptions(stub *modelStub) chat.Options {
	return chat.Options{Provider: "openai", APIKey: "sk-test", BaseURL: stub.server.URL}
}

func TestAgentRun_ToolLoop(t *testing.T) {
	stub := newModelStub(t,
		toolCallResponse("get_temperature", `{"city":"Paris"}`),
		toolCallResponse("get_temperature", `{"city":"Rome"}`),
		textResponse("Rome is warmer at 31 degrees."),
	)

	var asked []string
	thermometer := tools.New("get_temperature", "current temperature for a city",
		func(ctx context.Context, args map[string]any) (any, error) {
			city, _ := args["city"].(string)
			asked = append(asked, city)
			if city == "Rome" {
				return "31", nil
			}
			return "24", nil
		}).Args("city")

	a := New("weather").
		Instructions("Answer which city is warmer using the tool.").
		Tools(thermometer).
		Options(stubOptions(stub))

	result, err := a.Run(context.Background(), "Which is warmer, Paris or Rome?")
	require.NoError(t, err)

	assert.Equal(t, "Rome is warmer at 31 degrees.", result.Answer)
	assert.Equal(t, 3, result.Iterations)
	assert.False(t, result.HitMaxIterations)
	assert.Equal(t, []string{"Paris", "Rome"}, asked)

	// The second request must carry the first tool result back.
	messages := stub.request(1)["messages"].([]any)
	last := messages[len(messages)-1].(map[string]any)
	assert.Equal(t, "tool", last["role"])
	assert.Equal(t, "24", last["content"])
}

func TestAgentRun_ToolSchemasSent(t *testing.T) {
	stub := newModelStub(t, textResponse("hi"))

	a := New("assistant").
		Tools(tools.New("search", "look things up", func(ctx context.Context, args map[string]any) (any, error) {
			return "", nil
		}).Args("query")).
		Options(stubOptions(stub))

	_, err := a.Run(context.Background(), "hello")
	require.NoError(t, err)

	sent := stub.request(0)["tools"].([]any)
	require.Len(t, sent, 1)
	function := sent[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "search", function["name"])
}

func TestAgentRun_UnknownToolRecovers(t *testing.T) {
	stub := newModelStub(t,
		toolCallResponse("missing_tool", `{}`),
		textResponse("done without the tool"),
	)

	a := New("assistant").Options(stubOptions(stub))

	result, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done without the tool", result.Answer)

	var toolMsg *protocol.Message
	for i := range result.Messages {
		if result.Messages[i].Role == protocol.RoleTool {
			toolMsg = &result.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "not available")
}

func TestAgentRun_FailingToolRecovers(t *testing.T) {
	stub := newModelStub(t,
		toolCallResponse("flaky", `{}`),
		textResponse("recovered"),
	)

	flaky := tools.New("flaky", "always fails", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, fmt.Errorf("backend unavailable")
	})

	a := New("assistant").Tools(flaky).Options(stubOptions(stub))

	result, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Answer)

	found := false
	for _, m := range result.Messages {
		if m.Role == protocol.RoleTool {
			assert.Contains(t, m.Content, "backend unavailable")
			found = true
		}
	}
	assert.True(t, found)
}

func TestAgentRun_MaxIterations(t *testing.T) {
	stub := newModelStub(t, toolCallResponse("get_temperature", `{"city":"Paris"}`))

	thermometer := tools.New("get_temperature", "temperature", func(ctx context.Context, args map[string]any) (any, error) {
		return "24", nil
	})

	a := New("assistant").Tools(thermometer).MaxIterations(1).Options(stubOptions(stub))

	result, err := a.Run(context.Background(), "loop forever")
	require.NoError(t, err)
	assert.True(t, result.HitMaxIterations)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 1, stub.requestCount())
}

func TestAgentRun_MemoryPersistsTurns(t *testing.T) {
	stub := newModelStub(t, textResponse("blue"))

	store := memory.NewWindowed(memory.Config{UserID: "u1", ConversationID: "c1"})
	a := New("assistant").Memory(store).Options(stubOptions(stub))

	_, err := a.Run(context.Background(), "favorite color?")
	require.NoError(t, err)

	entries, err := store.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.RoleUser, entries[0].Role)
	assert.Equal(t, "favorite color?", entries[0].Content)
	assert.Equal(t, protocol.RoleAssistant, entries[1].Role)
	assert.Equal(t, "blue", entries[1].Content)
}

func TestAgentRun_MemoryPersistsToolTraffic(t *testing.T) {
	stub := newModelStub(t,
		toolCallResponse("get_temperature", `{"city":"Paris"}`),
		textResponse("24 degrees in Paris."),
	)

	thermometer := tools.New("get_temperature", "temperature", func(ctx context.Context, args map[string]any) (any, error) {
		return "24", nil
	}).Args("city")

	store := memory.NewWindowed(memory.Config{UserID: "u1", ConversationID: "c1"})
	a := New("weather").Tools(thermometer).Memory(store).Options(stubOptions(stub))

	_, err := a.Run(context.Background(), "Paris temperature?")
	require.NoError(t, err)

	entries, err := store.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, protocol.RoleUser, entries[0].Role)
	assert.Equal(t, protocol.RoleAssistant, entries[1].Role)
	assert.Contains(t, entries[1].Metadata, "toolCalls")
	assert.Equal(t, protocol.RoleTool, entries[2].Role)
	assert.Equal(t, "24", entries[2].Content)
	assert.Equal(t, "get_temperature", entries[2].Metadata["tool"])
	assert.Equal(t, protocol.RoleAssistant, entries[3].Role)
	assert.Equal(t, "24 degrees in Paris.", entries[3].Content)
}

func TestAgentRun_MultipleMemories(t *testing.T) {
	stub := newModelStub(t, textResponse("blue"))

	first := memory.NewWindowed(memory.Config{UserID: "u1", ConversationID: "c1"})
	second := memory.NewWindowed(memory.Config{UserID: "u1", ConversationID: "c2"})
	a := New("assistant").Memory(first, second).Options(stubOptions(stub))

	_, err := a.Run(context.Background(), "favorite color?")
	require.NoError(t, err)

	for _, store := range []memory.Memory{first, second} {
		entries, err := store.GetAll(context.Background())
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "favorite color?", entries[0].Content)
		assert.Equal(t, "blue", entries[1].Content)
	}
}

func TestAgentRun_HistoryPrepended(t *testing.T) {
	stub := newModelStub(t, textResponse("you said blue"))

	store := memory.NewWindowed(memory.Config{UserID: "u1", ConversationID: "c1"})
	require.NoError(t, store.Add(context.Background(), protocol.NewMemoryEntry(protocol.RoleUser, "my color is blue")))

	a := New("assistant").Instructions("be brief").Memory(store).Options(stubOptions(stub))
	_, err := a.Run(context.Background(), "what did I say?")
	require.NoError(t, err)

	messages := stub.request(0)["messages"].([]any)
	require.GreaterOrEqual(t, len(messages), 3)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "my color is blue", messages[1].(map[string]any)["content"])
}

func TestAgentRunStream_NoToolsStreamsDirectly(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"The sky ", "is blue."} {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	t.Cleanup(llms.ResetServices)

	a := New("assistant").Options(chat.Options{Provider: "openai", APIKey: "sk-test", BaseURL: server.URL})

	var streamed strings.Builder
	result, err := a.RunStream(context.Background(), "sky color?", func(chunk map[string]any) {
		streamed.WriteString(llms.ChunkText(chunk))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "the final turn streams without a second invocation")
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "The sky is blue.", result.Answer)
	assert.Equal(t, result.Answer, streamed.String(), "streamed text matches the answer")
}

func TestAgentRunStream_ToolLoopEmitsToolCallChunks(t *testing.T) {
	stub := newModelStub(t,
		toolCallResponse("get_temperature", `{"city":"Paris"}`),
		textResponse("24 degrees."),
	)

	thermometer := tools.New("get_temperature", "temperature", func(ctx context.Context, args map[string]any) (any, error) {
		return "24", nil
	}).Args("city")
	a := New("weather").Tools(thermometer).Options(stubOptions(stub))

	var chunks []map[string]any
	result, err := a.RunStream(context.Background(), "Paris temperature?", func(chunk map[string]any) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, "24 degrees.", result.Answer)
	assert.Equal(t, 2, stub.requestCount(), "streaming adds no extra provider call")

	require.Len(t, chunks, 2)
	toolCalls := chunks[0]["toolCalls"].([]map[string]any)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_temperature", toolCalls[0]["name"])
	assert.Equal(t, result.Answer, chunks[1]["content"], "final chunk carries the answer verbatim")
	assert.Equal(t, true, chunks[1]["done"])
}

func TestAgentAsTool(t *testing.T) {
	stub := newModelStub(t, textResponse("42"))

	inner := New("calculator").Options(stubOptions(stub))
	asTool := inner.AsTool()

	assert.Equal(t, "calculator", asTool.Name())
	output, err := asTool.Invoke(context.Background(), map[string]any{"input": "6 * 7"})
	require.NoError(t, err)
	assert.Equal(t, "42", output)
}

func TestAgentBuilderClones(t *testing.T) {
	base := New("base")
	specialized := base.Instructions("special").MaxIterations(2)

	assert.Equal(t, "", base.instructions)
	assert.Equal(t, "special", specialized.instructions)
	assert.Equal(t, defaultMaxIterations, base.iterations())
	assert.Equal(t, 2, specialized.iterations())
}
