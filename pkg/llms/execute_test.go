package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

func protocolAssistant(content string) protocol.Message {
	return protocol.NewAssistantMessage(content)
}

// chatStub answers the chat completions endpoint with a scripted
// content string and records the decoded request bodies.
type chatStub struct {
	server   *httptest.Server
	content  string
	requests []map[string]any
}

func newChatStub(t *testing.T, content string) *chatStub {
	t.Helper()
	stub := &chatStub{content: content}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		stub.requests = append(stub.requests, body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": stub.content},
			}},
			"usage": map[string]any{"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12},
		})
	}))
	t.Cleanup(func() {
		stub.server.Close()
		ResetServices()
	})
	return stub
}

func (s *chatStub) options() chat.Options {
	return chat.Options{Provider: "openai", APIKey: "sk-test", BaseURL: s.server.URL}
}

func TestExecute_SingleFormat(t *testing.T) {
	stub := newChatStub(t, "Paris")

	req, err := chat.NewRequest("capital of France?", nil, stub.options(), nil)
	require.NoError(t, err)

	out, err := Execute(context.Background(), nil, req)
	require.NoError(t, err)
	assert.Equal(t, "Paris", out)

	require.Len(t, stub.requests, 1)
	assert.Equal(t, "gpt-4o-mini", stub.requests[0]["model"], "preset default model applies")
}

func TestExecute_AllFormat(t *testing.T) {
	stub := newChatStub(t, "Paris")

	options := stub.options()
	options.ReturnFormat = FormatAll
	req, err := chat.NewRequest("capital?", nil, options, nil)
	require.NoError(t, err)

	out, err := Execute(context.Background(), nil, req)
	require.NoError(t, err)
	choices := out.([]Choice)
	require.Len(t, choices, 1)
	assert.Equal(t, "Paris", choices[0].Message.Content)
	assert.Equal(t, "stop", choices[0].FinishReason)
}

func TestExecute_JSONFormatStripsFence(t *testing.T) {
	stub := newChatStub(t, "```json\n{\"city\": \"Paris\"}\n```")

	options := stub.options()
	options.ReturnFormat = FormatJSON
	req, err := chat.NewRequest("capital as json", nil, options, nil)
	require.NoError(t, err)

	out, err := Execute(context.Background(), nil, req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Paris"}, out)
}

func TestExecute_StructuredTarget(t *testing.T) {
	stub := newChatStub(t, `{"city": "Paris", "population": 2100000}`)

	type capital struct {
		City       string `json:"city"`
		Population int    `json:"population"`
	}
	options := stub.options()
	options.ReturnFormat = capital{}
	req, err := chat.NewRequest("capital of France?", nil, options, nil)
	require.NoError(t, err)

	out, err := Execute(context.Background(), nil, req)
	require.NoError(t, err)
	populated := out.(capital)
	assert.Equal(t, "Paris", populated.City)
	assert.Equal(t, 2100000, populated.Population)

	// The request carries the native schema constraint plus the JSON
	// directive as the leading system message.
	require.Len(t, stub.requests, 1)
	body := stub.requests[0]
	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	messages := body["messages"].([]any)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Contains(t, first["content"], "JSON schema")
}

func TestExecute_SchemaViolation(t *testing.T) {
	stub := newChatStub(t, "not json at all")

	options := stub.options()
	options.ReturnFormat = FormatJSON
	req, err := chat.NewRequest("?", nil, options, nil)
	require.NoError(t, err)

	_, err = Execute(context.Background(), nil, req)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaViolation))
}

func TestExecute_ProviderHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	t.Cleanup(func() {
		server.Close()
		ResetServices()
	})

	req, err := chat.NewRequest("hi", nil, chat.Options{
		Provider: "openai", APIKey: "sk-bad", BaseURL: server.URL,
	}, nil)
	require.NoError(t, err)

	_, err = Execute(context.Background(), nil, req)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProviderError))
}

func TestTransform(t *testing.T) {
	resp := &Response{
		Provider: "openai",
		Choices:  []Choice{{Message: protocolAssistant("hello")}},
		Raw:      map[string]any{"id": "x"},
	}

	out, err := Transform(resp, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = Transform(resp, FormatRaw)
	require.NoError(t, err)
	assert.Equal(t, resp.Raw, out)

	out, err = Transform(&Response{Choices: []Choice{{Message: protocolAssistant("```xml\n<a/>\n```")}}}, FormatXML)
	require.NoError(t, err)
	assert.Equal(t, "<a/>", out)

	_, err = Transform(&Response{Choices: []Choice{{Message: protocolAssistant("<open>never closed")}}}, FormatXML)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaViolation))

	_, err = Transform(&Response{Choices: []Choice{{Message: protocolAssistant("plain prose, no markup")}}}, FormatXML)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSchemaViolation))

	_, err = Transform(resp, "sideways")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidArgument))
}
