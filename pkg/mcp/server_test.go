package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/tools"
)

func newTestServer(t *testing.T, options ServerOptions) *Server {
	t.Helper()
	ResetInstances()
	t.Cleanup(ResetInstances)
	return GetInstance("test", options)
}

func postRPC(t *testing.T, handler http.Handler, method string, params map[string]any) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp rpcResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec, resp
}

func searchTool() *tools.Tool {
	return tools.New("search", "search the knowledge base",
		func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			return "results for " + query, nil
		}).Args("query")
}

func TestGetInstance_SameNameSameInstance(t *testing.T) {
	ResetInstances()
	defer ResetInstances()

	a := GetInstance("shared", ServerOptions{})
	b := GetInstance("shared", ServerOptions{Version: "ignored"})
	c := GetInstance("other", ServerOptions{})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	replaced := Replace("shared", ServerOptions{})
	assert.NotSame(t, a, replaced)
}

func TestServer_Initialize(t *testing.T) {
	server := newTestServer(t, ServerOptions{Version: "9.9.9"})

	_, resp := postRPC(t, server.Handler(), "initialize", nil)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "test", info["name"])
	assert.Equal(t, "9.9.9", info["version"])
}

func TestServer_ToolsListAndCall(t *testing.T) {
	server := newTestServer(t, ServerOptions{})
	require.NoError(t, server.RegisterTool(searchTool()))
	handler := server.Handler()

	_, resp := postRPC(t, handler, "tools/list", nil)
	require.Nil(t, resp.Error)
	list := resp.Result.(map[string]any)["tools"].([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	assert.Equal(t, "search", entry["name"])
	assert.NotNil(t, entry["inputSchema"])

	_, resp = postRPC(t, handler, "tools/call", map[string]any{
		"name":      "search",
		"arguments": map[string]any{"query": "golang"},
	})
	require.Nil(t, resp.Error)
	content := resp.Result.(map[string]any)["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "results for golang", content[0].(map[string]any)["text"])
}

func TestServer_CallFailingToolReturnsIsError(t *testing.T) {
	server := newTestServer(t, ServerOptions{})
	require.NoError(t, server.RegisterTool(
		tools.New("broken", "always fails", func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("backend down")
		})))

	_, resp := postRPC(t, server.Handler(), "tools/call", map[string]any{"name": "broken"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, true, result["isError"])
}

func TestServer_ResourcesAndPrompts(t *testing.T) {
	server := newTestServer(t, ServerOptions{})
	require.NoError(t, server.RegisterResource(Resource{
		URI:      "memo://readme",
		Name:     "readme",
		MimeType: "text/plain",
		Text:     "hello resources",
	}))
	require.NoError(t, server.RegisterPrompt(Prompt{
		Name:        "greet",
		Description: "greeting prompt",
		Arguments:   []PromptArgument{{Name: "name", Required: true}},
		Messages:    []PromptMessage{{Role: "user", Content: "Say hello to ${name}."}},
	}))
	handler := server.Handler()

	_, resp := postRPC(t, handler, "resources/read", map[string]any{"uri": "memo://readme"})
	require.Nil(t, resp.Error)
	contents := resp.Result.(map[string]any)["contents"].([]any)
	assert.Equal(t, "hello resources", contents[0].(map[string]any)["text"])

	_, resp = postRPC(t, handler, "prompts/get", map[string]any{
		"name":      "greet",
		"arguments": map[string]any{"name": "Ada"},
	})
	require.Nil(t, resp.Error)
	messages := resp.Result.(map[string]any)["messages"].([]any)
	assert.Equal(t, "Say hello to Ada.", messages[0].(map[string]any)["content"])

	_, resp = postRPC(t, handler, "resources/read", map[string]any{"uri": "memo://nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	server := newTestServer(t, ServerOptions{})

	_, resp := postRPC(t, server.Handler(), "tools/destroy", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestServer_BodyLimit(t *testing.T) {
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "ping"})
	server := newTestServer(t, ServerOptions{MaxRequestBodySize: int64(len(body))})
	handler := server.Handler()

	t.Run("body exactly at the limit is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp rpcResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Nil(t, resp.Error)
	})

	t.Run("body over the limit is rejected", func(t *testing.T) {
		big := strings.Repeat("x", 1024)
		over, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "ping", Params: map[string]any{"pad": big}})
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(over))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

		var resp rpcResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "too large")
	})
}

func TestServer_SecurityHeadersAlwaysSet(t *testing.T) {
	server := newTestServer(t, ServerOptions{})
	handler := server.Handler()

	_, _ = postRPC(t, handler, "ping", nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	for name, value := range securityHeaders {
		assert.Equal(t, value, rec.Header().Get(name), name)
	}
}

func TestServer_CORS(t *testing.T) {
	server := newTestServer(t, ServerOptions{AllowedOrigins: []string{"*.example.com", "https://app.io"}})
	handler := server.Handler()

	t.Run("wildcard subdomain allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://api.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://api.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("exact origin allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.io")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "https://app.io", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("bare domain denied for subdomain wildcard", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origins get no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://evil.io")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestMatchOrigin(t *testing.T) {
	assert.True(t, matchOrigin("https://anything.io", "*"))
	assert.True(t, matchOrigin("https://app.io", "https://app.io"))
	assert.True(t, matchOrigin("https://api.example.com", "*.example.com"))
	assert.True(t, matchOrigin("https://API.Example.com", "*.example.com"))
	assert.False(t, matchOrigin("https://example.com", "*.example.com"),
		"the bare domain needs its own entry")
	assert.False(t, matchOrigin("https://notexample.com", "*.example.com"))
	assert.False(t, matchOrigin("https://example.org", "*.example.com"))
	assert.False(t, matchOrigin("https://app.io", "https://other.io"))
}

func TestServer_BasicAuth(t *testing.T) {
	server := newTestServer(t, ServerOptions{BasicAuthUser: "admin", BasicAuthPass: "hunter2"})
	handler := server.Handler()

	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "ping"})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyCallback(t *testing.T) {
	var seen KeyRequest
	server := newTestServer(t, ServerOptions{
		ValidateAPIKey: func(key string, req KeyRequest) bool {
			seen = req
			return key == "valid-key"
		},
	})
	handler := server.Handler()
	body, _ := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: "ping"})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/", seen.Path)
	assert.NotEmpty(t, seen.Headers)
}

func TestServer_Statistics(t *testing.T) {
	server := newTestServer(t, ServerOptions{})
	require.NoError(t, server.RegisterTool(searchTool()))
	handler := server.Handler()

	postRPC(t, handler, "ping", nil)
	postRPC(t, handler, "tools/call", map[string]any{"name": "search", "arguments": map[string]any{"query": "x"}})
	postRPC(t, handler, "tools/destroy", nil)

	snap := server.Stats().Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalToolInvocations)
	assert.Equal(t, int64(1), snap.TotalErrors)
	assert.InDelta(t, 100.0*2.0/3.0, snap.SuccessRate, 0.001)
	assert.NotEmpty(t, snap.LastRequestAt)

	// Reset keeps the collector usable: counters clear and keep
	// recording afterwards.
	server.Stats().Reset()
	snap = server.Stats().Snapshot()
	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.TotalToolInvocations)
	assert.InDelta(t, 100.0, snap.SuccessRate, 0.001)

	postRPC(t, handler, "ping", nil)
	server.Stats().Reset()
	server.Stats().Reset()

	postRPC(t, handler, "ping", nil)
	assert.Equal(t, int64(1), server.Stats().Snapshot().TotalRequests)
}

func TestStatistics_DisabledRecordsNothing(t *testing.T) {
	server := newTestServer(t, ServerOptions{StatsDisabled: true})
	postRPC(t, server.Handler(), "ping", nil)
	assert.Zero(t, server.Stats().Snapshot().TotalRequests)

	server.Stats().SetEnabled(true)
	postRPC(t, server.Handler(), "ping", nil)
	assert.Equal(t, int64(1), server.Stats().Snapshot().TotalRequests)
}
