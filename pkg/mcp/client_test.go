package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_AgainstServer(t *testing.T) {
	ResetInstances()
	defer ResetInstances()

	server := GetInstance("remote", ServerOptions{})
	require.NoError(t, server.RegisterTool(searchTool()))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := NewClient(ts.URL)
	ctx := context.Background()

	resp := client.GetCapabilities(ctx)
	require.True(t, resp.Success, resp.Error)
	caps := resp.Data.(map[string]any)
	assert.Equal(t, protocolVersion, caps["protocolVersion"])

	resp = client.ListTools(ctx)
	require.True(t, resp.Success, resp.Error)
	list := resp.Data.(map[string]any)["tools"].([]any)
	require.Len(t, list, 1)

	resp = client.CallTool(ctx, "search", map[string]any{"query": "mcp"})
	require.True(t, resp.Success, resp.Error)

	resp = client.Ping(ctx)
	assert.True(t, resp.Success)
}

func TestClient_ServerErrorPopulatesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &rpcError{Code: codeMethodNotFound, Message: "method \"nope\" not found"},
		})
	}))
	defer ts.Close()

	var failed *Response
	client := NewClient(ts.URL).OnError(func(r *Response) { failed = r })

	resp := client.Send(context.Background(), "nope", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not found")
	assert.Same(t, resp, failed)
}

func TestClient_TransportFailureDoesNotPanic(t *testing.T) {
	client := NewClient("http://127.0.0.1:1").WithTimeout(time.Second)

	resp := client.Ping(context.Background())
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.Zero(t, resp.StatusCode)
}

func TestClient_BuilderHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Result: map[string]any{}})
	}))
	defer ts.Close()

	client := NewClient(ts.URL).
		WithBearerToken("tok-123").
		WithHeaders(map[string]string{"X-Custom": "yes"})

	resp := client.Ping(context.Background())
	require.True(t, resp.Success)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "yes", gotCustom)

	var ok *Response
	client.OnSuccess(func(r *Response) { ok = r })
	client.Ping(context.Background())
	assert.NotNil(t, ok)
}
