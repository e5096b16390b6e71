package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
)

const defaultClientTimeout = 30 * time.Second

// Response is the uniform result of every client call. Transport and
// protocol failures populate Error instead of surfacing as Go errors,
// so callers can always inspect the outcome.
type Response struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	StatusCode int         `json:"statusCode,omitempty"`
	Headers    http.Header `json:"-"`
}

// Client talks JSON-RPC 2.0 to a remote MCP server over HTTP.
type Client struct {
	endpoint  string
	headers   map[string]string
	timeout   time.Duration
	hc        *httpclient.Client
	nextID    atomic.Int64
	onSuccess func(*Response)
	onError   func(*Response)
}

// NewClient builds a client for the given endpoint URL.
func NewClient(endpoint string) *Client {
	c := &Client{
		endpoint: endpoint,
		headers:  make(map[string]string),
		timeout:  defaultClientTimeout,
	}
	c.rebuild()
	return c
}

func (c *Client) rebuild() {
	c.hc = httpclient.New(
		httpclient.WithTimeout(c.timeout),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)
}

// WithTimeout sets the per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.timeout = timeout
		c.rebuild()
	}
	return c
}

// WithHeaders merges extra headers into every request.
func (c *Client) WithHeaders(headers map[string]string) *Client {
	for name, value := range headers {
		c.headers[name] = value
	}
	return c
}

// WithBearerToken sets an Authorization bearer token.
func (c *Client) WithBearerToken(token string) *Client {
	c.headers["Authorization"] = "Bearer " + token
	return c
}

// WithAuth sets basic authentication credentials.
func (c *Client) WithAuth(user, pass string) *Client {
	credentials := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	c.headers["Authorization"] = "Basic " + credentials
	return c
}

// OnSuccess registers a callback invoked after every successful call.
func (c *Client) OnSuccess(fn func(*Response)) *Client {
	c.onSuccess = fn
	return c
}

// OnError registers a callback invoked after every failed call.
func (c *Client) OnError(fn func(*Response)) *Client {
	c.onError = fn
	return c
}

func (c *Client) finish(resp *Response) *Response {
	if resp.Success {
		if c.onSuccess != nil {
			c.onSuccess(resp)
		}
	} else if c.onError != nil {
		c.onError(resp)
	}
	return resp
}

func failure(status int, headers http.Header, format string, args ...any) *Response {
	return &Response{
		Success:    false,
		Error:      fmt.Sprintf(format, args...),
		StatusCode: status,
		Headers:    headers,
	}
}

// Send issues one JSON-RPC call and returns the uniform response. It
// never returns a Go error; transport failures land in Response.Error.
func (c *Client) Send(ctx context.Context, method string, params map[string]any) *Response {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return c.finish(failure(0, nil, "failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return c.finish(failure(0, nil, "failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range c.headers {
		req.Header.Set(name, value)
	}

	// Do returns the response alongside the error for non-2xx statuses;
	// only a nil response is a transport failure.
	resp, err := c.hc.Do(req)
	if resp == nil {
		return c.finish(failure(0, nil, "request failed: %v", err))
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return c.finish(failure(resp.StatusCode, resp.Header, "invalid response: %v", err))
	}
	if rpcResp.Error != nil {
		out := failure(resp.StatusCode, resp.Header, "%s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
		return c.finish(out)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.finish(failure(resp.StatusCode, resp.Header, "unexpected status %d", resp.StatusCode))
	}
	return c.finish(&Response{
		Success:    true,
		Data:       rpcResp.Result,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	})
}

// GetCapabilities runs the initialize handshake.
func (c *Client) GetCapabilities(ctx context.Context) *Response {
	return c.Send(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "modelkit",
			"version": serverVersion,
		},
	})
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) *Response {
	return c.Send(ctx, "ping", nil)
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) *Response {
	return c.Send(ctx, "tools/list", nil)
}

// CallTool invokes a named tool with arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) *Response {
	return c.Send(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// ListResources fetches the server's resource catalog.
func (c *Client) ListResources(ctx context.Context) *Response {
	return c.Send(ctx, "resources/list", nil)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) *Response {
	return c.Send(ctx, "resources/read", map[string]any{"uri": uri})
}

// ListPrompts fetches the server's prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) *Response {
	return c.Send(ctx, "prompts/list", nil)
}

// GetPrompt renders a named prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) *Response {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	return c.Send(ctx, "prompts/get", params)
}
