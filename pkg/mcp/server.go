// Package mcp implements Model Context Protocol endpoints: a JSON-RPC
// 2.0 server exposing tools, resources and prompts over HTTP, and a
// client for consuming remote MCP servers over HTTP or stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modelkit/modelkit/pkg/tools"
)

const (
	protocolVersion = "2025-03-26"
	serverVersion   = "1.0.0"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Resource is a readable content item exposed by the server. Either
// Text or Reader supplies the content; Reader wins when both are set.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Text        string
	Reader      func(ctx context.Context) (string, error)
}

// PromptArgument describes one substitutable prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one templated conversation message. Content may
// contain ${arg} placeholders.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is a named, parameterized message template.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Messages    []PromptMessage
}

// ServerOptions configure a server at creation.
type ServerOptions struct {
	// Version reported by initialize. Empty means the module version.
	Version string

	// MaxRequestBodySize rejects larger request bodies with 413.
	// Zero means unlimited.
	MaxRequestBodySize int64

	// AllowedOrigins drive CORS. Entries match exactly, as "*.domain"
	// wildcards, or "*" for any origin. Empty disables CORS headers.
	AllowedOrigins []string

	// BasicAuthUser/Pass enable basic authentication when both set.
	BasicAuthUser string
	BasicAuthPass string

	// ValidateAPIKey, when set, must approve the key extracted from
	// X-API-Key or a bearer token. Rejection yields 401.
	ValidateAPIKey func(key string, req KeyRequest) bool

	// StatsDisabled turns request statistics off.
	StatsDisabled bool
}

// KeyRequest is the request context handed to the API-key callback.
type KeyRequest struct {
	Method  string
	Path    string
	Headers map[string]string
}

// Server is one named MCP endpoint.
type Server struct {
	name    string
	options ServerOptions

	mu        sync.RWMutex
	registry  *tools.Registry
	resources map[string]Resource
	prompts   map[string]Prompt

	stats *Statistics
}

var (
	serversMu sync.Mutex
	servers   = make(map[string]*Server)
)

// GetInstance returns the named server singleton, creating it with the
// given options on first use. Equal names always return the same
// instance; later options are ignored.
func GetInstance(name string, options ServerOptions) *Server {
	if name == "" {
		name = "default"
	}
	serversMu.Lock()
	defer serversMu.Unlock()
	if server, ok := servers[name]; ok {
		return server
	}
	server := newServer(name, options)
	servers[name] = server
	return server
}

// Replace discards any existing singleton under the name and installs
// a fresh server with the given options.
func Replace(name string, options ServerOptions) *Server {
	if name == "" {
		name = "default"
	}
	serversMu.Lock()
	defer serversMu.Unlock()
	server := newServer(name, options)
	servers[name] = server
	return server
}

// ResetInstances clears the singleton registry. Test hook.
func ResetInstances() {
	serversMu.Lock()
	defer serversMu.Unlock()
	servers = make(map[string]*Server)
}

func newServer(name string, options ServerOptions) *Server {
	return &Server{
		name:      name,
		options:   options,
		registry:  tools.NewRegistry(),
		resources: make(map[string]Resource),
		prompts:   make(map[string]Prompt),
		stats:     newStatistics(!options.StatsDisabled),
	}
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// Stats returns the server's statistics collector.
func (s *Server) Stats() *Statistics { return s.stats }

// RegisterTool exposes a tool over tools/list and tools/call.
func (s *Server) RegisterTool(t *tools.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Register(t)
}

// RegisterResource exposes a readable resource.
func (s *Server) RegisterResource(r Resource) error {
	if r.URI == "" {
		return fmt.Errorf("resource URI is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.URI] = r
	return nil
}

// RegisterPrompt exposes a prompt template.
func (s *Server) RegisterPrompt(p Prompt) error {
	if p.Name == "" {
		return fmt.Errorf("prompt name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.Name] = p
	return nil
}

// rpcError is a JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

// dispatch routes one JSON-RPC method call.
func (s *Server) dispatch(ctx context.Context, method string, params map[string]any) (any, *rpcError) {
	switch method {
	case "initialize":
		return s.initialize(), nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, params)
	case "resources/list":
		return s.listResources(), nil
	case "resources/read":
		return s.readResource(ctx, params)
	case "prompts/list":
		return s.listPrompts(), nil
	case "prompts/get":
		return s.getPrompt(params)
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func (s *Server) initialize() map[string]any {
	version := s.options.Version
	if version == "" {
		version = serverVersion
	}
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": version,
		},
	}
}

func (s *Server) listTools() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]map[string]any, 0, s.registry.Count())
	for _, t := range s.registry.List() {
		entry := map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
		}
		// The registry carries the OpenAI function shape; MCP wants the
		// bare parameter schema.
		schema := t.Schema()
		if function, ok := schema["function"].(map[string]any); ok {
			entry["inputSchema"] = function["parameters"]
		}
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i]["name"].(string) < list[j]["name"].(string)
	})
	return map[string]any{"tools": list}
}

func (s *Server) callTool(ctx context.Context, params map[string]any) (any, *rpcError) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tool name is required"}
	}
	args, _ := params["arguments"].(map[string]any)

	s.mu.RLock()
	registry := s.registry
	s.mu.RUnlock()

	output, err := registry.Execute(ctx, name, args)
	if err != nil {
		var notFound *tools.ErrToolNotFound
		if errors.As(err, &notFound) {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		return map[string]any{
			"isError": true,
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
		}, nil
	}
	s.stats.recordTool()
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": output}},
	}, nil
}

func (s *Server) listResources() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]map[string]any, 0, len(s.resources))
	for _, r := range s.resources {
		list = append(list, map[string]any{
			"uri":         r.URI,
			"name":        r.Name,
			"description": r.Description,
			"mimeType":    r.MimeType,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i]["uri"].(string) < list[j]["uri"].(string)
	})
	return map[string]any{"resources": list}
}

func (s *Server) readResource(ctx context.Context, params map[string]any) (any, *rpcError) {
	uri, _ := params["uri"].(string)
	s.mu.RLock()
	resource, ok := s.resources[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("resource %q not found", uri)}
	}

	text := resource.Text
	if resource.Reader != nil {
		var err error
		text, err = resource.Reader(ctx)
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: "resource read failed"}
		}
	}
	s.stats.recordResource()
	return map[string]any{
		"contents": []map[string]any{{
			"uri":      resource.URI,
			"mimeType": resource.MimeType,
			"text":     text,
		}},
	}, nil
}

func (s *Server) listPrompts() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]map[string]any, 0, len(s.prompts))
	for _, p := range s.prompts {
		list = append(list, map[string]any{
			"name":        p.Name,
			"description": p.Description,
			"arguments":   p.Arguments,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i]["name"].(string) < list[j]["name"].(string)
	})
	return map[string]any{"prompts": list}
}

func (s *Server) getPrompt(params map[string]any) (any, *rpcError) {
	name, _ := params["name"].(string)
	s.mu.RLock()
	prompt, ok := s.prompts[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("prompt %q not found", name)}
	}

	args, _ := params["arguments"].(map[string]any)
	messages := make([]map[string]any, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		content := m.Content
		for key, value := range args {
			content = strings.ReplaceAll(content, "${"+key+"}", fmt.Sprint(value))
		}
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": content,
		})
	}
	s.stats.recordPrompt()
	return map[string]any{
		"description": prompt.Description,
		"messages":    messages,
	}, nil
}
