package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/modelkit/modelkit/pkg/tools"
)

// StdioSession is a connection to an MCP server spawned as a child
// process speaking the stdio transport.
type StdioSession struct {
	client *mcpclient.Client
	name   string
}

// ConnectStdio spawns the command and completes the MCP handshake.
func ConnectStdio(ctx context.Context, command string, env []string, args ...string) (*StdioSession, error) {
	client, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %q: %w", command, err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP server %q: %w", command, err)
	}

	initReq := mcpproto.InitializeRequest{}
	initReq.Params.ClientInfo = mcpproto.Implementation{
		Name:    "modelkit",
		Version: serverVersion,
	}
	initReq.Params.ProtocolVersion = "2024-11-05"
	result, err := client.Initialize(ctx, initReq)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}

	return &StdioSession{client: client, name: result.ServerInfo.Name}, nil
}

// ServerName returns the name the server reported at initialize.
func (s *StdioSession) ServerName() string { return s.name }

// Close terminates the child process.
func (s *StdioSession) Close() error { return s.client.Close() }

// Tools lists the server's tools wrapped as local callables, so a
// remote MCP toolset plugs into an agent registry like any other tool.
func (s *StdioSession) Tools(ctx context.Context) ([]*tools.Tool, error) {
	listed, err := s.client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP tools: %w", err)
	}

	out := make([]*tools.Tool, 0, len(listed.Tools))
	for _, remote := range listed.Tools {
		remote := remote
		t := tools.New(remote.Name, remote.Description, func(ctx context.Context, args map[string]any) (any, error) {
			return s.Call(ctx, remote.Name, args)
		})
		if schema := toolInputSchema(remote); schema != nil {
			t.SetSchema(schema)
		}
		out = append(out, t)
	}
	return out, nil
}

// Call invokes one remote tool and flattens its content to text.
func (s *StdioSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcpproto.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP tool %q failed: %w", name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(mcpproto.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	output := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("MCP tool %q returned an error: %s", name, output)
	}
	return output, nil
}

func toolInputSchema(t mcpproto.Tool) map[string]any {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return schema
}
