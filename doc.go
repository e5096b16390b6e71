// Package modelkit is a provider-agnostic AI integration runtime: one
// request model over many LLM providers, composable pipelines, an
// agent tool loop, multi-tenant memory with vector backends, document
// ingestion and Model Context Protocol endpoints.
//
// The public surface lives in pkg/modelkit:
//
//	import "github.com/modelkit/modelkit/pkg/modelkit"
//
//	answer, err := modelkit.Chat(ctx, "What is the capital of France?", nil, chat.Options{}, nil)
//
// Individual subsystems can be imported directly: pkg/llms for
// provider services, pkg/agent for the tool loop, pkg/memory for
// conversation and vector stores, pkg/documents for ingestion and
// pkg/mcp for MCP servers and clients.
package modelkit
