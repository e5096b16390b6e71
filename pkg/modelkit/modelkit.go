// Package modelkit is the public facade: one import that covers chat,
// embeddings, agents, memory, document ingestion and MCP with the
// module-wide settings applied.
package modelkit

import (
	"context"
	"sync"

	"github.com/modelkit/modelkit/pkg/agent"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/documents"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/mcp"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/runnable"
	"github.com/modelkit/modelkit/pkg/structured"
	"github.com/modelkit/modelkit/pkg/tools"
)

var (
	settingsMu sync.RWMutex
	settings   = config.Default()
)

// Configure loads settings from a YAML file and makes them the module
// default. An empty path keeps the built-in defaults.
func Configure(path string) error {
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	SetSettings(loaded)
	return nil
}

// SetSettings replaces the module-wide settings.
func SetSettings(s *config.Settings) {
	if s == nil {
		s = config.Default()
	}
	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()
}

// Settings returns the module-wide settings.
func Settings() *config.Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings
}

// Chat performs a one-shot chat call. The input may be a string, a
// message, a message slice or a builder; the result shape follows the
// effective return format. When params carry callable tools, requested
// tool calls are dispatched through the agent loop before the format
// applies; raw schema maps still pass through to the provider as-is.
func Chat(ctx context.Context, input any, params chat.Params, options chat.Options, headers map[string]string) (any, error) {
	if callable := callableTools(params); len(callable) > 0 {
		return chatWithTools(ctx, input, params, options, headers, callable)
	}
	req, err := chat.NewRequest(input, params, options, headers)
	if err != nil {
		return nil, err
	}
	return llms.Execute(ctx, Settings(), req)
}

// callableTools extracts callable tool declarations from the tools
// param. Anything else, notably plain schema maps, yields nil so the
// caller keeps dispatch responsibility.
func callableTools(params chat.Params) []*tools.Tool {
	if params == nil {
		return nil
	}
	switch v := params["tools"].(type) {
	case *tools.Registry:
		return v.List()
	case []*tools.Tool:
		return v
	case []any:
		list := make([]*tools.Tool, 0, len(v))
		for _, item := range v {
			t, ok := item.(*tools.Tool)
			if !ok {
				return nil
			}
			list = append(list, t)
		}
		return list
	}
	return nil
}

func chatWithTools(ctx context.Context, input any, params chat.Params, options chat.Options, headers map[string]string, callable []*tools.Tool) (any, error) {
	remaining := chat.Params{}
	for key, value := range params {
		if key != "tools" {
			remaining[key] = value
		}
	}

	result, err := agent.New("chat").
		Settings(Settings()).
		Tools(callable...).
		Headers(headers).
		RunWith(ctx, input, remaining, options)
	if err != nil {
		return nil, err
	}

	format := options.ReturnFormat
	if format == nil {
		if s := Settings(); s != nil && s.ReturnFormat != "" {
			format = s.ReturnFormat
		} else {
			format = llms.FormatSingle
		}
	}
	return llms.Transform(result.Response, format)
}

// ChatStream performs a streaming chat call, delivering provider
// chunks to the callback.
func ChatStream(ctx context.Context, input any, onChunk llms.StreamCallback, params chat.Params, options chat.Options, headers map[string]string) error {
	req, err := chat.NewRequest(input, params, options, headers)
	if err != nil {
		return err
	}
	return llms.ExecuteStream(ctx, Settings(), req, onChunk)
}

// ChatAsync runs Chat on the shared worker pool and returns a future.
func ChatAsync(ctx context.Context, input any, params chat.Params, options chat.Options, headers map[string]string) *Future {
	return submit(func() (any, error) {
		return Chat(ctx, input, params, options, headers)
	})
}

// Embed generates embeddings for a string or a batch of strings.
func Embed(ctx context.Context, input any, params chat.Params, options chat.Options) (*llms.EmbeddingResponse, error) {
	req, err := chat.NewEmbeddingRequest(input, params, options)
	if err != nil {
		return nil, err
	}
	return llms.ExecuteEmbed(ctx, Settings(), req)
}

// NewMessage starts a fluent message builder.
func NewMessage() *chat.Message { return chat.NewMessage() }

// NewModel builds a pipeline model node bound to the module settings.
func NewModel(params chat.Params, options chat.Options) *runnable.ModelNode {
	return runnable.NewModel(Settings(), params, options)
}

// NewService resolves a direct provider handle.
func NewService(provider, apiKey string) (llms.Service, error) {
	return llms.ServiceFor(Settings(), chat.Options{Provider: provider, APIKey: apiKey})
}

// NewAgent builds an agent bound to the module settings.
func NewAgent(name string) *agent.Agent {
	return agent.New(name).Settings(Settings())
}

// NewMemory builds a memory of the given kind with the module settings
// available for summarization and auto-embedding.
func NewMemory(kind string, cfg memory.Config) (memory.Memory, error) {
	if cfg.Settings == nil {
		cfg.Settings = Settings()
	}
	return memory.New(kind, cfg)
}

// NewTool declares a callable tool.
func NewTool(name, description string, callable tools.Callable) *tools.Tool {
	return tools.New(name, description, callable)
}

// Populate copies structured data into a target instance, coercing
// scalar types and recursing into nested structs.
func Populate(target any, data any) (any, error) {
	return structured.Populate(target, data)
}

// Documents starts an ingestion builder over the given loaders.
func Documents(loaders ...documents.Loader) *DocumentsBuilder {
	return &DocumentsBuilder{loaders: loaders}
}

// DocumentsBuilder stages loaders and chunking before ingestion.
type DocumentsBuilder struct {
	loaders []documents.Loader
	chunker *documents.Chunker
}

// Chunked applies token chunking with the given model's tokenizer.
func (b *DocumentsBuilder) Chunked(model string, size, overlap int) (*DocumentsBuilder, error) {
	chunker, err := documents.NewChunker(model, size, overlap)
	if err != nil {
		return nil, err
	}
	b.chunker = chunker
	return b, nil
}

// ToMemory ingests every staged loader into the vector memory.
func (b *DocumentsBuilder) ToMemory(ctx context.Context, store *memory.VectorMemory) (*documents.Report, error) {
	return documents.NewIngestor(store, b.chunker).Ingest(ctx, b.loaders...)
}

// MCP builds a client for a remote MCP server.
func MCP(baseURL string) *mcp.Client { return mcp.NewClient(baseURL) }

// MCPServer returns the named MCP server singleton, creating it with
// the options on first use. Force discards any existing instance.
func MCPServer(name string, options mcp.ServerOptions, force bool) *mcp.Server {
	if force {
		return mcp.Replace(name, options)
	}
	return mcp.GetInstance(name, options)
}
