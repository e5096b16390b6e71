// Package llms implements the provider abstraction: a single Service
// interface adapted per LLM HTTP API, a process-wide singleton registry,
// return-format transformation and the typed error taxonomy.
//
// Adapters normalize assistant messages and tool calls into the unified
// protocol shape but keep the raw provider response attached for the
// `raw` return format. Streaming chunk shapes stay provider-native.
package llms

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// StreamCallback receives one decoded JSON fragment per provider
// event. The fragment shape is provider-native; consumers select the
// path they expect. It runs on the goroutine reading the stream, so
// long callbacks delay further chunks.
type StreamCallback func(chunk map[string]any)

// Usage is the normalized token accounting of a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one normalized assistant alternative.
type Choice struct {
	Index        int              `json:"index"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Message      protocol.Message `json:"message"`
}

// Response is the normalized chat response. Raw retains the decoded
// provider body untouched.
type Response struct {
	ID       string         `json:"id,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Choices  []Choice       `json:"choices"`
	Usage    Usage          `json:"usage"`
	Raw      map[string]any `json:"-"`
}

// FirstText returns the content of the first assistant choice.
func (r *Response) FirstText() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Text()
}

// ToolCalls returns the tool calls of the first choice, if any.
func (r *Response) ToolCalls() []protocol.ToolCall {
	if len(r.Choices) == 0 {
		return nil
	}
	return r.Choices[0].Message.ToolCalls
}

// EmbeddingResponse is the normalized embedding result.
type EmbeddingResponse struct {
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Embeddings [][]float32    `json:"embeddings"`
	Usage      Usage          `json:"usage"`
	Raw        map[string]any `json:"-"`
}

// First returns the first embedding vector.
func (r *EmbeddingResponse) First() []float32 {
	if len(r.Embeddings) == 0 {
		return nil
	}
	return r.Embeddings[0]
}

// ServiceConfig is the resolved per-service configuration. Services are
// singletons keyed by (provider, config hash); two identical configs
// share one instance.
type ServiceConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	Timeout        time.Duration
	DefaultParams  chat.Params
	DefaultHeaders map[string]string
	Bedrock        *config.BedrockCredentials
}

// Hash returns a stable digest of the config used as the singleton key.
func (c ServiceConfig) Hash() string {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)); _, _ = h.Write([]byte{0}) }
	write(c.Provider)
	write(c.APIKey)
	write(c.BaseURL)
	write(c.Model)
	write(c.Timeout.String())
	keys := make([]string, 0, len(c.DefaultParams))
	for k := range c.DefaultParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(fmt.Sprintf("%v", c.DefaultParams[k]))
	}
	hkeys := make([]string, 0, len(c.DefaultHeaders))
	for k := range c.DefaultHeaders {
		hkeys = append(hkeys, k)
	}
	sort.Strings(hkeys)
	for _, k := range hkeys {
		write(k)
		write(c.DefaultHeaders[k])
	}
	if c.Bedrock != nil {
		write(c.Bedrock.AccessKeyID)
		write(c.Bedrock.Region)
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// Service adapts the unified request model to one provider API.
// Implementations are safe for concurrent Invoke; per-call state lives
// in the request.
type Service interface {
	// Name returns the provider name the service was registered under.
	Name() string

	// Invoke performs a synchronous chat request.
	Invoke(ctx context.Context, req *chat.Request) (*Response, error)

	// InvokeStream performs a streaming chat request, delivering one
	// provider-native chunk per callback invocation.
	InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error

	// Embed generates embeddings. Providers without an embedding API
	// return an UnsupportedOperation error.
	Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error)

	// Config exposes the resolved configuration for param/header merges.
	Config() ServiceConfig
}

// callID synthesizes a stable tool-call ID for providers that do not
// assign one on the wire.
func callID(index int, name string) string {
	return fmt.Sprintf("call_%d_%s", index, name)
}

// MergeServiceParams layers request params over the service defaults.
func MergeServiceParams(svc Service, override chat.Params) chat.Params {
	return svc.Config().DefaultParams.Merge(override)
}

// MergeServiceHeaders layers request headers over the service defaults.
func MergeServiceHeaders(svc Service, override map[string]string) map[string]string {
	return chat.MergeHeaders(svc.Config().DefaultHeaders, override)
}
