package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// openAIService speaks the OpenAI chat-completions wire format. It also
// backs every OpenAI-compatible provider (grok, groq, deepseek,
// mistral, openrouter, perplexity, huggingface) through base-URL
// presets.
type openAIService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newOpenAIService(cfg ServiceConfig) *openAIService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAIService{
		cfg: cfg,
		hc: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

func (s *openAIService) Name() string          { return s.cfg.Provider }
func (s *openAIService) Config() ServiceConfig { return s.cfg }

// Wire shapes. Content is any because user messages may carry
// multi-part bodies while the rest stay plain strings.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *openAIService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	payload := s.buildPayload(req, false)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/chat/completions", s.headers(req), payload)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(raw)
}

func (s *openAIService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	payload := s.buildPayload(req, true)
	body, err := postStream(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/chat/completions", s.headers(req), payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := decodeSSE(body, onChunk); err != nil {
		return &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "stream read failed", Err: err}
	}
	return nil
}

func (s *openAIService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	// Perplexity rides the compatible chat surface but has no
	// embeddings endpoint.
	if s.cfg.Provider == "perplexity" {
		return nil, NewUnsupported(s.cfg.Provider, "embeddings")
	}
	model := req.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	payload := MergeServiceParams(s, req.Params)
	payload["model"] = model
	payload["input"] = req.Input

	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/embeddings", s.headers(nil), payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embeddings response shape", Err: err}
	}

	out := &EmbeddingResponse{
		Provider: s.cfg.Provider,
		Model:    model,
		Usage:    Usage{PromptTokens: parsed.Usage.PromptTokens, TotalTokens: parsed.Usage.TotalTokens},
		Raw:      raw,
	}
	for _, d := range parsed.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}

func (s *openAIService) headers(req *chat.Request) map[string]string {
	var override map[string]string
	if req != nil {
		override = req.Headers
	}
	headers := MergeServiceHeaders(s, override)
	if s.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + s.cfg.APIKey
	}
	return headers
}

func (s *openAIService) buildPayload(req *chat.Request, stream bool) map[string]any {
	payload := map[string]any(MergeServiceParams(s, req.Params))
	if req.Model != "" {
		payload["model"] = req.Model
	} else if _, ok := payload["model"]; !ok {
		payload["model"] = s.cfg.Model
	}
	payload["messages"] = toOpenAIMessages(req.Messages)
	if stream {
		payload["stream"] = true
	} else {
		delete(payload, "stream")
	}
	return payload
}

func toOpenAIMessages(messages []protocol.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		wire := openAIMessage{Role: string(m.Role), Name: m.Name, ToolCallID: m.ToolCallID}
		if len(m.Parts) > 0 {
			wire.Content = toOpenAIParts(m.Parts)
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			wire.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, openAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: tc.Name, Arguments: string(tc.RawArgs())},
			})
		}
		out = append(out, wire)
	}
	return out
}

func toOpenAIParts(parts []protocol.ContentPart) []map[string]any {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case protocol.ContentPartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case protocol.ContentPartImage:
			url := p.URL
			if url == "" && p.Data != "" {
				url = fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data)
			}
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
		case protocol.ContentPartAudio:
			out = append(out, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": p.Data, "format": p.MediaType},
			})
		}
	}
	return out
}

func (s *openAIService) parseResponse(raw map[string]any) (*Response, error) {
	var parsed openAIResponse
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected chat response shape", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "provider returned no choices"}
	}

	out := &Response{
		ID:       parsed.ID,
		Provider: s.cfg.Provider,
		Model:    parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		Raw: raw,
	}
	for _, c := range parsed.Choices {
		msg := protocol.NewAssistantMessage(c.Message.Content)
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, parseOpenAIToolCall(tc))
		}
		out.Choices = append(out.Choices, Choice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}
	return out, nil
}

func parseOpenAIToolCall(tc openAIToolCall) protocol.ToolCall {
	call := protocol.ToolCall{ID: tc.ID, Name: tc.Function.Name}
	if tc.Function.Arguments != "" {
		// Malformed argument JSON surfaces as empty args; the agent loop
		// reports it through the tool result rather than failing the turn.
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Args)
	}
	return call
}

// remarshal converts a decoded generic map into a typed wire struct.
func remarshal(raw map[string]any, target any) error {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, target)
}
