package llms

import (
	"context"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

// anthropicService speaks the Anthropic messages API. The unified
// conversation is translated at the boundary: the system message moves
// to the top-level field, tool calls become tool_use content blocks and
// tool results become tool_result blocks inside user messages.
type anthropicService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newAnthropicService(cfg ServiceConfig) *anthropicService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &anthropicService{
		cfg: cfg,
		hc: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}
}

func (s *anthropicService) Name() string          { return s.cfg.Provider }
func (s *anthropicService) Config() ServiceConfig { return s.cfg }

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Content    []anthropicContentBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (s *anthropicService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	payload := s.buildPayload(req, false)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/messages", s.headers(req), payload)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(raw)
}

func (s *anthropicService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	payload := s.buildPayload(req, true)
	body, err := postStream(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/messages", s.headers(req), payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := decodeSSE(body, onChunk); err != nil {
		return &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "stream read failed", Err: err}
	}
	return nil
}

// Embed is not offered by the Anthropic API.
func (s *anthropicService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	return nil, NewUnsupported(s.cfg.Provider, "embeddings")
}

func (s *anthropicService) headers(req *chat.Request) map[string]string {
	var override map[string]string
	if req != nil {
		override = req.Headers
	}
	headers := MergeServiceHeaders(s, override)
	headers["x-api-key"] = s.cfg.APIKey
	headers["anthropic-version"] = anthropicVersion
	return headers
}

func (s *anthropicService) buildPayload(req *chat.Request, stream bool) map[string]any {
	payload := map[string]any(MergeServiceParams(s, req.Params))
	if req.Model != "" {
		payload["model"] = req.Model
	} else if _, ok := payload["model"]; !ok {
		payload["model"] = s.cfg.Model
	}
	// max_tokens is mandatory on the messages API.
	if _, ok := payload["max_tokens"]; !ok {
		payload["max_tokens"] = 4096
	}

	system, messages := splitSystem(req.Messages)
	if system != "" {
		payload["system"] = system
	}
	payload["messages"] = toAnthropicMessages(messages)

	if tools, ok := payload["tools"]; ok {
		payload["tools"] = toAnthropicTools(tools)
	}
	if stream {
		payload["stream"] = true
	} else {
		delete(payload, "stream")
	}
	return payload
}

func splitSystem(messages []protocol.Message) (string, []protocol.Message) {
	var system string
	rest := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == protocol.RoleSystem || m.Role == protocol.RoleDeveloper {
			system = m.Text()
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func toAnthropicMessages(messages []protocol.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleTool:
			// Tool results ride in user messages as tool_result blocks.
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case protocol.RoleAssistant:
			blocks := []anthropicContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			out = append(out, anthropicMessage{Role: "user", Content: toAnthropicBlocks(m)})
		}
	}
	return out
}

func toAnthropicBlocks(m protocol.Message) []anthropicContentBlock {
	if len(m.Parts) == 0 {
		return []anthropicContentBlock{{Type: "text", Text: m.Content}}
	}
	blocks := make([]anthropicContentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case protocol.ContentPartText:
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
		case protocol.ContentPartImage:
			source := map[string]any{}
			if p.URL != "" {
				source["type"] = "url"
				source["url"] = p.URL
			} else {
				source["type"] = "base64"
				source["media_type"] = p.MediaType
				source["data"] = p.Data
			}
			blocks = append(blocks, anthropicContentBlock{Type: "image", Source: source})
		case protocol.ContentPartDocument:
			blocks = append(blocks, anthropicContentBlock{Type: "document", Source: map[string]any{
				"type":       "base64",
				"media_type": p.MediaType,
				"data":       p.Data,
			}})
		}
	}
	return blocks
}

// toAnthropicTools converts OpenAI-shape tool schemas to the Anthropic
// form: name, description and input_schema at the top level.
func toAnthropicTools(tools any) []map[string]any {
	list, ok := tools.([]map[string]any)
	if !ok {
		if generic, ok := tools.([]any); ok {
			for _, item := range generic {
				if m, ok := item.(map[string]any); ok {
					list = append(list, m)
				}
			}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, tool := range list {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			out = append(out, tool)
			continue
		}
		converted := map[string]any{
			"name":         fn["name"],
			"input_schema": fn["parameters"],
		}
		if desc, ok := fn["description"]; ok {
			converted["description"] = desc
		}
		out = append(out, converted)
	}
	return out
}

func (s *anthropicService) parseResponse(raw map[string]any) (*Response, error) {
	var parsed anthropicResponse
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected messages response shape", Err: err}
	}

	msg := protocol.NewAssistantMessage("")
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}

	return &Response{
		ID:       parsed.ID,
		Provider: s.cfg.Provider,
		Model:    parsed.Model,
		Choices: []Choice{{
			FinishReason: normalizeStopReason(parsed.StopReason),
			Message:      msg,
		}},
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		Raw: raw,
	}, nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
