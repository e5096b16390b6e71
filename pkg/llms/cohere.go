package llms

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// cohereService speaks the Cohere v2 chat and embed APIs. The v2 chat
// shape is close to OpenAI's: role/content messages and function-style
// tool calls, with the assistant content wrapped in typed blocks.
type cohereService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newCohereService(cfg ServiceConfig) *cohereService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &cohereService{
		cfg: cfg,
		hc:  httpclient.New(httpclient.WithTimeout(timeout)),
	}
}

func (s *cohereService) Name() string          { return s.cfg.Provider }
func (s *cohereService) Config() ServiceConfig { return s.cfg }

type cohereResponse struct {
	ID           string `json:"id"`
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCalls []openAIToolCall `json:"tool_calls"`
	} `json:"message"`
	Usage struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"usage"`
}

func (s *cohereService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	payload := s.buildPayload(req, false)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/chat", s.headers(req), payload)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(raw)
}

func (s *cohereService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	payload := s.buildPayload(req, true)
	body, err := postStream(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/chat", s.headers(req), payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := decodeSSE(body, onChunk); err != nil {
		return &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "stream read failed", Err: err}
	}
	return nil
}

func (s *cohereService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = "embed-english-v3.0"
	}
	payload := MergeServiceParams(s, req.Params)
	payload["model"] = model
	payload["texts"] = req.Input
	payload["embedding_types"] = []string{"float"}
	if _, ok := payload["input_type"]; !ok {
		payload["input_type"] = "search_document"
	}

	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/embed", s.headers(nil), payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Embeddings struct {
			Float [][]float32 `json:"float"`
		} `json:"embeddings"`
	}
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embed response shape", Err: err}
	}

	return &EmbeddingResponse{
		Provider:   s.cfg.Provider,
		Model:      model,
		Embeddings: parsed.Embeddings.Float,
		Raw:        raw,
	}, nil
}

func (s *cohereService) headers(req *chat.Request) map[string]string {
	var override map[string]string
	if req != nil {
		override = req.Headers
	}
	headers := MergeServiceHeaders(s, override)
	headers["Authorization"] = "Bearer " + s.cfg.APIKey
	return headers
}

func (s *cohereService) buildPayload(req *chat.Request, stream bool) map[string]any {
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

func (s *cohereService) parseResponse(raw map[string]any) (*Response, error) {
	var parsed cohereResponse
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected chat response shape", Err: err}
	}

	msg := protocol.NewAssistantMessage("")
	for _, block := range parsed.Message.Content {
		if block.Type == "text" {
			msg.Content += block.Text
		}
	}
	for _, tc := range parsed.Message.ToolCalls {
		call := protocol.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Args)
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	finish := parsed.FinishReason
	switch finish {
	case "COMPLETE":
		finish = "stop"
	case "MAX_TOKENS":
		finish = "length"
	case "TOOL_CALL":
		finish = "tool_calls"
	}

	return &Response{
		ID:       parsed.ID,
		Provider: s.cfg.Provider,
		Choices:  []Choice{{FinishReason: finish, Message: msg}},
		Usage: Usage{
			PromptTokens:     parsed.Usage.BilledUnits.InputTokens,
			CompletionTokens: parsed.Usage.BilledUnits.OutputTokens,
			TotalTokens:      parsed.Usage.BilledUnits.InputTokens + parsed.Usage.BilledUnits.OutputTokens,
		},
		Raw: raw,
	}, nil
}
