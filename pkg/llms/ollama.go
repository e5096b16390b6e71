package llms

import (
	"context"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// ollamaService speaks the Ollama native API: /api/chat with
// newline-delimited JSON streaming and /api/embed for embeddings. No
// API key is required for a local daemon.
type ollamaService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newOllamaService(cfg ServiceConfig) *ollamaService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Local models routinely exceed hosted-provider latencies.
		timeout = 120 * time.Second
	}
	return &ollamaService{
		cfg: cfg,
		hc:  httpclient.New(httpclient.WithTimeout(timeout)),
	}
}

func (s *ollamaService) Name() string          { return s.cfg.Provider }
func (s *ollamaService) Config() ServiceConfig { return s.cfg }

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Sampling params ride under options in the native API.
var ollamaOptionKeys = map[string]string{
	"temperature": "temperature",
	"top_p":       "top_p",
	"top_k":       "top_k",
	"max_tokens":  "num_predict",
	"seed":        "seed",
	"stop":        "stop",
}

func (s *ollamaService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	payload := s.buildPayload(req, false)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/api/chat", s.headers(req), payload)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(raw)
}

func (s *ollamaService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	payload := s.buildPayload(req, true)
	body, err := postStream(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/api/chat", s.headers(req), payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := decodeJSONLines(body, onChunk); err != nil {
		return &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "stream read failed", Err: err}
	}
	return nil
}

func (s *ollamaService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	payload := map[string]any{"model": model, "input": req.Input}

	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/api/embed", s.headers(nil), payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embed response shape", Err: err}
	}

	return &EmbeddingResponse{
		Provider:   s.cfg.Provider,
		Model:      model,
		Embeddings: parsed.Embeddings,
		Raw:        raw,
	}, nil
}

func (s *ollamaService) headers(req *chat.Request) map[string]string {
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

func (s *ollamaService) buildPayload(req *chat.Request, stream bool) map[string]any {
	params := MergeServiceParams(s, req.Params)
	model := req.Model
	if model == "" {
		if m, ok := params["model"].(string); ok {
			model = m
		} else {
			model = s.cfg.Model
		}
	}
	delete(params, "model")

	payload := map[string]any{
		"model":    model,
		"messages": toOpenAIMessages(req.Messages),
		"stream":   stream,
	}
	options := map[string]any{}
	for key, value := range params {
		if mapped, ok := ollamaOptionKeys[key]; ok {
			options[mapped] = value
			continue
		}
		payload[key] = value
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	return payload
}

func (s *ollamaService) parseResponse(raw map[string]any) (*Response, error) {
	var parsed ollamaResponse
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected chat response shape", Err: err}
	}

	msg := protocol.NewAssistantMessage(parsed.Message.Content)
	for i, tc := range parsed.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
			ID:   callID(i, tc.Function.Name),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}

	finish := parsed.DoneReason
	switch {
	case len(msg.ToolCalls) > 0:
		finish = "tool_calls"
	case finish == "":
		finish = "stop"
	}

	return &Response{
		Provider: s.cfg.Provider,
		Model:    parsed.Model,
		Choices:  []Choice{{FinishReason: finish, Message: msg}},
		Usage: Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		Raw: raw,
	}, nil
}
