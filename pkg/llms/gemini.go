package llms

import (
	"context"
	"fmt"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// geminiService speaks the Gemini generateContent API. Roles translate
// to user/model, the system message becomes systemInstruction, tool
// calls map to functionCall/functionResponse parts and sampling params
// move under generationConfig.
type geminiService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newGeminiService(cfg ServiceConfig) *geminiService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &geminiService{
		cfg: cfg,
		hc:  httpclient.New(httpclient.WithTimeout(timeout)),
	}
}

func (s *geminiService) Name() string          { return s.cfg.Provider }
func (s *geminiService) Config() ServiceConfig { return s.cfg }

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Keys moved into generationConfig; everything else stays top level.
var geminiGenerationKeys = map[string]string{
	"temperature":        "temperature",
	"top_p":              "topP",
	"top_k":              "topK",
	"max_tokens":         "maxOutputTokens",
	"maxOutputTokens":    "maxOutputTokens",
	"stop":               "stopSequences",
	"seed":               "seed",
	"candidateCount":     "candidateCount",
	"response_mime_type": "responseMimeType",
	"response_schema":    "responseSchema",
}

func (s *geminiService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	payload, model := s.buildPayload(req)
	url := fmt.Sprintf("%s/models/%s:generateContent", s.cfg.BaseURL, model)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, url, s.headers(req), payload)
	if err != nil {
		return nil, err
	}
	return s.parseResponse(raw, model)
}

func (s *geminiService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	payload, model := s.buildPayload(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", s.cfg.BaseURL, model)
	body, err := postStream(ctx, s.hc, s.cfg.Provider, url, s.headers(req), payload)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := decodeSSE(body, onChunk); err != nil {
		return &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "stream read failed", Err: err}
	}
	return nil
}

func (s *geminiService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = "text-embedding-004"
	}

	requests := make([]map[string]any, len(req.Input))
	for i, text := range req.Input {
		requests[i] = map[string]any{
			"model":   "models/" + model,
			"content": map[string]any{"parts": []map[string]any{{"text": text}}},
		}
	}
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents", s.cfg.BaseURL, model)
	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, url, s.headers(nil), map[string]any{"requests": requests})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Embeddings []struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	}
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embeddings response shape", Err: err}
	}

	out := &EmbeddingResponse{Provider: s.cfg.Provider, Model: model, Raw: raw}
	for _, e := range parsed.Embeddings {
		out.Embeddings = append(out.Embeddings, e.Values)
	}
	return out, nil
}

func (s *geminiService) headers(req *chat.Request) map[string]string {
	var override map[string]string
	if req != nil {
		override = req.Headers
	}
	headers := MergeServiceHeaders(s, override)
	headers["x-goog-api-key"] = s.cfg.APIKey
	return headers
}

func (s *geminiService) buildPayload(req *chat.Request) (map[string]any, string) {
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

	payload := map[string]any{}
	generationConfig := map[string]any{}
	for key, value := range params {
		if mapped, ok := geminiGenerationKeys[key]; ok {
			generationConfig[mapped] = value
			continue
		}
		if key == "tools" {
			payload["tools"] = toGeminiTools(value)
			continue
		}
		payload[key] = value
	}
	if len(generationConfig) > 0 {
		payload["generationConfig"] = generationConfig
	}

	system, messages := splitSystem(req.Messages)
	if system != "" {
		payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	payload["contents"] = toGeminiContents(messages)
	return payload, model
}

func toGeminiContents(messages []protocol.Message) []geminiContent {
	out := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleAssistant:
			parts := []geminiPart{}
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: tc.Name, Args: tc.Args}})
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case protocol.RoleTool:
			out = append(out, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFuncResp{
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				}}},
			})
		default:
			out = append(out, geminiContent{Role: "user", Parts: toGeminiParts(m)})
		}
	}
	return out
}

func toGeminiParts(m protocol.Message) []geminiPart {
	if len(m.Parts) == 0 {
		return []geminiPart{{Text: m.Content}}
	}
	parts := make([]geminiPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case protocol.ContentPartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case protocol.ContentPartImage, protocol.ContentPartAudio, protocol.ContentPartDocument:
			if p.Data != "" {
				parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: p.MediaType, Data: p.Data}})
			}
		}
	}
	return parts
}

// toGeminiTools converts OpenAI-shape tool schemas into a single
// functionDeclarations group.
func toGeminiTools(tools any) []map[string]any {
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
	declarations := make([]map[string]any, 0, len(list))
	for _, tool := range list {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		decl := map[string]any{
			"name":       fn["name"],
			"parameters": fn["parameters"],
		}
		if desc, ok := fn["description"]; ok {
			decl["description"] = desc
		}
		declarations = append(declarations, decl)
	}
	return []map[string]any{{"functionDeclarations": declarations}}
}

func (s *geminiService) parseResponse(raw map[string]any, model string) (*Response, error) {
	var parsed geminiResponse
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected generateContent response shape", Err: err}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "provider returned no candidates"}
	}

	out := &Response{
		Provider: s.cfg.Provider,
		Model:    model,
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
		Raw: raw,
	}
	for i, candidate := range parsed.Candidates {
		msg := protocol.NewAssistantMessage("")
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				msg.Content += part.Text
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
					ID:   callID(i, part.FunctionCall.Name),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
		finish := normalizeGeminiFinish(candidate.FinishReason, len(msg.ToolCalls) > 0)
		out.Choices = append(out.Choices, Choice{Index: i, FinishReason: finish, Message: msg})
	}
	return out, nil
}

func normalizeGeminiFinish(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return reason
	}
}
