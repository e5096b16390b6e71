package llms

import (
	"context"
	"time"

	"github.com/modelkit/modelkit/internal/httpclient"
	"github.com/modelkit/modelkit/pkg/chat"
)

// voyageService is embeddings-only. Chat operations report
// UnsupportedOperation so mixed configs fail loudly instead of
// silently degrading.
type voyageService struct {
	cfg ServiceConfig
	hc  *httpclient.Client
}

func newVoyageService(cfg ServiceConfig) *voyageService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &voyageService{
		cfg: cfg,
		hc:  httpclient.New(httpclient.WithTimeout(timeout)),
	}
}

func (s *voyageService) Name() string          { return s.cfg.Provider }
func (s *voyageService) Config() ServiceConfig { return s.cfg }

func (s *voyageService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	return nil, NewUnsupported(s.cfg.Provider, "chat")
}

func (s *voyageService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	return NewUnsupported(s.cfg.Provider, "chat streaming")
}

func (s *voyageService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}
	payload := MergeServiceParams(s, req.Params)
	payload["model"] = model
	payload["input"] = req.Input

	headers := MergeServiceHeaders(s, nil)
	headers["Authorization"] = "Bearer " + s.cfg.APIKey

	raw, err := postJSON(ctx, s.hc, s.cfg.Provider, s.cfg.BaseURL+"/embeddings", headers, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := remarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embeddings response shape", Err: err}
	}

	out := &EmbeddingResponse{
		Provider: s.cfg.Provider,
		Model:    model,
		Usage:    Usage{TotalTokens: parsed.Usage.TotalTokens},
		Raw:      raw,
	}
	for _, d := range parsed.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}
