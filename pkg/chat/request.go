package chat

import (
	"time"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// Params carries per-call model parameters (temperature, max_tokens,
// tools, seed, ...). Keys follow the provider wire names.
type Params map[string]any

// Merge layers override on top of base without mutating either.
func (p Params) Merge(override Params) Params {
	if len(p) == 0 && len(override) == 0 {
		return Params{}
	}
	out := make(Params, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Options are the per-call execution options distinct from model
// parameters. ReturnFormat may be a format name (single, all, raw,
// json, xml) or a structured-output schema value.
type Options struct {
	Provider             string         `json:"provider,omitempty"`
	APIKey               string         `json:"apiKey,omitempty"`
	BaseURL              string         `json:"baseURL,omitempty"`
	ReturnFormat         any            `json:"returnFormat,omitempty"`
	Timeout              int            `json:"timeout,omitempty"`
	LogRequest           bool           `json:"logRequest,omitempty"`
	LogRequestToConsole  bool           `json:"logRequestToConsole,omitempty"`
	LogResponse          bool           `json:"logResponse,omitempty"`
	LogResponseToConsole bool           `json:"logResponseToConsole,omitempty"`
	TenantID             string         `json:"tenantId,omitempty"`
	UsageMetadata        map[string]any `json:"usageMetadata,omitempty"`
	ProviderOptions      map[string]any `json:"providerOptions,omitempty"`
}

// Merge layers non-zero override fields on top of the receiver.
func (o Options) Merge(override Options) Options {
	out := o
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	if override.APIKey != "" {
		out.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		out.BaseURL = override.BaseURL
	}
	if override.ReturnFormat != nil {
		out.ReturnFormat = override.ReturnFormat
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.TenantID != "" {
		out.TenantID = override.TenantID
	}
	if override.UsageMetadata != nil {
		out.UsageMetadata = override.UsageMetadata
	}
	if override.ProviderOptions != nil {
		out.ProviderOptions = override.ProviderOptions
	}
	out.LogRequest = o.LogRequest || override.LogRequest
	out.LogRequestToConsole = o.LogRequestToConsole || override.LogRequestToConsole
	out.LogResponse = o.LogResponse || override.LogResponse
	out.LogResponseToConsole = o.LogResponseToConsole || override.LogResponseToConsole
	return out
}

// RequestTimeout resolves the per-call timeout, defaulting to 30s.
func (o Options) RequestTimeout() time.Duration {
	if o.Timeout > 0 {
		return time.Duration(o.Timeout) * time.Second
	}
	return 30 * time.Second
}

// Request is the unified chat request handed to a provider service.
// It is created per call, mutated only during assembly, and dropped at
// response emission.
type Request struct {
	Messages []protocol.Message `json:"messages"`
	Model    string             `json:"model,omitempty"`
	Params   Params             `json:"params,omitempty"`
	Options  Options            `json:"options,omitempty"`
	Headers  map[string]string  `json:"headers,omitempty"`

	// Source is the original builder, kept for traceability.
	Source *Message `json:"-"`
}

// NewRequest assembles a request from any supported message input:
// a plain string, a protocol.Message, a []protocol.Message or a
// *Message builder.
func NewRequest(input any, params Params, options Options, headers map[string]string) (*Request, error) {
	req := &Request{
		Params:  params,
		Options: options,
		Headers: headers,
	}
	switch v := input.(type) {
	case nil:
		// Assembled incrementally by the caller.
	case string:
		req.Messages = []protocol.Message{protocol.NewUserMessage(v)}
	case protocol.Message:
		req.Messages = []protocol.Message{v}
	case []protocol.Message:
		req.Messages = v
	case *Message:
		req.Messages = v.Render()
		req.Source = v
	default:
		return nil, &InvalidInputError{Input: input}
	}
	if model, ok := req.Params["model"].(string); ok {
		req.Model = model
	}
	return req, nil
}

// LastUserText returns the text of the last user message, used as the
// retrieval query by memories.
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == protocol.RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// InvalidInputError reports an unsupported message input type.
type InvalidInputError struct {
	Input any
}

func (e *InvalidInputError) Error() string {
	return "unsupported chat input type; expected string, message, message slice or builder"
}

// EmbeddingRequest is the unified embedding request.
type EmbeddingRequest struct {
	Input   []string `json:"input"`
	Model   string   `json:"model,omitempty"`
	Params  Params   `json:"params,omitempty"`
	Options Options  `json:"options,omitempty"`

	// Single tracks whether the caller passed one string rather than a
	// batch, so the result can collapse back to one vector.
	Single bool `json:"-"`
}

// NewEmbeddingRequest accepts a string or a []string input.
func NewEmbeddingRequest(input any, params Params, options Options) (*EmbeddingRequest, error) {
	req := &EmbeddingRequest{Params: params, Options: options}
	switch v := input.(type) {
	case string:
		req.Input = []string{v}
		req.Single = true
	case []string:
		req.Input = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &InvalidInputError{Input: input}
			}
			req.Input = append(req.Input, s)
		}
	default:
		return nil, &InvalidInputError{Input: input}
	}
	if model, ok := req.Params["model"].(string); ok {
		req.Model = model
	}
	return req, nil
}

// MergeHeaders layers override headers on top of base.
func MergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
