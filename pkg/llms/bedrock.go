package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/events"
	"github.com/modelkit/modelkit/pkg/protocol"
)

const bedrockDefaultEmbedModel = "amazon.titan-embed-text-v2:0"

// bedrockService adapts the unified request model to the AWS Bedrock
// Converse API. Unlike the HTTP adapters it rides on the AWS SDK, so
// error classification works through smithy error types instead of raw
// status codes. Streaming events are normalized into OpenAI-compatible
// chunk maps so downstream consumers handle one streaming shape.
type bedrockService struct {
	cfg    ServiceConfig
	client *bedrockruntime.Client
}

func newBedrockService(cfg ServiceConfig) (*bedrockService, error) {
	creds := cfg.Bedrock
	if creds == nil {
		return nil, NewConfigMissing("bedrock", "AWS credentials")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	)
	if err != nil {
		return nil, &Error{Kind: KindConfigMissing, Provider: "bedrock", Message: "failed to initialize AWS config", Err: err}
	}
	return &bedrockService{cfg: cfg, client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (s *bedrockService) Name() string          { return s.cfg.Provider }
func (s *bedrockService) Config() ServiceConfig { return s.cfg }

func (s *bedrockService) Invoke(ctx context.Context, req *chat.Request) (*Response, error) {
	input, model, err := s.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	output, err := s.client.Converse(ctx, input)
	if err != nil {
		return nil, s.classify("converse", err)
	}
	return s.translateResponse(output, model)
}

func (s *bedrockService) InvokeStream(ctx context.Context, req *chat.Request, onChunk StreamCallback) error {
	converse, model, err := s.buildConverseInput(req)
	if err != nil {
		return err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         converse.ModelId,
		Messages:        converse.Messages,
		System:          converse.System,
		ToolConfig:      converse.ToolConfig,
		InferenceConfig: converse.InferenceConfig,
	}
	output, err := s.client.ConverseStream(ctx, input)
	if err != nil {
		return s.classify("converse_stream", err)
	}
	stream := output.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		for _, chunk := range normalizeBedrockEvent(event, model) {
			onChunk(chunk)
		}
	}
	if err := stream.Err(); err != nil {
		return s.classify("converse_stream", err)
	}
	return nil
}

func (s *bedrockService) Embed(ctx context.Context, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = bedrockDefaultEmbedModel
	}

	out := &EmbeddingResponse{Provider: s.cfg.Provider, Model: model}
	for _, text := range req.Input {
		body, err := json.Marshal(map[string]any{"inputText": text})
		if err != nil {
			return nil, &Error{Kind: KindInvalidArgument, Provider: s.cfg.Provider, Message: "failed to encode embedding input", Err: err}
		}
		resp, err := s.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, s.classify("invoke_model", err)
		}
		var parsed struct {
			Embedding           []float32 `json:"embedding"`
			InputTextTokenCount int       `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "unexpected embedding response shape", Err: err}
		}
		out.Embeddings = append(out.Embeddings, parsed.Embedding)
		out.Usage.PromptTokens += parsed.InputTextTokenCount
		out.Usage.TotalTokens += parsed.InputTextTokenCount
	}
	return out, nil
}

func (s *bedrockService) buildConverseInput(req *chat.Request) (*bedrockruntime.ConverseInput, string, error) {
	params := MergeServiceParams(s, req.Params)
	model := req.Model
	if model == "" {
		if m, ok := params["model"].(string); ok {
			model = m
		} else {
			model = s.cfg.Model
		}
	}

	system, messages := splitSystem(req.Messages)
	encoded, err := toBedrockMessages(messages)
	if err != nil {
		return nil, "", err
	}
	if len(encoded) == 0 {
		return nil, "", &Error{Kind: KindInvalidArgument, Provider: s.cfg.Provider, Message: "at least one user or assistant message is required"}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: encoded,
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: system},
		}
	}
	if tools, ok := params["tools"]; ok {
		input.ToolConfig = toBedrockTools(tools)
	}
	input.InferenceConfig = toBedrockInference(params)
	return input, model, nil
}

func toBedrockMessages(messages []protocol.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case protocol.RoleAssistant:
			blocks := []brtypes.ContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := any(tc.Args)
				if tc.Args == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(&input),
					},
				})
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		case protocol.RoleTool:
			out = append(out, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolResult{
						Value: brtypes.ToolResultBlock{
							ToolUseId: aws.String(m.ToolCallID),
							Content: []brtypes.ToolResultContentBlock{
								&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
							},
						},
					},
				},
			})
		default:
			blocks := []brtypes.ContentBlock{}
			if text := m.Text(); text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: text})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
		}
	}
	return out, nil
}

// toBedrockTools converts OpenAI-shape tool schemas into the Converse
// ToolConfiguration.
func toBedrockTools(tools any) *brtypes.ToolConfiguration {
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
	specs := make([]brtypes.Tool, 0, len(list))
	for _, tool := range list {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		schema := fn["parameters"]
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schema)},
		}
		if desc, ok := fn["description"].(string); ok && desc != "" {
			spec.Description = aws.String(desc)
		}
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(specs) == 0 {
		return nil
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

func toBedrockInference(params chat.Params) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if v, ok := asFloat(params["temperature"]); ok {
		cfg.Temperature = aws.Float32(float32(v))
	}
	if v, ok := asFloat(params["top_p"]); ok {
		cfg.TopP = aws.Float32(float32(v))
	}
	if v, ok := asFloat(params["max_tokens"]); ok {
		cfg.MaxTokens = aws.Int32(int32(v))
	}
	if cfg.Temperature == nil && cfg.TopP == nil && cfg.MaxTokens == nil {
		return nil
	}
	return &cfg
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (s *bedrockService) translateResponse(output *bedrockruntime.ConverseOutput, model string) (*Response, error) {
	if output == nil {
		return nil, &Error{Kind: KindProtocolError, Provider: s.cfg.Provider, Message: "empty converse response"}
	}

	msg := protocol.NewAssistantMessage("")
	if outMsg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				msg.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				call := protocol.ToolCall{}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				if v.Value.Name != nil {
					call.Name = *v.Value.Name
				}
				if v.Value.Input != nil {
					if data, err := v.Value.Input.MarshalSmithyDocument(); err == nil {
						_ = json.Unmarshal(data, &call.Args)
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
		}
	}

	resp := &Response{
		Provider: s.cfg.Provider,
		Model:    model,
		Choices: []Choice{{
			FinishReason: normalizeBedrockStop(string(output.StopReason), len(msg.ToolCalls) > 0),
			Message:      msg,
		}},
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(derefInt32(usage.InputTokens)),
			CompletionTokens: int(derefInt32(usage.OutputTokens)),
			TotalTokens:      int(derefInt32(usage.TotalTokens)),
		}
	}
	// The SDK returns typed structs, so synthesize the raw map from the
	// normalized view for the raw return format.
	resp.Raw = map[string]any{
		"model":       model,
		"stop_reason": string(output.StopReason),
		"message":     msg,
		"usage":       resp.Usage,
	}
	return resp, nil
}

func normalizeBedrockStop(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// normalizeBedrockEvent maps one Converse stream event onto zero or
// more OpenAI-compatible chunk maps.
func normalizeBedrockEvent(event brtypes.ConverseStreamOutput, model string) []map[string]any {
	delta := func(d map[string]any) map[string]any {
		return map[string]any{
			"model":   model,
			"choices": []any{map[string]any{"index": 0, "delta": d}},
		}
	}
	switch v := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		toolUse, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		call := map[string]any{"type": "function", "function": map[string]any{}}
		if toolUse.Value.ToolUseId != nil {
			call["id"] = *toolUse.Value.ToolUseId
		}
		if toolUse.Value.Name != nil {
			call["function"].(map[string]any)["name"] = *toolUse.Value.Name
		}
		return []map[string]any{delta(map[string]any{"tool_calls": []any{call}})}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := v.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			return []map[string]any{delta(map[string]any{"content": d.Value})}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if d.Value.Input == nil {
				return nil
			}
			call := map[string]any{"function": map[string]any{"arguments": *d.Value.Input}}
			return []map[string]any{delta(map[string]any{"tool_calls": []any{call}})}
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		return []map[string]any{{
			"model": model,
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         map[string]any{},
				"finish_reason": normalizeBedrockStop(string(v.Value.StopReason), false),
			}},
		}}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if v.Value.Usage == nil {
			return nil
		}
		return []map[string]any{{
			"model": model,
			"usage": map[string]any{
				"prompt_tokens":     derefInt32(v.Value.Usage.InputTokens),
				"completion_tokens": derefInt32(v.Value.Usage.OutputTokens),
				"total_tokens":      derefInt32(v.Value.Usage.TotalTokens),
			},
		}}
	default:
		return nil
	}
}

// classify maps SDK failures onto the error taxonomy, treating both
// HTTP 429 responses and throttling error codes as rate limiting.
func (s *bedrockService) classify(operation string, err error) error {
	var status int
	var message string

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			status = http.StatusTooManyRequests
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && status == 0 {
		status = respErr.HTTPStatusCode()
	}

	if status == http.StatusTooManyRequests {
		events.Emit(events.OnAIRateLimitHit, events.Payload{
			"provider":   s.cfg.Provider,
			"statusCode": status,
		})
		return &Error{
			Kind:       KindRateLimited,
			Provider:   s.cfg.Provider,
			StatusCode: status,
			Message:    "rate limited by provider",
			Err:        err,
		}
	}
	if message == "" {
		message = fmt.Sprintf("%s failed", operation)
	}
	return classifyHTTPError(s.cfg.Provider, status, message, 0, err)
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
