package llms

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/events"
	"github.com/modelkit/modelkit/pkg/protocol"
	"github.com/modelkit/modelkit/pkg/structured"
)

// Execute runs the full request path: resolve the service singleton,
// inject structured-output constraints, emit the request lifecycle
// events, invoke the provider and apply the return format. This is the
// single sync entry point shared by the facade, pipeline model nodes
// and the agent loop.
func Execute(ctx context.Context, settings *config.Settings, req *chat.Request) (any, error) {
	svc, err := ServiceFor(settings, req.Options)
	if err != nil {
		return nil, err
	}

	format := effectiveFormat(settings, req.Options)
	if err := constrainRequest(svc.Name(), req, format); err != nil {
		return nil, err
	}

	logRequest(req)
	events.Emit(events.BeforeAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    req.Model,
		"messages": req.Messages,
	})

	ctx, cancel := context.WithTimeout(ctx, req.Options.RequestTimeout())
	defer cancel()

	start := time.Now()
	resp, err := svc.Invoke(ctx, req)
	if err != nil {
		events.Emit(events.OnAIError, events.Payload{
			"provider": svc.Name(),
			"error":    err.Error(),
		})
		return nil, err
	}

	logResponse(req, resp)
	events.Emit(events.AfterAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    resp.Model,
		"duration": time.Since(start),
		"usage":    resp.Usage,
	})

	return Transform(resp, format)
}

// ExecuteRaw is Execute without return-format transformation; the
// agent loop needs the normalized response to inspect tool calls.
func ExecuteRaw(ctx context.Context, settings *config.Settings, req *chat.Request) (*Response, error) {
	svc, err := ServiceFor(settings, req.Options)
	if err != nil {
		return nil, err
	}

	logRequest(req)
	events.Emit(events.BeforeAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    req.Model,
		"messages": req.Messages,
	})

	ctx, cancel := context.WithTimeout(ctx, req.Options.RequestTimeout())
	defer cancel()

	start := time.Now()
	resp, err := svc.Invoke(ctx, req)
	if err != nil {
		events.Emit(events.OnAIError, events.Payload{
			"provider": svc.Name(),
			"error":    err.Error(),
		})
		return nil, err
	}

	logResponse(req, resp)
	events.Emit(events.AfterAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    resp.Model,
		"duration": time.Since(start),
		"usage":    resp.Usage,
	})
	return resp, nil
}

// ExecuteStream runs the streaming request path. Each provider-native
// chunk is forwarded to onChunk after the stream chunk event fires.
func ExecuteStream(ctx context.Context, settings *config.Settings, req *chat.Request, onChunk StreamCallback) error {
	svc, err := ServiceFor(settings, req.Options)
	if err != nil {
		return err
	}

	format := effectiveFormat(settings, req.Options)
	if err := constrainRequest(svc.Name(), req, format); err != nil {
		return err
	}

	logRequest(req)
	events.Emit(events.BeforeAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    req.Model,
		"stream":   true,
	})

	ctx, cancel := context.WithTimeout(ctx, req.Options.RequestTimeout())
	defer cancel()

	start := time.Now()
	err = svc.InvokeStream(ctx, req, func(chunk map[string]any) {
		events.Emit(events.OnAIStreamChunk, events.Payload{
			"provider": svc.Name(),
			"chunk":    chunk,
		})
		onChunk(chunk)
	})
	if err != nil {
		events.Emit(events.OnAIError, events.Payload{
			"provider": svc.Name(),
			"error":    err.Error(),
		})
		return err
	}

	events.Emit(events.AfterAIRequest, events.Payload{
		"provider": svc.Name(),
		"model":    req.Model,
		"duration": time.Since(start),
		"stream":   true,
	})
	return nil
}

// ExecuteEmbed runs the embedding path with its own event pair.
func ExecuteEmbed(ctx context.Context, settings *config.Settings, req *chat.EmbeddingRequest) (*EmbeddingResponse, error) {
	svc, err := ServiceFor(settings, req.Options)
	if err != nil {
		return nil, err
	}

	events.Emit(events.BeforeAIEmbed, events.Payload{
		"provider": svc.Name(),
		"count":    len(req.Input),
	})

	ctx, cancel := context.WithTimeout(ctx, req.Options.RequestTimeout())
	defer cancel()

	start := time.Now()
	resp, err := svc.Embed(ctx, req)
	if err != nil {
		events.Emit(events.OnAIError, events.Payload{
			"provider": svc.Name(),
			"error":    err.Error(),
		})
		return nil, err
	}

	events.Emit(events.AfterAIEmbed, events.Payload{
		"provider": svc.Name(),
		"model":    resp.Model,
		"count":    len(resp.Embeddings),
		"duration": time.Since(start),
	})
	return resp, nil
}

// effectiveFormat resolves the return format: per-call option first,
// then the module default.
func effectiveFormat(settings *config.Settings, options chat.Options) any {
	if options.ReturnFormat != nil {
		return options.ReturnFormat
	}
	if settings != nil && settings.ReturnFormat != "" {
		return settings.ReturnFormat
	}
	return FormatSingle
}

// constrainRequest injects the structured-output schema into the
// request when the format is a schema target: provider params get the
// native constraint and the system message gains the JSON directive.
func constrainRequest(provider string, req *chat.Request, format any) error {
	if format == nil {
		return nil
	}
	if _, isName := format.(string); isName {
		return nil
	}

	schema, err := structured.Schema(format)
	if err != nil {
		return &Error{Kind: KindInvalidArgument, Provider: provider, Message: "invalid structured output target", Err: err}
	}
	req.Params = chat.Params(structured.ConstrainParams(provider, req.Params, schema))

	directive := structured.Directive(schema)
	for i, m := range req.Messages {
		if m.Role == protocol.RoleSystem {
			req.Messages[i].Content = m.Content + "\n\n" + directive
			return nil
		}
	}
	req.Messages = append([]protocol.Message{protocol.NewSystemMessage(directive)}, req.Messages...)
	return nil
}

func logRequest(req *chat.Request) {
	if !req.Options.LogRequest && !req.Options.LogRequestToConsole {
		return
	}
	slog.Info("ai request",
		"provider", req.Options.Provider,
		"model", req.Model,
		"messages", len(req.Messages),
		"params", req.Params,
	)
}

func logResponse(req *chat.Request, resp *Response) {
	if !req.Options.LogResponse && !req.Options.LogResponseToConsole {
		return
	}
	slog.Info("ai response",
		"provider", resp.Provider,
		"model", resp.Model,
		"content", resp.FirstText(),
		"toolCalls", len(resp.ToolCalls()),
		"usage", resp.Usage,
	)
}
