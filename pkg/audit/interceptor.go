package audit

import (
	"github.com/modelkit/modelkit/pkg/events"
)

// spanEvents pairs before/after lifecycle events with span types.
var spanEvents = []struct {
	before   string
	after    string
	spanType string
	opKey    string
}{
	{events.BeforeAIAgentRun, events.AfterAIAgentRun, SpanAgent, "agent"},
	{events.BeforeAIRequest, events.AfterAIRequest, SpanModel, "model"},
	{events.BeforeAIToolExec, events.AfterAIToolExec, SpanTool, "tool"},
	{events.BeforeAIEmbed, events.AfterAIEmbed, SpanEmbed, "model"},
}

// Attach registers interceptor handlers on the bus so every AI
// operation is recorded as a span without explicit instrumentation.
// Nesting follows event order: an agent run opens a span, the model
// calls and tool executions inside it become children.
func (a *Auditor) Attach(bus *events.Bus) {
	for _, ev := range spanEvents {
		ev := ev
		bus.On(ev.before, func(_ string, data events.Payload) {
			if !a.Enabled() {
				return
			}
			operation, _ := data[ev.opKey].(string)
			if operation == "" {
				operation = ev.spanType
			}
			s := a.StartSpan(ev.spanType, operation, payloadInput(data))
			for _, key := range []string{"userId", "conversationId", "tenantId", "provider"} {
				if value, ok := data[key]; ok {
					s.SetMetadata(key, value)
				}
			}
		})
		bus.On(ev.after, func(_ string, data events.Payload) {
			s := a.popType(ev.spanType)
			if s == nil {
				return
			}
			a.EndSpan(s, payloadOutput(data), payloadTokens(data), nil)
		})
	}

	bus.On(events.OnAIError, func(_ string, data events.Payload) {
		a.mu.Lock()
		var s *Span
		if len(a.stack) > 0 {
			s = a.stack[len(a.stack)-1]
			a.stack = a.stack[:len(a.stack)-1]
		}
		a.mu.Unlock()
		if s == nil {
			return
		}
		message, _ := data["error"].(string)
		a.record(s.entry(nil, Tokens{}, errorString(message)))
	})
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errorString(message string) error {
	if message == "" {
		message = "unknown error"
	}
	return stringError(message)
}

func payloadInput(data events.Payload) any {
	for _, key := range []string{"messages", "input", "args", "request"} {
		if value, ok := data[key]; ok {
			return value
		}
	}
	return nil
}

func payloadOutput(data events.Payload) any {
	for _, key := range []string{"response", "output", "result", "answer"} {
		if value, ok := data[key]; ok {
			return value
		}
	}
	return nil
}

func payloadTokens(data events.Payload) Tokens {
	usage, ok := data["usage"].(map[string]any)
	if !ok {
		return Tokens{}
	}
	return Tokens{
		Prompt:     intValue(usage["promptTokens"]),
		Completion: intValue(usage["completionTokens"]),
		Total:      intValue(usage["totalTokens"]),
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
