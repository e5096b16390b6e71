// Package agent implements the tool-calling run loop: prepare the
// conversation from instructions, memory and input, invoke the model,
// dispatch requested tools, and repeat until the model answers in
// prose or the iteration cap is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/events"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/protocol"
	"github.com/modelkit/modelkit/pkg/runnable"
	"github.com/modelkit/modelkit/pkg/tools"
)

const defaultMaxIterations = 5

// Agent is a configured tool-loop runner. Configuration methods clone,
// so a prepared agent can be shared and specialized per call.
type Agent struct {
	name          string
	instructions  string
	model         string
	params        chat.Params
	options       chat.Options
	headers       map[string]string
	registry      *tools.Registry
	stores        []memory.Memory
	maxIterations int
	settings      *config.Settings
}

// Result is the outcome of one agent run.
type Result struct {
	// Answer is the model's final prose reply.
	Answer string

	// Messages is the full conversation including tool traffic.
	Messages []protocol.Message

	// Iterations counts model invocations made during the run.
	Iterations int

	// Response is the final provider response. Nil when the run was
	// streamed without tools; the chunks already carried the turn.
	Response *llms.Response

	// HitMaxIterations is set when the loop stopped on the cap with
	// tool calls still pending.
	HitMaxIterations bool
}

// New creates an agent with the given name.
func New(name string) *Agent {
	return &Agent{name: name, registry: tools.NewRegistry()}
}

func (a *Agent) clone() *Agent {
	clone := *a
	clone.stores = append([]memory.Memory(nil), a.stores...)
	return &clone
}

// Instructions sets the system prompt.
func (a *Agent) Instructions(text string) *Agent {
	clone := a.clone()
	clone.instructions = text
	return clone
}

// Model sets the model identifier passed to the provider.
func (a *Agent) Model(model string) *Agent {
	clone := a.clone()
	clone.model = model
	return clone
}

// Params sets default sampling parameters.
func (a *Agent) Params(params chat.Params) *Agent {
	clone := a.clone()
	clone.params = a.params.Merge(params)
	return clone
}

// Options sets default request options.
func (a *Agent) Options(options chat.Options) *Agent {
	clone := a.clone()
	clone.options = a.options.Merge(options)
	return clone
}

// Headers sets extra HTTP headers sent with every provider call.
func (a *Agent) Headers(headers map[string]string) *Agent {
	clone := a.clone()
	clone.headers = chat.MergeHeaders(a.headers, headers)
	return clone
}

// Tools registers callable tools. Registration failures surface on the
// next Run.
func (a *Agent) Tools(list ...*tools.Tool) *Agent {
	clone := a.clone()
	registry := tools.NewRegistry()
	for _, t := range a.registry.List() {
		registry.Register(t)
	}
	for _, t := range list {
		registry.Register(t)
	}
	clone.registry = registry
	return clone
}

// Registry replaces the tool registry wholesale.
func (a *Agent) Registry(registry *tools.Registry) *Agent {
	clone := a.clone()
	clone.registry = registry
	return clone
}

// Memory attaches a conversation store; call repeatedly to attach
// several. Every turn of a run is written to all attached stores, and
// retrieval-capable ones contribute history to each run.
func (a *Agent) Memory(stores ...memory.Memory) *Agent {
	clone := a.clone()
	for _, store := range stores {
		if store != nil {
			clone.stores = append(clone.stores, store)
		}
	}
	return clone
}

// MaxIterations caps model invocations per run. Zero means the
// default of 5.
func (a *Agent) MaxIterations(n int) *Agent {
	clone := a.clone()
	clone.maxIterations = n
	return clone
}

// Settings binds module settings for provider resolution.
func (a *Agent) Settings(settings *config.Settings) *Agent {
	clone := a.clone()
	clone.settings = settings
	return clone
}

func (a *Agent) effectiveSettings() *config.Settings {
	if a.settings != nil {
		return a.settings
	}
	return config.Default()
}

func (a *Agent) iterations() int {
	if a.maxIterations > 0 {
		return a.maxIterations
	}
	return defaultMaxIterations
}

// prepare assembles the starting conversation: instructions first,
// then remembered history, then the caller's input.
func (a *Agent) prepare(ctx context.Context, input any, params chat.Params, options chat.Options) (*chat.Request, error) {
	req, err := chat.NewRequest(input, a.params.Merge(params), a.options.Merge(options), a.headers)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = a.model
	}

	var history []protocol.Message
	for _, store := range a.stores {
		retriever, ok := store.(memory.Retriever)
		if !ok {
			continue
		}
		entries, err := retriever.Retrieve(ctx, req.LastUserText(), 0)
		if err != nil {
			return nil, fmt.Errorf("memory retrieval failed: %w", err)
		}
		for _, entry := range entries {
			if entry.Role == protocol.RoleSystem {
				continue
			}
			history = append(history, protocol.NewMessage(entry.Role, entry.Content))
		}
	}

	messages := make([]protocol.Message, 0, len(req.Messages)+len(history)+1)
	if a.instructions != "" {
		messages = append(messages, protocol.NewSystemMessage(a.instructions))
	}
	messages = append(messages, history...)
	messages = append(messages, req.Messages...)
	req.Messages = messages
	return req, nil
}

// Run executes the tool loop to completion.
func (a *Agent) Run(ctx context.Context, input any) (*Result, error) {
	return a.run(ctx, input, nil, chat.Options{}, nil)
}

// RunWith executes the loop with per-call parameter and option
// overrides.
func (a *Agent) RunWith(ctx context.Context, input any, params chat.Params, options chat.Options) (*Result, error) {
	return a.run(ctx, input, params, options, nil)
}

// RunStream executes the loop and streams it. When no tools are
// registered the single turn streams provider-native chunks directly.
// With tools, each intermediate turn emits one synthetic chunk
// carrying its toolCalls, and the closing turn's text arrives as a
// final content chunk identical to Result.Answer.
func (a *Agent) RunStream(ctx context.Context, input any, onChunk llms.StreamCallback) (*Result, error) {
	return a.run(ctx, input, nil, chat.Options{}, onChunk)
}

func (a *Agent) run(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (*Result, error) {
	settings := a.effectiveSettings()
	req, err := a.prepare(ctx, input, params, options)
	if err != nil {
		return nil, err
	}

	events.Emit(events.BeforeAIAgentRun, events.Payload{
		"agent": a.name,
		"tools": a.registry.Count(),
	})
	started := time.Now()

	if a.registry.Count() > 0 {
		if req.Params == nil {
			req.Params = chat.Params{}
		}
		req.Params["tools"] = a.registry.Schemas()
	}

	result := &Result{}
	userText := req.LastUserText()

	if userText != "" {
		if err := a.persist(ctx, protocol.NewMemoryEntry(protocol.RoleUser, userText)); err != nil {
			return nil, err
		}
	}

	if onChunk != nil && a.registry.Count() == 0 {
		// No tools can be requested, so the first turn is the final
		// turn; stream it directly.
		var answer strings.Builder
		err := llms.ExecuteStream(ctx, settings, req, func(chunk map[string]any) {
			answer.WriteString(llms.ChunkText(chunk))
			onChunk(chunk)
		})
		if err != nil {
			return nil, err
		}
		result.Iterations = 1
		result.Answer = answer.String()
		req.Messages = append(req.Messages, protocol.NewAssistantMessage(result.Answer))
		return a.finish(ctx, req, result, started)
	}

	max := a.iterations()
	for i := 0; i < max; i++ {
		resp, err := llms.ExecuteRaw(ctx, settings, req)
		if err != nil {
			return nil, err
		}
		result.Iterations++
		result.Response = resp

		calls := resp.ToolCalls()
		events.Emit(events.OnAIAgentIteration, events.Payload{
			"agent":     a.name,
			"iteration": result.Iterations,
			"toolCalls": len(calls),
		})

		if len(calls) == 0 {
			result.Answer = resp.FirstText()
			req.Messages = append(req.Messages, protocol.NewAssistantMessage(result.Answer))
			if onChunk != nil {
				// The turn had to resolve before it was known to be
				// final; its text reaches the stream in one chunk.
				onChunk(map[string]any{"content": result.Answer, "done": true})
			}
			break
		}

		if onChunk != nil {
			onChunk(map[string]any{"toolCalls": toolCallPayload(calls)})
		}

		assistant := protocol.NewAssistantMessage(resp.FirstText()).WithToolCalls(calls)
		req.Messages = append(req.Messages, assistant)

		request := protocol.NewMemoryEntry(protocol.RoleAssistant, resp.FirstText())
		request.Metadata = map[string]any{"toolCalls": toolCallPayload(calls)}
		if err := a.persist(ctx, request); err != nil {
			return nil, err
		}

		for _, call := range calls {
			msg := a.dispatch(ctx, call)
			req.Messages = append(req.Messages, msg)

			entry := protocol.NewMemoryEntry(protocol.RoleTool, msg.Content)
			entry.Metadata = map[string]any{"tool": call.Name, "toolCallId": call.ID}
			if err := a.persist(ctx, entry); err != nil {
				return nil, err
			}
		}

		if i == max-1 {
			result.HitMaxIterations = true
			result.Answer = resp.FirstText()
			events.Emit(events.OnAIAgentMaxIter, events.Payload{
				"agent":      a.name,
				"iterations": result.Iterations,
			})
			slog.Warn("agent hit iteration cap with tool calls pending",
				"agent", a.name, "iterations", result.Iterations)
		}
	}

	return a.finish(ctx, req, result, started)
}

// finish persists the final answer, seals the result and closes the
// run event pair.
func (a *Agent) finish(ctx context.Context, req *chat.Request, result *Result, started time.Time) (*Result, error) {
	if result.Answer != "" && !result.HitMaxIterations {
		if err := a.persist(ctx, protocol.NewMemoryEntry(protocol.RoleAssistant, result.Answer)); err != nil {
			return nil, err
		}
	}
	result.Messages = req.Messages
	events.Emit(events.AfterAIAgentRun, events.Payload{
		"agent":      a.name,
		"iterations": result.Iterations,
		"durationMs": time.Since(started).Milliseconds(),
	})
	return result, nil
}

// toolCallPayload renders tool calls as plain maps for stream chunks
// and memory metadata.
func toolCallPayload(calls []protocol.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		out = append(out, map[string]any{
			"id":        call.ID,
			"name":      call.Name,
			"arguments": string(call.RawArgs()),
		})
	}
	return out
}

// dispatch executes one tool call. An unknown tool does not abort the
// run; the model sees the failure as the tool result and can recover.
func (a *Agent) dispatch(ctx context.Context, call protocol.ToolCall) protocol.Message {
	events.Emit(events.BeforeAIToolExec, events.Payload{
		"agent": a.name,
		"tool":  call.Name,
	})
	started := time.Now()

	output, err := a.registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		var notFound *tools.ErrToolNotFound
		if errors.As(err, &notFound) {
			output = fmt.Sprintf("tool %q is not available", call.Name)
		} else {
			output = fmt.Sprintf("tool %q failed: %v", call.Name, err)
		}
	}

	events.Emit(events.AfterAIToolExec, events.Payload{
		"agent":      a.name,
		"tool":       call.Name,
		"durationMs": time.Since(started).Milliseconds(),
		"failed":     err != nil,
	})
	return protocol.NewToolMessage(call.ID, call.Name, output)
}

// persist writes one entry to every attached memory.
func (a *Agent) persist(ctx context.Context, entry protocol.MemoryEntry) error {
	for _, store := range a.stores {
		if err := store.Add(ctx, entry); err != nil {
			return fmt.Errorf("failed to persist %s turn: %w", entry.Role, err)
		}
	}
	return nil
}

// AsTool exposes the agent as a callable tool so other agents can
// delegate to it.
func (a *Agent) AsTool() *tools.Tool {
	description := a.instructions
	if description == "" {
		description = "delegate a task to the " + a.name + " agent"
	}
	return tools.New(a.name, description, func(ctx context.Context, args map[string]any) (any, error) {
		input, _ := args["input"].(string)
		result, err := a.Run(ctx, input)
		if err != nil {
			return nil, err
		}
		return result.Answer, nil
	}).Args("input").Describe("input", "the task or question for the agent")
}

// Node adapts the agent to the pipeline interface.
func (a *Agent) Node() runnable.Runnable {
	return &agentNode{agent: a}
}

type agentNode struct {
	agent *Agent
}

func (n *agentNode) Name() string { return n.agent.name }

func (n *agentNode) WithName(name string) runnable.Runnable {
	clone := n.agent.clone()
	clone.name = name
	return &agentNode{agent: clone}
}

func (n *agentNode) WithParams(params chat.Params) runnable.Runnable {
	return &agentNode{agent: n.agent.Params(params)}
}

func (n *agentNode) WithOptions(options chat.Options) runnable.Runnable {
	return &agentNode{agent: n.agent.Options(options)}
}

func (n *agentNode) To(next runnable.Runnable) *runnable.Sequence {
	return runnable.NewSequence(n, next)
}

func (n *agentNode) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	result, err := n.agent.RunWith(ctx, input, params, options)
	if err != nil {
		return nil, err
	}
	return result.Answer, nil
}

func (n *agentNode) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	result, err := n.agent.run(ctx, input, params, options, onChunk)
	if err != nil {
		return nil, err
	}
	return result.Answer, nil
}
