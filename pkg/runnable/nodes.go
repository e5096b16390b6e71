package runnable

import (
	"context"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// MessageNode renders a conversation builder. A map input binds
// placeholders; any other message input is appended to a clone of the
// builder. The output is the rendered message slice, ready for a model
// step.
type MessageNode struct {
	name    string
	builder *chat.Message
}

// NewMessage wraps a builder as a pipeline step.
func NewMessage(builder *chat.Message) *MessageNode {
	if builder == nil {
		builder = chat.NewMessage()
	}
	return &MessageNode{name: "message", builder: builder}
}

func (n *MessageNode) Name() string { return n.name }

func (n *MessageNode) WithName(name string) Runnable {
	return &MessageNode{name: name, builder: n.builder}
}

// WithParams has nothing to configure on a message node; it returns
// the receiver unchanged for interface symmetry.
func (n *MessageNode) WithParams(chat.Params) Runnable   { return n }
func (n *MessageNode) WithOptions(chat.Options) Runnable { return n }
func (n *MessageNode) To(next Runnable) *Sequence        { return NewSequence(n, next) }

func (n *MessageNode) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	clone := n.builder.Clone()
	switch v := input.(type) {
	case nil:
		return clone.Render(), nil
	case map[string]any:
		return clone.Format(v), nil
	case string:
		return clone.User(v).Render(), nil
	case protocol.Message:
		return clone.AddMessage(v).Render(), nil
	case []protocol.Message:
		return clone.History(v).Render(), nil
	case *chat.Message:
		return clone.History(v).Render(), nil
	default:
		return nil, &chat.InvalidInputError{Input: input}
	}
}

func (n *MessageNode) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	return n.Run(ctx, input, params, options)
}

// ModelNode invokes a provider service with the step input as the
// conversation.
type ModelNode struct {
	name     string
	settings *config.Settings
	params   chat.Params
	options  chat.Options
}

// NewModel creates a model step bound to the given module settings.
func NewModel(settings *config.Settings, params chat.Params, options chat.Options) *ModelNode {
	if settings == nil {
		settings = config.Default()
	}
	return &ModelNode{name: "model", settings: settings, params: params, options: options}
}

func (n *ModelNode) Name() string { return n.name }

func (n *ModelNode) clone() *ModelNode {
	return &ModelNode{name: n.name, settings: n.settings, params: n.params, options: n.options}
}

func (n *ModelNode) WithName(name string) Runnable {
	clone := n.clone()
	clone.name = name
	return clone
}

func (n *ModelNode) WithParams(params chat.Params) Runnable {
	clone := n.clone()
	clone.params = n.params.Merge(params)
	return clone
}

func (n *ModelNode) WithOptions(options chat.Options) Runnable {
	clone := n.clone()
	clone.options = n.options.Merge(options)
	return clone
}

func (n *ModelNode) To(next Runnable) *Sequence { return NewSequence(n, next) }

func (n *ModelNode) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	req, err := n.request(input, params, options)
	if err != nil {
		return nil, err
	}
	return llms.Execute(ctx, n.settings, req)
}

func (n *ModelNode) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	req, err := n.request(input, params, options)
	if err != nil {
		return nil, err
	}
	return nil, llms.ExecuteStream(ctx, n.settings, req, onChunk)
}

func (n *ModelNode) request(input any, params chat.Params, options chat.Options) (*chat.Request, error) {
	return chat.NewRequest(input, n.params.Merge(params), n.options.Merge(options), nil)
}

// TransformFunc reshapes a step value. Transforms accept options for
// signature compatibility but do not consume them; the sequence
// propagates options to later steps regardless.
type TransformFunc func(ctx context.Context, input any) (any, error)

// TransformNode applies a pure function to the step input.
type TransformNode struct {
	name string
	fn   TransformFunc
}

// NewTransform wraps a function as a pipeline step.
func NewTransform(fn TransformFunc) *TransformNode {
	return &TransformNode{name: "transform", fn: fn}
}

func (n *TransformNode) Name() string { return n.name }

func (n *TransformNode) WithName(name string) Runnable {
	return &TransformNode{name: name, fn: n.fn}
}

func (n *TransformNode) WithParams(chat.Params) Runnable   { return n }
func (n *TransformNode) WithOptions(chat.Options) Runnable { return n }
func (n *TransformNode) To(next Runnable) *Sequence        { return NewSequence(n, next) }

func (n *TransformNode) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	return n.fn(ctx, input)
}

func (n *TransformNode) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	return n.fn(ctx, input)
}
