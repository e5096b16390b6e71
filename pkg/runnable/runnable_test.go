package runnable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/protocol"
)

func upper() *TransformNode {
	return NewTransform(func(ctx context.Context, input any) (any, error) {
		return strings.ToUpper(input.(string)), nil
	})
}

func suffix(s string) *TransformNode {
	return NewTransform(func(ctx context.Context, input any) (any, error) {
		return fmt.Sprintf("%v%s", input, s), nil
	})
}

func TestSequence_RunChainsOutputs(t *testing.T) {
	seq := upper().To(suffix("!")).To(suffix("?"))

	out, err := seq.Run(context.Background(), "hello", nil, chat.Options{})
	require.NoError(t, err)
	assert.Equal(t, "HELLO!?", out)
	assert.Equal(t, 3, seq.Len())
}

func TestSequence_ToIsImmutable(t *testing.T) {
	base := NewSequence(upper())
	longer := base.To(suffix("!"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, longer.Len())
	assert.Len(t, base.Steps(), 1)
}

func TestSequence_ErrorStopsPipeline(t *testing.T) {
	boom := errors.New("transform failed")
	var reached bool
	seq := NewSequence(
		NewTransform(func(ctx context.Context, input any) (any, error) { return nil, boom }),
		NewTransform(func(ctx context.Context, input any) (any, error) {
			reached = true
			return input, nil
		}),
	)

	_, err := seq.Run(context.Background(), "x", nil, chat.Options{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, reached)
}

func TestSequence_OptionPrecedence(t *testing.T) {
	var seen chat.Options
	probe := NewTransform(func(ctx context.Context, input any) (any, error) { return input, nil })

	seq := NewSequence(probe).WithOptions(chat.Options{Provider: "openai", Timeout: 5}).(*Sequence)

	// Sequence-level options reach the steps merged with runtime ones.
	spy := &optionSpy{onRun: func(o chat.Options) { seen = o }}
	seq = seq.To(spy)

	_, err := seq.Run(context.Background(), "x", nil, chat.Options{Timeout: 9})
	require.NoError(t, err)
	assert.Equal(t, "openai", seen.Provider)
	assert.Equal(t, 9, seen.Timeout, "runtime options override sequence options")
}

// optionSpy records the options a sequence hands to its steps.
type optionSpy struct {
	onRun func(chat.Options)
}

func (s *optionSpy) Name() string                           { return "spy" }
func (s *optionSpy) WithName(string) Runnable               { return s }
func (s *optionSpy) WithParams(chat.Params) Runnable        { return s }
func (s *optionSpy) WithOptions(chat.Options) Runnable      { return s }
func (s *optionSpy) To(next Runnable) *Sequence             { return NewSequence(s, next) }
func (s *optionSpy) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	s.onRun(options)
	return input, nil
}
func (s *optionSpy) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	return s.Run(ctx, input, params, options)
}

func TestSequence_FormatSugar(t *testing.T) {
	var seen chat.Options
	spy := &optionSpy{onRun: func(o chat.Options) { seen = o }}

	_, err := NewSequence(spy).AsJSON().Run(context.Background(), "x", nil, chat.Options{})
	require.NoError(t, err)
	assert.Equal(t, llms.FormatJSON, seen.ReturnFormat)

	type answer struct {
		Text string `json:"text"`
	}
	_, err = NewSequence(spy).StructuredOutput(answer{}).Run(context.Background(), "x", nil, chat.Options{})
	require.NoError(t, err)
	assert.IsType(t, answer{}, seen.ReturnFormat)
}

func TestMessageNode_Run(t *testing.T) {
	builder := chat.NewMessage().System("You explain ${topic}.").User("Start with basics.")
	node := NewMessage(builder)
	ctx := context.Background()

	t.Run("map binds placeholders", func(t *testing.T) {
		out, err := node.Run(ctx, map[string]any{"topic": "Go"}, nil, chat.Options{})
		require.NoError(t, err)
		msgs := out.([]protocol.Message)
		assert.Equal(t, "You explain Go.", msgs[0].Content)
	})

	t.Run("string appends a user message", func(t *testing.T) {
		out, err := node.Run(ctx, "And then channels.", nil, chat.Options{})
		require.NoError(t, err)
		msgs := out.([]protocol.Message)
		require.Len(t, msgs, 3)
		assert.Equal(t, "And then channels.", msgs[2].Content)
	})

	t.Run("builder stays unchanged", func(t *testing.T) {
		assert.Equal(t, 2, builder.Len())
	})

	t.Run("unsupported input", func(t *testing.T) {
		_, err := node.Run(ctx, 42, nil, chat.Options{})
		assert.Error(t, err)
	})
}

func TestMessageNode_FeedsNextStep(t *testing.T) {
	node := NewMessage(chat.NewMessage().User("question"))
	count := NewTransform(func(ctx context.Context, input any) (any, error) {
		return len(input.([]protocol.Message)), nil
	})

	out, err := node.To(count).Run(context.Background(), nil, nil, chat.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestSequence_StreamRunsEarlierStepsSynchronously(t *testing.T) {
	seq := upper().To(suffix("!"))

	out, err := seq.Stream(context.Background(), "hi", nil, chat.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "HI!", out, "transforms have no chunks; the value passes through")

	empty := NewSequence()
	out, err = empty.Stream(context.Background(), "passthrough", nil, chat.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "passthrough", out)
}

func TestWithNameClones(t *testing.T) {
	node := upper()
	renamed := node.WithName("shout")
	assert.Equal(t, "transform", node.Name())
	assert.Equal(t, "shout", renamed.Name())

	seq := NewSequence(node)
	renamedSeq := seq.WithName("pipeline")
	assert.Equal(t, "sequence", seq.Name())
	assert.Equal(t, "pipeline", renamedSeq.Name())
}
