// Package runnable implements composable pipelines: message builders,
// model calls, transforms and agents chained left to right, where each
// step's output feeds the next step's input. Sequences are immutable;
// every composition or configuration call returns a new value.
package runnable

import (
	"context"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
)

// Runnable is a pipeline node. Options flow with the documented
// precedence: runtime arguments override sequence-level options, which
// override the node's own.
type Runnable interface {
	Name() string
	WithName(name string) Runnable
	WithParams(params chat.Params) Runnable
	WithOptions(options chat.Options) Runnable

	// To composes this node with the next into a sequence.
	To(next Runnable) *Sequence

	Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error)

	// Stream runs the node delivering provider-native chunks. Nodes
	// without a streaming surface run synchronously and return their
	// output with no chunks emitted.
	Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error)
}

// Sequence is an ordered pipeline of runnables. The zero value is not
// usable; construct with NewSequence or To.
type Sequence struct {
	name    string
	steps   []Runnable
	params  chat.Params
	options chat.Options
}

// NewSequence builds a pipeline from the given steps.
func NewSequence(steps ...Runnable) *Sequence {
	s := &Sequence{name: "sequence"}
	s.steps = append(s.steps, steps...)
	return s
}

func (s *Sequence) Name() string { return s.name }

// Steps returns a copy of the step slice.
func (s *Sequence) Steps() []Runnable {
	out := make([]Runnable, len(s.steps))
	copy(out, s.steps)
	return out
}

// Len returns the number of steps.
func (s *Sequence) Len() int { return len(s.steps) }

func (s *Sequence) clone() *Sequence {
	clone := &Sequence{name: s.name, params: s.params, options: s.options}
	clone.steps = append(clone.steps, s.steps...)
	return clone
}

// To returns a new sequence with the step appended. The receiver is
// unchanged.
func (s *Sequence) To(next Runnable) *Sequence {
	clone := s.clone()
	clone.steps = append(clone.steps, next)
	return clone
}

func (s *Sequence) WithName(name string) Runnable {
	clone := s.clone()
	clone.name = name
	return clone
}

func (s *Sequence) WithParams(params chat.Params) Runnable {
	clone := s.clone()
	clone.params = s.params.Merge(params)
	return clone
}

func (s *Sequence) WithOptions(options chat.Options) Runnable {
	clone := s.clone()
	clone.options = s.options.Merge(options)
	return clone
}

// Run executes the steps in order, feeding each output into the next
// step.
func (s *Sequence) Run(ctx context.Context, input any, params chat.Params, options chat.Options) (any, error) {
	mergedParams := s.params.Merge(params)
	mergedOptions := s.options.Merge(options)

	value := input
	for _, step := range s.steps {
		out, err := step.Run(ctx, value, mergedParams, mergedOptions)
		if err != nil {
			return nil, err
		}
		value = out
	}
	return value, nil
}

// Stream executes every step but the last synchronously and streams
// the last one.
func (s *Sequence) Stream(ctx context.Context, input any, params chat.Params, options chat.Options, onChunk llms.StreamCallback) (any, error) {
	if len(s.steps) == 0 {
		return input, nil
	}
	mergedParams := s.params.Merge(params)
	mergedOptions := s.options.Merge(options)

	value := input
	for _, step := range s.steps[:len(s.steps)-1] {
		out, err := step.Run(ctx, value, mergedParams, mergedOptions)
		if err != nil {
			return nil, err
		}
		value = out
	}
	return s.steps[len(s.steps)-1].Stream(ctx, value, mergedParams, mergedOptions, onChunk)
}

// Return-format sugar. Each sets returnFormat on the options the
// downstream model step will see.

func (s *Sequence) AsJSON() *Sequence        { return s.withFormat(llms.FormatJSON) }
func (s *Sequence) AsXML() *Sequence         { return s.withFormat(llms.FormatXML) }
func (s *Sequence) SingleMessage() *Sequence { return s.withFormat(llms.FormatSingle) }
func (s *Sequence) AllMessages() *Sequence   { return s.withFormat(llms.FormatAll) }
func (s *Sequence) RawResponse() *Sequence   { return s.withFormat(llms.FormatRaw) }

// StructuredOutput constrains the downstream model step to the schema
// derived from target.
func (s *Sequence) StructuredOutput(target any) *Sequence { return s.withFormat(target) }

func (s *Sequence) withFormat(format any) *Sequence {
	clone := s.clone()
	clone.options = clone.options.Merge(chat.Options{ReturnFormat: format})
	return clone
}
