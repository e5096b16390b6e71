package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_OnEmit(t *testing.T) {
	bus := NewBus()

	var got []Payload
	bus.On(BeforeAIRequest, func(name string, data Payload) {
		assert.Equal(t, BeforeAIRequest, name)
		got = append(got, data)
	})

	bus.Emit(BeforeAIRequest, Payload{"model": "gpt-4o-mini"})
	bus.Emit(AfterAIRequest, Payload{"response": "ignored"})

	assert.Len(t, got, 1)
	assert.Equal(t, "gpt-4o-mini", got[0]["model"])
}

func TestBus_Wildcard(t *testing.T) {
	bus := NewBus()

	var names []string
	bus.On("*", func(name string, data Payload) { names = append(names, name) })

	bus.Emit(BeforeAIRequest, nil)
	bus.Emit(OnAIError, nil)

	assert.Equal(t, []string{BeforeAIRequest, OnAIError}, names)
}

func TestBus_MultipleHandlersInOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.On(OnAIMemoryAdd, func(string, Payload) { order = append(order, 1) })
	bus.On(OnAIMemoryAdd, func(string, Payload) { order = append(order, 2) })

	bus.Emit(OnAIMemoryAdd, nil)
	assert.Equal(t, []int{1, 2}, order)
}

func TestBus_PanicDoesNotPropagate(t *testing.T) {
	bus := NewBus()

	var reached bool
	bus.On(OnAIError, func(string, Payload) { panic("handler exploded") })
	bus.On(OnAIError, func(string, Payload) { reached = true })

	assert.NotPanics(t, func() { bus.Emit(OnAIError, nil) })
	assert.True(t, reached, "later handlers still run after a panic")
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()

	var calls int
	bus.On(BeforeAIRequest, func(string, Payload) { calls++ })
	bus.On("*", func(string, Payload) { calls++ })

	bus.Clear()
	bus.Emit(BeforeAIRequest, nil)
	assert.Zero(t, calls)
}

func TestBus_NilHandlerIgnored(t *testing.T) {
	bus := NewBus()
	bus.On(BeforeAIRequest, nil)
	assert.NotPanics(t, func() { bus.Emit(BeforeAIRequest, nil) })
}

func TestDefaultBus(t *testing.T) {
	assert.Same(t, Default(), Default())
}
