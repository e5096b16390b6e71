// Package events implements the lifecycle event bus. Every AI operation
// announces itself here; handlers are registered per event name and
// failures in handlers never propagate back to the operation that
// emitted them.
package events

import (
	"log/slog"
	"sync"
)

// Event names covering the full request lifecycle.
const (
	BeforeAIRequest    = "beforeAIRequest"
	AfterAIRequest     = "afterAIRequest"
	OnAIStreamChunk    = "onAIStreamChunk"
	BeforeAIAgentRun   = "beforeAIAgentRun"
	AfterAIAgentRun    = "afterAIAgentRun"
	BeforeAIToolExec   = "beforeAIToolExecute"
	AfterAIToolExec    = "afterAIToolExecute"
	BeforeAIEmbed      = "beforeAIEmbed"
	AfterAIEmbed       = "afterAIEmbed"
	OnAIRateLimitHit   = "onAIRateLimitHit"
	OnAIError          = "onAIError"
	OnAIAgentIteration = "onAIAgentIteration"
	OnAIAgentMaxIter   = "onAIAgentMaxIterations"
	OnAIMemoryAdd      = "onAIMemoryAdd"
	OnAIIngestComplete = "onAIIngestComplete"
)

// Payload is the structured data attached to an event.
type Payload map[string]any

// Handler receives an event name plus its payload. Handlers run on the
// emitting goroutine; long handlers delay the operation that fired them.
type Handler func(name string, data Payload)

// Bus dispatches events to registered handlers. The zero value is not
// usable; call NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wildcard []Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// On registers a handler for a single event name. The name "*" receives
// every event.
func (b *Bus) On(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "*" {
		b.wildcard = append(b.wildcard, h)
		return
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit dispatches an event. Handler panics are recovered and logged so
// that instrumentation can never break the request path.
func (b *Bus) Emit(name string, data Payload) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[name])+len(b.wildcard))
	hs = append(hs, b.handlers[name]...)
	hs = append(hs, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.safeCall(h, name, data)
	}
}

func (b *Bus) safeCall(h Handler, name string, data Payload) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	h(name, data)
}

// Clear removes every registered handler. Used by tests.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]Handler)
	b.wildcard = nil
}

var (
	defaultBus  *Bus
	defaultOnce sync.Once
)

// Default returns the process-wide bus.
func Default() *Bus {
	defaultOnce.Do(func() { defaultBus = NewBus() })
	return defaultBus
}

// Emit dispatches on the default bus.
func Emit(name string, data Payload) { Default().Emit(name, data) }

// On registers on the default bus.
func On(name string, h Handler) { Default().On(name, h) }
