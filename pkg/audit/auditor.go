package audit

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/modelkit/modelkit/pkg/config"
)

// Auditor opens spans, sanitizes finished entries and hands them to
// the store. One auditor serves one process; the span stack pairs
// nested start/end calls the way the interceptor emits them.
type Auditor struct {
	settings config.AuditSettings
	store    Store

	mu    sync.Mutex
	stack []*Span

	writeCh chan Entry
	done    chan struct{}
	closed  bool
}

// New builds an auditor over the given store. Settings should have
// defaults applied.
func New(settings config.AuditSettings, store Store) *Auditor {
	a := &Auditor{settings: settings, store: store}
	if settings.AsyncWrite {
		a.writeCh = make(chan Entry, settings.BatchSize*4)
		a.done = make(chan struct{})
		go a.writer()
	}
	return a
}

// Open builds the store named in the settings and wraps it in an
// auditor.
func Open(settings config.AuditSettings) (*Auditor, error) {
	store, err := NewStore(settings.Store, settings.StoreConfig)
	if err != nil {
		return nil, err
	}
	return New(settings, store), nil
}

// Enabled reports the effective audit toggle.
func (a *Auditor) Enabled() bool { return a.settings.IsEnabled() }

// Store returns the backing store.
func (a *Auditor) Store() Store { return a.store }

// StartSpan opens a span as a child of the current one. The caller
// must close it with EndSpan.
func (a *Auditor) StartSpan(spanType, operation string, input any) *Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	var parent *Span
	if len(a.stack) > 0 {
		parent = a.stack[len(a.stack)-1]
	}
	s := newSpan(parent, spanType, operation, input)
	a.stack = append(a.stack, s)
	return s
}

// EndSpan closes the span and records it. Spans may close out of
// order; the stack drops everything above the closed span.
func (a *Auditor) EndSpan(s *Span, output any, tokens Tokens, err error) {
	if s == nil {
		return
	}
	a.mu.Lock()
	for i := len(a.stack) - 1; i >= 0; i-- {
		if a.stack[i] == s {
			a.stack = a.stack[:i]
			break
		}
	}
	a.mu.Unlock()
	a.record(s.entry(output, tokens, err))
}

// Workflow wraps arbitrary work in a workflow span.
func (a *Auditor) Workflow(operation string, fn func() error) error {
	s := a.StartSpan(SpanWorkflow, operation, nil)
	err := fn()
	a.EndSpan(s, nil, Tokens{}, err)
	return err
}

// popType closes the innermost open span of the given type. Used by
// the interceptor to pair before/after events.
func (a *Auditor) popType(spanType string) *Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.stack) - 1; i >= 0; i-- {
		if a.stack[i].spanType == spanType {
			s := a.stack[i]
			a.stack = append(a.stack[:i], a.stack[i+1:]...)
			return s
		}
	}
	return nil
}

func (a *Auditor) record(e Entry) {
	if !a.Enabled() {
		return
	}
	e = a.sanitizeEntry(e)

	if a.writeCh != nil {
		select {
		case a.writeCh <- e:
		default:
			slog.Warn("audit write queue full, dropping span", "spanId", e.SpanID)
		}
		return
	}
	if err := a.store.Write([]Entry{e}); err != nil {
		slog.Error("audit store write failed", "error", err)
	}
}

func (a *Auditor) writer() {
	batch := make([]Entry, 0, a.settings.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.store.Write(batch); err != nil {
			slog.Error("audit store write failed", "error", err)
		}
		batch = batch[:0]
	}
	for e := range a.writeCh {
		batch = append(batch, e)
		if len(batch) >= a.settings.BatchSize {
			flush()
		}
	}
	flush()
	close(a.done)
}

// Close flushes pending writes and closes the store.
func (a *Auditor) Close() error {
	a.mu.Lock()
	alreadyClosed := a.closed
	a.closed = true
	a.mu.Unlock()
	if !alreadyClosed && a.writeCh != nil {
		close(a.writeCh)
		<-a.done
	}
	return a.store.Close()
}

func (a *Auditor) sanitizeEntry(e Entry) Entry {
	if a.settings.CaptureInput {
		e.Input = a.sanitize(e.Input, a.settings.MaxInputSize)
	} else {
		e.Input = nil
	}
	if a.settings.CaptureOutput {
		e.Output = a.sanitize(e.Output, a.settings.MaxOutputSize)
	} else {
		e.Output = nil
	}
	if sanitized, ok := a.sanitize(e.Metadata, a.settings.MaxInputSize).(map[string]any); ok {
		e.Metadata = sanitized
	}
	return e
}

// sanitize redacts values under keys matching the configured patterns
// and truncates long strings.
func (a *Auditor) sanitize(value any, maxSize int) any {
	switch v := value.(type) {
	case string:
		if maxSize > 0 && len(v) > maxSize {
			return v[:maxSize]
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if a.redactKey(key) {
				out[key] = a.settings.RedactValue
				continue
			}
			out[key] = a.sanitize(val, maxSize)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = a.sanitize(val, maxSize)
		}
		return out
	default:
		return value
	}
}

func (a *Auditor) redactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range a.settings.SanitizePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
