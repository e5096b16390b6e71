// Package audit records AI operations as trees of timed spans. Spans
// are opened and closed either explicitly or by an interceptor that
// listens on the lifecycle event bus, then sanitized and persisted to
// a pluggable store. Audit failures are logged and never surface to
// the operation being recorded.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Span types.
const (
	SpanAgent    = "agent"
	SpanModel    = "model"
	SpanTool     = "tool"
	SpanWorkflow = "workflow"
	SpanEmbed    = "embed"
)

// Tokens is the token usage attributed to one span.
type Tokens struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Entry is one recorded span.
type Entry struct {
	SpanID       string         `json:"spanId"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	TraceID      string         `json:"traceId"`
	SpanType     string         `json:"spanType"`
	Operation    string         `json:"operation"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime"`
	Input        any            `json:"input,omitempty"`
	Output       any            `json:"output,omitempty"`
	Tokens       Tokens         `json:"tokens"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Duration returns the span's wall time.
func (e Entry) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Span is an open, not yet recorded span.
type Span struct {
	id       string
	parentID string
	traceID  string
	spanType string
	op       string
	started  time.Time
	input    any
	metadata map[string]any
}

// ID returns the span id.
func (s *Span) ID() string { return s.id }

// TraceID returns the trace this span belongs to.
func (s *Span) TraceID() string { return s.traceID }

// SetMetadata attaches a metadata key to the span.
func (s *Span) SetMetadata(key string, value any) {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func newSpan(parent *Span, spanType, operation string, input any) *Span {
	s := &Span{
		id:       uuid.NewString(),
		spanType: spanType,
		op:       operation,
		started:  time.Now(),
		input:    input,
	}
	if parent != nil {
		s.parentID = parent.id
		s.traceID = parent.traceID
	} else {
		s.traceID = uuid.NewString()
	}
	return s
}

func (s *Span) entry(output any, tokens Tokens, err error) Entry {
	e := Entry{
		SpanID:       s.id,
		ParentSpanID: s.parentID,
		TraceID:      s.traceID,
		SpanType:     s.spanType,
		Operation:    s.op,
		StartTime:    s.started,
		EndTime:      time.Now(),
		Input:        s.input,
		Output:       output,
		Tokens:       tokens,
		Metadata:     s.metadata,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
