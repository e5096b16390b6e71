package audit

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/events"
)

func enabledSettings() config.AuditSettings {
	enabled := true
	s := config.AuditSettings{
		Enabled:       &enabled,
		CaptureInput:  true,
		CaptureOutput: true,
	}
	s.SetDefaults()
	return s
}

func TestAuditor_SpanNesting(t *testing.T) {
	store := NewMemoryStore(10)
	a := New(enabledSettings(), store)

	parent := a.StartSpan(SpanAgent, "assistant", "question")
	child := a.StartSpan(SpanModel, "gpt-4o-mini", nil)

	assert.Equal(t, parent.TraceID(), child.TraceID())

	a.EndSpan(child, "answer", Tokens{Prompt: 10, Completion: 5, Total: 15}, nil)
	a.EndSpan(parent, "answer", Tokens{}, nil)

	entries, err := store.Query(Query{TraceID: parent.TraceID()})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byType := map[string]Entry{}
	for _, e := range entries {
		byType[e.SpanType] = e
	}
	assert.Equal(t, byType[SpanAgent].SpanID, byType[SpanModel].ParentSpanID)
	assert.Empty(t, byType[SpanAgent].ParentSpanID)
	assert.Equal(t, 15, byType[SpanModel].Tokens.Total)
}

func TestAuditor_Workflow(t *testing.T) {
	store := NewMemoryStore(10)
	a := New(enabledSettings(), store)

	err := a.Workflow("nightly-ingest", func() error {
		inner := a.StartSpan(SpanEmbed, "text-embedding-3-small", nil)
		a.EndSpan(inner, nil, Tokens{}, nil)
		return fmt.Errorf("partial failure")
	})
	require.Error(t, err)

	entries, err := store.Query(Query{SpanType: SpanWorkflow})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nightly-ingest", entries[0].Operation)
	assert.Equal(t, "partial failure", entries[0].Error)
}

func TestAuditor_Sanitization(t *testing.T) {
	store := NewMemoryStore(10)
	settings := enabledSettings()
	settings.MaxInputSize = 10
	a := New(settings, store)

	s := a.StartSpan(SpanModel, "chat", map[string]any{
		"prompt":      "this string is longer than ten characters",
		"apiKey":      "sk-secret",
		"user_token":  "abc",
		"nested":      map[string]any{"password": "hunter2", "ok": "fine"},
		"temperature": 0.7,
	})
	a.EndSpan(s, nil, Tokens{}, nil)

	entries, _ := store.Query(Query{})
	require.Len(t, entries, 1)
	input := entries[0].Input.(map[string]any)

	assert.Equal(t, "[REDACTED]", input["apiKey"])
	assert.Equal(t, "[REDACTED]", input["user_token"], "pattern matches as substring")
	assert.Equal(t, "this strin", input["prompt"], "truncated at maxInputSize")
	nested := input["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["password"])
	assert.Equal(t, "fine", nested["ok"])
	assert.Equal(t, 0.7, input["temperature"])
}

func TestAuditor_CaptureFlagsOff(t *testing.T) {
	store := NewMemoryStore(10)
	enabled := true
	settings := config.AuditSettings{Enabled: &enabled}
	settings.SetDefaults()
	a := New(settings, store)

	s := a.StartSpan(SpanModel, "chat", "secret prompt")
	a.EndSpan(s, "secret answer", Tokens{}, nil)

	entries, _ := store.Query(Query{})
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Input)
	assert.Nil(t, entries[0].Output)
}

func TestAuditor_DisabledRecordsNothing(t *testing.T) {
	store := NewMemoryStore(10)
	disabled := false
	settings := config.AuditSettings{Enabled: &disabled}
	settings.SetDefaults()
	a := New(settings, store)

	s := a.StartSpan(SpanModel, "chat", nil)
	a.EndSpan(s, nil, Tokens{}, nil)

	entries, _ := store.Query(Query{})
	assert.Empty(t, entries)
}

func TestAuditor_Interceptor(t *testing.T) {
	store := NewMemoryStore(10)
	a := New(enabledSettings(), store)

	bus := events.NewBus()
	a.Attach(bus)

	bus.Emit(events.BeforeAIAgentRun, events.Payload{"agent": "assistant"})
	bus.Emit(events.BeforeAIRequest, events.Payload{"model": "gpt-4o-mini", "messages": []any{"hi"}})
	bus.Emit(events.AfterAIRequest, events.Payload{
		"response": "hello",
		"usage":    map[string]any{"promptTokens": 7, "completionTokens": 3, "totalTokens": 10},
	})
	bus.Emit(events.AfterAIAgentRun, events.Payload{"agent": "assistant"})

	agents, err := store.Query(Query{SpanType: SpanAgent})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "assistant", agents[0].Operation)

	models, err := store.Query(Query{SpanType: SpanModel})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-4o-mini", models[0].Operation)
	assert.Equal(t, agents[0].SpanID, models[0].ParentSpanID)
	assert.Equal(t, 10, models[0].Tokens.Total)
}

func TestMemoryStore_RingEviction(t *testing.T) {
	store := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Write([]Entry{{
			SpanID:    fmt.Sprintf("s%d", i),
			TraceID:   "t",
			SpanType:  SpanModel,
			Operation: "chat",
		}}))
	}

	entries, err := store.Query(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "s2", entries[0].SpanID)
	assert.Equal(t, "s4", entries[2].SpanID)
}

func TestMemoryStore_QueryFilters(t *testing.T) {
	store := NewMemoryStore(10)
	now := time.Now()
	require.NoError(t, store.Write([]Entry{
		{SpanID: "1", TraceID: "t1", SpanType: SpanModel, Operation: "chat", StartTime: now, EndTime: now, Tokens: Tokens{Total: 100}},
		{SpanID: "2", TraceID: "t1", SpanType: SpanTool, Operation: "search", StartTime: now, EndTime: now, Tokens: Tokens{Total: 5}},
		{SpanID: "3", TraceID: "t2", SpanType: SpanModel, Operation: "chat", StartTime: now.Add(-time.Hour), EndTime: now.Add(-time.Hour)},
	}))

	byType, _ := store.Query(Query{SpanType: SpanModel})
	assert.Len(t, byType, 2)

	byTrace, _ := store.Query(Query{TraceID: "t1"})
	assert.Len(t, byTrace, 2)

	byTokens, _ := store.Query(Query{MinTokens: 50})
	require.Len(t, byTokens, 1)
	assert.Equal(t, "1", byTokens[0].SpanID)

	recent, _ := store.Query(Query{StartTime: now.Add(-time.Minute)})
	assert.Len(t, recent, 2)
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write([]Entry{
		{SpanID: "1", TraceID: "t1", SpanType: SpanModel, Operation: "chat"},
		{SpanID: "2", TraceID: "t2", SpanType: SpanTool, Operation: "search"},
	}))

	entries, err := store.Query(Query{TraceID: "t2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "search", entries[0].Operation)
}

func TestExportJSON(t *testing.T) {
	store := NewMemoryStore(10)
	a := New(enabledSettings(), store)

	s := a.StartSpan(SpanModel, "chat", "hi")
	a.EndSpan(s, "hello", Tokens{Total: 5}, nil)

	data, err := ExportJSON(store, s.TraceID())
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), s.TraceID()))
	assert.True(t, strings.Contains(string(data), `"spanType": "model"`))
}

func TestAuditor_AsyncWriteFlushOnClose(t *testing.T) {
	store := NewMemoryStore(10)
	settings := enabledSettings()
	settings.AsyncWrite = true
	settings.BatchSize = 100
	a := New(settings, store)

	s := a.StartSpan(SpanModel, "chat", nil)
	a.EndSpan(s, nil, Tokens{}, nil)
	require.NoError(t, a.Close())

	entries, _ := store.Query(Query{})
	assert.Len(t, entries, 1)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore("", nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore("file", map[string]any{})
	assert.Error(t, err)

	_, err = NewStore("carrier-pigeon", nil)
	assert.Error(t, err)
}
