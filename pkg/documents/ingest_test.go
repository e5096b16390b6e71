package documents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// embedStub answers the embeddings endpoint with one fixed-dimension
// vector per input.
func embedStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		data := make([]map[string]any, len(payload.Input))
		for i := range payload.Input {
			data[i] = map[string]any{
				"embedding": []float32{1, 0, 0},
				"index":     i,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]any{"prompt_tokens": len(payload.Input), "total_tokens": len(payload.Input)},
		})
	}))
	t.Cleanup(func() {
		server.Close()
		llms.ResetServices()
	})
	return server
}

func newTestVectorMemory(t *testing.T, stub *httptest.Server) *memory.VectorMemory {
	t.Helper()
	cfg := memory.Config{
		Key: "docs",
		EmbeddingOptions: chat.Options{
			Provider: "openai",
			APIKey:   "sk-test",
			BaseURL:  stub.URL,
		},
	}
	store, err := memory.NewVectorStore("boxvector", cfg)
	require.NoError(t, err)
	vm, err := memory.NewVector(store, cfg)
	require.NoError(t, err)
	return vm
}

func TestIngestor_StoresChunks(t *testing.T) {
	stub := embedStub(t)
	vm := newTestVectorMemory(t, stub)
	ctx := context.Background()

	report, err := NewIngestor(vm, nil).Ingest(ctx,
		NewString("first passage", nil),
		NewString("second passage", nil),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 2, report.Stored)
	assert.Zero(t, report.Duplicates)

	records, err := vm.Backend().List(ctx, vm.Collection(), nil, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].ID)
	assert.Contains(t, records[0].Metadata, "digest")
}

func TestIngestor_DeduplicatesWithinRun(t *testing.T) {
	stub := embedStub(t)
	vm := newTestVectorMemory(t, stub)

	report, err := NewIngestor(vm, nil).Ingest(context.Background(),
		NewString("same passage", nil),
		NewString("same passage", nil),
		NewString("other passage", nil),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Documents)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 2, report.Stored)
}

func TestIngestor_ReportAccounting(t *testing.T) {
	stub := embedStub(t)
	vm := newTestVectorMemory(t, stub)

	report, err := NewIngestor(vm, nil).Ingest(context.Background(),
		NewString("a passage of a few words", nil),
		NewString("   ", nil),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 1, report.Skipped, "whitespace-only content is skipped")
	assert.Equal(t, 1, report.EmbeddingCalls)
	assert.Positive(t, report.TokenCount)
	assert.InDelta(t, float64(report.TokenCount)/1e6*embeddingCostPerMillionTokens, report.EstimatedCost, 1e-12)
	assert.Empty(t, report.Errors)
	assert.Positive(t, report.Duration)
}

func TestIngestor_LoaderFailureAborts(t *testing.T) {
	stub := embedStub(t)
	vm := newTestVectorMemory(t, stub)

	broken := LoaderFunc(func(ctx context.Context) ([]protocol.Document, error) {
		return nil, assert.AnError
	})
	_, err := NewIngestor(vm, nil).Ingest(context.Background(), broken)
	assert.Error(t, err)
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(0))
	assert.Equal(t, "Z", columnLetter(25))
	assert.Equal(t, "AA", columnLetter(26))
	assert.Equal(t, "AB", columnLetter(27))
	assert.Equal(t, "BA", columnLetter(52))
}
