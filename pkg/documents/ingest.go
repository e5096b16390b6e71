package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelkit/modelkit/pkg/events"
	"github.com/modelkit/modelkit/pkg/memory"
	"github.com/modelkit/modelkit/pkg/protocol"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4

	// Cost per million embedding tokens, the text-embedding-3-small
	// rate; the estimate is indicative, not a bill.
	embeddingCostPerMillionTokens = 0.02
)

// Report summarizes one ingest run.
type Report struct {
	Documents      int           `json:"documentsIn"`
	Chunks         int           `json:"chunksOut"`
	Stored         int           `json:"stored"`
	Skipped        int           `json:"skipped"`
	Duplicates     int           `json:"deduped"`
	TokenCount     int           `json:"tokenCount"`
	EmbeddingCalls int           `json:"embeddingCalls"`
	EstimatedCost  float64       `json:"estimatedCost"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Ingestor loads, chunks, embeds and stores documents into a vector
// memory. Embedding runs in concurrent batches; duplicate chunks
// within a run are stored once.
type Ingestor struct {
	store       *memory.VectorMemory
	chunker     *Chunker
	batchSize   int
	concurrency int
}

// NewIngestor builds an ingestor. A nil chunker stores each document
// as one chunk.
func NewIngestor(store *memory.VectorMemory, chunker *Chunker) *Ingestor {
	return &Ingestor{
		store:       store,
		chunker:     chunker,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
}

// BatchSize sets how many chunks go into one embedding call.
func (in *Ingestor) BatchSize(n int) *Ingestor {
	if n > 0 {
		in.batchSize = n
	}
	return in
}

// Concurrency sets how many batches embed in parallel.
func (in *Ingestor) Concurrency(n int) *Ingestor {
	if n > 0 {
		in.concurrency = n
	}
	return in
}

func (in *Ingestor) chunk(doc protocol.Document) []string {
	if in.chunker == nil {
		return []string{doc.Content}
	}
	return in.chunker.Chunk(doc.Content)
}

// Ingest runs the pipeline over every loader and reports what was
// stored.
func (in *Ingestor) Ingest(ctx context.Context, loaders ...Loader) (*Report, error) {
	started := time.Now()
	report := &Report{}

	var records []memory.VectorRecord
	seen := make(map[string]bool)
	for _, loader := range loaders {
		docs, err := loader.Load(ctx)
		if err != nil {
			return nil, err
		}
		report.Documents += len(docs)

		for _, doc := range docs {
			chunks := in.chunk(doc)
			report.Chunks += len(chunks)
			if len(chunks) == 0 {
				report.Skipped++
				continue
			}
			for i, chunk := range chunks {
				if strings.TrimSpace(chunk) == "" {
					report.Skipped++
					continue
				}
				digest := contentDigest(chunk)
				if seen[digest] {
					report.Duplicates++
					continue
				}
				seen[digest] = true
				report.TokenCount += in.countTokens(chunk)

				metadata := make(map[string]any, len(doc.Metadata)+2)
				for k, v := range doc.Metadata {
					metadata[k] = v
				}
				metadata["chunk"] = i
				metadata["digest"] = digest
				records = append(records, memory.VectorRecord{Text: chunk, Metadata: metadata})
			}
		}
	}

	var failMu sync.Mutex
	failed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for start := 0; start < len(records); start += in.batchSize {
		end := start + in.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		report.EmbeddingCalls++
		g.Go(func() error {
			if err := in.store.StoreBatch(gctx, batch); err != nil {
				failMu.Lock()
				failed += len(batch)
				report.Errors = append(report.Errors, err.Error())
				failMu.Unlock()
				return fmt.Errorf("failed to store batch: %w", err)
			}
			return nil
		})
	}
	storeErr := g.Wait()

	report.Stored = len(records) - failed
	report.EstimatedCost = float64(report.TokenCount) / 1e6 * embeddingCostPerMillionTokens
	report.Duration = time.Since(started)
	if storeErr != nil {
		// The partial report travels with the error so callers can see
		// which batches made it.
		return report, storeErr
	}

	events.Emit(events.OnAIIngestComplete, events.Payload{
		"documents":      report.Documents,
		"chunks":         report.Chunks,
		"stored":         report.Stored,
		"skipped":        report.Skipped,
		"deduped":        report.Duplicates,
		"tokenCount":     report.TokenCount,
		"embeddingCalls": report.EmbeddingCalls,
		"durationMs":     report.Duration.Milliseconds(),
	})
	return report, nil
}

// countTokens measures one chunk: the chunker's tokenizer when one is
// attached, a rough four-characters-per-token estimate otherwise.
func (in *Ingestor) countTokens(text string) int {
	if in.chunker != nil {
		return in.chunker.CountTokens(text)
	}
	return (len(text) + 3) / 4
}

func contentDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
