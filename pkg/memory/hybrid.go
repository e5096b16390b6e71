package memory

import (
	"context"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// Hybrid pairs a recency window with a vector index. Writes land in
// both; retrieval returns the recent tail in temporal order followed
// by semantic hits that are not already in it.
type Hybrid struct {
	metaStore
	recent *Windowed
	vector *VectorMemory
	cfg    Config
}

// NewHybrid builds a hybrid memory. cfg.Driver picks the vector
// backend, defaulting to the in-process one.
func NewHybrid(cfg Config) (*Hybrid, error) {
	kind := cfg.Driver
	if kind == "" {
		kind = "boxvector"
	}
	store, err := NewVectorStore(kind, cfg)
	if err != nil {
		return nil, err
	}
	vector, err := NewVector(store, cfg)
	if err != nil {
		return nil, err
	}
	return &Hybrid{recent: NewWindowed(cfg), vector: vector, cfg: cfg}, nil
}

// Vector exposes the semantic half for direct vector operations.
func (h *Hybrid) Vector() *VectorMemory { return h.vector }

func (h *Hybrid) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	if err := h.recent.Add(ctx, entry); err != nil {
		return err
	}
	return h.vector.Add(ctx, entry)
}

func (h *Hybrid) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return h.recent.GetAll(ctx)
}

func (h *Hybrid) Clear(ctx context.Context) error {
	if err := h.recent.Clear(ctx); err != nil {
		return err
	}
	return h.vector.Clear(ctx)
}

func (h *Hybrid) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return h.recent.Export(ctx)
}

func (h *Hybrid) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := h.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve merges the two halves, deduplicating on content. Recent
// entries keep their temporal order; semantic extras follow in
// relevance order.
func (h *Hybrid) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	if limit <= 0 {
		limit = h.cfg.topK()
	}
	recent, err := h.recent.Retrieve(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	semantic, err := h.vector.Retrieve(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recent))
	out := make([]protocol.MemoryEntry, 0, len(recent)+len(semantic))
	for _, e := range recent {
		seen[e.Content] = true
		out = append(out, e)
	}
	for _, e := range semantic {
		if seen[e.Content] {
			continue
		}
		seen[e.Content] = true
		out = append(out, e)
	}
	return out, nil
}
