package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// Filter is a metadata equality filter applied to vector operations.
type Filter map[string]any

// VectorRecord is one stored vector with its source text and metadata.
type VectorRecord struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// SearchResult is a scored vector hit.
type SearchResult struct {
	VectorRecord
	Score float64 `json:"score"`
}

// VectorStore is the backend contract each vector database adapter
// implements. Adapters are storage only; embedding happens in
// VectorMemory.
type VectorStore interface {
	CreateCollection(ctx context.Context, name string, dimension int) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error

	Upsert(ctx context.Context, collection string, records []VectorRecord) error
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error)

	// GetByID returns nil when the record does not exist.
	GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error)

	// List returns records matching the filter, up to limit. Zero limit
	// means the backend default.
	List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error)
}

// VectorMemory is a Memory whose entries are vector-indexed for
// semantic retrieval. Embeddings are generated through the configured
// embedding provider unless the caller supplies one.
type VectorMemory struct {
	metaStore
	store      VectorStore
	collection string
	tenant     protocol.TenantKey
	cfg        Config
	dimension  int
}

// NewVector wraps a backend store with embedding and tenant scoping.
func NewVector(store VectorStore, cfg Config) (*VectorMemory, error) {
	collection := cfg.Key
	if collection == "" {
		collection = "modelkit_memory"
	}
	return &VectorMemory{
		store:      store,
		collection: collection,
		tenant:     cfg.tenant(),
		cfg:        cfg,
		dimension:  cfg.Dimension,
	}, nil
}

// Store returns the underlying backend adapter.
func (v *VectorMemory) Backend() VectorStore { return v.store }

// Collection returns the active collection name.
func (v *VectorMemory) Collection() string { return v.collection }

func (v *VectorMemory) embed(ctx context.Context, texts []string) ([][]float32, error) {
	options := v.cfg.EmbeddingOptions
	if v.cfg.EmbeddingProvider != "" {
		options.Provider = v.cfg.EmbeddingProvider
	}
	req := &chat.EmbeddingRequest{
		Input:   texts,
		Model:   v.cfg.EmbeddingModel,
		Options: options,
	}
	resp, err := llms.ExecuteEmbed(ctx, v.cfg.settings(), req)
	if err != nil {
		return nil, fmt.Errorf("auto-embedding failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// ensureCollection creates the collection on first write, inferring
// the dimension from the first embedding when not configured.
func (v *VectorMemory) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := v.store.CollectionExists(ctx, v.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if v.dimension == 0 {
		v.dimension = dimension
	}
	return v.store.CreateCollection(ctx, v.collection, v.dimension)
}

// scopedFilter merges the tenant scope into a caller filter.
func (v *VectorMemory) scopedFilter(filter Filter) Filter {
	if v.tenant.IsZero() && len(filter) == 0 {
		return nil
	}
	out := make(Filter, len(filter)+2)
	for k, val := range filter {
		out[k] = val
	}
	if !v.tenant.IsZero() {
		out["userId"] = v.tenant.UserID
		out["conversationId"] = v.tenant.ConversationID
	}
	return out
}

// StoreRecord indexes one text with optional precomputed embedding.
func (v *VectorMemory) StoreRecord(ctx context.Context, id, text string, metadata map[string]any, embedding []float32) error {
	if id == "" {
		id = uuid.NewString()
	}
	if embedding == nil {
		vectors, err := v.embed(ctx, []string{text})
		if err != nil {
			return err
		}
		embedding = vectors[0]
	}
	if err := v.ensureCollection(ctx, len(embedding)); err != nil {
		return err
	}

	metadata = v.tenant.Stamp(metadata)
	return v.store.Upsert(ctx, v.collection, []VectorRecord{{
		ID:        id,
		Text:      text,
		Metadata:  metadata,
		Embedding: embedding,
	}})
}

// StoreBatch indexes a batch of records, embedding every record that
// arrives without a vector in a single provider call.
func (v *VectorMemory) StoreBatch(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	var pending []int
	var texts []string
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
		records[i].Metadata = v.tenant.Stamp(records[i].Metadata)
		if records[i].Embedding == nil {
			pending = append(pending, i)
			texts = append(texts, records[i].Text)
		}
	}
	if len(texts) > 0 {
		vectors, err := v.embed(ctx, texts)
		if err != nil {
			return err
		}
		for n, i := range pending {
			records[i].Embedding = vectors[n]
		}
	}

	if err := v.ensureCollection(ctx, len(records[0].Embedding)); err != nil {
		return err
	}
	return v.store.Upsert(ctx, v.collection, records)
}

// Upsert indexes or replaces a record, embedding the text.
func (v *VectorMemory) Upsert(ctx context.Context, id, text string, metadata map[string]any) error {
	return v.StoreRecord(ctx, id, text, metadata, nil)
}

// Delete removes one record by id.
func (v *VectorMemory) Delete(ctx context.Context, id string) error {
	return v.store.Delete(ctx, v.collection, []string{id})
}

// DeleteByFilter removes every record matching the filter within the
// tenant scope.
func (v *VectorMemory) DeleteByFilter(ctx context.Context, filter Filter) error {
	return v.store.DeleteByFilter(ctx, v.collection, v.scopedFilter(filter))
}

// Search embeds the query and returns hits at or above minScore.
func (v *VectorMemory) Search(ctx context.Context, query string, topK int, filter Filter, minScore float64) ([]SearchResult, error) {
	vectors, err := v.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return v.searchVector(ctx, vectors[0], topK, filter, minScore)
}

// SearchByVector searches with a caller-provided embedding.
func (v *VectorMemory) SearchByVector(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SearchResult, error) {
	return v.searchVector(ctx, embedding, topK, filter, v.cfg.MinScore)
}

func (v *VectorMemory) searchVector(ctx context.Context, embedding []float32, topK int, filter Filter, minScore float64) ([]SearchResult, error) {
	if topK <= 0 {
		topK = v.cfg.topK()
	}
	hits, err := v.store.SearchByVector(ctx, v.collection, embedding, topK, v.scopedFilter(filter))
	if err != nil {
		return nil, err
	}
	if minScore <= 0 {
		return hits, nil
	}
	out := hits[:0]
	for _, hit := range hits {
		if hit.Score >= minScore {
			out = append(out, hit)
		}
	}
	return out, nil
}

// GetByID fetches one record, nil when absent.
func (v *VectorMemory) GetByID(ctx context.Context, id string) (*VectorRecord, error) {
	return v.store.GetByID(ctx, v.collection, id)
}

// CreateCollection creates a named collection with the configured
// dimension.
func (v *VectorMemory) CreateCollection(ctx context.Context, name string) error {
	return v.store.CreateCollection(ctx, name, v.dimension)
}

// CollectionExists reports whether the named collection exists.
func (v *VectorMemory) CollectionExists(ctx context.Context, name string) (bool, error) {
	return v.store.CollectionExists(ctx, name)
}

// DeleteCollection drops a named collection.
func (v *VectorMemory) DeleteCollection(ctx context.Context, name string) error {
	return v.store.DeleteCollection(ctx, name)
}

// Add indexes a conversation entry.
func (v *VectorMemory) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	metadata := make(map[string]any, len(entry.Metadata)+2)
	for k, val := range entry.Metadata {
		metadata[k] = val
	}
	metadata["role"] = string(entry.Role)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	metadata["timestamp"] = entry.Timestamp.Format(time.RFC3339Nano)

	if err := v.StoreRecord(ctx, "", entry.Content, metadata, nil); err != nil {
		return err
	}
	emitAdd("vector", v.tenant, entry)
	return nil
}

// GetAll lists the tenant's entries in timestamp order.
func (v *VectorMemory) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	records, err := v.store.List(ctx, v.collection, v.scopedFilter(nil), 0)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.MemoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, recordToEntry(r))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

func (v *VectorMemory) Clear(ctx context.Context) error {
	return v.store.DeleteByFilter(ctx, v.collection, v.scopedFilter(nil))
}

func (v *VectorMemory) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return v.GetAll(ctx)
}

func (v *VectorMemory) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := v.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve runs a semantic search with the query text and returns the
// hits as conversation entries in relevance order.
func (v *VectorMemory) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	hits, err := v.Search(ctx, query, limit, nil, v.cfg.MinScore)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.MemoryEntry, 0, len(hits))
	for _, hit := range hits {
		entries = append(entries, recordToEntry(hit.VectorRecord))
	}
	return entries, nil
}

func recordToEntry(r VectorRecord) protocol.MemoryEntry {
	entry := protocol.MemoryEntry{
		Content:  r.Text,
		Metadata: r.Metadata,
		Role:     protocol.RoleUser,
	}
	if role, ok := r.Metadata["role"].(string); ok {
		if parsed, err := protocol.ParseRole(role); err == nil {
			entry.Role = parsed
		}
	}
	if ts, ok := r.Metadata["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
	}
	return entry
}
