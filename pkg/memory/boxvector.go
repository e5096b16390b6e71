package memory

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// boxVectorStore is the zero-dependency in-process backend: chromem
// handles similarity search while a side map serves exact lookups and
// listing. Data lives for the process lifetime only.
type boxVectorStore struct {
	mu      sync.RWMutex
	db      *chromem.DB
	records map[string]map[string]VectorRecord
}

func newBoxVectorStore() *boxVectorStore {
	return &boxVectorStore{
		db:      chromem.NewDB(),
		records: make(map[string]map[string]VectorRecord),
	}
}

func (s *boxVectorStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; ok {
		return nil
	}
	if _, err := s.db.GetOrCreateCollection(name, nil, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.records[name] = make(map[string]VectorRecord)
	return nil
}

func (s *boxVectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[name]
	return ok, nil
}

func (s *boxVectorStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	delete(s.records, name)
	return nil
}

func (s *boxVectorStore) collection(name string) (*chromem.Collection, error) {
	col := s.db.GetCollection(name, nil)
	if col == nil {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return col, nil
}

func (s *boxVectorStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, r := range records {
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: r.Embedding,
			Metadata:  stringifyMetadata(r.Metadata),
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	for _, r := range records {
		s.records[collection][r.ID] = r
	}
	return nil
}

func (s *boxVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	for _, id := range ids {
		delete(s.records[collection], id)
	}
	return nil
}

func (s *boxVectorStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	var ids []string
	for id, r := range s.records[collection] {
		if filterMatches(filter, r.Metadata) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	for _, id := range ids {
		delete(s.records[collection], id)
	}
	return nil
}

func (s *boxVectorStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, stringifyMetadata(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, res := range results {
		record, ok := s.records[collection][res.ID]
		if !ok {
			record = VectorRecord{ID: res.ID, Text: res.Content}
		}
		out = append(out, SearchResult{VectorRecord: record, Score: float64(res.Similarity)})
	}
	return out, nil
}

func (s *boxVectorStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.records[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", collection)
	}
	record, ok := records[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (s *boxVectorStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.records[collection]
	if !ok {
		return nil, nil
	}
	out := make([]VectorRecord, 0, len(records))
	for _, r := range records {
		if filterMatches(filter, r.Metadata) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// stringifyMetadata converts arbitrary metadata to the string map
// chromem requires.
func stringifyMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// filterMatches applies equality filtering with string coercion, the
// same semantics every backend honors.
func filterMatches(filter Filter, metadata map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
