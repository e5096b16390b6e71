package memory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// chromaStore talks to a Chroma server over its REST API. Collection
// ids are resolved from names once and cached.
type chromaStore struct {
	rest      *restClient
	spaceType string

	mu  sync.Mutex
	ids map[string]string
}

func newChromaStore(cfg Config) (*chromaStore, error) {
	base := cfg.URL
	if base == "" {
		base = "http://localhost:8000"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &chromaStore{
		rest:      newRESTClient(base, headers),
		spaceType: cfg.spaceType(),
		ids:       make(map[string]string),
	}, nil
}

// collectionID resolves a collection name to its server-side id.
func (s *chromaStore) collectionID(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if id, ok := s.ids[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var collection struct {
		ID string `json:"id"`
	}
	if err := s.rest.doJSON(ctx, http.MethodGet, "/api/v1/collections/"+name, nil, &collection); err != nil {
		return "", fmt.Errorf("collection %s not found: %w", name, err)
	}

	s.mu.Lock()
	s.ids[name] = collection.ID
	s.mu.Unlock()
	return collection.ID, nil
}

func (s *chromaStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	space := s.spaceType
	if space == "innerproduct" {
		space = "ip"
	}
	payload := map[string]any{
		"name":          name,
		"get_or_create": true,
		"metadata":      map[string]any{"hnsw:space": space},
	}
	var collection struct {
		ID string `json:"id"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections", payload, &collection); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	s.mu.Lock()
	s.ids[name] = collection.ID
	s.mu.Unlock()
	return nil
}

func (s *chromaStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	status, _, err := s.rest.do(ctx, http.MethodGet, "/api/v1/collections/"+name, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (s *chromaStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.rest.doJSON(ctx, http.MethodDelete, "/api/v1/collections/"+name, nil, nil); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.ids, name)
	s.mu.Unlock()
	return nil
}

func (s *chromaStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"ids":        make([]string, 0, len(records)),
		"documents":  make([]string, 0, len(records)),
		"metadatas":  make([]map[string]any, 0, len(records)),
		"embeddings": make([][]float32, 0, len(records)),
	}
	for _, r := range records {
		payload["ids"] = append(payload["ids"].([]string), r.ID)
		payload["documents"] = append(payload["documents"].([]string), r.Text)
		payload["metadatas"] = append(payload["metadatas"].([]map[string]any), r.Metadata)
		payload["embeddings"] = append(payload["embeddings"].([][]float32), r.Embedding)
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", payload, nil); err != nil {
		return fmt.Errorf("failed to upsert records: %w", err)
	}
	return nil
}

func (s *chromaStore) Delete(ctx context.Context, collection string, ids []string) error {
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	payload := map[string]any{"ids": ids}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", payload, nil); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

func (s *chromaStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	payload := map[string]any{"where": chromaWhere(filter)}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", payload, nil); err != nil {
		return fmt.Errorf("failed to delete records by filter: %w", err)
	}
	return nil
}

// chromaWhere renders the equality filter in Chroma's where syntax.
func chromaWhere(filter Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	if len(filter) == 1 {
		for key, value := range filter {
			return map[string]any{key: value}
		}
	}
	clauses := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		clauses = append(clauses, map[string]any{key: value})
	}
	return map[string]any{"$and": clauses}
}

func (s *chromaStore) score(distance float64) float64 {
	switch s.spaceType {
	case "l2":
		return 1 / (1 + distance)
	case "innerproduct":
		return -distance
	default:
		return 1 - distance
	}
}

func (s *chromaStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"query_embeddings": [][]float32{vector},
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances", "embeddings"},
	}
	if where := chromaWhere(filter); where != nil {
		payload["where"] = where
	}

	var resp struct {
		IDs        [][]string         `json:"ids"`
		Documents  [][]string         `json:"documents"`
		Metadatas  [][]map[string]any `json:"metadatas"`
		Distances  [][]float64        `json:"distances"`
		Embeddings [][][]float32      `json:"embeddings"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", payload, &resp); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}

	out := make([]SearchResult, 0, len(resp.IDs[0]))
	for i, recordID := range resp.IDs[0] {
		result := SearchResult{VectorRecord: VectorRecord{ID: recordID}}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			result.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			result.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Embeddings) > 0 && i < len(resp.Embeddings[0]) {
			result.Embedding = resp.Embeddings[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			result.Score = s.score(resp.Distances[0][i])
		}
		out = append(out, result)
	}
	return out, nil
}

// get is the shared decode for Chroma's get endpoint, which returns
// parallel arrays.
func (s *chromaStore) get(ctx context.Context, collection string, payload map[string]any) ([]VectorRecord, error) {
	id, err := s.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}
	payload["include"] = []string{"documents", "metadatas", "embeddings"}

	var resp struct {
		IDs        []string         `json:"ids"`
		Documents  []string         `json:"documents"`
		Metadatas  []map[string]any `json:"metadatas"`
		Embeddings [][]float32      `json:"embeddings"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/api/v1/collections/"+id+"/get", payload, &resp); err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	out := make([]VectorRecord, 0, len(resp.IDs))
	for i, recordID := range resp.IDs {
		record := VectorRecord{ID: recordID}
		if i < len(resp.Documents) {
			record.Text = resp.Documents[i]
		}
		if i < len(resp.Metadatas) {
			record.Metadata = resp.Metadatas[i]
		}
		if i < len(resp.Embeddings) {
			record.Embedding = resp.Embeddings[i]
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *chromaStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	records, err := s.get(ctx, collection, map[string]any{"ids": []string{id}})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *chromaStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	payload := map[string]any{}
	if where := chromaWhere(filter); where != nil {
		payload["where"] = where
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	return s.get(ctx, collection, payload)
}
