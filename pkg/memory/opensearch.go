package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// opensearchStore keeps vectors in an OpenSearch k-NN index. Index
// names are lowercased to satisfy OpenSearch naming rules.
type opensearchStore struct {
	rest *restClient
}

func newOpenSearchStore(cfg Config) (*opensearchStore, error) {
	base := cfg.URL
	if base == "" {
		base = "http://localhost:9200"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		if strings.Contains(cfg.APIKey, ":") {
			headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey))
		} else {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}
	}
	return &opensearchStore{rest: newRESTClient(base, headers)}, nil
}

func osIndex(name string) string { return strings.ToLower(name) }

func (s *opensearchStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	payload := map[string]any{
		"settings": map[string]any{"index.knn": true},
		"mappings": map[string]any{
			"properties": map[string]any{
				"content":   map[string]any{"type": "text"},
				"metadata":  map[string]any{"type": "object"},
				"embedding": map[string]any{"type": "knn_vector", "dimension": dimension},
			},
		},
	}
	if err := s.rest.doJSON(ctx, http.MethodPut, "/"+osIndex(name), payload, nil); err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return nil
}

func (s *opensearchStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	status, _, err := s.rest.do(ctx, http.MethodHead, "/"+osIndex(name), nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (s *opensearchStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.rest.doJSON(ctx, http.MethodDelete, "/"+osIndex(name), nil, nil); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}
	return nil
}

func (s *opensearchStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	index := osIndex(collection)
	for _, r := range records {
		doc := map[string]any{
			"content":   r.Text,
			"metadata":  r.Metadata,
			"embedding": r.Embedding,
		}
		path := fmt.Sprintf("/%s/_doc/%s?refresh=true", index, r.ID)
		if err := s.rest.doJSON(ctx, http.MethodPut, path, doc, nil); err != nil {
			return fmt.Errorf("failed to index document %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *opensearchStore) Delete(ctx context.Context, collection string, ids []string) error {
	index := osIndex(collection)
	for _, id := range ids {
		status, data, err := s.rest.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/_doc/%s?refresh=true", index, id), nil)
		if err != nil {
			return err
		}
		if status >= 300 && status != http.StatusNotFound {
			return fmt.Errorf("failed to delete document %s: status %d: %s", id, status, truncate(data, 256))
		}
	}
	return nil
}

func (s *opensearchStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	payload := map[string]any{"query": osFilterQuery(filter)}
	path := "/" + osIndex(collection) + "/_delete_by_query?refresh=true"
	if err := s.rest.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("failed to delete documents by filter: %w", err)
	}
	return nil
}

func osFilterQuery(filter Filter) map[string]any {
	if len(filter) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	clauses := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		clauses = append(clauses, map[string]any{
			"match": map[string]any{"metadata." + key: fmt.Sprint(value)},
		})
	}
	return map[string]any{"bool": map[string]any{"must": clauses}}
}

type osHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		Content   string         `json:"content"`
		Metadata  map[string]any `json:"metadata"`
		Embedding []float32      `json:"embedding"`
	} `json:"_source"`
}

func (s *opensearchStore) search(ctx context.Context, index string, query map[string]any, size int) ([]osHit, error) {
	payload := map[string]any{"query": query, "size": size}
	var resp struct {
		Hits struct {
			Hits []osHit `json:"hits"`
		} `json:"hits"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/"+index+"/_search", payload, &resp); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return resp.Hits.Hits, nil
}

func osHitToRecord(hit osHit) VectorRecord {
	return VectorRecord{
		ID:        hit.ID,
		Text:      hit.Source.Content,
		Metadata:  hit.Source.Metadata,
		Embedding: hit.Source.Embedding,
	}
}

func (s *opensearchStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	knn := map[string]any{
		"knn": map[string]any{
			"embedding": map[string]any{"vector": vector, "k": topK},
		},
	}
	query := knn
	if len(filter) > 0 {
		query = map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{knn},
				"filter": osFilterQuery(filter)["bool"].(map[string]any)["must"],
			},
		}
	}

	hits, err := s.search(ctx, osIndex(collection), query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, SearchResult{VectorRecord: osHitToRecord(hit), Score: hit.Score})
	}
	return out, nil
}

func (s *opensearchStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	status, data, err := s.rest.do(ctx, http.MethodGet, fmt.Sprintf("/%s/_doc/%s", osIndex(collection), id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("failed to get document %s: status %d: %s", id, status, truncate(data, 256))
	}

	var doc osHit
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	record := osHitToRecord(doc)
	return &record, nil
}

func (s *opensearchStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	hits, err := s.search(ctx, osIndex(collection), osFilterQuery(filter), limit)
	if err != nil {
		return nil, err
	}
	out := make([]VectorRecord, 0, len(hits))
	for _, hit := range hits {
		out = append(out, osHitToRecord(hit))
	}
	return out, nil
}
