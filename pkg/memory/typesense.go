package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// typesenseStore keeps vectors in Typesense collections. Metadata keys
// are flattened into the document as auto fields so filter_by works on
// them directly; the original metadata also rides along as JSON for a
// lossless round trip.
type typesenseStore struct {
	rest *restClient
}

func newTypesenseStore(cfg Config) (*typesenseStore, error) {
	base := cfg.URL
	if base == "" {
		base = "http://localhost:8108"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["X-TYPESENSE-API-KEY"] = cfg.APIKey
	}
	return &typesenseStore{rest: newRESTClient(base, headers)}, nil
}

func (s *typesenseStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	payload := map[string]any{
		"name": name,
		"fields": []map[string]any{
			{"name": "content", "type": "string"},
			{"name": "metaJson", "type": "string", "index": false, "optional": true},
			{"name": "embedding", "type": "float[]", "num_dim": dimension},
			{"name": ".*", "type": "auto"},
		},
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/collections", payload, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *typesenseStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	status, _, err := s.rest.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (s *typesenseStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.rest.doJSON(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func typesenseDoc(r VectorRecord) (map[string]any, error) {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	doc := map[string]any{
		"id":        r.ID,
		"content":   r.Text,
		"metaJson":  string(metaJSON),
		"embedding": r.Embedding,
	}
	for key, value := range r.Metadata {
		if key == "id" || key == "content" || key == "metaJson" || key == "embedding" {
			continue
		}
		doc[key] = fmt.Sprint(value)
	}
	return doc, nil
}

func typesenseDocToRecord(doc map[string]any) VectorRecord {
	record := VectorRecord{}
	if id, ok := doc["id"].(string); ok {
		record.ID = id
	}
	if content, ok := doc["content"].(string); ok {
		record.Text = content
	}
	if metaJSON, ok := doc["metaJson"].(string); ok && metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &record.Metadata)
	}
	if values, ok := doc["embedding"].([]any); ok {
		record.Embedding = make([]float32, 0, len(values))
		for _, v := range values {
			if f, ok := v.(float64); ok {
				record.Embedding = append(record.Embedding, float32(f))
			}
		}
	}
	return record
}

func (s *typesenseStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	path := "/collections/" + url.PathEscape(collection) + "/documents?action=upsert"
	for _, r := range records {
		doc, err := typesenseDoc(r)
		if err != nil {
			return err
		}
		if err := s.rest.doJSON(ctx, http.MethodPost, path, doc, nil); err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *typesenseStore) Delete(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		path := fmt.Sprintf("/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
		status, data, err := s.rest.do(ctx, http.MethodDelete, path, nil)
		if err != nil {
			return err
		}
		if status >= 300 && status != http.StatusNotFound {
			return fmt.Errorf("failed to delete document %s: status %d: %s", id, status, truncate(data, 256))
		}
	}
	return nil
}

func typesenseFilterBy(filter Filter) string {
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, fmt.Sprintf("%s:=`%s`", key, fmt.Sprint(filter[key])))
	}
	return strings.Join(clauses, " && ")
}

func (s *typesenseStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	if len(filter) == 0 {
		records, err := s.List(ctx, collection, nil, 0)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		return s.Delete(ctx, collection, ids)
	}

	path := fmt.Sprintf("/collections/%s/documents?%s",
		url.PathEscape(collection),
		url.Values{"filter_by": {typesenseFilterBy(filter)}}.Encode(),
	)
	if err := s.rest.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete documents by filter: %w", err)
	}
	return nil
}

func (s *typesenseStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	search := map[string]any{
		"collection":   collection,
		"q":            "*",
		"vector_query": fmt.Sprintf("embedding:(%s, k:%d)", vectorLiteral(vector), topK),
		"per_page":     topK,
	}
	if len(filter) > 0 {
		search["filter_by"] = typesenseFilterBy(filter)
	}

	var resp struct {
		Results []struct {
			Hits []struct {
				Document       map[string]any `json:"document"`
				VectorDistance float64        `json:"vector_distance"`
			} `json:"hits"`
		} `json:"results"`
	}
	payload := map[string]any{"searches": []map[string]any{search}}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/multi_search", payload, &resp); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	out := make([]SearchResult, 0, len(resp.Results[0].Hits))
	for _, hit := range resp.Results[0].Hits {
		out = append(out, SearchResult{
			VectorRecord: typesenseDocToRecord(hit.Document),
			Score:        1 - hit.VectorDistance,
		})
	}
	return out, nil
}

func (s *typesenseStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	path := fmt.Sprintf("/collections/%s/documents/%s", url.PathEscape(collection), url.PathEscape(id))
	status, data, err := s.rest.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("failed to get document %s: status %d: %s", id, status, truncate(data, 256))
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	record := typesenseDocToRecord(doc)
	return &record, nil
}

func (s *typesenseStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	// Typesense caps per_page at 250.
	if limit <= 0 || limit > 250 {
		limit = 250
	}
	params := url.Values{
		"q":        {"*"},
		"query_by": {"content"},
		"per_page": {fmt.Sprint(limit)},
	}
	if len(filter) > 0 {
		params.Set("filter_by", typesenseFilterBy(filter))
	}
	path := fmt.Sprintf("/collections/%s/documents/search?%s", url.PathEscape(collection), params.Encode())

	var resp struct {
		Hits []struct {
			Document map[string]any `json:"document"`
		} `json:"hits"`
	}
	if err := s.rest.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	out := make([]VectorRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		out = append(out, typesenseDocToRecord(hit.Document))
	}
	return out, nil
}
