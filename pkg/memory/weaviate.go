package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// weaviateStore talks to Weaviate's REST and GraphQL APIs. Objects
// carry the full metadata as a JSON property plus the tenant keys as
// dedicated properties so isolation filters run server side.
type weaviateStore struct {
	rest *restClient
}

// weaviateProps are the tenant keys promoted to first-class class
// properties; everything else is filtered in process.
var weaviateProps = map[string]bool{"userId": true, "conversationId": true}

func newWeaviateStore(cfg Config) (*weaviateStore, error) {
	base := cfg.URL
	if base == "" {
		base = "http://localhost:8080"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &weaviateStore{rest: newRESTClient(base, headers)}, nil
}

// weaviateClass maps a collection name to a valid class name, which
// must start with an uppercase letter.
func weaviateClass(name string) string {
	name = strings.ReplaceAll(name, "-", "_")
	runes := []rune(name)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}

func (s *weaviateStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	class := weaviateClass(name)
	status, _, err := s.rest.do(ctx, http.MethodGet, "/v1/schema/"+class, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	schema := map[string]any{
		"class":      class,
		"vectorizer": "none",
		"properties": []map[string]any{
			{"name": "content", "dataType": []string{"text"}},
			{"name": "metaJson", "dataType": []string{"text"}},
			{"name": "userId", "dataType": []string{"text"}},
			{"name": "conversationId", "dataType": []string{"text"}},
		},
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/v1/schema", schema, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *weaviateStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	status, _, err := s.rest.do(ctx, http.MethodGet, "/v1/schema/"+weaviateClass(name), nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

func (s *weaviateStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.rest.doJSON(ctx, http.MethodDelete, "/v1/schema/"+weaviateClass(name), nil, nil); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func weaviateObject(class string, r VectorRecord) (map[string]any, error) {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	properties := map[string]any{
		"content":  r.Text,
		"metaJson": string(metaJSON),
	}
	for key := range weaviateProps {
		if value, ok := r.Metadata[key]; ok {
			properties[key] = fmt.Sprint(value)
		}
	}
	return map[string]any{
		"class":      class,
		"id":         r.ID,
		"properties": properties,
		"vector":     r.Embedding,
	}, nil
}

func (s *weaviateStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	class := weaviateClass(collection)
	for _, r := range records {
		object, err := weaviateObject(class, r)
		if err != nil {
			return err
		}
		status, _, err := s.rest.do(ctx, http.MethodPost, "/v1/objects", object)
		if err != nil {
			return err
		}
		if status >= 200 && status < 300 {
			continue
		}
		// The object already exists; replace it.
		path := fmt.Sprintf("/v1/objects/%s/%s", class, r.ID)
		if err := s.rest.doJSON(ctx, http.MethodPut, path, object, nil); err != nil {
			return fmt.Errorf("failed to upsert object %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *weaviateStore) Delete(ctx context.Context, collection string, ids []string) error {
	class := weaviateClass(collection)
	for _, id := range ids {
		status, data, err := s.rest.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/objects/%s/%s", class, id), nil)
		if err != nil {
			return err
		}
		if status >= 300 && status != http.StatusNotFound {
			return fmt.Errorf("failed to delete object %s: status %d: %s", id, status, truncate(data, 256))
		}
	}
	return nil
}

func (s *weaviateStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	records, err := s.List(ctx, collection, filter, 0)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return s.Delete(ctx, collection, ids)
}

// splitWeaviateFilter separates filter keys with dedicated properties
// from the rest, which are applied in process against metaJson.
func splitWeaviateFilter(filter Filter) (server Filter, local Filter) {
	server, local = Filter{}, Filter{}
	for key, value := range filter {
		if weaviateProps[key] {
			server[key] = value
		} else {
			local[key] = value
		}
	}
	return server, local
}

func weaviateWhere(server Filter) string {
	if len(server) == 0 {
		return ""
	}
	keys := make([]string, 0, len(server))
	for key := range server {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	operands := make([]string, 0, len(keys))
	for _, key := range keys {
		operands = append(operands, fmt.Sprintf(
			`{path: [%s], operator: Equal, valueText: %s}`,
			strconv.Quote(key), strconv.Quote(fmt.Sprint(server[key])),
		))
	}
	if len(operands) == 1 {
		return ", where: " + operands[0]
	}
	return fmt.Sprintf(", where: {operator: And, operands: [%s]}", strings.Join(operands, ", "))
}

type weaviateHit struct {
	Content    string `json:"content"`
	MetaJSON   string `json:"metaJson"`
	Additional struct {
		ID       string    `json:"id"`
		Distance float64   `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

func (s *weaviateStore) graphql(ctx context.Context, class, query string) ([]weaviateHit, error) {
	var resp struct {
		Data struct {
			Get map[string]json.RawMessage `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, "/v1/graphql", map[string]any{"query": query}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql query failed: %s", resp.Errors[0].Message)
	}
	var hits []weaviateHit
	if raw, ok := resp.Data.Get[class]; ok {
		if err := json.Unmarshal(raw, &hits); err != nil {
			return nil, fmt.Errorf("failed to decode graphql results: %w", err)
		}
	}
	return hits, nil
}

func weaviateHitToRecord(hit weaviateHit) VectorRecord {
	record := VectorRecord{
		ID:        hit.Additional.ID,
		Text:      hit.Content,
		Embedding: hit.Additional.Vector,
	}
	if hit.MetaJSON != "" {
		_ = json.Unmarshal([]byte(hit.MetaJSON), &record.Metadata)
	}
	return record
}

func (s *weaviateStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	class := weaviateClass(collection)
	server, local := splitWeaviateFilter(filter)

	query := fmt.Sprintf(`{
		Get {
			%s(nearVector: {vector: %s}, limit: %d%s) {
				content
				metaJson
				_additional { id distance vector }
			}
		}
	}`, class, vectorLiteral(vector), topK, weaviateWhere(server))

	hits, err := s.graphql(ctx, class, query)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		record := weaviateHitToRecord(hit)
		if !filterMatches(local, record.Metadata) {
			continue
		}
		out = append(out, SearchResult{VectorRecord: record, Score: 1 - hit.Additional.Distance})
	}
	return out, nil
}

func (s *weaviateStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	class := weaviateClass(collection)
	path := fmt.Sprintf("/v1/objects/%s/%s?%s", class, id, url.Values{"include": {"vector"}}.Encode())
	status, data, err := s.rest.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("failed to get object %s: status %d: %s", id, status, truncate(data, 256))
	}

	var object struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
		Vector     []float32      `json:"vector"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	record := VectorRecord{ID: object.ID, Embedding: object.Vector}
	if content, ok := object.Properties["content"].(string); ok {
		record.Text = content
	}
	if metaJSON, ok := object.Properties["metaJson"].(string); ok && metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &record.Metadata)
	}
	return &record, nil
}

func (s *weaviateStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	class := weaviateClass(collection)
	server, local := splitWeaviateFilter(filter)
	if limit <= 0 {
		limit = 1000
	}

	query := fmt.Sprintf(`{
		Get {
			%s(limit: %d%s) {
				content
				metaJson
				_additional { id vector }
			}
		}
	}`, class, limit, weaviateWhere(server))

	hits, err := s.graphql(ctx, class, query)
	if err != nil {
		return nil, err
	}
	out := make([]VectorRecord, 0, len(hits))
	for _, hit := range hits {
		record := weaviateHitToRecord(hit)
		if filterMatches(local, record.Metadata) {
			out = append(out, record)
		}
	}
	return out, nil
}
