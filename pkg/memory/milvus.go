package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// milvusStore talks to Milvus over its v2 RESTful API. Collections are
// quick-created with a VarChar primary key and dynamic fields enabled,
// so metadata keys flatten straight into the row.
type milvusStore struct {
	rest   *restClient
	metric string
}

func newMilvusStore(cfg Config) (*milvusStore, error) {
	base := cfg.URL
	if base == "" {
		base = "http://localhost:19530"
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &milvusStore{rest: newRESTClient(base, headers), metric: milvusMetric(cfg.spaceType())}, nil
}

func milvusMetric(spaceType string) string {
	switch spaceType {
	case "l2":
		return "L2"
	case "innerproduct":
		return "IP"
	default:
		return "COSINE"
	}
}

// call posts to a Milvus endpoint and checks the envelope code.
func (s *milvusStore) call(ctx context.Context, path string, payload any, out any) error {
	var resp struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := s.rest.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		return fmt.Errorf("milvus error %d: %s", resp.Code, resp.Message)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode milvus response: %w", err)
		}
	}
	return nil
}

func (s *milvusStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	payload := map[string]any{
		"collectionName": name,
		"dimension":      dimension,
		"metricType":     s.metric,
		"idType":         "VarChar",
		"params":         map[string]any{"max_length": 255},
	}
	if err := s.call(ctx, "/v2/vectordb/collections/create", payload, nil); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *milvusStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var data struct {
		Has bool `json:"has"`
	}
	if err := s.call(ctx, "/v2/vectordb/collections/has", map[string]any{"collectionName": name}, &data); err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	return data.Has, nil
}

func (s *milvusStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.call(ctx, "/v2/vectordb/collections/drop", map[string]any{"collectionName": name}, nil); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func (s *milvusStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	rows := make([]map[string]any, 0, len(records))
	for _, r := range records {
		row := map[string]any{
			"id":      r.ID,
			"vector":  r.Embedding,
			"content": r.Text,
		}
		for key, value := range r.Metadata {
			if key == "id" || key == "vector" || key == "content" {
				continue
			}
			row[key] = value
		}
		rows = append(rows, row)
	}
	payload := map[string]any{"collectionName": collection, "data": rows}
	if err := s.call(ctx, "/v2/vectordb/entities/upsert", payload, nil); err != nil {
		return fmt.Errorf("failed to upsert rows: %w", err)
	}
	return nil
}

func (s *milvusStore) Delete(ctx context.Context, collection string, ids []string) error {
	quoted := make([]string, 0, len(ids))
	for _, id := range ids {
		quoted = append(quoted, strconv.Quote(id))
	}
	payload := map[string]any{
		"collectionName": collection,
		"filter":         fmt.Sprintf("id in [%s]", strings.Join(quoted, ", ")),
	}
	if err := s.call(ctx, "/v2/vectordb/entities/delete", payload, nil); err != nil {
		return fmt.Errorf("failed to delete rows: %w", err)
	}
	return nil
}

func (s *milvusStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	payload := map[string]any{
		"collectionName": collection,
		"filter":         milvusExpr(filter),
	}
	if err := s.call(ctx, "/v2/vectordb/entities/delete", payload, nil); err != nil {
		return fmt.Errorf("failed to delete rows by filter: %w", err)
	}
	return nil
}

// milvusExpr renders the equality filter as a boolean expression. An
// empty filter matches everything.
func milvusExpr(filter Filter) string {
	if len(filter) == 0 {
		return `id != ""`
	}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, fmt.Sprintf("%s == %s", key, strconv.Quote(fmt.Sprint(filter[key]))))
	}
	return strings.Join(clauses, " and ")
}

func milvusRowToRecord(row map[string]any) VectorRecord {
	record := VectorRecord{Metadata: make(map[string]any)}
	for key, value := range row {
		switch key {
		case "id":
			record.ID = fmt.Sprint(value)
		case "content":
			record.Text, _ = value.(string)
		case "vector":
			if values, ok := value.([]any); ok {
				record.Embedding = make([]float32, 0, len(values))
				for _, v := range values {
					if f, ok := v.(float64); ok {
						record.Embedding = append(record.Embedding, float32(f))
					}
				}
			}
		case "distance":
		default:
			record.Metadata[key] = value
		}
	}
	return record
}

func (s *milvusStore) score(distance float64) float64 {
	if s.metric == "L2" {
		return 1 / (1 + distance)
	}
	return distance
}

func (s *milvusStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	payload := map[string]any{
		"collectionName": collection,
		"data":           [][]float32{vector},
		"limit":          topK,
		"outputFields":   []string{"*"},
	}
	if len(filter) > 0 {
		payload["filter"] = milvusExpr(filter)
	}

	var rows []map[string]any
	if err := s.call(ctx, "/v2/vectordb/entities/search", payload, &rows); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	out := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		distance, _ := row["distance"].(float64)
		out = append(out, SearchResult{VectorRecord: milvusRowToRecord(row), Score: s.score(distance)})
	}
	return out, nil
}

func (s *milvusStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	payload := map[string]any{
		"collectionName": collection,
		"id":             []string{id},
		"outputFields":   []string{"*"},
	}
	var rows []map[string]any
	if err := s.call(ctx, "/v2/vectordb/entities/get", payload, &rows); err != nil {
		return nil, fmt.Errorf("failed to get row %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	record := milvusRowToRecord(rows[0])
	return &record, nil
}

func (s *milvusStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	payload := map[string]any{
		"collectionName": collection,
		"filter":         milvusExpr(filter),
		"limit":          limit,
		"outputFields":   []string{"*"},
	}
	var rows []map[string]any
	if err := s.call(ctx, "/v2/vectordb/entities/query", payload, &rows); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	out := make([]VectorRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, milvusRowToRecord(row))
	}
	return out, nil
}
