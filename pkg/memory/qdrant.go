package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// qdrantStore talks to a Qdrant instance over gRPC.
type qdrantStore struct {
	client   *qdrant.Client
	distance qdrant.Distance
}

func newQdrantStore(cfg Config) (*qdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &qdrantStore{client: client, distance: qdrantDistance(cfg.spaceType())}, nil
}

// parseQdrantURL accepts host, host:port, or a scheme-prefixed URL.
// The default is the local gRPC port.
func parseQdrantURL(raw string) (host string, port int, useTLS bool, err error) {
	host, port = "localhost", 6334
	if raw == "" {
		return host, port, false, nil
	}
	if idx := strings.Index(raw, "://"); idx >= 0 {
		useTLS = strings.HasPrefix(raw, "https")
		raw = raw[idx+3:]
	}
	if h, p, ok := strings.Cut(raw, ":"); ok {
		parsed, perr := strconv.Atoi(p)
		if perr != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant port %q: %w", p, perr)
		}
		host, port = h, parsed
	} else if raw != "" {
		host = raw
	}
	return host, port, useTLS, nil
}

func qdrantDistance(spaceType string) qdrant.Distance {
	switch spaceType {
	case "l2":
		return qdrant.Distance_Euclid
	case "innerproduct":
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

func (s *qdrantStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: s.distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *qdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	return exists, nil
}

func (s *qdrantStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		payload := map[string]any{"text": r.Text}
		for k, v := range r.Metadata {
			payload[k] = v
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(r.ID),
			Vectors: qdrant.NewVectors(r.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (s *qdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (s *qdrantStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildQdrantFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points by filter: %w", err)
	}
	return nil
}

func (s *qdrantStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	resp, err := s.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, point := range resp.Result {
		record := VectorRecord{
			ID:        pointIDString(point.Id),
			Embedding: point.Vectors.GetVector().GetData(),
		}
		record.Text, record.Metadata = splitQdrantPayload(point.Payload)
		out = append(out, SearchResult{VectorRecord: record, Score: float64(point.Score)})
	}
	return out, nil
}

func (s *qdrantStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get point %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	record := retrievedToRecord(points[0])
	return &record, nil
}

func (s *qdrantStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         buildQdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll failed: %w", err)
	}
	out := make([]VectorRecord, 0, len(points))
	for _, point := range points {
		out = append(out, retrievedToRecord(point))
	}
	return out, nil
}

func retrievedToRecord(point *qdrant.RetrievedPoint) VectorRecord {
	record := VectorRecord{
		ID:        pointIDString(point.Id),
		Embedding: point.Vectors.GetVector().GetData(),
	}
	record.Text, record.Metadata = splitQdrantPayload(point.Payload)
	return record
}

func buildQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(value)},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

// splitQdrantPayload pulls the stored text out of the payload and
// returns the rest as metadata.
func splitQdrantPayload(payload map[string]*qdrant.Value) (string, map[string]any) {
	var text string
	metadata := make(map[string]any, len(payload))
	for key, value := range payload {
		converted := qdrantValue(value)
		if key == "text" {
			text, _ = converted.(string)
			continue
		}
		metadata[key] = converted
	}
	return text, metadata
}

func qdrantValue(value *qdrant.Value) any {
	switch kind := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return value.String()
	}
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch kind := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return kind.Uuid
	case *qdrant.PointId_Num:
		return strconv.FormatUint(kind.Num, 10)
	default:
		return ""
	}
}
