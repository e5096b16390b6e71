package memory

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// pineconeStore maps collections onto Pinecone indexes. The source
// text rides in the metadata since Pinecone stores vectors only.
type pineconeStore struct {
	client *pinecone.Client
}

func newPineconeStore(cfg Config) (*pineconeStore, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone memory requires an API key")
	}
	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
		Host:   cfg.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}
	return &pineconeStore{client: client}, nil
}

func (s *pineconeStore) connect(ctx context.Context, index string) (*pinecone.IndexConnection, error) {
	described, err := s.client.DescribeIndex(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", index, err)
	}
	conn, err := s.client.Index(pinecone.NewIndexConnParams{Host: described.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", index, err)
	}
	return conn, nil
}

// CreateCollection verifies the index exists. Serverless index
// provisioning stays with the Pinecone console; dimensions are fixed
// at index creation there.
func (s *pineconeStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	exists, err := s.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("pinecone index %s does not exist; create it via the Pinecone console or API", name)
	}
	return nil
}

func (s *pineconeStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	indexes, err := s.client.ListIndexes(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list indexes: %w", err)
	}
	for _, index := range indexes {
		if index.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *pineconeStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.DeleteIndex(ctx, name); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}
	return nil
}

func pineconeMetadata(r VectorRecord) (*pinecone.Metadata, error) {
	metadata := make(map[string]any, len(r.Metadata)+1)
	for key, value := range r.Metadata {
		metadata[key] = value
	}
	metadata["text"] = r.Text
	converted, err := structpb.NewStruct(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to convert metadata: %w", err)
	}
	return converted, nil
}

func pineconeVectorToRecord(vector *pinecone.Vector) VectorRecord {
	record := VectorRecord{ID: vector.Id, Embedding: vector.Values}
	if vector.Metadata != nil {
		record.Metadata = vector.Metadata.AsMap()
		if text, ok := record.Metadata["text"].(string); ok {
			record.Text = text
			delete(record.Metadata, "text")
		}
	}
	return record
}

func (s *pineconeStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(records))
	for _, r := range records {
		metadata, err := pineconeMetadata(r)
		if err != nil {
			return err
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       r.ID,
			Values:   r.Embedding,
			Metadata: metadata,
		})
	}
	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

func (s *pineconeStore) Delete(ctx context.Context, collection string, ids []string) error {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (s *pineconeStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	converted, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, converted); err != nil {
		return fmt.Errorf("failed to delete vectors by filter: %w", err)
	}
	return nil
}

func (s *pineconeStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	request := &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
		IncludeValues:   true,
	}
	if len(filter) > 0 {
		converted, err := structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
		request.MetadataFilter = converted
	}

	resp, err := conn.QueryByVectorValues(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make([]SearchResult, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		out = append(out, SearchResult{
			VectorRecord: pineconeVectorToRecord(match.Vector),
			Score:        float64(match.Score),
		})
	}
	return out, nil
}

func (s *pineconeStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.FetchVectors(ctx, []string{id})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vector %s: %w", id, err)
	}
	vector, ok := resp.Vectors[id]
	if !ok || vector == nil {
		return nil, nil
	}
	record := pineconeVectorToRecord(vector)
	return &record, nil
}

func (s *pineconeStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	conn, err := s.connect(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if limit <= 0 {
		limit = 100
	}
	capped := uint32(limit)
	listed, err := conn.ListVectors(ctx, &pinecone.ListVectorsRequest{Limit: &capped})
	if err != nil {
		return nil, fmt.Errorf("failed to list vectors: %w", err)
	}
	if len(listed.VectorIds) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(listed.VectorIds))
	for _, id := range listed.VectorIds {
		if id != nil {
			ids = append(ids, *id)
		}
	}
	fetched, err := conn.FetchVectors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch vectors: %w", err)
	}

	out := make([]VectorRecord, 0, len(fetched.Vectors))
	for _, vector := range fetched.Vectors {
		if vector == nil {
			continue
		}
		record := pineconeVectorToRecord(vector)
		if filterMatches(filter, record.Metadata) {
			out = append(out, record)
		}
	}
	return out, nil
}
