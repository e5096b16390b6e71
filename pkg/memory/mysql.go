package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlVectorStore stores embeddings as JSON columns and scores
// candidates in process. MySQL has no native vector index, so searches
// scan the collection; fine for the conversation-memory sizes this
// backend is meant for.
type mysqlVectorStore struct {
	db        *sql.DB
	spaceType string
}

func newMySQLVectorStore(cfg Config) (*mysqlVectorStore, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.URL
	}
	if dsn == "" {
		return nil, fmt.Errorf("mysql vector memory requires a DSN")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return &mysqlVectorStore{db: db, spaceType: cfg.spaceType()}, nil
}

func mysqlIdent(name string) string {
	return "`" + name + "`"
}

func (s *mysqlVectorStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id VARCHAR(255) PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSON,
		embedding JSON
	)`, mysqlIdent(name))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *mysqlVectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *mysqlVectorStore) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+mysqlIdent(name)); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func (s *mysqlVectorStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, content, metadata, embedding)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			content = VALUES(content),
			metadata = VALUES(metadata),
			embedding = VALUES(embedding)`, mysqlIdent(collection))
	for _, r := range records {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		embedding, err := json.Marshal(r.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, r.ID, r.Text, metadata, embedding); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *mysqlVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	query := "DELETE FROM " + mysqlIdent(collection) + " WHERE id = ?"
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
	}
	return nil
}

func (s *mysqlVectorStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
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

func (s *mysqlVectorStore) scan(ctx context.Context, collection string) ([]VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, metadata, embedding FROM "+mysqlIdent(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to scan collection %s: %w", collection, err)
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var record VectorRecord
		var metadata, embedding sql.NullString
		if err := rows.Scan(&record.ID, &record.Text, &metadata, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &record.Metadata)
		}
		if embedding.Valid && embedding.String != "" {
			_ = json.Unmarshal([]byte(embedding.String), &record.Embedding)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *mysqlVectorStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	records, err := s.scan(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, r := range records {
		if !filterMatches(filter, r.Metadata) {
			continue
		}
		out = append(out, SearchResult{
			VectorRecord: r,
			Score:        similarity(s.spaceType, vector, r.Embedding),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *mysqlVectorStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	var record VectorRecord
	var metadata, embedding sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, content, metadata, embedding FROM "+mysqlIdent(collection)+" WHERE id = ?", id,
	).Scan(&record.ID, &record.Text, &metadata, &embedding)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &record.Metadata)
	}
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &record.Embedding)
	}
	return &record, nil
}

func (s *mysqlVectorStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	records, err := s.scan(ctx, collection)
	if err != nil {
		return nil, err
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

// Close releases the database handle.
func (s *mysqlVectorStore) Close() error { return s.db.Close() }

// similarity scores two embeddings under the configured space type.
// Cosine and dot product sort descending as-is; euclidean is inverted
// so larger still means closer.
func similarity(spaceType string, a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	switch spaceType {
	case "l2":
		var dist float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			dist += d * d
		}
		return 1 / (1 + math.Sqrt(dist))
	case "innerproduct":
		return dot
	default:
		if normA == 0 || normB == 0 {
			return 0
		}
		return dot / (math.Sqrt(normA) * math.Sqrt(normB))
	}
}
