package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

// pgvectorStore keeps vectors in Postgres with the pgvector extension.
// Each collection maps to its own table with a JSONB metadata column,
// so filters ride on the @> containment operator.
type pgvectorStore struct {
	db        *sql.DB
	spaceType string
}

func newPgvectorStore(cfg Config) (*pgvectorStore, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.URL
	}
	if dsn == "" {
		return nil, fmt.Errorf("pgvector memory requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return &pgvectorStore{db: db, spaceType: cfg.spaceType()}, nil
}

// operator returns the pgvector distance operator and whether the
// resulting distance converts to a similarity as 1-d.
func (s *pgvectorStore) operator() (string, bool) {
	switch s.spaceType {
	case "l2":
		return "<->", false
	case "innerproduct":
		return "<#>", false
	default:
		return "<=>", true
	}
}

func (s *pgvectorStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSONB,
		embedding vector(%d)
	)`, quoteIdent(name), dimension)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

func (s *pgvectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
		name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	return exists, nil
}

func (s *pgvectorStore) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func (s *pgvectorStore) Upsert(ctx context.Context, collection string, records []VectorRecord) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, quoteIdent(collection))
	for _, r := range records {
		metadata, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, r.ID, r.Text, metadata, vectorLiteral(r.Embedding)); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *pgvectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	query := "DELETE FROM " + quoteIdent(collection) + " WHERE id = ANY($1)"
	if _, err := s.db.ExecContext(ctx, query, pqArray(ids)); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

func (s *pgvectorStore) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	where, args := s.filterClause(filter, 0)
	query := "DELETE FROM " + quoteIdent(collection) + where
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete records by filter: %w", err)
	}
	return nil
}

// filterClause renders the metadata filter as a JSONB containment
// predicate. offset is the number of placeholders already used.
func (s *pgvectorStore) filterClause(filter Filter, offset int) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	encoded, _ := json.Marshal(filter)
	return fmt.Sprintf(" WHERE metadata @> $%d", offset+1), []any{string(encoded)}
}

func (s *pgvectorStore) SearchByVector(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	op, cosine := s.operator()
	where, args := s.filterClause(filter, 1)
	query := fmt.Sprintf(
		"SELECT id, content, metadata, embedding %s $1 AS distance FROM %s%s ORDER BY distance ASC LIMIT %d",
		op, quoteIdent(collection), where, topK,
	)
	rows, err := s.db.QueryContext(ctx, query, append([]any{vectorLiteral(vector)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var record VectorRecord
		var metadata sql.NullString
		var distance float64
		if err := rows.Scan(&record.ID, &record.Text, &metadata, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &record.Metadata)
		}
		score := -distance
		if cosine {
			score = 1 - distance
		}
		out = append(out, SearchResult{VectorRecord: record, Score: score})
	}
	return out, rows.Err()
}

func (s *pgvectorStore) GetByID(ctx context.Context, collection string, id string) (*VectorRecord, error) {
	query := "SELECT id, content, metadata, embedding::text FROM " + quoteIdent(collection) + " WHERE id = $1"
	var record VectorRecord
	var metadata sql.NullString
	var embedding string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&record.ID, &record.Text, &metadata, &embedding)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &record.Metadata)
	}
	record.Embedding = parseVectorLiteral(embedding)
	return &record, nil
}

func (s *pgvectorStore) List(ctx context.Context, collection string, filter Filter, limit int) ([]VectorRecord, error) {
	where, args := s.filterClause(filter, 0)
	query := "SELECT id, content, metadata FROM " + quoteIdent(collection) + where
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var out []VectorRecord
	for rows.Next() {
		var record VectorRecord
		var metadata sql.NullString
		if err := rows.Scan(&record.ID, &record.Text, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &record.Metadata)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *pgvectorStore) Close() error { return s.db.Close() }

// vectorLiteral renders an embedding in pgvector's input format.
func vectorLiteral(vector []float32) string {
	parts := make([]string, len(vector))
	for i, v := range vector {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVectorLiteral(literal string) []float32 {
	trimmed := strings.Trim(literal, "[]")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		out = append(out, float32(v))
	}
	return out
}

// quoteIdent protects collection names used as table identifiers.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pqArray renders a text array literal accepted by ANY($1).
func pqArray(items []string) string {
	escaped := make([]string, len(items))
	for i, item := range items {
		escaped[i] = `"` + strings.ReplaceAll(item, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
