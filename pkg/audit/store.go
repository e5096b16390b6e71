package audit

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Query filters stored entries. Zero fields match everything.
type Query struct {
	SpanType  string
	Operation string
	TraceID   string
	StartTime time.Time
	EndTime   time.Time
	MinTokens int
}

func (q Query) matches(e Entry) bool {
	if q.SpanType != "" && e.SpanType != q.SpanType {
		return false
	}
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	if q.TraceID != "" && e.TraceID != q.TraceID {
		return false
	}
	if !q.StartTime.IsZero() && e.StartTime.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.EndTime.After(q.EndTime) {
		return false
	}
	if q.MinTokens > 0 && e.Tokens.Total < q.MinTokens {
		return false
	}
	return true
}

// Store persists finished spans.
type Store interface {
	Write(entries []Entry) error
	Query(q Query) ([]Entry, error)
	Close() error
}

// NewStore builds a store by kind: memory, file, or sql.
func NewStore(kind string, cfg map[string]any) (Store, error) {
	switch kind {
	case "", "memory":
		capacity := intOption(cfg, "capacity", 1000)
		return NewMemoryStore(capacity), nil
	case "file":
		path, _ := cfg["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file audit store requires a path")
		}
		return NewFileStore(path)
	case "sql", "jdbc":
		driver, _ := cfg["driver"].(string)
		dsn, _ := cfg["dsn"].(string)
		if driver == "" || dsn == "" {
			return nil, fmt.Errorf("sql audit store requires driver and dsn")
		}
		return NewSQLStore(driver, dsn)
	default:
		return nil, fmt.Errorf("unknown audit store %q", kind)
	}
}

func intOption(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// MemoryStore keeps the most recent entries in a ring buffer.
type MemoryStore struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	next     int
	full     bool
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{entries: make([]Entry, capacity), capacity: capacity}
}

func (s *MemoryStore) Write(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[s.next] = e
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// snapshot returns entries in insertion order.
func (s *MemoryStore) snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]Entry, s.next)
		copy(out, s.entries[:s.next])
		return out
	}
	out := make([]Entry, 0, s.capacity)
	out = append(out, s.entries[s.next:]...)
	out = append(out, s.entries[:s.next]...)
	return out
}

func (s *MemoryStore) Query(q Query) ([]Entry, error) {
	var out []Entry
	for _, e := range s.snapshot() {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore appends entries as NDJSON lines.
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileStore{path: path, file: file}, nil
}

func (s *FileStore) Write(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := bufio.NewWriter(s.file)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *FileStore) Query(q Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// SQLStore persists entries in a single table, one row per span.
type SQLStore struct {
	db *sql.DB
}

const sqlSchema = `CREATE TABLE IF NOT EXISTS ai_audit (
	span_id TEXT PRIMARY KEY,
	parent_span_id TEXT,
	trace_id TEXT NOT NULL,
	span_type TEXT NOT NULL,
	operation TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	input TEXT,
	output TEXT,
	tokens_prompt INTEGER NOT NULL DEFAULT 0,
	tokens_completion INTEGER NOT NULL DEFAULT 0,
	tokens_total INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	error TEXT
)`

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Write(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO ai_audit
		(span_id, parent_span_id, trace_id, span_type, operation, start_time, end_time,
		 input, output, tokens_prompt, tokens_completion, tokens_total, metadata, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		input, _ := json.Marshal(e.Input)
		output, _ := json.Marshal(e.Output)
		metadata, _ := json.Marshal(e.Metadata)
		if _, err := stmt.Exec(
			e.SpanID, e.ParentSpanID, e.TraceID, e.SpanType, e.Operation,
			e.StartTime, e.EndTime, string(input), string(output),
			e.Tokens.Prompt, e.Tokens.Completion, e.Tokens.Total,
			string(metadata), e.Error,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Query(q Query) ([]Entry, error) {
	query := `SELECT span_id, parent_span_id, trace_id, span_type, operation,
		start_time, end_time, input, output, tokens_prompt, tokens_completion,
		tokens_total, metadata, error FROM ai_audit WHERE 1=1`
	var args []any
	if q.SpanType != "" {
		query += " AND span_type = ?"
		args = append(args, q.SpanType)
	}
	if q.Operation != "" {
		query += " AND operation = ?"
		args = append(args, q.Operation)
	}
	if q.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, q.TraceID)
	}
	if !q.StartTime.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, q.StartTime)
	}
	if !q.EndTime.IsZero() {
		query += " AND end_time <= ?"
		args = append(args, q.EndTime)
	}
	if q.MinTokens > 0 {
		query += " AND tokens_total >= ?"
		args = append(args, q.MinTokens)
	}
	query += " ORDER BY start_time"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var input, output, metadata, parentID, errText sql.NullString
		if err := rows.Scan(&e.SpanID, &parentID, &e.TraceID, &e.SpanType, &e.Operation,
			&e.StartTime, &e.EndTime, &input, &output,
			&e.Tokens.Prompt, &e.Tokens.Completion, &e.Tokens.Total,
			&metadata, &errText); err != nil {
			return nil, err
		}
		e.ParentSpanID = parentID.String
		e.Error = errText.String
		if input.Valid && input.String != "null" {
			_ = json.Unmarshal([]byte(input.String), &e.Input)
		}
		if output.Valid && output.String != "null" {
			_ = json.Unmarshal([]byte(output.String), &e.Output)
		}
		if metadata.Valid && metadata.String != "null" {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }
