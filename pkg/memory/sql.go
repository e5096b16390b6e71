package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// SQL persists entries in a relational table:
//
//	(id, user_id, conversation_id, role, content, metadata, created_at)
//
// with a composite index on (user_id, conversation_id). Works against
// postgres, mysql and sqlite3 drivers.
type SQL struct {
	metaStore
	db     *sql.DB
	driver string
	table  string
	tenant protocol.TenantKey
}

// NewSQL opens the database and ensures the table exists.
func NewSQL(cfg Config) (*SQL, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql memory requires a DSN")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	table := cfg.Table
	if table == "" {
		table = "ai_memory"
	}
	m := &SQL{db: db, driver: driver, table: table, tenant: cfg.tenant()}
	if err := m.ensureTable(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQL) ensureTable() error {
	var idColumn string
	switch m.driver {
	case "postgres":
		idColumn = "id SERIAL PRIMARY KEY"
	case "mysql":
		idColumn = "id INT AUTO_INCREMENT PRIMARY KEY"
	default:
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		conversation_id VARCHAR(255) NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`, m.table, idColumn)
	if _, err := m.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create memory table: %w", err)
	}

	index := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (user_id, conversation_id)",
		m.table, m.table,
	)
	if _, err := m.db.Exec(index); err != nil && m.driver != "mysql" {
		// MySQL has no IF NOT EXISTS for indexes; a duplicate there is fine.
		return fmt.Errorf("failed to create memory index: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (m *SQL) rebind(query string) string {
	if m.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (m *SQL) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	entry.Metadata = m.tenant.Stamp(entry.Metadata)
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode entry metadata: %w", err)
	}

	query := m.rebind(fmt.Sprintf(
		"INSERT INTO %s (user_id, conversation_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		m.table,
	))
	_, err = m.db.ExecContext(ctx, query,
		m.tenant.UserID, m.tenant.ConversationID,
		string(entry.Role), entry.Content, string(metadata), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory entry: %w", err)
	}
	emitAdd("sql", m.tenant, entry)
	return nil
}

func (m *SQL) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	query := m.rebind(fmt.Sprintf(
		"SELECT role, content, metadata, created_at FROM %s WHERE user_id = ? AND conversation_id = ? ORDER BY id ASC",
		m.table,
	))
	rows, err := m.db.QueryContext(ctx, query, m.tenant.UserID, m.tenant.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	var out []protocol.MemoryEntry
	for rows.Next() {
		var entry protocol.MemoryEntry
		var role string
		var metadata sql.NullString
		if err := rows.Scan(&role, &entry.Content, &metadata, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entry.Role = protocol.Role(role)
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &entry.Metadata)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (m *SQL) Clear(ctx context.Context) error {
	query := m.rebind(fmt.Sprintf(
		"DELETE FROM %s WHERE user_id = ? AND conversation_id = ?", m.table,
	))
	if _, err := m.db.ExecContext(ctx, query, m.tenant.UserID, m.tenant.ConversationID); err != nil {
		return fmt.Errorf("failed to clear memory entries: %w", err)
	}
	return nil
}

func (m *SQL) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return m.GetAll(ctx)
}

func (m *SQL) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := m.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *SQL) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	entries, err := m.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-limit:], nil
}

// Close releases the database handle.
func (m *SQL) Close() error { return m.db.Close() }
