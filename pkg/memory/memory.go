// Package memory implements conversation stores: windowed, summary,
// session, cache, file and SQL variants plus vector-indexed backends
// with semantic retrieval. Every variant scopes its operations to a
// (userId, conversationId) tenant when one is configured; entries from
// other tenants are invisible to reads and untouched by writes.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/config"
	"github.com/modelkit/modelkit/pkg/events"
	"github.com/modelkit/modelkit/pkg/protocol"
)

// Memory is an ordered store of conversation messages.
type Memory interface {
	// Add appends one entry. The entry is stamped with the memory's
	// tenant scope before it is persisted.
	Add(ctx context.Context, entry protocol.MemoryEntry) error

	// GetAll returns the entries visible to this memory's tenant, oldest
	// first.
	GetAll(ctx context.Context) ([]protocol.MemoryEntry, error)

	// Clear removes this tenant's entries.
	Clear(ctx context.Context) error

	// Metadata returns the memory's metadata map.
	Metadata() map[string]any

	// SetMetadata stores one metadata value.
	SetMetadata(key string, value any)

	// Export dumps this tenant's entries for persistence elsewhere.
	Export(ctx context.Context) ([]protocol.MemoryEntry, error)

	// Import appends previously exported entries.
	Import(ctx context.Context, entries []protocol.MemoryEntry) error
}

// Retriever is the retrieval surface the agent loop uses when
// preparing a request. Windowed variants return the most recent
// entries; vector variants run a semantic search with the input text.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error)
}

// Config carries the settings common to all memory kinds. Unused
// fields are ignored by kinds that do not need them.
type Config struct {
	// Key names the shared backing store (window/session variants) or
	// the collection/table/file of external stores.
	Key string

	UserID         string
	ConversationID string

	// MaxMessages bounds windowed variants. Zero means the default.
	MaxMessages int

	// SummaryThreshold triggers summarization for the summary variant.
	SummaryThreshold int

	// Connection settings for external stores.
	URL    string
	APIKey string
	Driver string
	DSN    string
	Table  string
	Path   string

	// Embedding configuration for vector variants.
	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingOptions  chat.Options
	Dimension         int
	SpaceType         string
	TopK              int
	MinScore          float64

	// Settings supplies provider resolution for summarizers and
	// auto-embedding. Nil falls back to module defaults.
	Settings *config.Settings
}

func (c Config) tenant() protocol.TenantKey {
	return protocol.TenantKey{UserID: c.UserID, ConversationID: c.ConversationID}
}

func (c Config) maxMessages() int {
	if c.MaxMessages > 0 {
		return c.MaxMessages
	}
	return 25
}

func (c Config) topK() int {
	if c.TopK > 0 {
		return c.TopK
	}
	return 5
}

func (c Config) spaceType() string {
	switch strings.ToLower(c.SpaceType) {
	case "l2":
		return "l2"
	case "innerproduct":
		return "innerproduct"
	default:
		return "cosine"
	}
}

func (c Config) settings() *config.Settings {
	if c.Settings != nil {
		return c.Settings
	}
	return config.Default()
}

// metaStore is the embedded metadata map shared by all variants.
type metaStore struct {
	mu   sync.RWMutex
	meta map[string]any
}

func (m *metaStore) Metadata() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out
}

func (m *metaStore) SetMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meta == nil {
		m.meta = make(map[string]any)
	}
	m.meta[key] = value
}

// emitAdd fires the memory add event after a successful write.
func emitAdd(kind string, tenant protocol.TenantKey, entry protocol.MemoryEntry) {
	events.Emit(events.OnAIMemoryAdd, events.Payload{
		"kind":           kind,
		"userId":         tenant.UserID,
		"conversationId": tenant.ConversationID,
		"role":           string(entry.Role),
	})
}

// New constructs a memory of the named kind. Vector kinds return a
// *VectorMemory, which also satisfies Memory.
func New(kind string, cfg Config) (Memory, error) {
	switch strings.ToLower(kind) {
	case "", "windowed":
		return NewWindowed(cfg), nil
	case "summary":
		return NewSummary(cfg), nil
	case "session":
		return NewSession(cfg), nil
	case "cache":
		return NewCache(cfg)
	case "file":
		return NewFile(cfg)
	case "jdbc", "sql":
		return NewSQL(cfg)
	case "hybrid":
		return NewHybrid(cfg)
	default:
		store, err := NewVectorStore(kind, cfg)
		if err != nil {
			return nil, err
		}
		return NewVector(store, cfg)
	}
}

// NewVectorStore constructs a backend adapter by kind without the
// embedding layer on top.
func NewVectorStore(kind string, cfg Config) (VectorStore, error) {
	switch strings.ToLower(kind) {
	case "boxvector":
		return newBoxVectorStore(), nil
	case "qdrant":
		return newQdrantStore(cfg)
	case "pinecone":
		return newPineconeStore(cfg)
	case "chroma":
		return newChromaStore(cfg)
	case "postgres", "pgvector":
		return newPgvectorStore(cfg)
	case "weaviate":
		return newWeaviateStore(cfg)
	case "milvus":
		return newMilvusStore(cfg)
	case "opensearch":
		return newOpenSearchStore(cfg)
	case "mysql":
		return newMySQLVectorStore(cfg)
	case "typesense":
		return newTypesenseStore(cfg)
	default:
		return nil, fmt.Errorf("unknown memory kind %q", kind)
	}
}
