package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// Cache is a windowed memory persisted in Redis. Each tenant owns one
// list keyed by key:userId:conversationId, so isolation falls out of
// the key scheme.
type Cache struct {
	metaStore
	client *redis.Client
	tenant protocol.TenantKey
	prefix string
	max    int
}

// NewCache connects to Redis at cfg.URL (host:port or a redis:// URL).
func NewCache(cfg Config) (*Cache, error) {
	addr := cfg.URL
	if addr == "" {
		addr = "localhost:6379"
	}

	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL %s: %w", addr, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if cfg.APIKey != "" {
		opts.Password = cfg.APIKey
	}

	prefix := cfg.Key
	if prefix == "" {
		prefix = "modelkit:memory"
	}
	return &Cache{
		client: redis.NewClient(opts),
		tenant: cfg.tenant(),
		prefix: prefix,
		max:    cfg.maxMessages(),
	}, nil
}

func (c *Cache) key() string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, c.tenant.UserID, c.tenant.ConversationID)
}

func (c *Cache) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	entry.Metadata = c.tenant.Stamp(entry.Metadata)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode memory entry: %w", err)
	}
	if err := c.client.RPush(ctx, c.key(), encoded).Err(); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}
	if err := c.trim(ctx); err != nil {
		return err
	}
	emitAdd("cache", c.tenant, entry)
	return nil
}

// trim enforces the window while keeping the system entry alive.
func (c *Cache) trim(ctx context.Context) error {
	length, err := c.client.LLen(ctx, c.key()).Result()
	if err != nil {
		return fmt.Errorf("redis read failed: %w", err)
	}
	if int(length) <= c.max {
		return nil
	}

	entries, err := c.GetAll(ctx)
	if err != nil {
		return err
	}
	excess := len(entries) - c.max
	kept := make([]protocol.MemoryEntry, 0, c.max)
	for _, e := range entries {
		if excess > 0 && e.Role != protocol.RoleSystem {
			excess--
			continue
		}
		kept = append(kept, e)
	}
	return c.rewrite(ctx, kept)
}

func (c *Cache) rewrite(ctx context.Context, entries []protocol.MemoryEntry) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key())
	for _, e := range entries {
		encoded, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode memory entry: %w", err)
		}
		pipe.RPush(ctx, c.key(), encoded)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rewrite failed: %w", err)
	}
	return nil
}

func (c *Cache) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	items, err := c.client.LRange(ctx, c.key(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read failed: %w", err)
	}
	out := make([]protocol.MemoryEntry, 0, len(items))
	for _, item := range items {
		var entry protocol.MemoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Cache) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key()).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (c *Cache) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return c.GetAll(ctx)
}

func (c *Cache) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := c.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	entries, err := c.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-limit:], nil
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error { return c.client.Close() }
