package memory

import (
	"context"
	"sync"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// windowStore is an in-process entry list shared by every memory
// facade created with the same key, so two tenants can share one
// backend while remaining isolated by their scopes.
type windowStore struct {
	mu      sync.RWMutex
	entries []protocol.MemoryEntry
}

var windowStores = struct {
	sync.Mutex
	byKey map[string]*windowStore
}{byKey: make(map[string]*windowStore)}

func storeForKey(key string) *windowStore {
	if key == "" {
		return &windowStore{}
	}
	windowStores.Lock()
	defer windowStores.Unlock()
	store, ok := windowStores.byKey[key]
	if !ok {
		store = &windowStore{}
		windowStores.byKey[key] = store
	}
	return store
}

// ResetSharedStores drops every keyed window store. Test hook.
func ResetSharedStores() {
	windowStores.Lock()
	defer windowStores.Unlock()
	windowStores.byKey = make(map[string]*windowStore)
}

func (s *windowStore) add(entry protocol.MemoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *windowStore) visible(tenant protocol.TenantKey) []protocol.MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if tenant.Matches(e.Metadata) {
			out = append(out, e)
		}
	}
	return out
}

func (s *windowStore) clear(tenant protocol.TenantKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !tenant.Matches(e.Metadata) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// trim evicts the tenant's oldest non-system entries until at most max
// remain. The system entry survives eviction so instructions persist
// across long conversations.
func (s *windowStore) trim(tenant protocol.TenantKey, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if tenant.Matches(e.Metadata) {
			count++
		}
	}
	excess := count - max
	if excess <= 0 {
		return
	}

	kept := make([]protocol.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if excess > 0 && tenant.Matches(e.Metadata) && e.Role != protocol.RoleSystem {
			excess--
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

// replaceOldest swaps the tenant's oldest n non-system entries for a
// single replacement entry, used by the summary variant.
func (s *windowStore) replaceOldest(tenant protocol.TenantKey, n int, replacement protocol.MemoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]protocol.MemoryEntry, 0, len(s.entries))
	replaced := false
	remaining := n
	for _, e := range s.entries {
		if remaining > 0 && tenant.Matches(e.Metadata) && e.Role != protocol.RoleSystem {
			remaining--
			if !replaced {
				kept = append(kept, replacement)
				replaced = true
			}
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

// Windowed retains the last MaxMessages entries per tenant with FIFO
// eviction.
type Windowed struct {
	metaStore
	store  *windowStore
	tenant protocol.TenantKey
	max    int
}

// NewWindowed creates a windowed memory. A non-empty Key shares the
// backing store with other memories using the same key.
func NewWindowed(cfg Config) *Windowed {
	return &Windowed{
		store:  storeForKey(cfg.Key),
		tenant: cfg.tenant(),
		max:    cfg.maxMessages(),
	}
}

func (w *Windowed) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	entry.Metadata = w.tenant.Stamp(entry.Metadata)
	w.store.add(entry)
	w.store.trim(w.tenant, w.max)
	emitAdd("windowed", w.tenant, entry)
	return nil
}

func (w *Windowed) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return w.store.visible(w.tenant), nil
}

func (w *Windowed) Clear(ctx context.Context) error {
	w.store.clear(w.tenant)
	return nil
}

func (w *Windowed) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return w.GetAll(ctx)
}

func (w *Windowed) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := w.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve returns the tenant's most recent entries, oldest first.
func (w *Windowed) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	entries, err := w.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-limit:], nil
}
