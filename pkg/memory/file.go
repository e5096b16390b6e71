package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/modelkit/modelkit/pkg/protocol"
)

// File persists entries as NDJSON, one entry per line. Writes append;
// Clear and Compact rewrite the file. The file may be shared by
// several tenants.
type File struct {
	metaStore
	mu     sync.Mutex
	path   string
	tenant protocol.TenantKey
}

// NewFile creates a file memory at cfg.Path, creating parent
// directories as needed.
func NewFile(cfg Config) (*File, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file memory requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}
	return &File{path: cfg.Path, tenant: cfg.tenant()}, nil
}

func (f *File) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	entry.Metadata = f.tenant.Stamp(entry.Metadata)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode memory entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open memory file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("failed to append memory entry: %w", err)
	}
	emitAdd("file", f.tenant, entry)
	return nil
}

func (f *File) readAll() ([]protocol.MemoryEntry, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open memory file: %w", err)
	}
	defer file.Close()

	var out []protocol.MemoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry protocol.MemoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}

func (f *File) writeAll(entries []protocol.MemoryEntry) error {
	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to rewrite memory file: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, e := range entries {
		encoded, err := json.Marshal(e)
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to encode memory entry: %w", err)
		}
		writer.Write(encoded)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.MemoryEntry, 0, len(all))
	for _, e := range all {
		if f.tenant.Matches(e.Metadata) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear removes this tenant's entries, keeping other tenants intact.
func (f *File) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return err
	}
	kept := make([]protocol.MemoryEntry, 0, len(all))
	for _, e := range all {
		if !f.tenant.Matches(e.Metadata) {
			kept = append(kept, e)
		}
	}
	return f.writeAll(kept)
}

// Compact rewrites the file dropping lines that failed to decode.
func (f *File) Compact(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.readAll()
	if err != nil {
		return err
	}
	return f.writeAll(all)
}

func (f *File) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return f.GetAll(ctx)
}

func (f *File) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := f.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	entries, err := f.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-limit:], nil
}
