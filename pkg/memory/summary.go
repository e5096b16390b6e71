package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelkit/modelkit/pkg/chat"
	"github.com/modelkit/modelkit/pkg/llms"
	"github.com/modelkit/modelkit/pkg/protocol"
)

const summaryPrompt = "Summarize the following conversation excerpt into a concise paragraph preserving facts, names, decisions and open questions. Reply with the summary only."

// Summary keeps the conversation bounded by replacing the oldest half
// with a single model-written summary entry once the threshold is
// exceeded.
type Summary struct {
	metaStore
	store     *windowStore
	tenant    protocol.TenantKey
	threshold int
	cfg       Config
}

// NewSummary creates a summary memory. The default threshold is 20
// entries.
func NewSummary(cfg Config) *Summary {
	threshold := cfg.SummaryThreshold
	if threshold <= 0 {
		threshold = 20
	}
	return &Summary{
		store:     storeForKey(cfg.Key),
		tenant:    cfg.tenant(),
		threshold: threshold,
		cfg:       cfg,
	}
}

func (s *Summary) Add(ctx context.Context, entry protocol.MemoryEntry) error {
	entry.Metadata = s.tenant.Stamp(entry.Metadata)
	s.store.add(entry)
	emitAdd("summary", s.tenant, entry)

	entries := s.store.visible(s.tenant)
	if len(entries) <= s.threshold {
		return nil
	}
	return s.compact(ctx, entries)
}

// compact summarizes the oldest half of the conversation and replaces
// it with one synthetic assistant entry. A summarizer failure leaves
// the memory unchanged; the next Add retries.
func (s *Summary) compact(ctx context.Context, entries []protocol.MemoryEntry) error {
	half := len(entries) / 2
	if half == 0 {
		return nil
	}

	var transcript strings.Builder
	count := 0
	for _, e := range entries {
		if e.Role == protocol.RoleSystem {
			continue
		}
		if count >= half {
			break
		}
		fmt.Fprintf(&transcript, "%s: %s\n", e.Role, e.Content)
		count++
	}
	if count == 0 {
		return nil
	}

	req, err := chat.NewRequest(
		chat.NewMessage().System(summaryPrompt).User(transcript.String()),
		nil,
		chat.Options{ReturnFormat: llms.FormatSingle},
		nil,
	)
	if err != nil {
		return err
	}
	out, err := llms.Execute(ctx, s.cfg.settings(), req)
	if err != nil {
		return fmt.Errorf("summarizer failed: %w", err)
	}
	summary, _ := out.(string)
	if summary == "" {
		return nil
	}

	replacement := protocol.NewMemoryEntry(protocol.RoleAssistant, "Summary of earlier conversation: "+summary)
	replacement.Metadata = s.tenant.Stamp(map[string]any{"summary": true})
	s.store.replaceOldest(s.tenant, count, replacement)
	return nil
}

func (s *Summary) GetAll(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return s.store.visible(s.tenant), nil
}

func (s *Summary) Clear(ctx context.Context) error {
	s.store.clear(s.tenant)
	return nil
}

func (s *Summary) Export(ctx context.Context) ([]protocol.MemoryEntry, error) {
	return s.GetAll(ctx)
}

func (s *Summary) Import(ctx context.Context, entries []protocol.MemoryEntry) error {
	for _, e := range entries {
		if err := s.Add(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Summary) Retrieve(ctx context.Context, query string, limit int) ([]protocol.MemoryEntry, error) {
	entries, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-limit:], nil
}

// Session is a windowed memory whose backing store is named by a web
// session key, so repeated factory calls within one session observe
// the same history.
type Session struct {
	*Windowed
}

// NewSession creates a session memory. An empty key falls back to a
// single shared default session.
func NewSession(cfg Config) *Session {
	if cfg.Key == "" {
		cfg.Key = "session:default"
	} else if !strings.HasPrefix(cfg.Key, "session:") {
		cfg.Key = "session:" + cfg.Key
	}
	return &Session{Windowed: NewWindowed(cfg)}
}
