// Package protocol defines the core data model shared by every other
// package: message roles, chat messages with multi-part content, tool
// calls, documents and memory entries. It has no dependencies on other
// modelkit packages.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleDeveloper Role = "developer"
)

// ValidRoles lists every role accepted by the message builder.
var ValidRoles = []Role{RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleDeveloper}

// ParseRole resolves a case-insensitive role name.
func ParseRole(s string) (Role, error) {
	for _, r := range ValidRoles {
		if string(r) == strings.ToLower(s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid message role: %q", s)
}

type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImage    ContentPartType = "image"
	ContentPartAudio    ContentPartType = "audio"
	ContentPartDocument ContentPartType = "document"
)

// ContentPart is one element of a structured multi-part message body.
// Text parts carry Text; binary parts carry a media type plus either a
// URL or base64 data.
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	URL       string          `json:"url,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// RawArgs returns the call arguments as a JSON document.
func (tc ToolCall) RawArgs() json.RawMessage {
	raw, err := json.Marshal(tc.Args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// Message is a single conversation entry. Content holds plain text;
// Parts, when non-empty, holds the structured multi-part body and takes
// precedence over Content at the provider boundary.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with the given role and text content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

func NewSystemMessage(content string) Message    { return NewMessage(RoleSystem, content) }
func NewUserMessage(content string) Message      { return NewMessage(RoleUser, content) }
func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }
func NewDeveloperMessage(content string) Message { return NewMessage(RoleDeveloper, content) }

// NewToolMessage creates a tool result message tied to a prior tool call.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Name:       name,
		ToolCallID: toolCallID,
	}
}

// Text returns the textual content of the message, concatenating text
// parts when a structured body is present.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// WithToolCalls returns a copy of the message carrying the tool calls.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// WithMetadata returns a copy of the message carrying the metadata map.
func (m Message) WithMetadata(md map[string]any) Message {
	m.Metadata = md
	return m
}

// Document is a unit of loadable content: raw text plus source metadata.
// Loaders produce documents; chunking, embedding and memory consume them.
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryEntry is a conversation message as persisted by a memory store.
// Metadata carries userId/conversationId when tenant isolation is in
// effect.
type MemoryEntry struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMemoryEntry creates an entry stamped with the current time.
func NewMemoryEntry(role Role, content string) MemoryEntry {
	return MemoryEntry{Role: role, Content: content, Timestamp: time.Now()}
}

// TenantKey identifies the (userId, conversationId) scope of a memory.
// The zero value means unscoped.
type TenantKey struct {
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// IsZero reports whether no tenant scope is set.
func (k TenantKey) IsZero() bool { return k.UserID == "" && k.ConversationID == "" }

// Matches reports whether an entry's metadata belongs to this tenant.
// Unscoped keys match everything.
func (k TenantKey) Matches(metadata map[string]any) bool {
	if k.IsZero() {
		return true
	}
	userID, _ := metadata["userId"].(string)
	convID, _ := metadata["conversationId"].(string)
	return userID == k.UserID && convID == k.ConversationID
}

// Stamp writes the tenant keys into a metadata map, allocating one when
// needed, and returns it.
func (k TenantKey) Stamp(metadata map[string]any) map[string]any {
	if k.IsZero() {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]any, 2)
	}
	metadata["userId"] = k.UserID
	metadata["conversationId"] = k.ConversationID
	return metadata
}
