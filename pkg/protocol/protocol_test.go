package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"system", "USER", "Assistant", "tool", "developer"} {
		role, err := ParseRole(valid)
		require.NoError(t, err, valid)
		assert.NotEmpty(t, role)
	}

	_, err := ParseRole("moderator")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid message role")
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "plain", NewUserMessage("plain").Text())

	multi := Message{
		Role: RoleUser,
		Parts: []ContentPart{
			{Type: ContentPartText, Text: "look at "},
			{Type: ContentPartImage, URL: "http://example.com/cat.png"},
			{Type: ContentPartText, Text: "this"},
		},
	}
	assert.Equal(t, "look at this", multi.Text(), "only text parts contribute")
}

func TestNewToolMessage(t *testing.T) {
	msg := NewToolMessage("call_1", "search", "42")
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call_1", msg.ToolCallID)
	assert.Equal(t, "search", msg.Name)
	assert.Equal(t, "42", msg.Content)
}

func TestMessageCopies(t *testing.T) {
	base := NewAssistantMessage("")
	withCalls := base.WithToolCalls([]ToolCall{{ID: "1", Name: "search"}})
	assert.Empty(t, base.ToolCalls, "WithToolCalls returns a copy")
	assert.Len(t, withCalls.ToolCalls, 1)

	withMeta := base.WithMetadata(map[string]any{"k": "v"})
	assert.Nil(t, base.Metadata)
	assert.Equal(t, "v", withMeta.Metadata["k"])
}

func TestToolCallRawArgs(t *testing.T) {
	tc := ToolCall{ID: "1", Name: "search", Args: map[string]any{"query": "go"}}
	assert.JSONEq(t, `{"query":"go"}`, string(tc.RawArgs()))

	empty := ToolCall{ID: "2", Name: "noop"}
	assert.JSONEq(t, `null`, string(empty.RawArgs()))
}

func TestTenantKey(t *testing.T) {
	assert.True(t, TenantKey{}.IsZero())

	key := TenantKey{UserID: "u1", ConversationID: "c1"}
	assert.False(t, key.IsZero())

	assert.True(t, key.Matches(map[string]any{"userId": "u1", "conversationId": "c1"}))
	assert.False(t, key.Matches(map[string]any{"userId": "u2", "conversationId": "c1"}))
	assert.False(t, key.Matches(nil))
	assert.True(t, TenantKey{}.Matches(nil), "unscoped matches everything")
}

func TestTenantKeyStamp(t *testing.T) {
	key := TenantKey{UserID: "u1", ConversationID: "c1"}

	stamped := key.Stamp(nil)
	assert.Equal(t, "u1", stamped["userId"])
	assert.Equal(t, "c1", stamped["conversationId"])

	existing := map[string]any{"topic": "go"}
	stamped = key.Stamp(existing)
	assert.Equal(t, "go", stamped["topic"])
	assert.Equal(t, "u1", stamped["userId"])

	assert.Nil(t, TenantKey{}.Stamp(nil), "unscoped stamp is a no-op")
}

func TestNewMemoryEntry(t *testing.T) {
	entry := NewMemoryEntry(RoleUser, "hello")
	assert.Equal(t, RoleUser, entry.Role)
	assert.False(t, entry.Timestamp.IsZero())
}
