// Package chat provides the fluent conversation builder and the
// unified request types every provider adapter consumes.
package chat

import (
	"fmt"
	"regexp"

	"github.com/modelkit/modelkit/pkg/protocol"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Message is an ordered conversation under construction. At most one
// system message exists at any time: adding a second replaces the
// first. Placeholders of the form ${key} render against stored bindings
// merged with runtime bindings, runtime winning.
type Message struct {
	messages []protocol.Message
	bindings map[string]any
}

// NewMessage creates an empty conversation builder.
func NewMessage() *Message {
	return &Message{bindings: make(map[string]any)}
}

// System sets the system message, replacing any existing one.
func (m *Message) System(content string) *Message {
	for i, msg := range m.messages {
		if msg.Role == protocol.RoleSystem {
			m.messages[i].Content = content
			return m
		}
	}
	// System messages lead the conversation.
	m.messages = append([]protocol.Message{protocol.NewSystemMessage(content)}, m.messages...)
	return m
}

// User appends a user message.
func (m *Message) User(content string) *Message {
	m.messages = append(m.messages, protocol.NewUserMessage(content))
	return m
}

// Assistant appends an assistant message.
func (m *Message) Assistant(content string) *Message {
	m.messages = append(m.messages, protocol.NewAssistantMessage(content))
	return m
}

// Developer appends a developer message.
func (m *Message) Developer(content string) *Message {
	m.messages = append(m.messages, protocol.NewDeveloperMessage(content))
	return m
}

// Tool appends a tool result message.
func (m *Message) Tool(toolCallID, name, content string) *Message {
	m.messages = append(m.messages, protocol.NewToolMessage(toolCallID, name, content))
	return m
}

// UserParts appends a user message with a structured multi-part body.
func (m *Message) UserParts(parts ...protocol.ContentPart) *Message {
	m.messages = append(m.messages, protocol.Message{Role: protocol.RoleUser, Parts: parts})
	return m
}

// Add appends a message for any valid role name. This is the generic
// form behind the add<Role> convention; invalid roles are rejected.
func (m *Message) Add(role string, content string) (*Message, error) {
	r, err := protocol.ParseRole(role)
	if err != nil {
		return m, err
	}
	if r == protocol.RoleSystem {
		return m.System(content), nil
	}
	m.messages = append(m.messages, protocol.NewMessage(r, content))
	return m, nil
}

// AddMessage appends an already-built protocol message, enforcing the
// single-system invariant.
func (m *Message) AddMessage(msg protocol.Message) *Message {
	if msg.Role == protocol.RoleSystem {
		return m.System(msg.Content)
	}
	m.messages = append(m.messages, msg)
	return m
}

// History flattens and appends messages from another builder, a single
// message, or a slice of messages.
func (m *Message) History(items ...any) *Message {
	for _, item := range items {
		switch v := item.(type) {
		case *Message:
			for _, msg := range v.messages {
				m.AddMessage(msg)
			}
		case protocol.Message:
			m.AddMessage(v)
		case []protocol.Message:
			for _, msg := range v {
				m.AddMessage(msg)
			}
		case string:
			m.User(v)
		}
	}
	return m
}

// ReplaceSystemMessage swaps the system message content, adding one
// when absent.
func (m *Message) ReplaceSystemMessage(content string) *Message {
	return m.System(content)
}

// SystemMessage returns the system message content, if set.
func (m *Message) SystemMessage() (string, bool) {
	for _, msg := range m.messages {
		if msg.Role == protocol.RoleSystem {
			return msg.Content, true
		}
	}
	return "", false
}

// NonSystemMessages returns every message except the system one.
func (m *Message) NonSystemMessages() []protocol.Message {
	out := make([]protocol.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.Role != protocol.RoleSystem {
			out = append(out, msg)
		}
	}
	return out
}

// Bind stores default bindings used by Render and merged under runtime
// bindings by Format.
func (m *Message) Bind(defaults map[string]any) *Message {
	for k, v := range defaults {
		m.bindings[k] = v
	}
	return m
}

// Bindings returns a copy of the stored bindings.
func (m *Message) Bindings() map[string]any {
	out := make(map[string]any, len(m.bindings))
	for k, v := range m.bindings {
		out[k] = v
	}
	return out
}

// Format renders ${key} placeholders against the stored bindings merged
// with the given runtime bindings (runtime wins). Unresolved
// placeholders stay literal.
func (m *Message) Format(runtime map[string]any) []protocol.Message {
	merged := make(map[string]any, len(m.bindings)+len(runtime))
	for k, v := range m.bindings {
		merged[k] = v
	}
	for k, v := range runtime {
		merged[k] = v
	}

	out := make([]protocol.Message, len(m.messages))
	for i, msg := range m.messages {
		msg.Content = renderPlaceholders(msg.Content, merged)
		if len(msg.Parts) > 0 {
			parts := make([]protocol.ContentPart, len(msg.Parts))
			copy(parts, msg.Parts)
			for j := range parts {
				if parts[j].Type == protocol.ContentPartText {
					parts[j].Text = renderPlaceholders(parts[j].Text, merged)
				}
			}
			msg.Parts = parts
		}
		out[i] = msg
	}
	return out
}

// Render renders with the stored bindings only.
func (m *Message) Render() []protocol.Message {
	return m.Format(nil)
}

// Messages returns the raw (unrendered) messages.
func (m *Message) Messages() []protocol.Message {
	out := make([]protocol.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the number of messages.
func (m *Message) Len() int { return len(m.messages) }

// Stream emits each rendered message to the callback in order.
func (m *Message) Stream(onMessage func(protocol.Message)) {
	for _, msg := range m.Render() {
		onMessage(msg)
	}
}

// Clone returns an independent copy of the builder.
func (m *Message) Clone() *Message {
	clone := NewMessage()
	clone.messages = append(clone.messages, m.messages...)
	for k, v := range m.bindings {
		clone.bindings[k] = v
	}
	return clone
}

func renderPlaceholders(s string, bindings map[string]any) string {
	if len(bindings) == 0 {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := bindings[key]; ok {
			return fmt.Sprintf("%v", val)
		}
		return match
	})
}
