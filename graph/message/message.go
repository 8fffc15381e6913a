// Package message defines the immutable value type that flows between nodes
// of a graph run and the per-run execution context that carries it.
//
// A Message is a value: every mutating accessor returns a modified copy and
// leaves the receiver untouched, so nodes can never corrupt state another
// node already observed. The ExecutionContext is the one mutable carrier per
// run; it owns the state map, the execution-state machine, and the promoted
// routing metadata.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the payload shape of a Message.
type Type string

const (
	TypeText       Type = "TEXT"
	TypeMedia      Type = "MEDIA"
	TypeToolCall   Type = "TOOL_CALL"
	TypeToolResult Type = "TOOL_RESULT"
	TypeSystem     Type = "SYSTEM"
)

// Valid reports whether t is one of the declared message types.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeMedia, TypeToolCall, TypeToolResult, TypeSystem:
		return true
	}
	return false
}

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Priority orders messages when a consumer has to pick between several.
// Routing inside a single run ignores it; it exists for multi-run consumers
// such as event subscribers and human work queues.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// MediaKind classifies a MediaItem attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
)

// MediaItem is a single attachment carried by a Message. Either URL or Data
// is set; both set is legal (Data is the authoritative copy).
type MediaItem struct {
	Kind MediaKind `json:"kind"`
	MIME string    `json:"mime"`
	URL  string    `json:"url,omitempty"`
	Data []byte    `json:"data,omitempty"`
	Name string    `json:"name,omitempty"`
}

// Message is the unit of state threaded through a graph run.
//
// Messages are immutable by convention: WithContent, WithMeta and friends
// return copies. Direct field writes on a shared Message are a bug in the
// caller.
//
// Example:
//
//	m := message.New("review this invoice",
//	    message.WithRole(message.RoleUser),
//	    message.WithMeta("tenant_id", "acme"),
//	)
//	out := m.WithContent("approved") // m is unchanged
type Message struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Role      Role           `json:"role"`
	Content   string         `json:"content,omitempty"`
	Media     []MediaItem    `json:"media,omitempty"`
	Mentions  []string       `json:"mentions,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// Option configures a Message under construction.
type Option func(*Message)

// WithID overrides the generated message id.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// WithType sets the message type.
func WithType(t Type) Option {
	return func(m *Message) { m.Type = t }
}

// WithRole sets the author role.
func WithRole(r Role) Option {
	return func(m *Message) { m.Role = r }
}

// WithPriority sets the message priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

// WithMetadata replaces the metadata map. The map is copied so later caller
// mutations do not leak into the message.
func WithMetadata(meta map[string]any) Option {
	return func(m *Message) {
		m.Metadata = copyMeta(meta)
	}
}

// WithMeta sets a single metadata key.
func WithMeta(key string, value any) Option {
	return func(m *Message) {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, 1)
		}
		m.Metadata[key] = value
	}
}

// WithMedia appends attachments and, if the type is still the default,
// switches it to TypeMedia.
func WithMedia(items ...MediaItem) Option {
	return func(m *Message) {
		m.Media = append(m.Media, items...)
		if m.Type == TypeText {
			m.Type = TypeMedia
		}
	}
}

// WithMentions records the names of agents or humans addressed by the
// message.
func WithMentions(names ...string) Option {
	return func(m *Message) {
		m.Mentions = append(m.Mentions, names...)
	}
}

// WithCreatedAt overrides the creation timestamp. Intended for tests and for
// rehydrating persisted messages.
func WithCreatedAt(t time.Time) Option {
	return func(m *Message) { m.CreatedAt = t }
}

// New builds a text message with a generated id and applies opts in order.
func New(content string, opts ...Option) Message {
	m := Message{
		ID:        uuid.NewString(),
		Type:      TypeText,
		Role:      RoleUser,
		Content:   content,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Validate checks structural requirements by message type.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message: empty id")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("message %s: unknown type %q", m.ID, m.Type)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %s: unknown role %q", m.ID, m.Role)
	}
	switch m.Type {
	case TypeText, TypeSystem:
		if m.Content == "" && len(m.Media) == 0 {
			return fmt.Errorf("message %s: %s message needs content or media", m.ID, m.Type)
		}
	case TypeMedia:
		if len(m.Media) == 0 {
			return fmt.Errorf("message %s: media message needs at least one item", m.ID)
		}
	}
	for i, item := range m.Media {
		if item.URL == "" && len(item.Data) == 0 {
			return fmt.Errorf("message %s: media[%d] has neither url nor data", m.ID, i)
		}
	}
	return nil
}

// Clone returns a deep copy. Metadata, media and mention storage are
// duplicated so the copy shares nothing mutable with the receiver.
func (m Message) Clone() Message {
	out := m
	out.Metadata = copyMeta(m.Metadata)
	if m.Media != nil {
		out.Media = make([]MediaItem, len(m.Media))
		for i, item := range m.Media {
			out.Media[i] = item
			if item.Data != nil {
				out.Media[i].Data = append([]byte(nil), item.Data...)
			}
		}
	}
	if m.Mentions != nil {
		out.Mentions = append([]string(nil), m.Mentions...)
	}
	return out
}

// WithContent returns a copy with replaced content.
func (m Message) WithContent(content string) Message {
	out := m.Clone()
	out.Content = content
	return out
}

// WithMeta returns a copy with one metadata key set.
func (m Message) WithMeta(key string, value any) Message {
	out := m.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[key] = value
	return out
}

// Meta looks up a metadata key.
func (m Message) Meta(key string) (any, bool) {
	if m.Metadata == nil {
		return nil, false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// MetaString returns a metadata value as a string, or "" when absent or not
// a string.
func (m Message) MetaString(key string) string {
	v, ok := m.Meta(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IsZero reports whether the message is the zero value (no id assigned).
func (m Message) IsZero() bool {
	return m.ID == "" && m.Content == "" && len(m.Media) == 0 && m.Metadata == nil
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
