package message

import (
	"strings"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	m := New("hello")

	if m.ID == "" {
		t.Error("expected generated id, got empty string")
	}
	if m.Type != TypeText {
		t.Errorf("expected default type %q, got %q", TypeText, m.Type)
	}
	if m.Role != RoleUser {
		t.Errorf("expected default role %q, got %q", RoleUser, m.Role)
	}
	if m.Priority != PriorityNormal {
		t.Errorf("expected default priority %d, got %d", PriorityNormal, m.Priority)
	}
	if m.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if m.CreatedAt.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", m.CreatedAt.Location())
	}
}

func TestNewOptions(t *testing.T) {
	t.Run("role and metadata", func(t *testing.T) {
		m := New("x",
			WithRole(RoleAssistant),
			WithMeta("tenant_id", "acme"),
			WithPriority(PriorityHigh),
		)
		if m.Role != RoleAssistant {
			t.Errorf("expected role assistant, got %q", m.Role)
		}
		if got := m.MetaString("tenant_id"); got != "acme" {
			t.Errorf("expected tenant_id acme, got %q", got)
		}
		if m.Priority != PriorityHigh {
			t.Errorf("expected high priority, got %d", m.Priority)
		}
	})

	t.Run("explicit id", func(t *testing.T) {
		m := New("x", WithID("msg-1"))
		if m.ID != "msg-1" {
			t.Errorf("expected msg-1, got %q", m.ID)
		}
	})

	t.Run("media switches default type", func(t *testing.T) {
		m := New("", WithMedia(MediaItem{Kind: MediaImage, MIME: "image/png", URL: "https://x/img.png"}))
		if m.Type != TypeMedia {
			t.Errorf("expected type media, got %q", m.Type)
		}
		if len(m.Media) != 1 {
			t.Fatalf("expected 1 media item, got %d", len(m.Media))
		}
	})

	t.Run("media does not override explicit type", func(t *testing.T) {
		m := New("call it",
			WithType(TypeToolCall),
			WithMedia(MediaItem{Kind: MediaFile, MIME: "text/csv", URL: "https://x/a.csv"}),
		)
		if m.Type != TypeToolCall {
			t.Errorf("expected tool_call type preserved, got %q", m.Type)
		}
	})

	t.Run("metadata map is copied", func(t *testing.T) {
		src := map[string]any{"k": "v"}
		m := New("x", WithMetadata(src))
		src["k"] = "mutated"
		if got := m.MetaString("k"); got != "v" {
			t.Errorf("expected metadata copy to be isolated, got %q", got)
		}
	})
}

func TestMessageValidate(t *testing.T) {
	valid := New("content")

	tests := []struct {
		name    string
		mutate  func(m Message) Message
		wantErr string
	}{
		{
			name:   "valid text",
			mutate: func(m Message) Message { return m },
		},
		{
			name: "empty id",
			mutate: func(m Message) Message {
				m.ID = ""
				return m
			},
			wantErr: "empty id",
		},
		{
			name: "unknown type",
			mutate: func(m Message) Message {
				m.Type = "BOGUS"
				return m
			},
			wantErr: "unknown type",
		},
		{
			name: "unknown role",
			mutate: func(m Message) Message {
				m.Role = "nobody"
				return m
			},
			wantErr: "unknown role",
		},
		{
			name: "text without content or media",
			mutate: func(m Message) Message {
				m.Content = ""
				return m
			},
			wantErr: "needs content or media",
		},
		{
			name: "media type without items",
			mutate: func(m Message) Message {
				m.Type = TypeMedia
				return m
			},
			wantErr: "at least one item",
		},
		{
			name: "media item without url or data",
			mutate: func(m Message) Message {
				m.Media = []MediaItem{{Kind: MediaImage, MIME: "image/png"}}
				return m
			},
			wantErr: "neither url nor data",
		},
		{
			name: "tool call with empty content",
			mutate: func(m Message) Message {
				m.Type = TypeToolCall
				m.Content = ""
				return m
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(valid).Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestCloneIsolation(t *testing.T) {
	orig := New("data",
		WithMeta("k", "v"),
		WithMentions("reviewer"),
		WithMedia(MediaItem{Kind: MediaFile, MIME: "text/plain", Data: []byte("abc")}),
	)

	cp := orig.Clone()
	cp.Metadata["k"] = "changed"
	cp.Mentions[0] = "someone-else"
	cp.Media[0].Data[0] = 'z'

	if got := orig.MetaString("k"); got != "v" {
		t.Errorf("clone leaked metadata write: %q", got)
	}
	if orig.Mentions[0] != "reviewer" {
		t.Errorf("clone leaked mention write: %q", orig.Mentions[0])
	}
	if string(orig.Media[0].Data) != "abc" {
		t.Errorf("clone leaked media data write: %q", orig.Media[0].Data)
	}
}

func TestImmutableAccessors(t *testing.T) {
	orig := New("before", WithMeta("k", "v"))

	edited := orig.WithContent("after")
	if orig.Content != "before" {
		t.Errorf("WithContent mutated receiver: %q", orig.Content)
	}
	if edited.Content != "after" {
		t.Errorf("WithContent did not apply: %q", edited.Content)
	}

	tagged := orig.WithMeta("extra", 7)
	if _, ok := orig.Meta("extra"); ok {
		t.Error("WithMeta mutated receiver metadata")
	}
	if v, ok := tagged.Meta("extra"); !ok || v != 7 {
		t.Errorf("WithMeta did not apply: %v %v", v, ok)
	}
}

func TestMetaStringMissingAndMistyped(t *testing.T) {
	m := New("x", WithMeta("n", 42))
	if got := m.MetaString("absent"); got != "" {
		t.Errorf("expected empty string for absent key, got %q", got)
	}
	if got := m.MetaString("n"); got != "" {
		t.Errorf("expected empty string for non-string value, got %q", got)
	}

	var zero Message
	if got := zero.MetaString("k"); got != "" {
		t.Errorf("expected empty string on zero message, got %q", got)
	}
	if !zero.IsZero() {
		t.Error("expected IsZero on zero message")
	}
}
