package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/agentflow/agentflow-go/graph/message"
)

// stateFingerprint returns the runtime cycle-detection key for executing
// nodeID with input m: the SHA-256 over the node id and a canonical JSON
// rendering of the message.
//
// Volatile identity fields (message id, creation time) are excluded, so a
// node that keeps regenerating the same answer counts as a revisit even
// though each copy carries a fresh id. encoding/json writes map keys in
// sorted order, which makes the rendering canonical.
func stateFingerprint(nodeID string, m message.Message) string {
	canonical := struct {
		Type     message.Type        `json:"type"`
		Role     message.Role        `json:"role"`
		Content  string              `json:"content"`
		Media    []message.MediaItem `json:"media,omitempty"`
		Mentions []string            `json:"mentions,omitempty"`
		Metadata map[string]any      `json:"metadata,omitempty"`
		Priority message.Priority    `json:"priority"`
	}{
		Type:     m.Type,
		Role:     m.Role,
		Content:  m.Content,
		Media:    m.Media,
		Mentions: m.Mentions,
		Metadata: m.Metadata,
		Priority: m.Priority,
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Metadata holding non-serializable values still needs a stable
		// key; fmt prints map keys sorted.
		raw = []byte(fmt.Sprintf("%+v", canonical))
	}

	h := sha256.New()
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
