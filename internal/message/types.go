package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Role identifies the author class of a message.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleBot   = "bot"
)

// Message is a single persisted conversation message. Rows are append-only
// except for delivery-confirmation metadata.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Text           string         `json:"text"`
	ContentHash    string         `json:"-"`
	SourceTs       int64          `json:"source_ts,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PersistInput is the input for persisting a message.
type PersistInput struct {
	ConversationID string
	Role           string
	Text           string
	SourceTs       int64
	Metadata       map[string]any
}

// ContentHash derives the dedup hash for a message. Two webhook deliveries
// with identical conversation, role, text, and source timestamp hash equal.
func ContentHash(conversationID, role, text string, sourceTs int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", conversationID, role, text, sourceTs))
	return hex.EncodeToString(sum[:])
}
