// Package conversation owns conversation threads and the identity-resolution
// logic that maps inbound platform events onto them.
package conversation

import (
	"fmt"
	"time"

	"github.com/relaydesk/relay/internal/channel"
)

// Status is the conversation lifecycle state. Closed is terminal: a later
// inbound message from the same identity starts a new conversation.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSnoozed Status = "snoozed"
	StatusClosed  Status = "closed"
)

// ParseStatus validates a status string from an external source.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusSnoozed, StatusClosed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown conversation status: %q", s)
	}
}

// Conversation is one thread with an external sender on a channel account.
type Conversation struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	AccountID     string           `json:"account_id"`
	Platform      channel.Platform `json:"platform"`
	ExternalID    string           `json:"external_id"`
	Status        Status           `json:"status"`
	AutoBot       bool             `json:"auto_bot"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at,omitzero"`
	CreatedAt     time.Time        `json:"created_at"`
}

// MatchStrategy tags how the resolver matched an inbound event to a thread.
type MatchStrategy string

const (
	MatchExact   MatchStrategy = "exact"
	MatchSuffix  MatchStrategy = "suffix"
	MatchProfile MatchStrategy = "profile"
	MatchCreate  MatchStrategy = "create"
)

// IdentifierChange records one identifier migration in the history log.
type IdentifierChange struct {
	Old string    `json:"old"`
	At  time.Time `json:"at"`
}

// Profile is a best-effort customer profile snapshot stored in metadata.
type Profile struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// metadata keys used by the resolver.
const (
	metaProfile           = "profile"
	metaIdentifierHistory = "identifier_history"
)
