package channel

import (
	"context"
	"net/http"
)

// Adapter is the base interface every platform adapter implements.
type Adapter interface {
	Type() Platform

	// VerifySignature authenticates a raw webhook payload against the
	// account's shared secret. Implementations must compare in constant
	// time. A non-nil error is a terminal rejection, never retried.
	VerifySignature(header http.Header, body []byte, secret string) error

	// ParseEvents converts a verified webhook body into zero or more
	// canonical events. Echo events are returned tagged KindEcho so the
	// pipeline can short-circuit them.
	ParseEvents(body []byte) ([]InboundEvent, error)
}

// Sender is an adapter capable of delivering outbound text.
// It returns the platform-assigned delivery id on success.
type Sender interface {
	Send(ctx context.Context, account Account, recipientID, text string) (string, error)
}

// Profile is the customer profile a platform exposes for a sender.
type Profile struct {
	Name     string
	Username string
	Avatar   string
}

// ProfileFetcher is an adapter that can look up sender profiles. Lookups are
// best effort; callers fall back to a placeholder on error.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, account Account, senderID string) (Profile, error)
}

// IdentifierReassigner marks platforms whose sender identifiers can change
// between deliveries for the same underlying person.
type IdentifierReassigner interface {
	ReassignsIdentifiers() bool
}

// ReassignsIdentifiers reports whether the adapter's platform is known to
// hand out new scoped ids for an existing sender.
func ReassignsIdentifiers(a Adapter) bool {
	r, ok := a.(IdentifierReassigner)
	return ok && r.ReassignsIdentifiers()
}
