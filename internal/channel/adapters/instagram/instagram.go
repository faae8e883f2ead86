// Package instagram implements the direct-message platform adapter. The wire
// format is the Graph messaging family shared with the page platform, but
// sender identifiers are scoped ids the platform may reassign over time, so
// the adapter flags itself for identity reconciliation.
package instagram

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/channel/adapters/messenger"
)

// Type is the platform identifier for direct-message channels.
const Type = channel.PlatformDirect

// Adapter translates direct-message webhooks and sends through the Graph API.
type Adapter struct {
	graph *messenger.Adapter
}

// New creates a direct-message adapter.
func New(log *slog.Logger, opts ...messenger.Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{graph: messenger.New(log.With(slog.String("adapter", "instagram")), opts...)}
}

// Type returns the direct-message platform identifier.
func (a *Adapter) Type() channel.Platform {
	return Type
}

// ReassignsIdentifiers reports that scoped sender ids can change between
// deliveries for the same person.
func (a *Adapter) ReassignsIdentifiers() bool {
	return true
}

// VerifySignature checks the X-Hub-Signature-256 HMAC over the raw body.
func (a *Adapter) VerifySignature(header http.Header, body []byte, secret string) error {
	return a.graph.VerifySignature(header, body, secret)
}

// ParseEvents converts a direct-message webhook body into canonical events.
func (a *Adapter) ParseEvents(body []byte) ([]channel.InboundEvent, error) {
	return a.graph.ParseEvents(body)
}

// FetchProfile looks up a sender's Graph profile by scoped id.
func (a *Adapter) FetchProfile(ctx context.Context, account channel.Account, senderID string) (channel.Profile, error) {
	return a.graph.FetchProfile(ctx, account, senderID)
}

// Send delivers text to a scoped recipient id and returns the platform
// message id.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID, text string) (string, error) {
	return a.graph.Send(ctx, account, recipientID, text)
}
