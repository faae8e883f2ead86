// Package widget implements the embeddable website-widget adapter. Inbound
// events arrive on the widget webhook signed with the account's widget
// secret; outbound delivery goes through the realtime hub rather than an
// external platform API.
package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/channel/adapters/messenger"
)

// Type is the platform identifier for website-widget channels.
const Type = channel.PlatformWidget

const signatureHeader = "X-Widget-Signature"

// Publisher pushes widget-bound payloads to connected widget sessions.
// Delivery is best-effort; a session with no connected socket re-fetches
// state when it reconnects.
type Publisher interface {
	PublishWidget(sessionID, event string, payload any)
}

// Adapter translates widget webhook payloads and delivers through realtime.
type Adapter struct {
	logger    *slog.Logger
	publisher Publisher
}

// New creates a widget adapter publishing outbound text through pub.
func New(log *slog.Logger, pub Publisher) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:    log.With(slog.String("adapter", "widget")),
		publisher: pub,
	}
}

// Type returns the widget platform identifier.
func (a *Adapter) Type() channel.Platform {
	return Type
}

// VerifySignature checks the widget HMAC over the raw body.
func (a *Adapter) VerifySignature(header http.Header, body []byte, secret string) error {
	return messenger.VerifyHubSignature(header.Get(signatureHeader), body, secret)
}

type webhookPayload struct {
	SessionID   string `json:"session_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	EventID     string `json:"event_id"`
}

// ParseEvents converts a widget webhook body into one canonical event. The
// widget session id doubles as the external sender identifier.
func (a *Adapter) ParseEvents(body []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode widget webhook: %w", err)
	}
	if payload.SessionID == "" {
		return nil, fmt.Errorf("widget webhook missing session_id")
	}
	kind := channel.EventKind(payload.Kind)
	switch kind {
	case channel.KindMessage, channel.KindReadReceipt:
	case "":
		kind = channel.KindMessage
	default:
		return nil, nil
	}
	ts := payload.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return []channel.InboundEvent{{
		SenderID:    payload.SessionID,
		TimestampMs: ts,
		Kind:        kind,
		Text:        payload.Text,
		RawEventID:  payload.EventID,
	}}, nil
}

// Send pushes text to the widget session's conversation room and returns a
// locally generated delivery id. Zero connected sockets is still a success.
func (a *Adapter) Send(_ context.Context, _ channel.Account, recipientID, text string) (string, error) {
	if a.publisher == nil {
		return "", channel.NewPermanentError(channel.CodeUpstream, fmt.Errorf("widget publisher not configured"))
	}
	deliveryID := uuid.NewString()
	a.publisher.PublishWidget(recipientID, "message.created", map[string]any{
		"delivery_id": deliveryID,
		"text":        text,
		"sent_at":     time.Now().UTC().Format(time.RFC3339),
	})
	return deliveryID, nil
}
