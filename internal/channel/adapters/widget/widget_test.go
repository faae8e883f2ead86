package widget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/relaydesk/relay/internal/channel"
)

type capturingPublisher struct {
	sessionID string
	event     string
	payload   any
	calls     int
}

func (p *capturingPublisher) PublishWidget(sessionID, event string, payload any) {
	p.sessionID = sessionID
	p.event = event
	p.payload = payload
	p.calls++
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"session_id":"s-1","text":"Hi"}`)
	secret := "widget-secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	header := http.Header{}
	header.Set("X-Widget-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	a := New(nil, nil)
	if err := a.VerifySignature(header, body, secret); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := a.VerifySignature(header, body, "other"); !errors.Is(err, channel.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	a := New(nil, nil)
	events, err := a.ParseEvents([]byte(`{"session_id":"s-1","text":"Hi","timestamp_ms":1700000000000,"event_id":"w-1"}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.SenderID != "s-1" || ev.Kind != channel.KindMessage || ev.Text != "Hi" || ev.RawEventID != "w-1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := a.ParseEvents([]byte(`{"text":"no session"}`)); err == nil {
		t.Fatal("expected missing session_id to fail")
	}

	events, err = a.ParseEvents([]byte(`{"session_id":"s-1","kind":"typing"}`))
	if err != nil || len(events) != 0 {
		t.Fatalf("unsupported kind should be dropped, got %+v, %v", events, err)
	}
}

func TestSendPublishesToSessionRoom(t *testing.T) {
	t.Parallel()

	pub := &capturingPublisher{}
	a := New(nil, pub)

	id, err := a.Send(context.Background(), channel.Account{}, "s-1", "hello there")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a delivery id")
	}
	if pub.calls != 1 || pub.sessionID != "s-1" || pub.event != "message.created" {
		t.Fatalf("unexpected publish %+v", pub)
	}
	payload, ok := pub.payload.(map[string]any)
	if !ok || payload["text"] != "hello there" || payload["delivery_id"] != id {
		t.Fatalf("unexpected payload %+v", pub.payload)
	}
}

// A widget session with no connected sockets must still count as delivered;
// the publisher drops into the void and Send succeeds.
func TestSendWithoutPublisherFails(t *testing.T) {
	t.Parallel()

	a := New(nil, nil)
	if _, err := a.Send(context.Background(), channel.Account{}, "s-1", "hello"); err == nil {
		t.Fatal("expected missing publisher to fail")
	}
}
