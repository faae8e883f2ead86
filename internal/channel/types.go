// Package channel provides the canonical inbound event model and the adapter
// abstraction shared by all messaging platforms.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies a messaging platform.
type Platform string

const (
	PlatformPage   Platform = "page"
	PlatformDirect Platform = "direct"
	PlatformBot    Platform = "bot"
	PlatformWidget Platform = "widget"
)

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

// ParsePlatform validates a platform name from an external source, such as a
// URL path segment.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformPage, PlatformDirect, PlatformBot, PlatformWidget:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform: %q", s)
	}
}

// EventKind classifies an inbound webhook event.
type EventKind string

const (
	KindMessage         EventKind = "message"
	KindPostback        EventKind = "postback"
	KindQuickReply      EventKind = "quick_reply"
	KindDeliveryReceipt EventKind = "delivery_receipt"
	KindReadReceipt     EventKind = "read_receipt"
	KindEcho            EventKind = "echo"
)

// Attachment describes a media reference carried with an inbound event.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// InboundEvent is the canonical form of one platform webhook event.
type InboundEvent struct {
	SenderID    string       `json:"sender_id"`
	RecipientID string       `json:"recipient_id"`
	TimestampMs int64        `json:"timestamp_ms"`
	Kind        EventKind    `json:"kind"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	RawEventID  string       `json:"raw_event_id,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e InboundEvent) Time() time.Time {
	if e.TimestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.TimestampMs)
}

// LockKey builds the per-conversation coordination key for this event.
func (e InboundEvent) LockKey() string {
	return strings.Join([]string{e.SenderID, e.RecipientID}, ":")
}

// Account carries the channel-account identity and unsealed credential an
// adapter needs to call the platform API. Credentials are unsealed on demand
// by the accounts service and never persisted in this form.
type Account struct {
	ID            string
	TenantID      string
	Platform      Platform
	DisplayName   string
	AccessToken   string
	WebhookSecret string
	AutoBot       bool
	Attributes    map[string]string
}
