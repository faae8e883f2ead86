// Package messenger implements the page-based messenger platform adapter.
package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaydesk/relay/internal/channel"
)

// Type is the platform identifier for page-based messenger channels.
const Type = channel.PlatformPage

const (
	defaultGraphBaseURL = "https://graph.facebook.com/v19.0"
	signatureHeader     = "X-Hub-Signature-256"
	signaturePrefix     = "sha256="
)

// Adapter translates page-messenger webhooks and sends through the Graph API.
type Adapter struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Graph API base URL. Used in tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a page-messenger adapter.
func New(log *slog.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		logger:  log.With(slog.String("adapter", "messenger")),
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: defaultGraphBaseURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Type returns the page platform identifier.
func (a *Adapter) Type() channel.Platform {
	return Type
}

// VerifySignature checks the X-Hub-Signature-256 HMAC over the raw body.
func (a *Adapter) VerifySignature(header http.Header, body []byte, secret string) error {
	return VerifyHubSignature(header.Get(signatureHeader), body, secret)
}

// VerifyHubSignature validates a "sha256=<hex>" HMAC-SHA256 signature value.
// Comparison is constant time.
func VerifyHubSignature(signature string, body []byte, secret string) error {
	signature = strings.TrimSpace(signature)
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return channel.ErrSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return channel.ErrSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return channel.ErrSignature
	}
	return nil
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		IsEcho     bool   `json:"is_echo"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		Payload string `json:"payload"`
		Title   string `json:"title"`
	} `json:"postback"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

// ParseEvents converts a page webhook body into canonical events.
func (a *Adapter) ParseEvents(body []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode page webhook: %w", err)
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, msg := range entry.Messaging {
			ev, ok := convertEvent(msg)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func convertEvent(msg messagingEvent) (channel.InboundEvent, bool) {
	ev := channel.InboundEvent{
		SenderID:    msg.Sender.ID,
		RecipientID: msg.Recipient.ID,
		TimestampMs: msg.Timestamp,
	}
	switch {
	case msg.Message != nil:
		ev.RawEventID = msg.Message.MID
		ev.Text = msg.Message.Text
		switch {
		case msg.Message.IsEcho:
			ev.Kind = channel.KindEcho
		case msg.Message.QuickReply != nil:
			ev.Kind = channel.KindQuickReply
			ev.Text = msg.Message.QuickReply.Payload
		default:
			ev.Kind = channel.KindMessage
		}
		for _, att := range msg.Message.Attachments {
			ev.Attachments = append(ev.Attachments, channel.Attachment{
				Type: att.Type,
				URL:  att.Payload.URL,
			})
		}
	case msg.Postback != nil:
		ev.Kind = channel.KindPostback
		ev.Text = msg.Postback.Payload
	case msg.Delivery != nil:
		ev.Kind = channel.KindDeliveryReceipt
		ev.TimestampMs = msg.Delivery.Watermark
		if len(msg.Delivery.MIDs) > 0 {
			ev.RawEventID = msg.Delivery.MIDs[0]
		}
	case msg.Read != nil:
		ev.Kind = channel.KindReadReceipt
		ev.TimestampMs = msg.Read.Watermark
	default:
		return channel.InboundEvent{}, false
	}
	return ev, true
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers text to a recipient through the Graph send API and returns
// the platform message id.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID, text string) (string, error) {
	var req sendRequest
	req.Recipient.ID = recipientID
	req.Message.Text = text
	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/me/messages?access_token=%s", a.baseURL, account.AccessToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", channel.NewRetryableError(channel.CodeTimeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", channel.NewRetryableError(channel.CodeUpstream, err)
	}
	var decoded sendResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = sendResponse{}
	}
	if resp.StatusCode != http.StatusOK {
		sendErr := fmt.Errorf("graph send status %d", resp.StatusCode)
		if decoded.Error != nil {
			sendErr = fmt.Errorf("graph send status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		return "", classifyGraphError(resp.StatusCode, decoded, sendErr)
	}
	return decoded.MessageID, nil
}

type profileResponse struct {
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Username   string `json:"username"`
	ProfilePic string `json:"profile_pic"`
}

// FetchProfile looks up a sender's Graph profile by page-scoped id.
func (a *Adapter) FetchProfile(ctx context.Context, account channel.Account, senderID string) (channel.Profile, error) {
	url := fmt.Sprintf("%s/%s?fields=name,first_name,last_name,username,profile_pic&access_token=%s",
		a.baseURL, senderID, account.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channel.Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Profile{}, fmt.Errorf("graph profile lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Profile{}, fmt.Errorf("graph profile status %d", resp.StatusCode)
	}
	var decoded profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return channel.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	name := decoded.Name
	if name == "" {
		name = strings.TrimSpace(decoded.FirstName + " " + decoded.LastName)
	}
	return channel.Profile{
		Name:     name,
		Username: decoded.Username,
		Avatar:   decoded.ProfilePic,
	}, nil
}

// Graph API error subcodes that indicate a revoked or expired page token.
func classifyGraphError(status int, decoded sendResponse, err error) *channel.SendError {
	if decoded.Error != nil {
		switch decoded.Error.Code {
		case 4, 17, 613: // throttling family
			return channel.NewRetryableError(channel.CodeRateLimited, err)
		case 190:
			return channel.NewPermanentError(channel.CodeTokenRevoked, err)
		case 10, 200:
			return channel.NewPermanentError(channel.CodePermissionDenied, err)
		case 100, 551:
			return channel.NewPermanentError(channel.CodeInvalidRecipient, err)
		}
	}
	return channel.ClassifyStatus(status, err)
}
