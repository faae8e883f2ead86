// Package dispatch sends generated and agent-authored messages back through
// the originating platform adapter and records the outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/message"
)

const (
	defaultMaxAttempts = 4
	defaultBaseBackoff = 500 * time.Millisecond
)

// AccountSource loads the channel account a conversation belongs to.
type AccountSource interface {
	Get(ctx context.Context, accountID string) (channel.Account, error)
}

// MessageUpdater appends delivery metadata to a persisted message.
type MessageUpdater interface {
	AppendDeliveryMetadata(ctx context.Context, messageID string, fields map[string]any) error
}

// Events receives delivery lifecycle notifications for fan-out.
type Events interface {
	PublishConversation(conversationID, event string, payload any)
}

// Dispatcher delivers outbound messages with bounded retries.
type Dispatcher struct {
	registry    *channel.Registry
	accounts    AccountSource
	messages    MessageUpdater
	events      Events
	logger      *slog.Logger
	maxAttempts int
	baseBackoff time.Duration
	sleep       func(time.Duration) // test seam
}

// NewDispatcher creates a delivery dispatcher.
func NewDispatcher(log *slog.Logger, registry *channel.Registry, accounts AccountSource, messages MessageUpdater, events Events) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:    registry,
		accounts:    accounts,
		messages:    messages,
		events:      events,
		logger:      log.With(slog.String("service", "dispatch")),
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		sleep:       time.Sleep,
	}
}

// Deliver sends msg through conv's platform adapter. Transient failures are
// retried with exponential backoff up to the attempt cap; permanent failures
// are recorded on the message and returned without retry.
func (d *Dispatcher) Deliver(ctx context.Context, conv conversation.Conversation, msg message.Message) error {
	sender, err := d.registry.Sender(conv.Platform)
	if err != nil {
		return fmt.Errorf("resolve sender for %s: %w", conv.Platform, err)
	}
	account, err := d.accounts.Get(ctx, conv.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", conv.AccountID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		deliveryID, err := sender.Send(ctx, account, conv.ExternalID, msg.Text)
		if err == nil {
			return d.recordDelivered(ctx, conv, msg, deliveryID, attempt)
		}
		lastErr = err
		if !channel.IsRetryable(err) {
			return d.recordFailed(ctx, conv, msg, err)
		}
		d.logger.Warn("send attempt failed, retrying",
			slog.String("platform", conv.Platform.String()),
			slog.String("message_id", msg.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < d.maxAttempts {
			d.sleep(d.baseBackoff << (attempt - 1))
		}
	}
	return d.recordFailed(ctx, conv, msg, fmt.Errorf("retry attempts exhausted: %w", lastErr))
}

func (d *Dispatcher) recordDelivered(ctx context.Context, conv conversation.Conversation, msg message.Message, deliveryID string, attempts int) error {
	sentAt := time.Now().UTC().Format(time.RFC3339)
	if err := d.messages.AppendDeliveryMetadata(ctx, msg.ID, map[string]any{
		"send_state":  "delivered",
		"delivery_id": deliveryID,
		"sent_at":     sentAt,
		"attempts":    attempts,
	}); err != nil {
		d.logger.Warn("record delivery failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	if d.events != nil {
		d.events.PublishConversation(conv.ID, "delivery.confirmed", map[string]any{
			"message_id":  msg.ID,
			"delivery_id": deliveryID,
			"sent_at":     sentAt,
		})
	}
	return nil
}

func (d *Dispatcher) recordFailed(ctx context.Context, conv conversation.Conversation, msg message.Message, cause error) error {
	if err := d.messages.AppendDeliveryMetadata(ctx, msg.ID, map[string]any{
		"send_state": "failed",
		"error_code": channel.ErrorCode(cause),
		"error":      cause.Error(),
	}); err != nil {
		d.logger.Warn("record send failure failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return fmt.Errorf("deliver message %s on %s: %w", msg.ID, conv.Platform, cause)
}
