// Package ingest drives inbound events through the pipeline: per-identity
// lock, conversation resolution, realtime fan-out, and scheduling of the
// reply and delivery stages.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/message"
	"github.com/relaydesk/relay/internal/queue"
	"github.com/relaydesk/relay/internal/rag"
)

const lockTTL = 30 * time.Second

// Locker serializes processing units per conversation identity.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Resolver maps inbound events onto conversation threads.
type Resolver interface {
	Resolve(ctx context.Context, account channel.Account, ev channel.InboundEvent, reassigns bool) (conversation.Resolution, error)
}

// Submitter schedules a pipeline stage.
type Submitter interface {
	Submit(ctx context.Context, queue string, payload any) error
}

// Events receives pipeline fan-out notifications.
type Events interface {
	PublishConversation(conversationID, event string, payload any)
	PublishTenant(tenantID, event string, payload any)
}

// AccountSource loads channel accounts.
type AccountSource interface {
	Get(ctx context.Context, accountID string) (channel.Account, error)
}

// ConversationSource loads conversations by id.
type ConversationSource interface {
	Get(ctx context.Context, conversationID string) (conversation.Conversation, error)
	FindLive(ctx context.Context, accountID, externalID string) (conversation.Conversation, error)
}

// ReplyGenerator produces the automated reply for a user message.
type ReplyGenerator interface {
	Generate(ctx context.Context, account channel.Account, conv conversation.Conversation, userText string) (rag.Reply, message.Message, error)
}

// Deliverer sends an outbound message through its platform adapter.
type Deliverer interface {
	Deliver(ctx context.Context, conv conversation.Conversation, msg message.Message) error
}

// Job payloads for the three queues.
type ingestJob struct {
	AccountID string               `json:"account_id"`
	Event     channel.InboundEvent `json:"event"`
}

type replyJob struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

type deliverJob struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// Pipeline coordinates the ingestion, reply, and delivery stages.
type Pipeline struct {
	registry      *channel.Registry
	locks         Locker
	resolver      Resolver
	orchestrator  Submitter
	events        Events
	accounts      AccountSource
	conversations ConversationSource
	generator     ReplyGenerator
	dispatcher    Deliverer
	logger        *slog.Logger
}

// NewPipeline creates the pipeline.
func NewPipeline(log *slog.Logger, registry *channel.Registry, locks Locker, resolver Resolver, orchestrator Submitter, events Events, accounts AccountSource, conversations ConversationSource, generator ReplyGenerator, dispatcher Deliverer) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry:      registry,
		locks:         locks,
		resolver:      resolver,
		orchestrator:  orchestrator,
		events:        events,
		accounts:      accounts,
		conversations: conversations,
		generator:     generator,
		dispatcher:    dispatcher,
		logger:        log.With(slog.String("service", "ingest")),
	}
}

// RegisterHandlers wires the three queue handlers. Both execution paths
// (durable workers and inline fallback) run these.
func (p *Pipeline) RegisterHandlers(registry *queue.Registry) {
	registry.Handle(queue.QueueIngest, p.handleIngest)
	registry.Handle(queue.QueueReply, p.handleReply)
	registry.Handle(queue.QueueDeliver, p.handleDeliver)
}

// Schedule enqueues one inbound event for processing. Called by the webhook
// layer after signature verification; it returns once the work is queued (or,
// in degraded mode, completed inline).
func (p *Pipeline) Schedule(ctx context.Context, account channel.Account, ev channel.InboundEvent) error {
	return p.orchestrator.Submit(ctx, queue.QueueIngest, ingestJob{AccountID: account.ID, Event: ev})
}

// ScheduleDelivery enqueues an already-persisted outbound message for
// platform delivery. Dashboard agent replies use this directly.
func (p *Pipeline) ScheduleDelivery(ctx context.Context, conv conversation.Conversation, msg message.Message) error {
	return p.orchestrator.Submit(ctx, queue.QueueDeliver, deliverJob{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Text:           msg.Text,
	})
}

func (p *Pipeline) handleIngest(ctx context.Context, payload []byte) error {
	var job ingestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode ingest job: %w", err)
	}
	account, err := p.accounts.Get(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", job.AccountID, err)
	}
	return p.ProcessInbound(ctx, account, job.Event)
}

// ProcessInbound runs one inbound event through resolution and fan-out, and
// schedules the reply stage when the conversation has auto-reply enabled.
func (p *Pipeline) ProcessInbound(ctx context.Context, account channel.Account, ev channel.InboundEvent) error {
	switch ev.Kind {
	case channel.KindEcho:
		// The account's own messages come back through the webhook; they
		// must never be re-ingested as inbound user messages.
		p.logger.Debug("echo event skipped", slog.String("account_id", account.ID))
		return nil
	case channel.KindDeliveryReceipt, channel.KindReadReceipt:
		p.publishReceipt(ctx, account, ev)
		return nil
	}

	return p.locks.WithLock(ctx, ev.LockKey(), lockTTL, func(ctx context.Context) error {
		adapter, err := p.registry.Get(account.Platform)
		if err != nil {
			return err
		}
		resolution, err := p.resolver.Resolve(ctx, account, ev, channel.ReassignsIdentifiers(adapter))
		if err != nil {
			return fmt.Errorf("resolve conversation: %w", err)
		}

		conv := resolution.Conversation
		if resolution.ConversationCreated {
			p.events.PublishTenant(conv.TenantID, "conversation.created", conv)
		} else if resolution.Strategy != conversation.MatchExact {
			p.events.PublishTenant(conv.TenantID, "conversation.updated", conv)
		}
		if resolution.MessageCreated {
			p.events.PublishConversation(conv.ID, "message.created", resolution.Message)
			p.events.PublishTenant(conv.TenantID, "message.created", resolution.Message)
		}

		// Duplicate deliveries resolve to the already-persisted message and
		// stop here, so at-least-once job delivery stays safe.
		if !resolution.MessageCreated || !conv.AutoBot || ev.Text == "" {
			return nil
		}
		return p.orchestrator.Submit(ctx, queue.QueueReply, replyJob{
			AccountID:      account.ID,
			ConversationID: conv.ID,
			MessageID:      resolution.Message.ID,
			Text:           ev.Text,
		})
	})
}

func (p *Pipeline) handleReply(ctx context.Context, payload []byte) error {
	var job replyJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode reply job: %w", err)
	}
	account, err := p.accounts.Get(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", job.AccountID, err)
	}
	conv, err := p.conversations.Get(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", job.ConversationID, err)
	}

	reply, botMsg, err := p.generator.Generate(ctx, account, conv, job.Text)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	p.events.PublishConversation(conv.ID, "message.created", botMsg)
	p.events.PublishTenant(conv.TenantID, "message.created", botMsg)

	return p.orchestrator.Submit(ctx, queue.QueueDeliver, deliverJob{
		ConversationID: conv.ID,
		MessageID:      botMsg.ID,
		Text:           reply.Text,
	})
}

func (p *Pipeline) handleDeliver(ctx context.Context, payload []byte) error {
	var job deliverJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode deliver job: %w", err)
	}
	conv, err := p.conversations.Get(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", job.ConversationID, err)
	}
	return p.dispatcher.Deliver(ctx, conv, message.Message{
		ID:             job.MessageID,
		ConversationID: conv.ID,
		Role:           message.RoleBot,
		Text:           job.Text,
	})
}

// publishReceipt forwards delivery/read receipts to dashboard viewers of the
// live conversation, when one exists. Receipts never create conversations.
func (p *Pipeline) publishReceipt(ctx context.Context, account channel.Account, ev channel.InboundEvent) {
	conv, err := p.conversations.FindLive(ctx, account.ID, ev.SenderID)
	if err != nil {
		return
	}
	event := "message.delivered"
	if ev.Kind == channel.KindReadReceipt {
		event = "message.read"
	}
	p.events.PublishConversation(conv.ID, event, map[string]any{
		"watermark_ms": ev.TimestampMs,
	})
}
