package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/message"
)

// suffixLength is how many trailing runes two identifiers must share for the
// reassignment heuristic to treat them as the same sender. Deliberately loose;
// the product favors recall over precision here.
const suffixLength = 4

// MessageWriter persists inbound messages through the dedup path.
type MessageWriter interface {
	Persist(ctx context.Context, input message.PersistInput) (message.Message, bool, error)
}

// ProfileFetcher loads a customer profile from the platform. Best effort:
// failures yield a placeholder profile, never an error for the caller.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, account channel.Account, senderID string) (Profile, error)
}

// Resolution is the outcome of resolving one inbound event.
type Resolution struct {
	Conversation        Conversation
	Message             message.Message
	Strategy            MatchStrategy
	ConversationCreated bool
	MessageCreated      bool
}

// Resolver finds or creates the conversation thread for inbound events and
// persists the triggering message.
type Resolver struct {
	store    Store
	messages MessageWriter
	profiles ProfileFetcher
	logger   *slog.Logger
}

// NewResolver creates a conversation resolver.
func NewResolver(log *slog.Logger, store Store, messages MessageWriter, profiles ProfileFetcher) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:    store,
		messages: messages,
		profiles: profiles,
		logger:   log.With(slog.String("service", "conversation")),
	}
}

// Resolve maps an inbound event onto a live conversation, creating or
// migrating one as needed, then persists the USER message and bumps
// last_message_at. reassigns marks platforms whose sender identifiers can
// change between deliveries.
func (r *Resolver) Resolve(ctx context.Context, account channel.Account, ev channel.InboundEvent, reassigns bool) (Resolution, error) {
	conv, strategy, created, err := r.resolveConversation(ctx, account, ev, reassigns)
	if err != nil {
		return Resolution{}, err
	}
	if strategy != MatchExact {
		// Every non-exact resolution is auditable.
		r.logger.Warn("non-exact conversation resolution",
			slog.String("strategy", string(strategy)),
			slog.String("conversation_id", conv.ID),
			slog.String("account_id", account.ID),
			slog.String("external_id", ev.SenderID))
	}

	msg, msgCreated, err := r.messages.Persist(ctx, message.PersistInput{
		ConversationID: conv.ID,
		Role:           message.RoleUser,
		Text:           ev.Text,
		SourceTs:       ev.TimestampMs,
		Metadata:       inboundMetadata(ev),
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("persist inbound message: %w", err)
	}
	if msgCreated {
		at := ev.Time()
		if at.IsZero() {
			at = time.Now()
		}
		if err := r.store.TouchLastMessage(ctx, conv.ID, at); err != nil {
			r.logger.Warn("touch last_message_at failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
	}
	return Resolution{
		Conversation:        conv,
		Message:             msg,
		Strategy:            strategy,
		ConversationCreated: created,
		MessageCreated:      msgCreated,
	}, nil
}

func (r *Resolver) resolveConversation(ctx context.Context, account channel.Account, ev channel.InboundEvent, reassigns bool) (Conversation, MatchStrategy, bool, error) {
	// 1. Exact live match.
	conv, err := r.store.FindLive(ctx, account.ID, ev.SenderID)
	if err == nil {
		return conv, MatchExact, false, nil
	}
	if err != ErrNotFound {
		return Conversation{}, "", false, fmt.Errorf("exact lookup: %w", err)
	}

	// 2. Reassignment heuristics: migrate an existing thread rather than
	// splitting one person across two conversations.
	if reassigns {
		migrated, strategy, err := r.migrateReassigned(ctx, account, ev.SenderID)
		if err != nil {
			return Conversation{}, "", false, err
		}
		if strategy != "" {
			return migrated, strategy, false, nil
		}
	}

	// 3. Final re-check guards against a concurrent worker that created or
	// migrated a matching thread between our lookups and now, then create.
	conv, err = r.store.FindLive(ctx, account.ID, ev.SenderID)
	if err == nil {
		return conv, MatchExact, false, nil
	}
	if err != ErrNotFound {
		return Conversation{}, "", false, fmt.Errorf("re-check lookup: %w", err)
	}
	if reassigns {
		migrated, strategy, err := r.migrateReassigned(ctx, account, ev.SenderID)
		if err != nil {
			return Conversation{}, "", false, err
		}
		if strategy != "" {
			return migrated, strategy, false, nil
		}
	}

	profile := r.fetchProfile(ctx, account, ev.SenderID)
	created, wasCreated, err := r.store.Create(ctx, Conversation{
		TenantID:      account.TenantID,
		AccountID:     account.ID,
		Platform:      account.Platform,
		ExternalID:    ev.SenderID,
		Status:        StatusOpen,
		AutoBot:       account.AutoBot,
		Metadata:      map[string]any{metaProfile: profile},
		LastMessageAt: ev.Time(),
	})
	if err != nil {
		return Conversation{}, "", false, fmt.Errorf("create conversation: %w", err)
	}
	if !wasCreated {
		return created, MatchExact, false, nil
	}
	return created, MatchCreate, true, nil
}

// migrateReassigned runs the reassignment heuristics and, on a match, moves
// the candidate thread onto the new identifier.
func (r *Resolver) migrateReassigned(ctx context.Context, account channel.Account, externalID string) (Conversation, MatchStrategy, error) {
	candidate, strategy, err := r.findReassigned(ctx, account, externalID)
	if err != nil || strategy == "" {
		return Conversation{}, strategy, err
	}
	change := IdentifierChange{Old: candidate.ExternalID, At: time.Now().UTC()}
	if err := r.store.MigrateExternalID(ctx, candidate.ID, externalID, change); err != nil {
		return Conversation{}, "", fmt.Errorf("migrate identifier: %w", err)
	}
	candidate.ExternalID = externalID
	appendHistory(&candidate, change)
	return candidate, strategy, nil
}

// findReassigned scans live conversations on the account for a weaker match
// signal: shared identifier suffix first, then a stored profile username equal
// to the incoming identifier. Ambiguity resolves to no match; creating a new
// conversation is safer than merging two customers' histories.
func (r *Resolver) findReassigned(ctx context.Context, account channel.Account, externalID string) (Conversation, MatchStrategy, error) {
	live, err := r.store.ListLive(ctx, account.ID)
	if err != nil {
		return Conversation{}, "", fmt.Errorf("list live conversations: %w", err)
	}

	var suffixMatches []Conversation
	for _, conv := range live {
		if sameSuffix(conv.ExternalID, externalID) {
			suffixMatches = append(suffixMatches, conv)
		}
	}
	if len(suffixMatches) == 1 {
		return suffixMatches[0], MatchSuffix, nil
	}
	if len(suffixMatches) > 1 {
		r.logger.Warn("ambiguous suffix match, creating new conversation",
			slog.String("account_id", account.ID),
			slog.Int("candidates", len(suffixMatches)))
		return Conversation{}, "", nil
	}

	var profileMatches []Conversation
	for _, conv := range live {
		if username := storedUsername(conv); username != "" && username == externalID {
			profileMatches = append(profileMatches, conv)
		}
	}
	if len(profileMatches) == 1 {
		return profileMatches[0], MatchProfile, nil
	}
	return Conversation{}, "", nil
}

func (r *Resolver) fetchProfile(ctx context.Context, account channel.Account, senderID string) Profile {
	if r.profiles == nil {
		return Profile{}
	}
	profile, err := r.profiles.FetchProfile(ctx, account, senderID)
	if err != nil {
		r.logger.Debug("profile fetch failed, using placeholder",
			slog.String("sender_id", senderID), slog.Any("error", err))
		return Profile{}
	}
	return profile
}

func sameSuffix(a, b string) bool {
	if a == "" || b == "" || a == b {
		return false
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < suffixLength || len(rb) < suffixLength {
		return false
	}
	return string(ra[len(ra)-suffixLength:]) == string(rb[len(rb)-suffixLength:])
}

func storedUsername(conv Conversation) string {
	profile, ok := conv.Metadata[metaProfile].(map[string]any)
	if !ok {
		return ""
	}
	username, _ := profile["username"].(string)
	return username
}

func appendHistory(conv *Conversation, change IdentifierChange) {
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	history, _ := conv.Metadata[metaIdentifierHistory].([]any)
	conv.Metadata[metaIdentifierHistory] = append(history, map[string]any{
		"old": change.Old,
		"at":  change.At.Format(time.RFC3339),
	})
}

func inboundMetadata(ev channel.InboundEvent) map[string]any {
	meta := map[string]any{}
	if ev.RawEventID != "" {
		meta["raw_event_id"] = ev.RawEventID
	}
	if len(ev.Attachments) > 0 {
		meta["attachments"] = ev.Attachments
	}
	if ev.Kind != channel.KindMessage {
		meta["kind"] = string(ev.Kind)
	}
	return meta
}
