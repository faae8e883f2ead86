package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/chat"
	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/embeddings"
	"github.com/relaydesk/relay/internal/message"
	"github.com/relaydesk/relay/internal/providers"
)

// ProviderConfigSource resolves tenant model-provider configurations.
type ProviderConfigSource interface {
	ResolveForTenant(ctx context.Context, tenantID, kind string) (providers.ProviderConfig, error)
}

// MessageWriter persists the generated assistant message.
type MessageWriter interface {
	Persist(ctx context.Context, input message.PersistInput) (message.Message, bool, error)
}

// Options tunes generation. Zero values take the package defaults.
type Options struct {
	MemoryWindow   int
	TopK           int
	MinSimilarity  float64
	MaxTemperature float32
}

func (o Options) withDefaults() Options {
	if o.MemoryWindow <= 0 {
		o.MemoryWindow = 10
	}
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = 0.7
	}
	if o.MaxTemperature <= 0 {
		o.MaxTemperature = 0.7
	}
	return o
}

// Generator produces automated replies for inbound user messages.
type Generator struct {
	cache        Cache
	memory       Memory
	retriever    Retriever
	providerCfgs ProviderConfigSource
	messages     MessageWriter
	fallback     chat.Provider
	opts         Options
	logger       *slog.Logger

	// Constructor seams for tests.
	newChatProvider func(cfg providers.ProviderConfig) chat.Provider
	newEmbedder     func(cfg providers.ProviderConfig) embeddings.Embedder
}

// NewGenerator creates a reply generator. fallback is the secondary provider
// used when the tenant's configured provider fails; it may be nil.
func NewGenerator(log *slog.Logger, cache Cache, memory Memory, retriever Retriever, providerCfgs ProviderConfigSource, messages MessageWriter, fallback chat.Provider, opts Options) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		cache:        cache,
		memory:       memory,
		retriever:    retriever,
		providerCfgs: providerCfgs,
		messages:     messages,
		fallback:     fallback,
		opts:         opts.withDefaults(),
		logger:       log.With(slog.String("service", "rag")),
		newChatProvider: func(cfg providers.ProviderConfig) chat.Provider {
			return chat.NewOpenAICompatProvider(cfg.APIKey, cfg.BaseURL, 0)
		},
		newEmbedder: func(cfg providers.ProviderConfig) embeddings.Embedder {
			return embeddings.NewClient(cfg.APIKey, cfg.BaseURL, 0)
		},
	}
}

// Generate produces and persists the assistant reply for userText in conv.
// Cache hits return the stored text without any model call while still
// appending the exchange to conversation memory.
func (g *Generator) Generate(ctx context.Context, account channel.Account, conv conversation.Conversation, userText string) (Reply, message.Message, error) {
	normalized := NormalizeQuery(userText)
	queryHash := QueryHash(normalized)

	if entry, hit := g.lookupCache(ctx, conv.TenantID, queryHash); hit {
		if err := g.cache.RecordHit(ctx, conv.TenantID, queryHash); err != nil {
			g.logger.Warn("cache hit recording failed", slog.Any("error", err))
		}
		reply := Reply{
			Text:             entry.ResponseText,
			FromCache:        true,
			RetrievalContext: entry.RetrievalContext,
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: entry.CompletionTokens,
		}
		msg, err := g.finishReply(ctx, conv, userText, reply)
		return reply, msg, err
	}

	memState, err := g.memory.Load(ctx, conv.ID)
	if err != nil {
		g.logger.Warn("memory load failed, generating without history",
			slog.String("conversation_id", conv.ID), slog.Bool("degraded", true), slog.Any("error", err))
		memState = MemoryState{}
	}

	chunks := g.retrieve(ctx, conv.TenantID, normalized)
	prompt := BuildPrompt(account.Attributes["system_prompt"], memState, chunks, userText)

	result, err := g.dispatch(ctx, conv.TenantID, prompt)
	if err != nil {
		return Reply{}, message.Message{}, err
	}

	reply := Reply{
		Text:             result.Message.Content,
		RetrievalContext: chunks,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}
	msg, err := g.finishReply(ctx, conv, userText, reply)
	if err != nil {
		return Reply{}, message.Message{}, err
	}

	if err := g.cache.Store(ctx, CacheEntry{
		TenantID:         conv.TenantID,
		QueryHash:        queryHash,
		ResponseText:     reply.Text,
		RetrievalContext: chunks,
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
	}); err != nil {
		g.logger.Warn("cache store failed", slog.Bool("degraded", true), slog.Any("error", err))
	}
	return reply, msg, nil
}

func (g *Generator) lookupCache(ctx context.Context, tenantID, queryHash string) (CacheEntry, bool) {
	entry, hit, err := g.cache.Lookup(ctx, tenantID, queryHash)
	if err != nil {
		// A broken cache store degrades to cache-miss behavior.
		g.logger.Warn("cache lookup failed, skipping cache",
			slog.Bool("degraded", true), slog.Any("error", err))
		return CacheEntry{}, false
	}
	return entry, hit
}

// retrieve embeds the query and fetches similar document chunks. Any failure
// degrades to generating without retrieved context.
func (g *Generator) retrieve(ctx context.Context, tenantID, normalizedQuery string) []Chunk {
	if g.retriever == nil {
		return nil
	}
	cfg, err := g.providerCfgs.ResolveForTenant(ctx, tenantID, providers.KindEmbedding)
	if err != nil {
		if !errors.Is(err, providers.ErrNotFound) {
			g.logger.Warn("embedding config lookup failed", slog.Any("error", err))
		}
		return nil
	}
	vector, err := g.newEmbedder(cfg).Embed(ctx, cfg.Model, normalizedQuery)
	if err != nil {
		g.logger.Warn("query embedding failed, skipping retrieval",
			slog.Bool("degraded", true), slog.Any("error", err))
		return nil
	}
	chunks, err := g.retriever.Retrieve(ctx, tenantID, vector, g.opts.TopK, g.opts.MinSimilarity)
	if err != nil {
		g.logger.Warn("chunk retrieval failed, skipping context",
			slog.Bool("degraded", true), slog.Any("error", err))
		return nil
	}
	return chunks
}

// dispatch calls the tenant's configured provider, falling back to the
// secondary default provider on failure.
func (g *Generator) dispatch(ctx context.Context, tenantID string, prompt []chat.Message) (chat.Result, error) {
	req := chat.Request{Messages: prompt}

	cfg, cfgErr := g.providerCfgs.ResolveForTenant(ctx, tenantID, providers.KindLLM)
	if cfgErr == nil {
		req.Model = cfg.Model
		temperature := g.clampTemperature(cfg.Temperature)
		req.Temperature = &temperature
		if cfg.MaxTokens > 0 {
			maxTokens := cfg.MaxTokens
			req.MaxTokens = &maxTokens
		}
		result, err := g.newChatProvider(cfg).Chat(ctx, req)
		if err == nil {
			return result, nil
		}
		g.logger.Warn("tenant provider failed, trying fallback",
			slog.String("provider", cfg.Provider), slog.Any("error", err))
	} else if !errors.Is(cfgErr, providers.ErrNotFound) {
		g.logger.Warn("llm config lookup failed, trying fallback", slog.Any("error", cfgErr))
	}

	if g.fallback == nil {
		return chat.Result{}, fmt.Errorf("no working chat provider for tenant %s", tenantID)
	}
	fallbackReq := req
	fallbackReq.Model = ""
	temperature := g.clampTemperature(0)
	fallbackReq.Temperature = &temperature
	result, err := g.fallback.Chat(ctx, fallbackReq)
	if err != nil {
		return chat.Result{}, fmt.Errorf("fallback provider: %w", err)
	}
	return result, nil
}

// clampTemperature bounds temperature for automated replies, distinct from
// any interactive use of the same provider config.
func (g *Generator) clampTemperature(configured float32) float32 {
	if configured <= 0 || configured > g.opts.MaxTemperature {
		return g.opts.MaxTemperature
	}
	return configured
}

// finishReply persists the assistant message and folds the exchange into the
// trimmed memory window.
func (g *Generator) finishReply(ctx context.Context, conv conversation.Conversation, userText string, reply Reply) (message.Message, error) {
	msg, _, err := g.messages.Persist(ctx, message.PersistInput{
		ConversationID: conv.ID,
		Role:           message.RoleBot,
		Text:           reply.Text,
		SourceTs:       time.Now().UnixMilli(),
		Metadata: map[string]any{
			"from_cache":        reply.FromCache,
			"prompt_tokens":     reply.PromptTokens,
			"completion_tokens": reply.CompletionTokens,
		},
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("persist assistant message: %w", err)
	}

	state, err := g.memory.Load(ctx, conv.ID)
	if err != nil {
		g.logger.Warn("memory reload failed, skipping append",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
		return msg, nil
	}
	now := time.Now().UTC()
	state.Entries = append(state.Entries,
		MemoryEntry{Role: message.RoleUser, Text: userText, At: now},
		MemoryEntry{Role: message.RoleBot, Text: reply.Text, At: now},
	)
	state.Entries = TrimEntries(state.Entries, g.opts.MemoryWindow)
	if err := g.memory.Save(ctx, conv.ID, state); err != nil {
		g.logger.Warn("memory save failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	return msg, nil
}
