package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/relay/internal/accounts"
	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/channel/adapters/instagram"
	"github.com/relaydesk/relay/internal/channel/adapters/messenger"
	"github.com/relaydesk/relay/internal/channel/adapters/telegram"
	"github.com/relaydesk/relay/internal/channel/adapters/widget"
	"github.com/relaydesk/relay/internal/chat"
	"github.com/relaydesk/relay/internal/config"
	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/db"
	"github.com/relaydesk/relay/internal/dispatch"
	"github.com/relaydesk/relay/internal/handlers"
	"github.com/relaydesk/relay/internal/ingest"
	"github.com/relaydesk/relay/internal/lock"
	"github.com/relaydesk/relay/internal/logger"
	"github.com/relaydesk/relay/internal/message"
	"github.com/relaydesk/relay/internal/providers"
	"github.com/relaydesk/relay/internal/queue"
	"github.com/relaydesk/relay/internal/rag"
	"github.com/relaydesk/relay/internal/realtime"
	"github.com/relaydesk/relay/internal/server"
	"github.com/relaydesk/relay/internal/sweeper"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideSealer,
			provideAccountService,
			provideProviderService,
			provideMessageService,
			provideConversationStore,
			provideLockCoordinator,
			provideQueueRegistry,
			provideDurableExecutor,
			provideInlineExecutor,
			provideOrchestrator,
			provideHub,
			provideChannelRegistry,
			provideResolver,
			provideRetriever,
			provideGenerator,
			provideDispatcher,
			providePipeline,
			provideSweeper,
			providePingHandler,
			provideWebhookHandler,
			provideConversationHandler,
			provideRealtimeHandler,
			provideServer,
		),
		fx.Invoke(
			registerPipelineHandlers,
			startDurableExecutor,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.New(cfg.Log.Level, cfg.Log.Format)
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(log, cfg.Postgres); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := db.Connect(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideSealer(cfg config.Config) (*accounts.Sealer, error) {
	return accounts.NewSealer(cfg.Secrets.SealKey)
}

func provideAccountService(log *slog.Logger, pool *pgxpool.Pool, sealer *accounts.Sealer) *accounts.Service {
	return accounts.NewService(log, pool, sealer)
}

func provideProviderService(log *slog.Logger, pool *pgxpool.Pool, sealer *accounts.Sealer) *providers.Service {
	return providers.NewService(log, pool, sealer)
}

func provideMessageService(log *slog.Logger, pool *pgxpool.Pool) *message.Service {
	return message.NewService(log, pool)
}

func provideConversationStore(pool *pgxpool.Pool) *conversation.PGStore {
	return conversation.NewPGStore(pool)
}

func provideLockCoordinator(log *slog.Logger, pool *pgxpool.Pool) (*lock.Coordinator, *lock.PGStore) {
	store := lock.NewPGStore(pool)
	return lock.NewCoordinator(log, store), store
}

func provideQueueRegistry() *queue.Registry {
	return queue.NewRegistry()
}

func provideDurableExecutor(log *slog.Logger, pool *pgxpool.Pool, registry *queue.Registry, cfg config.Config) *queue.DurableExecutor {
	visibility := time.Duration(cfg.Queue.VisibilitySeconds) * time.Second
	return queue.NewDurableExecutor(log, pool, registry, cfg.Queue.Workers, cfg.Queue.MaxAttempts, visibility)
}

func provideInlineExecutor(log *slog.Logger, registry *queue.Registry) *queue.InlineExecutor {
	return queue.NewInlineExecutor(log, registry)
}

func provideOrchestrator(log *slog.Logger, durable *queue.DurableExecutor, inline *queue.InlineExecutor) *queue.Orchestrator {
	return queue.NewOrchestrator(log, durable, inline)
}

func provideHub(log *slog.Logger) *realtime.Hub {
	return realtime.NewHub(log)
}

func provideChannelRegistry(log *slog.Logger, hub *realtime.Hub) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	adapters := []channel.Adapter{
		messenger.New(log),
		instagram.New(log),
		telegram.New(log),
		widget.New(log, hub),
	}
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// registryProfileFetcher bridges the resolver's profile lookup to the
// platform adapter registry.
type registryProfileFetcher struct{ registry *channel.Registry }

func (f *registryProfileFetcher) FetchProfile(ctx context.Context, account channel.Account, senderID string) (conversation.Profile, error) {
	p, err := f.registry.FetchProfile(ctx, account, senderID)
	if err != nil {
		return conversation.Profile{}, err
	}
	return conversation.Profile{Name: p.Name, Username: p.Username, Avatar: p.Avatar}, nil
}

func provideResolver(log *slog.Logger, store *conversation.PGStore, msgService *message.Service, registry *channel.Registry) *conversation.Resolver {
	return conversation.NewResolver(log, store, msgService, &registryProfileFetcher{registry: registry})
}

func provideRetriever(log *slog.Logger, cfg config.Config, pool *pgxpool.Pool) (rag.Retriever, error) {
	if !cfg.Qdrant.Enabled {
		return rag.NewPGRetriever(pool), nil
	}
	client, err := rag.NewQdrantClient(cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.APIKey)
	if err != nil {
		return nil, fmt.Errorf("qdrant init: %w", err)
	}
	return rag.NewQdrantRetriever(log, client, cfg.Qdrant.Collection), nil
}

func provideGenerator(log *slog.Logger, pool *pgxpool.Pool, retriever rag.Retriever, providerService *providers.Service, msgService *message.Service, cfg config.Config) *rag.Generator {
	var fallback chat.Provider
	if cfg.Reply.FallbackAPIKey != "" {
		fallback = chat.NewOpenAICompatProvider(cfg.Reply.FallbackAPIKey, "", 0)
	}
	return rag.NewGenerator(log, rag.NewPGCache(pool), rag.NewPGMemory(pool), retriever, providerService, msgService, fallback, rag.Options{
		MemoryWindow:   cfg.Reply.MemoryWindow,
		TopK:           cfg.Reply.TopK,
		MinSimilarity:  cfg.Reply.MinSimilarity,
		MaxTemperature: float32(cfg.Reply.MaxTemperature),
	})
}

func provideDispatcher(log *slog.Logger, registry *channel.Registry, accountService *accounts.Service, msgService *message.Service, hub *realtime.Hub) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, registry, accountService, msgService, hub)
}

func providePipeline(log *slog.Logger, registry *channel.Registry, locks *lock.Coordinator, resolver *conversation.Resolver, orchestrator *queue.Orchestrator, hub *realtime.Hub, accountService *accounts.Service, convStore *conversation.PGStore, generator *rag.Generator, dispatcher *dispatch.Dispatcher) *ingest.Pipeline {
	return ingest.NewPipeline(log, registry, locks, resolver, orchestrator, hub, accountService, convStore, generator, dispatcher)
}

func provideSweeper(log *slog.Logger, lockStore *lock.PGStore, durable *queue.DurableExecutor) *sweeper.Sweeper {
	return sweeper.New(log, lockStore, durable)
}

func providePingHandler(log *slog.Logger, pool *pgxpool.Pool) *handlers.PingHandler {
	return handlers.NewPingHandler(log, map[string]handlers.ReadinessProbe{
		"postgres": pool.Ping,
	})
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, accountService *accounts.Service, pipeline *ingest.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, accountService, pipeline)
}

func provideConversationHandler(log *slog.Logger, convStore *conversation.PGStore, msgService *message.Service, pipeline *ingest.Pipeline, hub *realtime.Hub) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(log, convStore, msgService, pipeline, hub)
}

func provideRealtimeHandler(log *slog.Logger, hub *realtime.Hub, cfg config.Config) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, hub, cfg.Auth.JWTSecret)
}

func provideServer(log *slog.Logger, cfg config.Config, pingHandler *handlers.PingHandler, webhookHandler *handlers.WebhookHandler, conversationHandler *handlers.ConversationHandler, realtimeHandler *handlers.RealtimeHandler) *server.Server {
	return server.NewServer(log, cfg.Server.Addr, cfg.Auth.JWTSecret, pingHandler, webhookHandler, conversationHandler, realtimeHandler)
}

// registerPipelineHandlers must run before the durable executor starts so no
// worker claims a job without a handler.
func registerPipelineHandlers(pipeline *ingest.Pipeline, registry *queue.Registry) {
	pipeline.RegisterHandlers(registry)
}

func startDurableExecutor(lc fx.Lifecycle, durable *queue.DurableExecutor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { durable.Start(); return nil },
		OnStop:  func(ctx context.Context) error { durable.Stop(); return nil },
	})
}

func startSweeper(lc fx.Lifecycle, s *sweeper.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return s.Start() },
		OnStop:  func(ctx context.Context) error { s.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("server stopped", slog.String("error", err.Error()))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error { return srv.Shutdown() },
	})
}
