package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/chat"
	"github.com/relaydesk/relay/internal/conversation"
	"github.com/relaydesk/relay/internal/embeddings"
	"github.com/relaydesk/relay/internal/message"
	"github.com/relaydesk/relay/internal/providers"
)

type fakeCache struct {
	entry     CacheEntry
	hit       bool
	lookupErr error
	storeErr  error

	hits   []string
	stored []CacheEntry
}

func (f *fakeCache) Lookup(_ context.Context, _, _ string) (CacheEntry, bool, error) {
	return f.entry, f.hit, f.lookupErr
}

func (f *fakeCache) RecordHit(_ context.Context, _, queryHash string) error {
	f.hits = append(f.hits, queryHash)
	return nil
}

func (f *fakeCache) Store(_ context.Context, entry CacheEntry) error {
	f.stored = append(f.stored, entry)
	return f.storeErr
}

type fakeMemory struct {
	state   MemoryState
	loadErr error
	saved   []MemoryState
}

func (f *fakeMemory) Load(context.Context, string) (MemoryState, error) {
	return f.state, f.loadErr
}

func (f *fakeMemory) Save(_ context.Context, _ string, state MemoryState) error {
	f.saved = append(f.saved, state)
	f.state = state
	return nil
}

type fakeRetriever struct {
	chunks []Chunk
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(context.Context, string, []float32, int, float64) ([]Chunk, error) {
	f.calls++
	return f.chunks, f.err
}

type fakeConfigs struct {
	configs map[string]providers.ProviderConfig
}

func (f *fakeConfigs) ResolveForTenant(_ context.Context, _, kind string) (providers.ProviderConfig, error) {
	cfg, ok := f.configs[kind]
	if !ok {
		return providers.ProviderConfig{}, providers.ErrNotFound
	}
	return cfg, nil
}

type fakeWriter struct {
	inputs []message.PersistInput
}

func (f *fakeWriter) Persist(_ context.Context, input message.PersistInput) (message.Message, bool, error) {
	f.inputs = append(f.inputs, input)
	return message.Message{
		ID:             "msg-1",
		ConversationID: input.ConversationID,
		Role:           input.Role,
		Text:           input.Text,
	}, true, nil
}

type fakeChat struct {
	result   chat.Result
	err      error
	requests []chat.Request
}

func (f *fakeChat) Chat(_ context.Context, req chat.Request) (chat.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return f.vector, f.err
}

func testConv() conversation.Conversation {
	return conversation.Conversation{ID: "conv-1", TenantID: "tenant-1", AccountID: "acct-1", AutoBot: true}
}

func testAcct() channel.Account {
	return channel.Account{ID: "acct-1", TenantID: "tenant-1", Platform: channel.PlatformPage}
}

type generatorFixture struct {
	gen       *Generator
	cache     *fakeCache
	memory    *fakeMemory
	retriever *fakeRetriever
	writer    *fakeWriter
	model     *fakeChat
}

func newGeneratorFixture(cfgs map[string]providers.ProviderConfig, fallback chat.Provider) *generatorFixture {
	f := &generatorFixture{
		cache:     &fakeCache{},
		memory:    &fakeMemory{},
		retriever: &fakeRetriever{},
		writer:    &fakeWriter{},
		model:     &fakeChat{result: chat.Result{Message: chat.Message{Role: chat.RoleAssistant, Content: "generated answer"}, Usage: chat.Usage{PromptTokens: 11, CompletionTokens: 7}}},
	}
	f.gen = NewGenerator(nil, f.cache, f.memory, f.retriever, &fakeConfigs{configs: cfgs}, f.writer, fallback, Options{MemoryWindow: 4, MaxTemperature: 0.5})
	f.gen.newChatProvider = func(providers.ProviderConfig) chat.Provider { return f.model }
	f.gen.newEmbedder = func(providers.ProviderConfig) embeddings.Embedder { return &fakeEmbedder{vector: []float32{0.1, 0.2}} }
	return f
}

func TestGenerateCacheHitSkipsModel(t *testing.T) {
	t.Parallel()

	f := newGeneratorFixture(map[string]providers.ProviderConfig{
		providers.KindLLM: {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.3},
	}, nil)
	f.cache.hit = true
	f.cache.entry = CacheEntry{
		ResponseText:     "cached answer",
		PromptTokens:     3,
		CompletionTokens: 5,
	}

	reply, msg, err := f.gen.Generate(context.Background(), testAcct(), testConv(), "What Are your HOURS?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reply.FromCache || reply.Text != "cached answer" {
		t.Fatalf("reply = %+v, want cached", reply)
	}
	if len(f.model.requests) != 0 {
		t.Fatalf("model called %d times on cache hit", len(f.model.requests))
	}
	wantHash := QueryHash(NormalizeQuery("What Are your HOURS?"))
	if len(f.cache.hits) != 1 || f.cache.hits[0] != wantHash {
		t.Fatalf("RecordHit calls = %v, want [%s]", f.cache.hits, wantHash)
	}
	if msg.Role != message.RoleBot || msg.Text != "cached answer" {
		t.Fatalf("persisted message = %+v", msg)
	}
	if len(f.memory.saved) != 1 || len(f.memory.saved[0].Entries) != 2 {
		t.Fatalf("memory not updated with the exchange: %+v", f.memory.saved)
	}
}

func TestGenerateCallsModelAndStoresCache(t *testing.T) {
	t.Parallel()

	f := newGeneratorFixture(map[string]providers.ProviderConfig{
		providers.KindLLM:       {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.3, MaxTokens: 256},
		providers.KindEmbedding: {Provider: "openai", Model: "text-embedding-3-small"},
	}, nil)
	f.retriever.chunks = []Chunk{{DocumentID: "doc-1", Content: "We are open 9-5.", Score: 0.91}}

	reply, _, err := f.gen.Generate(context.Background(), testAcct(), testConv(), "what are your hours")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.FromCache {
		t.Fatal("unexpected cache hit")
	}
	if reply.Text != "generated answer" || reply.PromptTokens != 11 || reply.CompletionTokens != 7 {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.RetrievalContext) != 1 || reply.RetrievalContext[0].DocumentID != "doc-1" {
		t.Fatalf("retrieval context = %+v", reply.RetrievalContext)
	}
	if f.retriever.calls != 1 {
		t.Fatalf("retriever calls = %d", f.retriever.calls)
	}
	if len(f.model.requests) != 1 {
		t.Fatalf("model calls = %d", len(f.model.requests))
	}
	req := f.model.requests[0]
	if req.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.3 {
		t.Fatalf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Fatalf("max tokens = %v", req.MaxTokens)
	}
	if len(f.cache.stored) != 1 {
		t.Fatalf("cache stores = %d", len(f.cache.stored))
	}
	stored := f.cache.stored[0]
	if stored.TenantID != "tenant-1" || stored.QueryHash != QueryHash("what are your hours") || stored.ResponseText != "generated answer" {
		t.Fatalf("stored entry = %+v", stored)
	}
}

func TestGenerateCacheLookupErrorDegradesToGeneration(t *testing.T) {
	t.Parallel()

	f := newGeneratorFixture(map[string]providers.ProviderConfig{
		providers.KindLLM: {Provider: "openai", Model: "gpt-4o-mini"},
	}, nil)
	f.cache.lookupErr = errors.New("cache store down")

	reply, _, err := f.gen.Generate(context.Background(), testAcct(), testConv(), "hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.FromCache || reply.Text != "generated answer" {
		t.Fatalf("reply = %+v, want generated", reply)
	}
}

func TestGenerateFallsBackWhenTenantProviderFails(t *testing.T) {
	t.Parallel()

	fallback := &fakeChat{result: chat.Result{Message: chat.Message{Role: chat.RoleAssistant, Content: "fallback answer"}}}
	f := newGeneratorFixture(map[string]providers.ProviderConfig{
		providers.KindLLM: {Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.3},
	}, fallback)
	f.model.err = errors.New("upstream 500")

	reply, _, err := f.gen.Generate(context.Background(), testAcct(), testConv(), "hi")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text != "fallback answer" {
		t.Fatalf("reply text = %q", reply.Text)
	}
	if len(fallback.requests) != 1 {
		t.Fatalf("fallback calls = %d", len(fallback.requests))
	}
	req := fallback.requests[0]
	if req.Model != "" {
		t.Fatalf("fallback request model = %q, want provider default", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Fatalf("fallback temperature = %v, want cap", req.Temperature)
	}
}

func TestGenerateFailsWithoutAnyProvider(t *testing.T) {
	t.Parallel()

	f := newGeneratorFixture(nil, nil)
	if _, _, err := f.gen.Generate(context.Background(), testAcct(), testConv(), "hi"); err == nil {
		t.Fatal("expected error with no configured provider and no fallback")
	}
}

func TestClampTemperature(t *testing.T) {
	t.Parallel()

	g := NewGenerator(nil, &fakeCache{}, &fakeMemory{}, nil, &fakeConfigs{}, &fakeWriter{}, nil, Options{MaxTemperature: 0.6})
	tests := []struct {
		in, want float32
	}{
		{0, 0.6},
		{-1, 0.6},
		{0.4, 0.4},
		{0.6, 0.6},
		{1.5, 0.6},
	}
	for _, tt := range tests {
		if got := g.clampTemperature(tt.in); got != tt.want {
			t.Fatalf("clampTemperature(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTrimEntries(t *testing.T) {
	t.Parallel()

	entries := []MemoryEntry{
		{Role: message.RoleUser, Text: "1"},
		{Role: message.RoleBot, Text: "2"},
		{Role: message.RoleUser, Text: "3"},
		{Role: message.RoleBot, Text: "4"},
	}
	trimmed := TrimEntries(entries, 2)
	if len(trimmed) != 2 || trimmed[0].Text != "3" || trimmed[1].Text != "4" {
		t.Fatalf("TrimEntries = %+v", trimmed)
	}
	if got := TrimEntries(entries, 0); len(got) != 4 {
		t.Fatalf("window 0 should keep all entries, got %d", len(got))
	}
	if got := TrimEntries(entries, 10); len(got) != 4 {
		t.Fatalf("oversized window should keep all entries, got %d", len(got))
	}
}

func TestNormalizeQueryAndHash(t *testing.T) {
	t.Parallel()

	a := NormalizeQuery("  What ARE\tyour\nhours?  ")
	b := NormalizeQuery("what are your hours?")
	if a != b {
		t.Fatalf("normalized forms differ: %q vs %q", a, b)
	}
	if QueryHash(a) != QueryHash(b) {
		t.Fatal("equal normalized queries must hash equal")
	}
	if len(QueryHash(a)) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(QueryHash(a)))
	}
	if QueryHash(a) == QueryHash(a+" extra") {
		t.Fatal("different queries hashed equal")
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	mem := MemoryState{
		Summary: "Customer asked about shipping before.",
		Entries: []MemoryEntry{
			{Role: message.RoleUser, Text: "earlier question"},
			{Role: message.RoleBot, Text: "earlier answer"},
		},
	}
	chunks := []Chunk{{Content: "Shipping takes 3 days."}}

	msgs := BuildPrompt("You are the Acme assistant.", mem, chunks, "where is my order")
	if len(msgs) != 4 {
		t.Fatalf("prompt length = %d, want 4", len(msgs))
	}
	system := msgs[0]
	if system.Role != chat.RoleSystem {
		t.Fatalf("first message role = %q", system.Role)
	}
	for _, want := range []string{"You are the Acme assistant.", "Conversation summary:", "Shipping takes 3 days."} {
		if !strings.Contains(system.Content, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system.Content)
		}
	}
	if msgs[1].Role != chat.RoleUser || msgs[2].Role != chat.RoleAssistant {
		t.Fatalf("memory roles = %q, %q", msgs[1].Role, msgs[2].Role)
	}
	if msgs[3].Role != chat.RoleUser || msgs[3].Content != "where is my order" {
		t.Fatalf("final message = %+v", msgs[3])
	}

	defaulted := BuildPrompt("  ", MemoryState{}, nil, "hi")
	if defaulted[0].Content == "" || strings.Contains(defaulted[0].Content, "Relevant documentation") {
		t.Fatalf("default system prompt wrong: %q", defaulted[0].Content)
	}
}
