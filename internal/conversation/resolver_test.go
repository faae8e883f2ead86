package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/relaydesk/relay/internal/channel"
	"github.com/relaydesk/relay/internal/message"
)

type fakeStore struct {
	live       []Conversation
	created    []Conversation
	migrations []string // "convID->newExternalID"
	touched    []string
	nextID     int
}

func (s *fakeStore) FindLive(_ context.Context, accountID, externalID string) (Conversation, error) {
	for _, conv := range s.live {
		if conv.AccountID == accountID && conv.ExternalID == externalID && conv.Status != StatusClosed {
			return conv, nil
		}
	}
	return Conversation{}, ErrNotFound
}

func (s *fakeStore) ListLive(_ context.Context, accountID string) ([]Conversation, error) {
	var out []Conversation
	for _, conv := range s.live {
		if conv.AccountID == accountID && conv.Status != StatusClosed {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *fakeStore) Create(_ context.Context, conv Conversation) (Conversation, bool, error) {
	s.nextID++
	conv.ID = fmt.Sprintf("conv-%d", s.nextID)
	conv.CreatedAt = time.Now()
	s.live = append(s.live, conv)
	s.created = append(s.created, conv)
	return conv, true, nil
}

func (s *fakeStore) MigrateExternalID(_ context.Context, conversationID, newExternalID string, _ IdentifierChange) error {
	for i := range s.live {
		if s.live[i].ID == conversationID {
			s.live[i].ExternalID = newExternalID
			s.migrations = append(s.migrations, conversationID+"->"+newExternalID)
			return nil
		}
	}
	return ErrNotFound
}

func (s *fakeStore) TouchLastMessage(_ context.Context, conversationID string, _ time.Time) error {
	s.touched = append(s.touched, conversationID)
	return nil
}

func (s *fakeStore) Get(_ context.Context, conversationID string) (Conversation, error) {
	for _, conv := range s.live {
		if conv.ID == conversationID {
			return conv, nil
		}
	}
	return Conversation{}, ErrNotFound
}

func (s *fakeStore) SetStatus(_ context.Context, conversationID string, status Status) error {
	for i := range s.live {
		if s.live[i].ID == conversationID {
			s.live[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}

type fakeMessages struct {
	persisted []message.PersistInput
	duplicate bool
}

func (m *fakeMessages) Persist(_ context.Context, input message.PersistInput) (message.Message, bool, error) {
	m.persisted = append(m.persisted, input)
	return message.Message{
		ID:             fmt.Sprintf("msg-%d", len(m.persisted)),
		ConversationID: input.ConversationID,
		Role:           input.Role,
		Text:           input.Text,
	}, !m.duplicate, nil
}

type fakeProfiles struct {
	profile Profile
	err     error
}

func (p *fakeProfiles) FetchProfile(context.Context, channel.Account, string) (Profile, error) {
	return p.profile, p.err
}

var testAccount = channel.Account{
	ID:       "acct-1",
	TenantID: "tenant-1",
	Platform: channel.PlatformPage,
	AutoBot:  true,
}

func TestResolveCreatesConversationForNewSender(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	msgs := &fakeMessages{}
	r := NewResolver(nil, store, msgs, &fakeProfiles{profile: Profile{Name: "Ada"}})

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID:    "psid-1",
		RecipientID: "page-1",
		TimestampMs: 1700000000000,
		Kind:        channel.KindMessage,
		Text:        "Hi",
	}, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.ConversationCreated || res.Strategy != MatchCreate {
		t.Fatalf("expected created conversation, got %+v", res)
	}
	if res.Conversation.ExternalID != "psid-1" || res.Conversation.Status != StatusOpen {
		t.Fatalf("unexpected conversation %+v", res.Conversation)
	}
	if !res.Conversation.AutoBot {
		t.Fatal("auto_bot must be inherited from the account")
	}
	if !res.MessageCreated || res.Message.Role != message.RoleUser || res.Message.Text != "Hi" {
		t.Fatalf("unexpected message %+v", res.Message)
	}
	if len(store.touched) != 1 {
		t.Fatal("expected last_message_at touch")
	}
	profile, ok := res.Conversation.Metadata["profile"].(Profile)
	if !ok || profile.Name != "Ada" {
		t.Fatalf("expected fetched profile in metadata, got %+v", res.Conversation.Metadata)
	}
}

func TestResolveExactMatchReusesThread(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{{
		ID: "conv-9", AccountID: "acct-1", ExternalID: "psid-1", Status: StatusOpen,
	}}}
	msgs := &fakeMessages{}
	r := NewResolver(nil, store, msgs, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "psid-1", Text: "again", Kind: channel.KindMessage,
	}, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Strategy != MatchExact || res.ConversationCreated {
		t.Fatalf("expected exact match, got %+v", res)
	}
	if res.Conversation.ID != "conv-9" {
		t.Fatalf("unexpected conversation %s", res.Conversation.ID)
	}
	if len(store.created) != 0 {
		t.Fatal("must not create a second conversation")
	}
}

// A closed thread never reopens: the same identity gets a fresh conversation.
func TestResolveClosedConversationStartsNew(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{{
		ID: "conv-old", AccountID: "acct-1", ExternalID: "psid-1", Status: StatusClosed,
	}}}
	r := NewResolver(nil, store, &fakeMessages{}, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "psid-1", Text: "back again", Kind: channel.KindMessage,
	}, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.ConversationCreated {
		t.Fatal("expected a new conversation for a closed identity")
	}
	if res.Conversation.ID == "conv-old" {
		t.Fatal("closed conversation must not be reused")
	}
}

func TestResolveSuffixMigration(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{{
		ID: "conv-1", AccountID: "acct-1", ExternalID: "old-89347621", Status: StatusOpen,
	}}}
	msgs := &fakeMessages{}
	r := NewResolver(nil, store, msgs, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "new-55557621", Text: "same person, new id", Kind: channel.KindMessage,
	}, true)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Strategy != MatchSuffix || res.ConversationCreated {
		t.Fatalf("expected suffix migration, got %+v", res)
	}
	if res.Conversation.ExternalID != "new-55557621" {
		t.Fatalf("external id not migrated: %q", res.Conversation.ExternalID)
	}
	if len(store.migrations) != 1 || store.migrations[0] != "conv-1->new-55557621" {
		t.Fatalf("unexpected migrations %+v", store.migrations)
	}
	history, ok := res.Conversation.Metadata["identifier_history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("expected one identifier history entry, got %+v", res.Conversation.Metadata)
	}
	entry := history[0].(map[string]any)
	if entry["old"] != "old-89347621" {
		t.Fatalf("unexpected history entry %+v", entry)
	}
}

// lateMigrationStore hides the suffix candidate until the second heuristics
// scan, modeling a thread another worker migrated mid-resolution.
type lateMigrationStore struct {
	*fakeStore
	listCalls int
}

func (s *lateMigrationStore) ListLive(ctx context.Context, accountID string) ([]Conversation, error) {
	s.listCalls++
	if s.listCalls == 1 {
		return nil, nil
	}
	return s.fakeStore.ListLive(ctx, accountID)
}

func TestResolveRecheckCatchesConcurrentMigration(t *testing.T) {
	t.Parallel()

	store := &lateMigrationStore{fakeStore: &fakeStore{live: []Conversation{{
		ID: "conv-1", AccountID: "acct-1", ExternalID: "old-89347621", Status: StatusOpen,
	}}}}
	r := NewResolver(nil, store, &fakeMessages{}, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "new-55557621", Text: "still me", Kind: channel.KindMessage,
	}, true)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Strategy != MatchSuffix || res.ConversationCreated {
		t.Fatalf("expected suffix migration on re-check, got %+v", res)
	}
	if len(store.created) != 0 {
		t.Fatal("re-check must prevent a duplicate conversation")
	}
	if len(store.migrations) != 1 || store.migrations[0] != "conv-1->new-55557621" {
		t.Fatalf("unexpected migrations %+v", store.migrations)
	}
	if store.listCalls != 2 {
		t.Fatalf("listCalls = %d, want heuristics to run again before create", store.listCalls)
	}
}

// Two candidates sharing the suffix is ambiguous; merging the wrong customers'
// histories is worse than a duplicate thread.
func TestResolveAmbiguousSuffixCreatesNew(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{
		{ID: "conv-1", AccountID: "acct-1", ExternalID: "aaa-7621", Status: StatusOpen},
		{ID: "conv-2", AccountID: "acct-1", ExternalID: "bbb-7621", Status: StatusOpen},
	}}
	r := NewResolver(nil, store, &fakeMessages{}, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "ccc-7621", Text: "hello", Kind: channel.KindMessage,
	}, true)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.ConversationCreated || res.Strategy != MatchCreate {
		t.Fatalf("expected new conversation on ambiguity, got %+v", res)
	}
	if len(store.migrations) != 0 {
		t.Fatal("must not migrate on ambiguous match")
	}
}

func TestResolveProfileUsernameMigration(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{{
		ID: "conv-1", AccountID: "acct-1", ExternalID: "ig-1", Status: StatusOpen,
		Metadata: map[string]any{"profile": map[string]any{"username": "ada_l"}},
	}}}
	r := NewResolver(nil, store, &fakeMessages{}, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "ada_l", Text: "hi again", Kind: channel.KindMessage,
	}, true)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res.Strategy != MatchProfile {
		t.Fatalf("expected profile match, got %+v", res)
	}
}

func TestResolveNoHeuristicsWhenPlatformStable(t *testing.T) {
	t.Parallel()

	store := &fakeStore{live: []Conversation{{
		ID: "conv-1", AccountID: "acct-1", ExternalID: "old-89347621", Status: StatusOpen,
	}}}
	r := NewResolver(nil, store, &fakeMessages{}, nil)

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "new-55557621", Text: "hello", Kind: channel.KindMessage,
	}, false)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !res.ConversationCreated {
		t.Fatal("stable-identifier platforms must not run reassignment heuristics")
	}
}

func TestResolveProfileFetchFailureUsesPlaceholder(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := NewResolver(nil, store, &fakeMessages{}, &fakeProfiles{err: errors.New("api down")})

	res, err := r.Resolve(context.Background(), testAccount, channel.InboundEvent{
		SenderID: "psid-1", Text: "Hi", Kind: channel.KindMessage,
	}, false)
	if err != nil {
		t.Fatalf("resolve must not fail on profile errors: %v", err)
	}
	profile, _ := res.Conversation.Metadata["profile"].(Profile)
	if profile != (Profile{}) {
		t.Fatalf("expected placeholder profile, got %+v", profile)
	}
}

func TestSameSuffix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{a: "abcd1234", b: "zzzz1234", want: true},
		{a: "abcd1234", b: "zzzz9999", want: false},
		{a: "same", b: "same", want: false},
		{a: "abc", b: "zbc", want: false},
		{a: "", b: "1234", want: false},
	}
	for _, tc := range cases {
		if got := sameSuffix(tc.a, tc.b); got != tc.want {
			t.Fatalf("sameSuffix(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	if _, err := ParseStatus("open"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseStatus("archived"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}
