package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relay/internal/channel"
	dbpkg "github.com/relaydesk/relay/internal/db"
)

// ErrNotFound is returned when no conversation matches a lookup.
var ErrNotFound = errors.New("conversation not found")

// Store is the conversation persistence surface consumed by the resolver.
type Store interface {
	// FindLive returns the non-closed conversation with an exact
	// (account, external id) match.
	FindLive(ctx context.Context, accountID, externalID string) (Conversation, error)
	// ListLive returns all non-closed conversations on the account.
	ListLive(ctx context.Context, accountID string) ([]Conversation, error)
	// Create inserts a new conversation; when the live-identity unique index
	// rejects it, the concurrently created winner is returned instead with
	// created=false.
	Create(ctx context.Context, conv Conversation) (Conversation, bool, error)
	// MigrateExternalID rewrites a conversation's external id and appends the
	// old value to the identifier-history metadata log.
	MigrateExternalID(ctx context.Context, conversationID, newExternalID string, change IdentifierChange) error
	// TouchLastMessage bumps last_message_at.
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error
	// Get returns a conversation by id.
	Get(ctx context.Context, conversationID string) (Conversation, error)
	// SetStatus transitions the conversation status.
	SetStatus(ctx context.Context, conversationID string, status Status) error
}

const conversationColumns = `id, tenant_id, account_id, platform, external_id, status, auto_bot, metadata, last_message_at, created_at`

// PGStore implements Store on the conversations table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed conversation store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) FindLive(ctx context.Context, accountID, externalID string) (Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid account id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = $1 AND external_id = $2 AND status <> 'closed'`,
		pgAccount, externalID)
	return scanConversation(row)
}

func (s *PGStore) ListLive(ctx context.Context, accountID string) ([]Conversation, error) {
	pgAccount, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE account_id = $1 AND status <> 'closed'
		ORDER BY last_message_at DESC NULLS LAST`,
		pgAccount)
	if err != nil {
		return nil, fmt.Errorf("query live conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *PGStore) Create(ctx context.Context, conv Conversation) (Conversation, bool, error) {
	pgTenant, err := dbpkg.ParseUUID(conv.TenantID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid tenant id: %w", err)
	}
	pgAccount, err := dbpkg.ParseUUID(conv.AccountID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("invalid account id: %w", err)
	}
	metaBytes, err := json.Marshal(nonNilMeta(conv.Metadata))
	if err != nil {
		return Conversation{}, false, fmt.Errorf("marshal conversation metadata: %w", err)
	}
	status := conv.Status
	if status == "" {
		status = StatusOpen
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, account_id, platform, external_id, status, auto_bot, metadata, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+conversationColumns,
		pgTenant, pgAccount, conv.Platform.String(), conv.ExternalID, string(status),
		conv.AutoBot, metaBytes, dbpkg.Timestamptz(conv.LastMessageAt))
	created, err := scanConversation(row)
	if err == nil {
		return created, true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Lost the race on the live-identity index: use the winner.
		winner, ferr := s.FindLive(ctx, conv.AccountID, conv.ExternalID)
		if ferr != nil {
			return Conversation{}, false, fmt.Errorf("re-fetch conflict winner: %w", ferr)
		}
		return winner, false, nil
	}
	return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
}

func (s *PGStore) MigrateExternalID(ctx context.Context, conversationID, newExternalID string, change IdentifierChange) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	changeBytes, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal identifier change: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations
		SET external_id = $2,
		    metadata = jsonb_set(metadata, '{identifier_history}',
		        COALESCE(metadata->'identifier_history', '[]'::jsonb) || $3::jsonb),
		    updated_at = now()
		WHERE id = $1`,
		pgID, newExternalID, changeBytes)
	if err != nil {
		return fmt.Errorf("migrate external id: %w", err)
	}
	return nil
}

func (s *PGStore) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET last_message_at = $2, updated_at = now() WHERE id = $1`,
		pgID, dbpkg.Timestamptz(at))
	return err
}

func (s *PGStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, pgID)
	return scanConversation(row)
}

func (s *PGStore) SetStatus(ctx context.Context, conversationID string, status Status) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1`,
		pgID, string(status))
	return err
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv                  Conversation
		id, tenant, account   pgtype.UUID
		platform, status      string
		metaRaw               []byte
		lastMessageAt, created pgtype.Timestamptz
	)
	err := row.Scan(&id, &tenant, &account, &platform, &status, &conv.AutoBot, &metaRaw, &lastMessageAt, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conv.ID = dbpkg.UUIDString(id)
	conv.TenantID = dbpkg.UUIDString(tenant)
	conv.AccountID = dbpkg.UUIDString(account)
	conv.Platform = channel.Platform(platform)
	conv.Status = Status(status)
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &conv.Metadata); err != nil {
			return Conversation{}, fmt.Errorf("decode conversation metadata: %w", err)
		}
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = lastMessageAt.Time
	}
	if created.Valid {
		conv.CreatedAt = created.Time
	}
	return conv, nil
}

func nonNilMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
