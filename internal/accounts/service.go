// Package accounts loads channel accounts and unseals their credentials on
// demand. Plaintext credentials are never persisted or logged.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relay/internal/channel"
	dbpkg "github.com/relaydesk/relay/internal/db"
)

// ErrNotFound is returned when no channel account matches a lookup.
var ErrNotFound = errors.New("channel account not found")

// Service reads channel accounts from Postgres.
type Service struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	logger *slog.Logger
}

// NewService creates an accounts service.
func NewService(log *slog.Logger, pool *pgxpool.Pool, sealer *Sealer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		sealer: sealer,
		logger: log.With(slog.String("service", "accounts")),
	}
}

const accountColumns = `id, tenant_id, platform, display_name, credential_sealed, webhook_secret, auto_bot, attributes`

// Get returns the account with its credential unsealed.
func (s *Service) Get(ctx context.Context, accountID string) (channel.Account, error) {
	pgID, err := dbpkg.ParseUUID(accountID)
	if err != nil {
		return channel.Account{}, fmt.Errorf("invalid account id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM channel_accounts WHERE id = $1`, pgID)
	return s.scanAccount(row)
}

// GetByPlatformRecipient finds the account on a platform whose attributes
// carry the given platform-side recipient id (for example the page id a
// webhook entry addresses).
func (s *Service) GetByPlatformRecipient(ctx context.Context, platform channel.Platform, recipientID string) (channel.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM channel_accounts
		WHERE platform = $1 AND attributes->>'platform_account_id' = $2`,
		platform.String(), recipientID)
	return s.scanAccount(row)
}

func (s *Service) scanAccount(row pgx.Row) (channel.Account, error) {
	var (
		account     channel.Account
		id, tenant  pgtype.UUID
		platform    string
		sealed      []byte
		attrsRaw    []byte
	)
	err := row.Scan(&id, &tenant, &platform, &account.DisplayName, &sealed, &account.WebhookSecret, &account.AutoBot, &attrsRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return channel.Account{}, ErrNotFound
	}
	if err != nil {
		return channel.Account{}, fmt.Errorf("scan channel account: %w", err)
	}
	account.ID = dbpkg.UUIDString(id)
	account.TenantID = dbpkg.UUIDString(tenant)
	account.Platform = channel.Platform(platform)
	if len(attrsRaw) > 0 {
		if err := json.Unmarshal(attrsRaw, &account.Attributes); err != nil {
			return channel.Account{}, fmt.Errorf("decode account attributes: %w", err)
		}
	}
	if len(sealed) > 0 {
		token, err := s.sealer.Unseal(sealed)
		if err != nil {
			return channel.Account{}, fmt.Errorf("unseal credential for account %s: %w", account.ID, err)
		}
		account.AccessToken = token
	}
	return account, nil
}
