// Package providers resolves tenant LLM and embedding provider
// configurations.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relay/internal/accounts"
	dbpkg "github.com/relaydesk/relay/internal/db"
)

// ErrNotFound is returned when a tenant has no provider config of the
// requested kind.
var ErrNotFound = errors.New("provider config not found")

// Service reads provider configs from Postgres.
type Service struct {
	pool   *pgxpool.Pool
	sealer *accounts.Sealer
	logger *slog.Logger
}

// NewService creates a providers service.
func NewService(log *slog.Logger, pool *pgxpool.Pool, sealer *accounts.Sealer) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		sealer: sealer,
		logger: log.With(slog.String("service", "providers")),
	}
}

// ResolveForTenant returns the tenant's default config of the given kind,
// falling back to any config of that kind the tenant has.
func (s *Service) ResolveForTenant(ctx context.Context, tenantID, kind string) (ProviderConfig, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, kind, provider, model, api_key_sealed, base_url, temperature, max_tokens, is_default
		FROM provider_configs
		WHERE tenant_id = $1 AND kind = $2
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1`,
		pgTenant, kind)
	return s.scanConfig(row)
}

func (s *Service) scanConfig(row pgx.Row) (ProviderConfig, error) {
	var (
		cfg        ProviderConfig
		id, tenant pgtype.UUID
		sealed     []byte
	)
	err := row.Scan(&id, &tenant, &cfg.Kind, &cfg.Provider, &cfg.Model, &sealed,
		&cfg.BaseURL, &cfg.Temperature, &cfg.MaxTokens, &cfg.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProviderConfig{}, ErrNotFound
	}
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("scan provider config: %w", err)
	}
	cfg.ID = dbpkg.UUIDString(id)
	cfg.TenantID = dbpkg.UUIDString(tenant)
	if len(sealed) > 0 {
		key, err := s.sealer.Unseal(sealed)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("unseal api key for config %s: %w", cfg.ID, err)
		}
		cfg.APIKey = key
	}
	return cfg, nil
}
