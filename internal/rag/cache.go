package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/relaydesk/relay/internal/db"
)

// Cache stores generated replies keyed by (tenant, query hash). Entries are
// never actively expired here; eviction, if any, is external.
type Cache interface {
	Lookup(ctx context.Context, tenantID, queryHash string) (CacheEntry, bool, error)
	// RecordHit increments the hit count and refreshes recency.
	RecordHit(ctx context.Context, tenantID, queryHash string) error
	Store(ctx context.Context, entry CacheEntry) error
}

// PGCache implements Cache on the reply_cache table.
type PGCache struct {
	pool *pgxpool.Pool
}

// NewPGCache creates a Postgres-backed reply cache.
func NewPGCache(pool *pgxpool.Pool) *PGCache {
	return &PGCache{pool: pool}
}

func (c *PGCache) Lookup(ctx context.Context, tenantID, queryHash string) (CacheEntry, bool, error) {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("invalid tenant id: %w", err)
	}
	entry := CacheEntry{TenantID: tenantID, QueryHash: queryHash}
	var contextRaw []byte
	err = c.pool.QueryRow(ctx, `
		SELECT response_text, retrieval_context, prompt_tokens, completion_tokens, hit_count, last_used_at
		FROM reply_cache
		WHERE tenant_id = $1 AND query_hash = $2`,
		pgTenant, queryHash).Scan(
		&entry.ResponseText, &contextRaw, &entry.PromptTokens,
		&entry.CompletionTokens, &entry.HitCount, &entry.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &entry.RetrievalContext); err != nil {
			return CacheEntry{}, false, fmt.Errorf("decode retrieval context: %w", err)
		}
	}
	return entry, true, nil
}

func (c *PGCache) RecordHit(ctx context.Context, tenantID, queryHash string) error {
	pgTenant, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		UPDATE reply_cache
		SET hit_count = hit_count + 1, last_used_at = now()
		WHERE tenant_id = $1 AND query_hash = $2`,
		pgTenant, queryHash)
	if err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

func (c *PGCache) Store(ctx context.Context, entry CacheEntry) error {
	pgTenant, err := dbpkg.ParseUUID(entry.TenantID)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	contextBytes, err := json.Marshal(entry.RetrievalContext)
	if err != nil {
		return fmt.Errorf("marshal retrieval context: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO reply_cache (tenant_id, query_hash, response_text, retrieval_context, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, query_hash) DO UPDATE
		SET response_text = EXCLUDED.response_text,
		    retrieval_context = EXCLUDED.retrieval_context,
		    prompt_tokens = EXCLUDED.prompt_tokens,
		    completion_tokens = EXCLUDED.completion_tokens,
		    last_used_at = now()`,
		pgTenant, entry.QueryHash, entry.ResponseText, contextBytes,
		entry.PromptTokens, entry.CompletionTokens)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return nil
}
