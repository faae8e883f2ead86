// Package lock provides short-lived advisory locks keyed by a
// conversation-identity tuple. Acquisition is best effort: a caller that
// cannot win the lock within a bounded wait proceeds anyway, relying on the
// persistence layer's dedup checks for correctness. The lock only narrows the
// window for duplicate work under retried webhook deliveries.
package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the minimal persistence surface the coordinator needs.
type Store interface {
	// TryAcquire attempts a compare-and-set acquire of key for holder until
	// expiry. It reports whether the acquire won.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release clears the lock only if holder still owns it.
	Release(ctx context.Context, key, holder string) error
}

// Coordinator serializes processing units per conversation identity.
type Coordinator struct {
	store        Store
	logger       *slog.Logger
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewCoordinator creates a lock coordinator over the given store.
func NewCoordinator(log *slog.Logger, store Store) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:        store,
		logger:       log.With(slog.String("service", "lock")),
		pollInterval: 100 * time.Millisecond,
		maxWait:      2 * time.Second,
	}
}

// WithLock runs fn while best-effort holding the lock for key. When the lock
// cannot be acquired within the bounded wait, fn runs anyway. A failing lock
// store never fails the caller; it degrades to running fn unlocked.
func (c *Coordinator) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	holder := uuid.NewString()
	acquired, err := c.acquireWithWait(ctx, key, holder, ttl)
	if err != nil {
		c.logger.Warn("lock store unavailable, proceeding without lock",
			slog.String("key", key), slog.Bool("degraded", true), slog.Any("error", err))
		return fn(ctx)
	}
	if !acquired {
		c.logger.Warn("lock not acquired within wait, proceeding",
			slog.String("key", key))
		return fn(ctx)
	}
	defer func() {
		// Conditional release: a slow holder must not clear a newer
		// holder's lock after TTL-driven reacquisition.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := c.store.Release(releaseCtx, key, holder); err != nil {
			c.logger.Warn("lock release failed", slog.String("key", key), slog.Any("error", err))
		}
	}()
	return fn(ctx)
}

func (c *Coordinator) acquireWithWait(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	deadline := time.Now().Add(c.maxWait)
	for {
		ok, err := c.store.TryAcquire(ctx, key, holder, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// PGStore implements Store on the advisory_locks table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed lock store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// TryAcquire wins when the key is absent or its previous holder expired.
func (s *PGStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var won string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO advisory_locks (key, holder, expires_at)
		VALUES ($1, $2, now() + $3)
		ON CONFLICT (key) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE advisory_locks.expires_at < now()
		RETURNING holder`,
		key, holder, ttl).Scan(&won)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return won == holder, nil
}

// Release deletes the lock row only when holder still owns it.
func (s *PGStore) Release(ctx context.Context, key, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM advisory_locks WHERE key = $1 AND holder = $2`, key, holder)
	return err
}

// SweepExpired removes expired lock rows. Called by the cron sweeper.
func (s *PGStore) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM advisory_locks WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
