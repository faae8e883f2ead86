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

// Memory loads and saves the short-term memory window per conversation.
type Memory interface {
	Load(ctx context.Context, conversationID string) (MemoryState, error)
	Save(ctx context.Context, conversationID string, state MemoryState) error
}

// TrimEntries truncates entries to the most recent window, keeping order.
func TrimEntries(entries []MemoryEntry, window int) []MemoryEntry {
	if window <= 0 || len(entries) <= window {
		return entries
	}
	return entries[len(entries)-window:]
}

// PGMemory implements Memory on the conversation_memory table.
type PGMemory struct {
	pool *pgxpool.Pool
}

// NewPGMemory creates a Postgres-backed memory store.
func NewPGMemory(pool *pgxpool.Pool) *PGMemory {
	return &PGMemory{pool: pool}
}

func (m *PGMemory) Load(ctx context.Context, conversationID string) (MemoryState, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return MemoryState{}, fmt.Errorf("invalid conversation id: %w", err)
	}
	var (
		entriesRaw []byte
		state      MemoryState
	)
	err = m.pool.QueryRow(ctx, `
		SELECT entries, summary FROM conversation_memory WHERE conversation_id = $1`,
		pgID).Scan(&entriesRaw, &state.Summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemoryState{}, nil
	}
	if err != nil {
		return MemoryState{}, fmt.Errorf("load conversation memory: %w", err)
	}
	if len(entriesRaw) > 0 {
		if err := json.Unmarshal(entriesRaw, &state.Entries); err != nil {
			return MemoryState{}, fmt.Errorf("decode memory entries: %w", err)
		}
	}
	return state, nil
}

func (m *PGMemory) Save(ctx context.Context, conversationID string, state MemoryState) error {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	entriesBytes, err := json.Marshal(state.Entries)
	if err != nil {
		return fmt.Errorf("marshal memory entries: %w", err)
	}
	_, err = m.pool.Exec(ctx, `
		INSERT INTO conversation_memory (conversation_id, entries, summary, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id) DO UPDATE
		SET entries = EXCLUDED.entries, summary = EXCLUDED.summary, updated_at = now()`,
		pgID, entriesBytes, state.Summary)
	if err != nil {
		return fmt.Errorf("save conversation memory: %w", err)
	}
	return nil
}
