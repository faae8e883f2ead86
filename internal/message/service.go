// Package message persists conversation messages with duplicate suppression.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/relaydesk/relay/internal/db"
)

// DedupWindow bounds how far back the content-hash check looks. The advisory
// lock narrows concurrent duplicates; this catches platform-side redeliveries.
const DedupWindow = 5 * time.Minute

// Service persists and reads conversation messages.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a message service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "message")),
	}
}

// Persist writes a message unless an identical one exists within the dedup
// window, in which case the existing row is returned with created=false.
func (s *Service) Persist(ctx context.Context, input PersistInput) (Message, bool, error) {
	hash := ContentHash(input.ConversationID, input.Role, input.Text, input.SourceTs)

	existing, found, err := s.findByHash(ctx, input.ConversationID, hash)
	if err != nil {
		return Message{}, false, fmt.Errorf("dedup lookup: %w", err)
	}
	if found {
		s.logger.Debug("duplicate message suppressed",
			slog.String("conversation_id", input.ConversationID),
			slog.String("message_id", existing.ID))
		return existing, false, nil
	}

	pgConvID, err := dbpkg.ParseUUID(input.ConversationID)
	if err != nil {
		return Message{}, false, fmt.Errorf("invalid conversation id: %w", err)
	}
	metaBytes, err := json.Marshal(nonNilMap(input.Metadata))
	if err != nil {
		return Message{}, false, fmt.Errorf("marshal message metadata: %w", err)
	}

	msg := Message{
		ConversationID: input.ConversationID,
		Role:           input.Role,
		Text:           input.Text,
		ContentHash:    hash,
		SourceTs:       input.SourceTs,
		Metadata:       nonNilMap(input.Metadata),
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, text, content_hash, source_ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		pgConvID, input.Role, input.Text, hash, input.SourceTs, metaBytes)
	var id pgtype.UUID
	if err := row.Scan(&id, &msg.CreatedAt); err != nil {
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = dbpkg.UUIDString(id)
	return msg, true, nil
}

// AppendDeliveryMetadata merges delivery-confirmation fields into the
// message metadata. The only mutation messages ever receive.
func (s *Service) AppendDeliveryMetadata(ctx context.Context, messageID string, fields map[string]any) error {
	pgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	patch, err := json.Marshal(nonNilMap(fields))
	if err != nil {
		return fmt.Errorf("marshal delivery metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE messages SET metadata = metadata || $2::jsonb WHERE id = $1`, pgID, patch)
	if err != nil {
		return fmt.Errorf("update message metadata: %w", err)
	}
	return nil
}

// Recent returns the most recent limit messages for a conversation,
// oldest first.
func (s *Service) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, text, content_hash, source_ts, metadata, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) latest
		ORDER BY created_at ASC`,
		pgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Service) findByHash(ctx context.Context, conversationID, hash string) (Message, bool, error) {
	pgID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, text, content_hash, source_ts, metadata, created_at
		FROM messages
		WHERE conversation_id = $1 AND content_hash = $2 AND created_at > now() - $3
		ORDER BY created_at DESC LIMIT 1`,
		pgID, hash, DedupWindow)
	if err != nil {
		return Message{}, false, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			msg      Message
			id, conv pgtype.UUID
			metaRaw  []byte
		)
		if err := rows.Scan(&id, &conv, &msg.Role, &msg.Text, &msg.ContentHash, &msg.SourceTs, &metaRaw, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ID = dbpkg.UUIDString(id)
		msg.ConversationID = dbpkg.UUIDString(conv)
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
