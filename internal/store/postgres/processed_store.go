package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// ProcessedStore implements domain.ProcessedStore using PostgreSQL.
type ProcessedStore struct {
	pool *pgxpool.Pool
}

// NewProcessedStore creates a new ProcessedStore backed by the given pool.
func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	return &ProcessedStore{pool: pool}
}

// Mark inserts m; an existing row for the same message is left untouched.
func (s *ProcessedStore) Mark(ctx context.Context, m domain.ProcessedMessage) error {
	const query = `
		INSERT INTO processed_messages
			(channel_id, external_msg_id, message_type, outcome, detail, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, external_msg_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		m.ChannelID, m.ExternalMsgID, m.MessageType, m.Outcome, m.Detail, m.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark message %d:%d: %w", m.ChannelID, m.ExternalMsgID, err)
	}
	return nil
}

// Seen reports whether the message has a recorded outcome.
func (s *ProcessedStore) Seen(ctx context.Context, channelID, externalMsgID int64) (bool, error) {
	const query = `SELECT EXISTS(
		SELECT 1 FROM processed_messages WHERE channel_id = $1 AND external_msg_id = $2)`
	var seen bool
	if err := s.pool.QueryRow(ctx, query, channelID, externalMsgID).Scan(&seen); err != nil {
		return false, fmt.Errorf("postgres: check message %d:%d: %w", channelID, externalMsgID, err)
	}
	return seen, nil
}

var _ domain.ProcessedStore = (*ProcessedStore)(nil)
