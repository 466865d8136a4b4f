package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// StreamCursor stores the ingest position of each stream under
// ingest:<stream>:last_id.
type StreamCursor struct {
	c *Client
}

// NewStreamCursor creates a StreamCursor backed by the given Client.
func NewStreamCursor(c *Client) *StreamCursor {
	return &StreamCursor{c: c}
}

func (s *StreamCursor) key(stream string) string {
	return s.c.Key("ingest:" + stream + ":last_id")
}

// Load returns the stored id, or "" when the stream has no cursor yet.
func (s *StreamCursor) Load(ctx context.Context, stream string) (string, error) {
	id, err := s.c.rdb.Get(ctx, s.key(stream)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: load cursor %s: %w", stream, err)
	}
	return id, nil
}

// Save overwrites the stored id. Cursors do not expire.
func (s *StreamCursor) Save(ctx context.Context, stream, id string) error {
	if err := s.c.rdb.Set(ctx, s.key(stream), id, 0).Err(); err != nil {
		return fmt.Errorf("redis: save cursor %s: %w", stream, err)
	}
	return nil
}

var _ domain.StreamCursor = (*StreamCursor)(nil)
