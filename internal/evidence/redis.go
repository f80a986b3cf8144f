package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var _ Mirror = (*RedisMirror)(nil)

// DefaultRedisStream is the stream key used when none is configured.
const DefaultRedisStream = "jaga:evidence"

// RedisMirror appends records to a Redis stream. Each entry carries the
// session id and the JSON encoded record.
type RedisMirror struct {
	rdb    *redis.Client
	stream string
}

// NewRedisMirror connects to the Redis server at url and verifies the
// connection. An empty stream selects [DefaultRedisStream].
func NewRedisMirror(ctx context.Context, url, stream string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("evidence redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("evidence redis: ping: %w", err)
	}
	if stream == "" {
		stream = DefaultRedisStream
	}
	return &RedisMirror{rdb: rdb, stream: stream}, nil
}

// Store implements [Mirror].
func (m *RedisMirror) Store(ctx context.Context, sessionID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("evidence redis: marshal: %w", err)
	}
	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		Values: map[string]any{
			"session_id": sessionID,
			"record":     string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("evidence redis: xadd: %w", err)
	}
	return nil
}

// Records reads every entry of the stream that belongs to sessionID, oldest
// first.
func (m *RedisMirror) Records(ctx context.Context, sessionID string) ([]Record, error) {
	msgs, err := m.rdb.XRange(ctx, m.stream, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("evidence redis: xrange: %w", err)
	}
	var out []Record
	for _, msg := range msgs {
		if msg.Values["session_id"] != sessionID {
			continue
		}
		raw, _ := msg.Values["record"].(string)
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("evidence redis: decode %s: %w", msg.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
