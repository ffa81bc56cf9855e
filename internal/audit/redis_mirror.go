package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream entries are mirrored to.
const DefaultStream = "acp:audit"

// StreamAdder is the slice of go-redis the mirror needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisMirror copies audit entries onto a Redis stream so other services can
// follow the buyer's activity. The CSV store stays the system of record.
type RedisMirror struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	closer  func() error
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client StreamAdder, stream string) *RedisMirror {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisMirror{
		client:  client,
		stream:  stream,
		maxLen:  100000,
		timeout: 2 * time.Second,
	}
}

// DialRedisMirror connects to addr and verifies the connection with PING.
func DialRedisMirror(ctx context.Context, addr, password string, db int, stream string) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis audit mirror connected", "addr", addr, "db", db, "stream", stream)
	m := NewRedisMirror(rdb, stream)
	m.closer = rdb.Close
	return m, nil
}

// Mirror appends e to the stream.
func (m *RedisMirror) Mirror(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"timestamp": e.Timestamp.UTC().Format(TimeLayout),
			"action":    e.Action,
			"job_id":    e.SubjectID,
			"status":    string(e.Status),
			"details":   e.Details,
		},
	}).Err()
}

// Close releases the client when the mirror dialed it itself.
func (m *RedisMirror) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}
