package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends changes to a redis stream.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedis creates a sink on client. maxLen trims the stream approximately
// (0 = no trimming).
func NewRedis(client *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedis connects to addr and verifies it with a ping.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Write adds one stream entry per change in a single pipeline.
func (s *RedisSink) Write(ctx context.Context, changes []Change) error {
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, c := range changes {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.stream,
				MaxLen: s.maxLen,
				Approx: s.maxLen > 0,
				Values: streamFields(c),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func streamFields(c Change) []any {
	commitTs := ""
	if !c.CommitTimestamp.IsZero() {
		commitTs = c.CommitTimestamp.Format(time.RFC3339Nano)
	}
	return []any{
		"id", c.ID.String(),
		"topic", c.Topic,
		"schema", c.Schema,
		"table", c.Table,
		"type", c.Type,
		"commit_timestamp", commitTs,
		"record", string(c.Record),
		"old_record", string(c.OldRecord),
		"received_at", c.ReceivedAt.Format(time.RFC3339Nano),
	}
}
