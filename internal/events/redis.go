package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "osce.runs"

// Redis publishes events on a Redis pub/sub channel.
type Redis struct {
	rdb     *goredis.Client
	channel string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, channel string) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, channel: channel}, nil
}

// Publish sends e to the channel.
func (r *Redis) Publish(ctx context.Context, e Event) error {
	raw, err := Encode(e)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe calls fn for every event received until ctx is done.
// Messages that do not decode are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context, fn func(Event)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, err := Decode([]byte(msg.Payload))
			if err != nil {
				slog.Warn("skipping malformed event", "error", err)
				continue
			}
			fn(e)
		}
	}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
