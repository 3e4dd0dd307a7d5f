package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const busPattern = "huddle:room:*"

// RedisBus relays room events across API instances through Redis pub/sub.
// Each room maps to its own channel so instances only deserialize traffic
// they can deliver.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBus{client: client}, nil
}

// NewRedisBusWithClient creates a bus from an existing Redis client.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func channelFor(roomID string) string {
	return "huddle:room:" + roomID
}

// Publish pushes an event onto its room's channel. Failures are reported as
// ErrConnection so callers know a retry may succeed.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.Room), data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", ErrConnection, err)
	}
	return nil
}

// Run subscribes to all room channels and feeds received events to deliver
// until ctx is canceled.
func (b *RedisBus) Run(ctx context.Context, deliver func(Event)) error {
	sub := b.client.PSubscribe(ctx, busPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: subscription closed", ErrConnection)
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				// Malformed payloads are dropped; one bad message must
				// not take the bus down.
				continue
			}
			deliver(ev)
		}
	}
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Ping checks if Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
