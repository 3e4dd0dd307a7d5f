// Package cache stores per-meeting note snapshots in Redis. Clients render
// the cached copy immediately on join, then reconcile against the
// authoritative record; the authoritative copy always wins.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a snapshot outlives its last write. Ended
// meetings are served from Postgres, so stale cache entries only need to
// survive an active session plus some slack.
const DefaultTTL = 24 * time.Hour

// Snapshot is the cached rendering state of one meeting's note.
type Snapshot struct {
	MeetingID    int64           `json:"meeting_id"`
	Title        string          `json:"title"`
	Summary      string          `json:"summary,omitempty"`
	DocumentTree json.RawMessage `json:"document_tree,omitempty"`
	Status       string          `json:"status"`
	StoredAt     time.Time       `json:"stored_at"`
}

// Store is the Redis-backed snapshot cache.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisURL string) (*Store, error) {
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

	return &Store{client: client, ttl: DefaultTTL}, nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, ttl: DefaultTTL}
}

func (s *Store) key(meetingID int64) string {
	return fmt.Sprintf("meeting:notes:%d", meetingID)
}

// Save writes a snapshot, stamping StoredAt and refreshing the TTL.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	snap.StoredAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.MeetingID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the cached snapshot for a meeting. A miss is not an error;
// it is reported through the bool.
func (s *Store) Load(ctx context.Context, meetingID int64) (Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key(meetingID)).Result()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

// Invalidate removes a meeting's cached snapshot. Missing keys are fine.
func (s *Store) Invalidate(ctx context.Context, meetingID int64) error {
	if err := s.client.Del(ctx, s.key(meetingID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
