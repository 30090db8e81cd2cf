package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// Retention keeps last_seen around long after a user goes quiet, so
	// "last seen 3 days ago" still renders. Online-ness itself is decided by
	// the store's TTL, not by key expiry.
	Retention = 7 * 24 * time.Hour
)

// redisRecord is the hash layout of a presence key.
type redisRecord struct {
	UserID   string `redis:"user_id"`
	IsOnline bool   `redis:"is_online"`
	LastSeen int64  `redis:"last_seen"` // unix milliseconds
}

// RedisBackend stores presence records as Redis hashes.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisBackend creates a presence backend on an existing Redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

// GetProfilesPresence fetches all requested users in one pipeline. Users
// with no hash are omitted from the result.
func (b *RedisBackend) GetProfilesPresence(ctx context.Context, userIDs []string) ([]Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, KeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence: redis pipeline: %w", err)
	}

	out := make([]Record, 0, len(userIDs))
	for _, cmd := range cmds {
		var rr redisRecord
		if err := cmd.Scan(&rr); err != nil {
			return nil, fmt.Errorf("presence: scan: %w", err)
		}
		if rr.UserID == "" {
			continue // not found
		}
		out = append(out, Record{
			UserID:   rr.UserID,
			IsOnline: rr.IsOnline,
			LastSeen: time.UnixMilli(rr.LastSeen),
		})
	}
	return out, nil
}

// SetOwnPresence writes the user's presence and stamps last_seen.
func (b *RedisBackend) SetOwnPresence(ctx context.Context, userID string, online bool) error {
	_, err := b.Write(ctx, userID, online)
	return err
}

// Write stores the record and returns what was written.
func (b *RedisBackend) Write(ctx context.Context, userID string, online bool) (Record, error) {
	rec := Record{UserID: userID, IsOnline: online, LastSeen: b.now()}
	key := KeyPrefix + userID

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key,
		"user_id", userID,
		"is_online", online,
		"last_seen", rec.LastSeen.UnixMilli(),
	)
	pipe.Expire(ctx, key, Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("presence: write %s: %w", userID, err)
	}
	return rec, nil
}
