package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, KeyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRedisBackend(client)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()
	fixed := time.UnixMilli(time.Now().UnixMilli())
	b.now = func() time.Time { return fixed }

	if err := b.SetOwnPresence(ctx, "test_alice", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	recs, err := b.GetProfilesPresence(ctx, []string{"test_alice", "test_nobody"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	if !recs[0].IsOnline || !recs[0].LastSeen.Equal(fixed) {
		t.Errorf("unexpected record: %+v", recs[0])
	}
}

func TestRedisBackendFeedsStore(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()
	if err := b.SetOwnPresence(ctx, "test_bob", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := NewStore(b, DefaultConfig(), nil, nil)
	defer s.Close()
	if _, st := s.Lookup(ctx, "test_bob"); st != StateOnline {
		t.Errorf("state = %s, want online", st)
	}

	if err := b.SetOwnPresence(ctx, "test_bob", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A cached online record is served without a poll; a new store sees
	// the write.
	fresh := NewStore(b, DefaultConfig(), nil, nil)
	defer fresh.Close()
	if _, st := fresh.Lookup(ctx, "test_bob"); st != StateOffline {
		t.Errorf("state = %s, want offline", st)
	}
}
