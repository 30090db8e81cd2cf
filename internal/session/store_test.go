package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store on a local Redis and removes test_* state
// keys before and after the test. Tests using it need Redis on
// localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, StatePrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client)
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t)
	st, err := store.Get(context.Background(), "test_nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil state, got %+v", st)
	}

	app, err := store.AppState(context.Background(), "test_nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if app.Foreground || app.ViewingConversation != "" {
		t.Errorf("missing state should read as backgrounded: %+v", app)
	}
}

func TestForegroundAndViewing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_alice"

	if err := store.SetForeground(ctx, uid, true); err != nil {
		t.Fatalf("SetForeground() error: %v", err)
	}
	if err := store.SetViewing(ctx, uid, "conv-1"); err != nil {
		t.Fatalf("SetViewing() error: %v", err)
	}

	app, err := store.AppState(ctx, uid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !app.Foreground || app.ViewingConversation != "conv-1" {
		t.Errorf("unexpected state: %+v", app)
	}

	ttl := store.client.TTL(ctx, StatePrefix+uid).Val()
	if ttl <= 0 || ttl > StateTTL {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, StateTTL)
	}
}

func TestClearViewing_OnlyMatching(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_bob"

	store.SetViewing(ctx, uid, "conv-2")
	// A stale close for a conversation no longer on screen is ignored.
	if err := store.ClearViewing(ctx, uid, "conv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	app, _ := store.AppState(ctx, uid)
	if app.ViewingConversation != "conv-2" {
		t.Errorf("viewing = %q, want conv-2", app.ViewingConversation)
	}

	if err := store.ClearViewing(ctx, uid, "conv-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	app, _ = store.AppState(ctx, uid)
	if app.ViewingConversation != "" {
		t.Errorf("viewing = %q, want empty", app.ViewingConversation)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.SetForeground(ctx, "test_carol", true)
	if err := store.Delete(ctx, "test_carol"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st, _ := store.Get(ctx, "test_carol"); st != nil {
		t.Errorf("state survived delete: %+v", st)
	}
}
