package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestPreferences(t *testing.T) *RedisPreferences {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, PrefsPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRedisPreferences(client)
}

func TestPreferencesDefaults(t *testing.T) {
	p := DefaultPreferences()
	if !p.Allows(KindMessage) || !p.Allows(KindMatch) || p.Allows(KindTyping) {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if p.Location() != time.UTC {
		t.Error("empty zone should be UTC")
	}
	p.TimeZone = "Not/AZone"
	if p.Location() != time.UTC {
		t.Error("unknown zone should fall back to UTC")
	}
}

func TestRedisPreferences_SaveAndLoad(t *testing.T) {
	prefs := newTestPreferences(t)
	ctx := context.Background()

	got, err := prefs.Preferences(ctx, "test_new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Messages || got.QuietHours != nil {
		t.Errorf("missing user should get defaults: %+v", got)
	}

	want := Preferences{
		Messages:   false,
		Matches:    true,
		TimeZone:   "Europe/Berlin",
		QuietHours: &QuietHours{Start: "22:00", End: "08:00"},
	}
	if err := prefs.Save(ctx, "test_bob", want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err = prefs.Preferences(ctx, "test_bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Messages || !got.Matches || got.TimeZone != "Europe/Berlin" {
		t.Errorf("unexpected preferences: %+v", got)
	}
	if got.QuietHours == nil || *got.QuietHours != *want.QuietHours {
		t.Errorf("quiet hours = %+v", got.QuietHours)
	}
}
