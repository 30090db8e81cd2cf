package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind is the notification category a preference flag controls.
type Kind string

const (
	KindMessage Kind = "message"
	KindMatch   Kind = "match"
	KindTyping  Kind = "typing"
)

// Preferences are a recipient's notification settings.
type Preferences struct {
	Messages   bool
	Matches    bool
	Typing     bool
	QuietHours *QuietHours
	TimeZone   string // IANA name; empty means UTC
}

// DefaultPreferences is what a user who never touched the settings gets.
func DefaultPreferences() Preferences {
	return Preferences{Messages: true, Matches: true}
}

// Allows reports whether notifications of kind are enabled.
func (p Preferences) Allows(kind Kind) bool {
	switch kind {
	case KindMessage:
		return p.Messages
	case KindMatch:
		return p.Matches
	case KindTyping:
		return p.Typing
	}
	return false
}

// Location resolves the time zone, falling back to UTC.
func (p Preferences) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PreferenceSource looks up a recipient's preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}

// PrefsPrefix is the Redis key prefix for preference hashes.
const PrefsPrefix = "notif_prefs:"

// RedisPreferences keeps preferences in Redis hashes.
type RedisPreferences struct {
	client *redis.Client
}

// NewRedisPreferences creates a preference source on an existing client.
func NewRedisPreferences(client *redis.Client) *RedisPreferences {
	return &RedisPreferences{client: client}
}

// Preferences returns the stored preferences, or the defaults when the user
// has none.
func (r *RedisPreferences) Preferences(ctx context.Context, userID string) (Preferences, error) {
	vals, err := r.client.HGetAll(ctx, PrefsPrefix+userID).Result()
	if err != nil {
		return DefaultPreferences(), fmt.Errorf("notify: load preferences %s: %w", userID, err)
	}
	p := DefaultPreferences()
	if len(vals) == 0 {
		return p, nil
	}
	p.Messages = flag(vals["messages"], p.Messages)
	p.Matches = flag(vals["matches"], p.Matches)
	p.Typing = flag(vals["typing"], p.Typing)
	p.TimeZone = vals["tz"]
	if start, end := vals["quiet_start"], vals["quiet_end"]; start != "" && end != "" {
		p.QuietHours = &QuietHours{Start: start, End: end}
	}
	return p, nil
}

// Save writes preferences for userID.
func (r *RedisPreferences) Save(ctx context.Context, userID string, p Preferences) error {
	fields := map[string]interface{}{
		"messages":    strconv.FormatBool(p.Messages),
		"matches":     strconv.FormatBool(p.Matches),
		"typing":      strconv.FormatBool(p.Typing),
		"tz":          p.TimeZone,
		"quiet_start": "",
		"quiet_end":   "",
	}
	if p.QuietHours != nil {
		fields["quiet_start"] = p.QuietHours.Start
		fields["quiet_end"] = p.QuietHours.End
	}
	if err := r.client.HSet(ctx, PrefsPrefix+userID, fields).Err(); err != nil {
		return fmt.Errorf("notify: save preferences %s: %w", userID, err)
	}
	return nil
}

func flag(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
