package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amora/chat-core/internal/notify"
)

const (
	// StatePrefix is the Redis key prefix for all app-state hashes.
	StatePrefix = "appstate:"

	// StateTTL bounds how long a client state survives without a refresh, so
	// a crashed client cannot keep suppressing notifications.
	StateTTL = 2 * time.Minute
)

// State represents a user's client state stored in Redis.
type State struct {
	UserID     string `redis:"user_id"`
	Foreground bool   `redis:"foreground"`
	Viewing    string `redis:"viewing"`     // conversation id on screen, empty if none
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages client state in Redis.
type Store struct {
	client      *redis.Client
	clearScript *redis.Script
}

// NewStore creates a state store on an existing Redis client. The caller
// owns the client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, clearScript: redis.NewScript(clearViewingLua)}
}

// Get retrieves a user's state. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*State, error) {
	var st State
	if err := s.client.HGetAll(ctx, StatePrefix+userID).Scan(&st); err != nil {
		return nil, err
	}
	if st.UserID == "" {
		return nil, nil // not found
	}
	return &st, nil
}

// AppState implements notify.AppStateSource. A missing state reads as a
// backgrounded client that is viewing nothing.
func (s *Store) AppState(ctx context.Context, userID string) (notify.AppState, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return notify.AppState{}, fmt.Errorf("session: get %s: %w", userID, err)
	}
	if st == nil {
		return notify.AppState{}, nil
	}
	return notify.AppState{Foreground: st.Foreground, ViewingConversation: st.Viewing}, nil
}

// SetForeground records an app foreground/background transition and
// refreshes the TTL.
func (s *Store) SetForeground(ctx context.Context, userID string, foreground bool) error {
	key := StatePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "foreground", foreground, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, StateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetViewing marks conversationID as the one on screen.
func (s *Store) SetViewing(ctx context.Context, userID, conversationID string) error {
	key := StatePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "viewing", conversationID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, StateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearViewing clears the viewing marker, but only if it still points at
// conversationID; a newer screen may already have replaced it.
func (s *Store) ClearViewing(ctx context.Context, userID, conversationID string) error {
	_, err := s.clearScript.Run(ctx, s.client, []string{StatePrefix + userID}, conversationID).Int()
	if err != nil {
		return fmt.Errorf("session: clear viewing: %w", err)
	}
	return nil
}

// RefreshTTL extends the state's TTL.
func (s *Store) RefreshTTL(ctx context.Context, userID string) error {
	return s.client.Expire(ctx, StatePrefix+userID, StateTTL).Err()
}

// Delete removes a user's state.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, StatePrefix+userID).Err()
}

// clearViewingLua clears the viewing field only when it matches ARGV[1].
// Returns 1 if cleared, 0 otherwise.
const clearViewingLua = `
local key = KEYS[1]
local conversation_id = ARGV[1]

local current = redis.call('HGET', key, 'viewing')
if current ~= conversation_id then return 0 end

redis.call('HSET', key, 'viewing', '')
return 1
`
