// Package typing tracks short-lived "is typing" signals per conversation.
// Outgoing signals are debounced so sustained typing produces one broadcast
// per window; incoming signals expire on their own, so a dropped clear event
// never leaves a stale indicator behind.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/metrics"
)

// DefaultWindow is how long a typing signal stays valid without a refresh.
const DefaultWindow = 5 * time.Second

// Event is the broadcast form of a typing signal. A clear signal has
// IsTyping false and a zero ExpiresAt.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// Broadcaster publishes typing events to the other participants.
type Broadcaster interface {
	BroadcastTyping(ctx context.Context, ev Event) error
}

// ChangeFunc is called when a remote participant starts or stops typing,
// including when a signal lapses.
type ChangeFunc func(conversationID, userID string, typing bool)

// localState is the debounce state for the local user in one conversation.
type localState struct {
	expiresAt time.Time    // local expiry, extended on every keystroke
	sentUntil time.Time    // expiry carried by the last broadcast
	timer     *clock.Timer // fires at expiresAt
}

type remoteKey struct {
	conversationID string
	userID         string
}

// remoteState is the last signal received from another participant.
type remoteState struct {
	expiresAt time.Time
	timer     *clock.Timer
}

// Tracker owns the typing signals for one local user.
type Tracker struct {
	self        string
	window      time.Duration
	clock       clock.Clock
	broadcaster Broadcaster
	logger      *zap.Logger

	mu       sync.Mutex
	local    map[string]*localState
	remote   map[remoteKey]*remoteState
	onChange ChangeFunc
	closed   bool
}

// NewTracker creates a Tracker for the local user self. A zero window falls
// back to DefaultWindow; nil clock and logger fall back to the wall clock and
// a no-op logger.
func NewTracker(self string, broadcaster Broadcaster, window time.Duration, clk clock.Clock, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		self:        self,
		window:      window,
		clock:       clk,
		broadcaster: broadcaster,
		logger:      logger.Named("typing"),
		local:       make(map[string]*localState),
		remote:      make(map[remoteKey]*remoteState),
	}
}

// OnChange registers the observer for remote typing transitions. It replaces
// any previous observer.
func (t *Tracker) OnChange(fn ChangeFunc) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// StartTyping records a keystroke by the local user. The first call in a
// window broadcasts a signal expiring at now+window; later calls inside that
// window only push the local expiry forward.
func (t *Tracker) StartTyping(ctx context.Context, conversationID string) {
	now := t.clock.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st, ok := t.local[conversationID]
	if !ok {
		st = &localState{}
		t.local[conversationID] = st
	}
	st.expiresAt = now.Add(t.window)
	if st.timer == nil {
		st.timer = t.clock.AfterFunc(t.window, func() { t.expireLocal(conversationID) })
	} else {
		st.timer.Reset(t.window)
	}

	var ev *Event
	if !now.Before(st.sentUntil) {
		st.sentUntil = st.expiresAt
		ev = &Event{
			ConversationID: conversationID,
			UserID:         t.self,
			IsTyping:       true,
			ExpiresAt:      st.expiresAt,
		}
	}
	t.mu.Unlock()

	if ev != nil {
		t.broadcast(ctx, *ev)
	}
}

// StopTyping cancels the local signal. A clear event is broadcast only if a
// typing event is still live on the other side.
func (t *Tracker) StopTyping(ctx context.Context, conversationID string) {
	now := t.clock.Now()

	t.mu.Lock()
	st, ok := t.local[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.local, conversationID)
	if st.timer != nil {
		st.timer.Stop()
	}
	live := now.Before(st.sentUntil)
	t.mu.Unlock()

	if live {
		t.broadcast(ctx, Event{ConversationID: conversationID, UserID: t.self})
	}
}

// expireLocal drops the local state once no keystroke arrived for a full
// window. Nothing is broadcast; the remote side lets the signal lapse.
func (t *Tracker) expireLocal(conversationID string) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.local[conversationID]
	if !ok || now.Before(st.expiresAt) {
		return
	}
	delete(t.local, conversationID)
}

// Observe ingests a typing event from another participant. Events from the
// local user are ignored.
func (t *Tracker) Observe(ev Event) {
	if ev.UserID == "" || ev.UserID == t.self {
		return
	}
	now := t.clock.Now()
	key := remoteKey{conversationID: ev.ConversationID, userID: ev.UserID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st, existed := t.remote[key]
	wasTyping := existed && now.Before(st.expiresAt)

	if !ev.IsTyping {
		if existed {
			if st.timer != nil {
				st.timer.Stop()
			}
			delete(t.remote, key)
		}
		fn := t.onChange
		t.mu.Unlock()
		if wasTyping && fn != nil {
			fn(ev.ConversationID, ev.UserID, false)
		}
		return
	}

	expiresAt := ev.ExpiresAt
	if expiresAt.IsZero() || expiresAt.After(now.Add(t.window)) {
		// Bound the signal by our own window so a skewed sender clock cannot
		// pin the indicator on.
		expiresAt = now.Add(t.window)
	}
	if !expiresAt.After(now) {
		t.mu.Unlock()
		return
	}
	if !existed {
		st = &remoteState{}
		t.remote[key] = st
	}
	st.expiresAt = expiresAt
	if st.timer == nil {
		st.timer = t.clock.AfterFunc(expiresAt.Sub(now), func() { t.expireRemote(key) })
	} else {
		st.timer.Reset(expiresAt.Sub(now))
	}
	fn := t.onChange
	t.mu.Unlock()

	if !wasTyping && fn != nil {
		fn(ev.ConversationID, ev.UserID, true)
	}
}

func (t *Tracker) expireRemote(key remoteKey) {
	now := t.clock.Now()

	t.mu.Lock()
	st, ok := t.remote[key]
	if !ok || now.Before(st.expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.remote, key)
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(key.conversationID, key.userID, false)
	}
}

// IsTyping reports whether userID has a live typing signal in the
// conversation. An expired signal reads the same as no signal.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if userID == t.self {
		st, ok := t.local[conversationID]
		return ok && now.Before(st.expiresAt)
	}
	st, ok := t.remote[remoteKey{conversationID: conversationID, userID: userID}]
	return ok && now.Before(st.expiresAt)
}

// AnyoneTyping reports whether any participant other than the local user is
// typing in the conversation.
func (t *Tracker) AnyoneTyping(conversationID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.remote {
		if key.conversationID == conversationID && now.Before(st.expiresAt) {
			return true
		}
	}
	return false
}

// Close cancels every pending expiry timer. Calls after Close are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, st := range t.local {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.local, id)
	}
	for key, st := range t.remote {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.remote, key)
	}
	t.onChange = nil
}

// broadcast sends ev and logs failures. Typing is best-effort.
func (t *Tracker) broadcast(ctx context.Context, ev Event) {
	if t.broadcaster == nil {
		return
	}
	metrics.TypingBroadcasts.Inc()
	if err := t.broadcaster.BroadcastTyping(ctx, ev); err != nil {
		t.logger.Warn("typing broadcast failed",
			zap.String("conversation_id", ev.ConversationID),
			zap.Bool("is_typing", ev.IsTyping),
			zap.Error(err))
	}
}
