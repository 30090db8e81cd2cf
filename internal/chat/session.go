package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/metrics"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/typing"
)

// PresenceFeed delivers presence broadcasts for a user as they happen,
// between polls.
type PresenceFeed interface {
	SubscribeToPresence(ctx context.Context, userID string, fn func(presence.Record)) (Subscription, error)
}

// ViewTracker records which conversation a user has on screen.
type ViewTracker interface {
	SetViewing(ctx context.Context, userID, conversationID string) error
	ClearViewing(ctx context.Context, userID, conversationID string) error
}

// HistoryLoader returns the tail of a conversation's history, oldest first.
type HistoryLoader interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
}

// BadgeCounter returns the unread notification count for a user.
type BadgeCounter interface {
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// SessionDeps are the collaborators of a Session. Backend and Presence are
// required; the rest may be nil.
type SessionDeps struct {
	Backend      Backend
	Notifier     Notifier
	Presence     *presence.Store
	PresenceFeed PresenceFeed
	Typing       typing.Broadcaster
	Views        ViewTracker
	Badge        BadgeCounter
	History      HistoryLoader
	OnConfirm    func(message.Message) // called with every server message folded into the store
	Clock        clock.Clock
	Logger       *zap.Logger
}

// SessionConfig holds per-session tuning.
type SessionConfig struct {
	MatchWindow          time.Duration
	TypingWindow         time.Duration
	PresencePollInterval time.Duration
	HistoryLimit         int
}

// Snapshot is the UI-facing state of an open conversation.
type Snapshot struct {
	ConversationID string                     `json:"conversation_id"`
	Messages       []message.View             `json:"messages"`
	Presence       map[string]presence.Record `json:"presence"`
	PartnerTyping  bool                       `json:"partner_typing"`
}

// Session is one open conversation for the local user. It wires the
// dispatcher, the typing tracker and a presence subscription together and
// exposes the merged state.
type Session struct {
	conv    Conversation
	self    string
	partner string

	dispatcher  *Dispatcher
	store       *Store
	typing      *typing.Tracker
	presence    *presence.Store
	presenceSub *presence.Subscription
	feedSub     Subscription
	views       ViewTracker
	badge       BadgeCounter
	logger      *zap.Logger

	unsubStore func()

	mu        sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int
	closed    bool

	emitMu    sync.Mutex
	closeOnce sync.Once
}

// OpenSession opens conv for user self: it subscribes to the realtime feed,
// starts polling the partner's presence and marks the conversation as on
// screen.
func OpenSession(ctx context.Context, conv Conversation, self string, deps SessionDeps, cfg SessionConfig) (*Session, error) {
	if !conv.IsParticipant(self) {
		return nil, fmt.Errorf("chat: user %s is not a participant of conversation %s", self, conv.ID)
	}
	if deps.Backend == nil || deps.Presence == nil {
		return nil, fmt.Errorf("chat: session requires a backend and a presence store")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	store := NewStore(conv.ID, cfg.MatchWindow)
	s := &Session{
		conv:       conv,
		self:       self,
		partner:    conv.Partner(self),
		dispatcher: NewDispatcher(conv, self, store, deps.Backend, deps.Notifier, deps.Clock, deps.Logger),
		store:      store,
		typing:     typing.NewTracker(self, deps.Typing, cfg.TypingWindow, deps.Clock, deps.Logger),
		presence:   deps.Presence,
		views:      deps.Views,
		badge:      deps.Badge,
		logger:     deps.Logger.Named("session").With(zap.String("conversation_id", conv.ID), zap.String("user_id", self)),
		observers:  make(map[int]func(Snapshot)),
	}

	s.dispatcher.OnEvent(s.route)
	if deps.OnConfirm != nil {
		s.dispatcher.OnConfirm(deps.OnConfirm)
	}
	s.typing.OnChange(func(string, string, bool) { s.emit() })
	s.unsubStore = store.Subscribe(func([]message.View) { s.emit() })

	if err := s.dispatcher.Start(ctx); err != nil {
		s.typing.Close()
		s.unsubStore()
		_ = s.dispatcher.Close()
		return nil, err
	}

	// Loaded after the feed is live so nothing falls between the two.
	if deps.History != nil && cfg.HistoryLimit > 0 {
		history, err := deps.History.RecentMessages(ctx, conv.ID, cfg.HistoryLimit)
		if err != nil {
			s.logger.Warn("history load failed", zap.Error(err))
		}
		for _, m := range history {
			store.Reconcile(m)
		}
	}

	if deps.PresenceFeed != nil {
		sub, err := deps.PresenceFeed.SubscribeToPresence(ctx, s.partner, func(rec presence.Record) {
			s.presence.Refresh(rec)
			s.emit()
		})
		if err != nil {
			// Polling still covers presence; the feed only makes it faster.
			s.logger.Warn("presence feed subscribe failed", zap.Error(err))
		} else {
			s.feedSub = sub
		}
	}
	s.presenceSub = s.presence.Subscribe([]string{s.partner}, func(map[string]presence.Record) {
		s.emit()
	}, cfg.PresencePollInterval)

	if s.views != nil {
		if err := s.views.SetViewing(ctx, self, conv.ID); err != nil {
			s.logger.Warn("set viewing failed", zap.Error(err))
		}
	}

	metrics.ActiveSessions.Inc()
	s.logger.Info("chat session opened")
	return s, nil
}

// route handles the non-message events of the conversation feed.
func (s *Session) route(ev Event) {
	switch ev.Type {
	case EventTyping:
		if ev.Typing != nil {
			s.typing.Observe(*ev.Typing)
		}
	case EventPresence:
		if ev.Presence != nil {
			s.presence.Refresh(*ev.Presence)
			s.emit()
		}
	default:
		s.logger.Debug("ignoring feed event", zap.String("type", string(ev.Type)))
	}
}

// Conversation returns the open conversation.
func (s *Session) Conversation() Conversation {
	return s.conv
}

// Send sends a message and clears the local typing signal.
func (s *Session) Send(ctx context.Context, content string, typ message.Type) (string, error) {
	handle, err := s.dispatcher.Send(content, typ)
	if err != nil {
		return "", err
	}
	s.typing.StopTyping(ctx, s.conv.ID)
	return handle, nil
}

// Retry resends a failed message.
func (s *Session) Retry(handle string) error {
	return s.dispatcher.Retry(handle)
}

// StartTyping records a keystroke by the local user.
func (s *Session) StartTyping(ctx context.Context) {
	s.typing.StartTyping(ctx, s.conv.ID)
}

// StopTyping clears the local typing signal.
func (s *Session) StopTyping(ctx context.Context) {
	s.typing.StopTyping(ctx, s.conv.ID)
}

// Messages returns the ordered, deduplicated message views.
func (s *Session) Messages() []message.View {
	return s.store.Messages()
}

// PartnerTyping reports whether the other participant is typing.
func (s *Session) PartnerTyping() bool {
	return s.typing.IsTyping(s.conv.ID, s.partner)
}

// Presence returns the presence snapshot of both participants.
func (s *Session) Presence() map[string]presence.Record {
	return s.presence.Snapshot(s.conv.ParticipantIDs())
}

// UnreadCount returns the local user's notification badge count.
func (s *Session) UnreadCount(ctx context.Context) (int, error) {
	if s.badge == nil {
		return 0, nil
	}
	return s.badge.UnreadCount(ctx, s.self)
}

// Snapshot returns the current merged state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ConversationID: s.conv.ID,
		Messages:       s.Messages(),
		Presence:       s.Presence(),
		PartnerTyping:  s.PartnerTyping(),
	}
}

// Subscribe registers fn to receive a Snapshot after every change. The
// returned function removes it and may be called repeatedly.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// emit pushes a fresh snapshot to observers. It is a no-op after Close.
func (s *Session) emit() {
	s.mu.Lock()
	if s.closed || len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close tears the session down: presence polling, typing timers and the feed
// subscription stop, and the viewing marker is cleared. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.observers = make(map[int]func(Snapshot))
		s.mu.Unlock()

		s.presenceSub.Unsubscribe()
		if s.feedSub != nil {
			if uerr := s.feedSub.Unsubscribe(); uerr != nil {
				s.logger.Warn("presence feed unsubscribe failed", zap.Error(uerr))
			}
		}
		s.typing.Close()
		s.unsubStore()
		err = s.dispatcher.Close()

		if s.views != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if verr := s.views.ClearViewing(ctx, s.self, s.conv.ID); verr != nil {
				s.logger.Warn("clear viewing failed", zap.Error(verr))
			}
		}

		metrics.ActiveSessions.Dec()
		s.logger.Info("chat session closed")
	})
	return err
}
