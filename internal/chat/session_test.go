package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/typing"
)

type fakeViews struct {
	mu      sync.Mutex
	viewing map[string]string
}

func (v *fakeViews) SetViewing(ctx context.Context, userID, conversationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewing[userID] = conversationID
	return nil
}

func (v *fakeViews) ClearViewing(ctx context.Context, userID, conversationID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.viewing[userID] == conversationID {
		delete(v.viewing, userID)
	}
	return nil
}

func (v *fakeViews) get(userID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewing[userID]
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []typing.Event
}

func (b *fakeBroadcaster) BroadcastTyping(ctx context.Context, ev typing.Event) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroadcaster) sent() []typing.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]typing.Event(nil), b.events...)
}

type sessionFixture struct {
	session     *Session
	backend     *fakeBackend
	views       *fakeViews
	broadcaster *fakeBroadcaster
	clock       *clock.Mock
	presence    *presence.Store
}

func openTestSession(t *testing.T, backend *fakeBackend) *sessionFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(t0)
	backend.now = clk.Now
	f := &sessionFixture{
		backend:     backend,
		views:       &fakeViews{viewing: make(map[string]string)},
		broadcaster: &fakeBroadcaster{},
		clock:       clk,
		presence:    presence.NewStore(nil, presence.DefaultConfig(), clk, nil),
	}
	s, err := OpenSession(context.Background(), testConversation(), "alice", SessionDeps{
		Backend:  backend,
		Presence: f.presence,
		Typing:   f.broadcaster,
		Views:    f.views,
		History:  backend,
		Clock:    clk,
	}, SessionConfig{TypingWindow: 5 * time.Second, HistoryLimit: 50})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.session = s
	t.Cleanup(func() {
		s.Close()
		f.presence.Close()
	})
	return f
}

func TestOpenSessionRejectsOutsider(t *testing.T) {
	store := presence.NewStore(nil, presence.DefaultConfig(), nil, nil)
	defer store.Close()
	_, err := OpenSession(context.Background(), testConversation(), "mallory", SessionDeps{
		Backend:  newFakeBackend(),
		Presence: store,
	}, SessionConfig{})
	if err == nil {
		t.Fatal("expected error for non-participant")
	}
}

func TestSessionLoadsHistory(t *testing.T) {
	backend := newFakeBackend()
	backend.history = []message.Message{
		serverMessage("1", "", "bob", "hey", t0.Add(-time.Minute)),
		serverMessage("2", "", "alice", "hi", t0.Add(-30*time.Second)),
	}
	f := openTestSession(t, backend)

	views := f.session.Messages()
	if len(views) != 2 || views[0].ID != "1" || views[1].ID != "2" {
		t.Errorf("unexpected history: %+v", views)
	}
}

func TestSessionMarksViewing(t *testing.T) {
	f := openTestSession(t, newFakeBackend())
	if got := f.views.get("alice"); got != "conv-1" {
		t.Fatalf("viewing = %q, want conv-1", got)
	}
	if err := f.session.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.views.get("alice"); got != "" {
		t.Errorf("viewing after close = %q", got)
	}
	if err := f.session.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSessionPartnerTyping(t *testing.T) {
	f := openTestSession(t, newFakeBackend())

	f.backend.deliver(Event{
		Type:           EventTyping,
		ConversationID: "conv-1",
		From:           "bob",
		Typing:         &typing.Event{ConversationID: "conv-1", UserID: "bob", IsTyping: true},
	})
	if !f.session.PartnerTyping() {
		t.Fatal("partner should be typing")
	}
	if !f.session.Snapshot().PartnerTyping {
		t.Error("snapshot missing typing flag")
	}

	f.clock.Add(6 * time.Second)
	if f.session.PartnerTyping() {
		t.Error("typing signal should lapse after the window")
	}
}

func TestSessionSendStopsTyping(t *testing.T) {
	f := openTestSession(t, newFakeBackend())
	ctx := context.Background()

	f.session.StartTyping(ctx)
	if _, err := f.session.Send(ctx, "hello", message.TypeText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := f.broadcaster.sent()
	if len(sent) != 2 || !sent[0].IsTyping || sent[1].IsTyping {
		t.Errorf("typing broadcasts = %+v, want start then clear", sent)
	}
}

func TestSessionPresenceFromFeed(t *testing.T) {
	f := openTestSession(t, newFakeBackend())

	f.backend.deliver(Event{
		Type:           EventPresence,
		ConversationID: "conv-1",
		Presence:       &presence.Record{UserID: "bob", IsOnline: true, LastSeen: f.clock.Now()},
	})
	if rec := f.session.Presence()["bob"]; !rec.IsOnline {
		t.Errorf("bob should be online: %+v", rec)
	}
}

func TestSessionSubscribeReceivesSnapshots(t *testing.T) {
	f := openTestSession(t, newFakeBackend())

	var mu sync.Mutex
	var last Snapshot
	unsub := f.session.Subscribe(func(s Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})
	defer unsub()

	handle, err := f.session.Send(context.Background(), "hello", message.TypeText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last.Messages) == 1 && last.Messages[0].Status == message.StatusSent
	}, "confirmed snapshot")

	mu.Lock()
	defer mu.Unlock()
	if last.ConversationID != "conv-1" || last.Messages[0].ClientKey != handle {
		t.Errorf("unexpected snapshot: %+v", last)
	}
}

func TestSessionUnreadCountWithoutBadge(t *testing.T) {
	f := openTestSession(t, newFakeBackend())
	n, err := f.session.UnreadCount(context.Background())
	if err != nil || n != 0 {
		t.Errorf("UnreadCount = %d, %v", n, err)
	}
}
