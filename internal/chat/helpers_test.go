package chat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/amora/chat-core/internal/message"
)

var errOffline = errors.New("network unreachable")

// eventually polls cond until it holds or a deadline passes. Submissions and
// notifier calls run on their own goroutines.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeSub struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

// fakeBackend assigns server ids starting at 42 and collapses repeated keys
// the way the database's unique constraint does.
type fakeBackend struct {
	mu       sync.Mutex
	nextID   int
	fail     error
	calls    int
	byKey    map[string]message.Message
	onEvent  func(Event)
	sub      *fakeSub
	history  []message.Message
	echoSync bool          // publish the insert event before returning the response
	gate     chan struct{} // when set, CreateMessage blocks until it is closed
	now      func() time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID: 42,
		byKey:  make(map[string]message.Message),
		sub:    &fakeSub{},
		now:    time.Now,
	}
}

func (b *fakeBackend) CreateMessage(ctx context.Context, req CreateRequest) (message.Message, error) {
	b.mu.Lock()
	b.calls++
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	if b.fail != nil {
		err := b.fail
		b.mu.Unlock()
		return message.Message{}, err
	}
	if m, ok := b.byKey[req.IdempotencyKey]; ok {
		b.mu.Unlock()
		return m, nil
	}
	m := message.Message{
		ID:             strconv.Itoa(b.nextID),
		IdempotencyKey: req.IdempotencyKey,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Type:           req.Type,
		CreatedAt:      b.now(),
	}
	b.nextID++
	b.byKey[req.IdempotencyKey] = m
	echo := b.echoSync
	onEvent := b.onEvent
	b.mu.Unlock()

	if echo && onEvent != nil {
		onEvent(Event{Type: EventMessageInsert, ConversationID: m.ConversationID, From: m.SenderID, Message: &m})
	}
	return m, nil
}

func (b *fakeBackend) SubscribeToConversation(ctx context.Context, conversationID string, onEvent func(Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = onEvent
	return b.sub, nil
}

func (b *fakeBackend) RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]message.Message(nil), b.history...), nil
}

func (b *fakeBackend) setFail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) deliver(ev Event) {
	b.mu.Lock()
	fn := b.onEvent
	b.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type evaluation struct {
	msg        message.Message
	recipients []string
	ctxErr     error
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []evaluation
}

func (n *fakeNotifier) Evaluate(ctx context.Context, msg message.Message, recipients []string) {
	n.mu.Lock()
	n.calls = append(n.calls, evaluation{msg: msg, recipients: recipients, ctxErr: ctx.Err()})
	n.mu.Unlock()
}

func (n *fakeNotifier) call(i int) evaluation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[i]
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func testConversation() Conversation {
	return Conversation{ID: "conv-1", Participants: [2]string{"alice", "bob"}}
}

func serverMessage(id, key, sender, content string, at time.Time) message.Message {
	return message.Message{
		ID:             id,
		IdempotencyKey: key,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		Type:           message.TypeText,
		CreatedAt:      at,
	}
}

func pendingMessage(key, sender, content string, at time.Time) message.Message {
	return message.Message{
		IdempotencyKey: key,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		Type:           message.TypeText,
		CreatedAt:      at,
		State:          message.NewPending(at),
	}
}
