// Package chat holds the per-conversation messaging core: the ordered,
// deduplicated message store, the dispatcher that sends optimistically and
// reconciles server confirmations, and the session that composes them with
// typing and presence for one open conversation.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amora/chat-core/internal/message"
)

// DefaultMatchWindow bounds the content fallback used to reconcile a server
// message that carries no idempotency key.
const DefaultMatchWindow = 10 * time.Second

var (
	ErrStoreClosed      = errors.New("chat: message store closed")
	ErrUnknownMessage   = errors.New("chat: unknown message")
	ErrAlreadyConfirmed = errors.New("chat: message already confirmed")
)

// Outcome describes what Reconcile did with a server message.
type Outcome int

const (
	OutcomeIgnored  Outcome = iota // store closed or message not applicable
	OutcomeReplaced                // optimistic entry confirmed in place
	OutcomeUpdated                 // confirmed entry refreshed in place
	OutcomeInserted                // unmatched, inserted at its chronological position
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeUpdated:
		return "updated"
	case OutcomeInserted:
		return "inserted"
	default:
		return "ignored"
	}
}

// entry is one slot in the visible sequence. Slice position is the render
// order; equal created_at values keep insertion order.
type entry struct {
	msg message.Message
}

// Store is the ordered message log of one conversation. Optimistic entries
// are appended at the tail and keep their slot when the server confirms
// them; messages nobody here originated are inserted by created_at. It is
// goroutine-safe.
type Store struct {
	conversationID string
	matchWindow    time.Duration

	mu      sync.RWMutex
	entries []*entry
	byKey   map[string]*entry // idempotency key -> entry
	byID    map[string]*entry // server id -> entry
	version uint64
	closed  bool

	obsMu     sync.Mutex
	observers map[int]func([]message.View)
	nextObs   int
	delivered uint64
}

// NewStore creates an empty store for conversationID. A zero matchWindow
// falls back to DefaultMatchWindow.
func NewStore(conversationID string, matchWindow time.Duration) *Store {
	if matchWindow <= 0 {
		matchWindow = DefaultMatchWindow
	}
	return &Store{
		conversationID: conversationID,
		matchWindow:    matchWindow,
		byKey:          make(map[string]*entry),
		byID:           make(map[string]*entry),
		observers:      make(map[int]func([]message.View)),
	}
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Append inserts an optimistic message at the tail and returns its handle,
// the idempotency key. Appending a key that is already present returns the
// existing handle and leaves the log untouched.
func (s *Store) Append(m message.Message) (string, error) {
	if m.IdempotencyKey == "" {
		return "", fmt.Errorf("chat: append: missing idempotency key")
	}
	if m.ConversationID != s.conversationID {
		return "", fmt.Errorf("chat: append: message for conversation %q in store %q", m.ConversationID, s.conversationID)
	}
	if m.State == nil {
		m.State = message.NewPending(m.CreatedAt)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStoreClosed
	}
	if _, ok := s.byKey[m.IdempotencyKey]; ok {
		s.mu.Unlock()
		return m.IdempotencyKey, nil
	}
	e := &entry{msg: m}
	s.entries = append(s.entries, e)
	s.byKey[m.IdempotencyKey] = e
	if m.ID != "" {
		s.byID[m.ID] = e
	}
	snap, version := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, version)
	return m.IdempotencyKey, nil
}

// Reconcile folds a server-confirmed message into the log. The match order
// is: same server id (refresh in place), same idempotency key (confirm the
// optimistic entry in place), and, only when the server message carries no
// key, an unconfirmed entry with the same sender and content created within
// the match window. Anything else is inserted at its chronological position.
func (s *Store) Reconcile(server message.Message) Outcome {
	if server.ID == "" || server.ConversationID != s.conversationID {
		return OutcomeIgnored
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OutcomeIgnored
	}

	var outcome Outcome
	switch {
	case s.byID[server.ID] != nil:
		e := s.byID[server.ID]
		s.refreshLocked(e, server)
		outcome = OutcomeUpdated

	case server.IdempotencyKey != "" && s.byKey[server.IdempotencyKey] != nil:
		s.confirmLocked(s.byKey[server.IdempotencyKey], server)
		outcome = OutcomeReplaced

	default:
		if e := s.fallbackLocked(server); e != nil {
			s.confirmLocked(e, server)
			outcome = OutcomeReplaced
		} else {
			s.insertLocked(server)
			outcome = OutcomeInserted
		}
	}
	snap, version := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, version)
	return outcome
}

// confirmLocked replaces an optimistic entry with its server counterpart
// without moving it.
func (s *Store) confirmLocked(e *entry, server message.Message) {
	var confirmed message.Confirmed
	switch st := e.msg.State.(type) {
	case message.Pending:
		confirmed = st.Confirm(server.ID, server.CreatedAt)
	case message.Failed:
		confirmed = st.Confirm(server.ID, server.CreatedAt)
	default:
		confirmed = message.Confirmed{ServerID: server.ID, ConfirmedAt: server.CreatedAt}
	}

	key := e.msg.IdempotencyKey
	if server.IdempotencyKey != "" {
		key = server.IdempotencyKey
	}
	if old := e.msg.ID; old != "" && old != server.ID {
		delete(s.byID, old)
	}
	server.IdempotencyKey = key
	server.State = confirmed
	e.msg = server
	s.byID[server.ID] = e
	if key != "" {
		s.byKey[key] = e
	}
}

// refreshLocked updates an already-confirmed entry, e.g. a soft delete or a
// duplicate echo.
func (s *Store) refreshLocked(e *entry, server message.Message) {
	if server.IdempotencyKey == "" {
		server.IdempotencyKey = e.msg.IdempotencyKey
	}
	if server.DeletedAt == nil {
		server.DeletedAt = e.msg.DeletedAt
	}
	if c, ok := e.msg.State.(message.Confirmed); ok {
		server.State = c
	} else {
		server.State = message.Confirmed{ServerID: server.ID, ConfirmedAt: server.CreatedAt}
	}
	e.msg = server
	if server.IdempotencyKey != "" {
		s.byKey[server.IdempotencyKey] = e
	}
}

// fallbackLocked finds the oldest unconfirmed entry equivalent to a keyless
// server message.
func (s *Store) fallbackLocked(server message.Message) *entry {
	if server.IdempotencyKey != "" {
		return nil
	}
	for _, e := range s.entries {
		if e.msg.Status() == message.StatusSent {
			continue
		}
		if e.msg.SenderID != server.SenderID || e.msg.Content != server.Content || e.msg.Type != server.Type {
			continue
		}
		if absDuration(e.msg.CreatedAt.Sub(server.CreatedAt)) <= s.matchWindow {
			return e
		}
	}
	return nil
}

// insertLocked places an unmatched server message after every entry whose
// created_at is not later than its own.
func (s *Store) insertLocked(server message.Message) {
	server.State = message.Confirmed{ServerID: server.ID, ConfirmedAt: server.CreatedAt}
	e := &entry{msg: server}

	i := len(s.entries)
	for i > 0 && s.entries[i-1].msg.CreatedAt.After(server.CreatedAt) {
		i--
	}
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	s.byID[server.ID] = e
	if server.IdempotencyKey != "" {
		s.byKey[server.IdempotencyKey] = e
	}
}

// Fail marks a pending message as failed. It returns false if the handle is
// unknown or the message is not pending (a confirmation that raced ahead of
// the failure wins).
func (s *Store) Fail(handle string, err error, at time.Time) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	e := s.lookupLocked(handle)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	p, ok := e.msg.State.(message.Pending)
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.msg.State = p.Fail(err, at)
	snap, version := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, version)
	return true
}

// Retry moves a failed message back to pending and returns it for
// resubmission. A message that is already pending is returned unchanged so
// the caller can join the in-flight submission.
func (s *Store) Retry(handle string, at time.Time) (message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return message.Message{}, ErrStoreClosed
	}
	e := s.lookupLocked(handle)
	if e == nil {
		s.mu.Unlock()
		return message.Message{}, ErrUnknownMessage
	}
	switch st := e.msg.State.(type) {
	case message.Confirmed:
		s.mu.Unlock()
		return message.Message{}, ErrAlreadyConfirmed
	case message.Pending:
		m := e.msg
		s.mu.Unlock()
		return m, nil
	case message.Failed:
		e.msg.State = st.Retry(at)
	}
	m := e.msg
	snap, version := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, version)
	return m, nil
}

// Remove drops a message, typically a send the server rejected outright.
func (s *Store) Remove(handle string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	e := s.lookupLocked(handle)
	if e == nil {
		s.mu.Unlock()
		return false
	}
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if e.msg.IdempotencyKey != "" {
		delete(s.byKey, e.msg.IdempotencyKey)
	}
	if e.msg.ID != "" {
		delete(s.byID, e.msg.ID)
	}
	snap, version := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, version)
	return true
}

// Get returns the message behind a handle (server id or idempotency key).
func (s *Store) Get(handle string) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookupLocked(handle)
	if e == nil {
		return message.Message{}, false
	}
	return e.msg, true
}

// Messages returns the visible sequence in render order.
func (s *Store) Messages() []message.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewsLocked()
}

// Len returns the number of visible entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers fn to receive the visible sequence after every change.
// The returned function removes the observer and may be called repeatedly.
func (s *Store) Subscribe(fn func([]message.View)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Close tears the store down. Every later mutation is a no-op and observers
// are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.obsMu.Lock()
	s.observers = make(map[int]func([]message.View))
	s.obsMu.Unlock()
}

func (s *Store) lookupLocked(handle string) *entry {
	if e, ok := s.byKey[handle]; ok {
		return e
	}
	return s.byID[handle]
}

// snapshotLocked copies the visible sequence and bumps the version. The
// caller must hold s.mu for writing.
func (s *Store) snapshotLocked() ([]message.View, uint64) {
	s.version++
	return s.viewsLocked(), s.version
}

func (s *Store) viewsLocked() []message.View {
	out := make([]message.View, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.View()
	}
	return out
}

// publish delivers a snapshot to observers unless a newer one already went
// out, so observers never see the log move backwards.
func (s *Store) publish(snap []message.View, version uint64) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if version <= s.delivered {
		return
	}
	s.delivered = version
	for _, fn := range s.observers {
		fn(snap)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
