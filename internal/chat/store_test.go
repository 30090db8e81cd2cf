package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amora/chat-core/internal/message"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestStoreAppendIsIdempotent(t *testing.T) {
	s := NewStore("conv-1", 0)
	m := pendingMessage("k1", "alice", "hello", t0)
	for i := 0; i < 2; i++ {
		h, err := s.Append(m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if h != "k1" {
			t.Errorf("handle = %q, want k1", h)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStoreAppendRejectsForeignConversation(t *testing.T) {
	s := NewStore("conv-1", 0)
	m := pendingMessage("k1", "alice", "hello", t0)
	m.ConversationID = "conv-2"
	if _, err := s.Append(m); err == nil {
		t.Fatal("expected error for foreign conversation")
	}
	m.ConversationID = "conv-1"
	m.IdempotencyKey = ""
	if _, err := s.Append(m); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestStoreConfirmKeepsSlotUnderOutOfOrderConfirmation(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Append(pendingMessage("k1", "alice", "first", t0))
	s.Append(pendingMessage("k2", "alice", "second", t0.Add(time.Second)))

	// Server stamps the second send earlier than the first.
	if got := s.Reconcile(serverMessage("2", "k2", "alice", "second", t0.Add(-time.Second))); got != OutcomeReplaced {
		t.Fatalf("outcome = %v, want replaced", got)
	}
	if got := s.Reconcile(serverMessage("1", "k1", "alice", "first", t0.Add(2*time.Second))); got != OutcomeReplaced {
		t.Fatalf("outcome = %v, want replaced", got)
	}

	views := s.Messages()
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	if views[0].Content != "first" || views[1].Content != "second" {
		t.Errorf("order changed: %q, %q", views[0].Content, views[1].Content)
	}
	for _, v := range views {
		if v.Status != message.StatusSent {
			t.Errorf("%s status = %s, want sent", v.ID, v.Status)
		}
	}
}

func TestStoreEchoDoesNotDuplicate(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Append(pendingMessage("k1", "alice", "hello", t0))

	server := serverMessage("42", "k1", "alice", "hello", t0)
	s.Reconcile(server)
	if got := s.Reconcile(server); got != OutcomeUpdated {
		t.Errorf("second reconcile = %v, want updated", got)
	}
	// An echo without its key still matches by server id.
	server.IdempotencyKey = ""
	if got := s.Reconcile(server); got != OutcomeUpdated {
		t.Errorf("keyless echo = %v, want updated", got)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	m, ok := s.Get("42")
	if !ok || m.IdempotencyKey != "k1" {
		t.Errorf("key lost on refresh: %+v", m)
	}
}

func TestStoreFallbackMatchesKeylessEcho(t *testing.T) {
	s := NewStore("conv-1", 10*time.Second)
	s.Append(pendingMessage("k1", "alice", "hello", t0))

	got := s.Reconcile(serverMessage("42", "", "alice", "hello", t0.Add(3*time.Second)))
	if got != OutcomeReplaced {
		t.Fatalf("outcome = %v, want replaced", got)
	}
	m, _ := s.Get("k1")
	if m.ID != "42" || m.Status() != message.StatusSent {
		t.Errorf("fallback did not confirm: %+v", m)
	}
}

func TestStoreFallbackRespectsWindowAndKey(t *testing.T) {
	s := NewStore("conv-1", 10*time.Second)
	s.Append(pendingMessage("k1", "alice", "hello", t0))

	// Outside the window.
	if got := s.Reconcile(serverMessage("42", "", "alice", "hello", t0.Add(time.Minute))); got != OutcomeInserted {
		t.Errorf("outcome = %v, want inserted", got)
	}
	// A server message with a different key never uses the fallback.
	if got := s.Reconcile(serverMessage("43", "other", "alice", "hello", t0)); got != OutcomeInserted {
		t.Errorf("outcome = %v, want inserted", got)
	}
	m, _ := s.Get("k1")
	if m.Status() != message.StatusPending {
		t.Errorf("pending message was matched: %+v", m)
	}
}

func TestStoreFallbackSkipsConfirmed(t *testing.T) {
	s := NewStore("conv-1", 10*time.Second)
	s.Append(pendingMessage("k1", "alice", "ok", t0))
	s.Reconcile(serverMessage("1", "k1", "alice", "ok", t0))

	// A second identical message from another device is a new message.
	if got := s.Reconcile(serverMessage("2", "", "alice", "ok", t0.Add(time.Second))); got != OutcomeInserted {
		t.Fatalf("outcome = %v, want inserted", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestStoreInsertsChronologically(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Reconcile(serverMessage("1", "", "bob", "a", t0))
	s.Reconcile(serverMessage("3", "", "bob", "c", t0.Add(2*time.Second)))
	s.Reconcile(serverMessage("2", "", "bob", "b", t0.Add(time.Second)))
	s.Reconcile(serverMessage("4", "", "bob", "b2", t0.Add(time.Second)))

	var got string
	for _, v := range s.Messages() {
		got += v.Content + " "
	}
	if got != "a b b2 c " {
		t.Errorf("order = %q", got)
	}
}

func TestStoreFailAndRetry(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Append(pendingMessage("k1", "alice", "hello", t0))

	if !s.Fail("k1", errOffline, t0) {
		t.Fatal("Fail returned false")
	}
	v := s.Messages()[0]
	if v.Status != message.StatusFailed || !v.Retryable {
		t.Fatalf("unexpected view: %+v", v)
	}

	m, err := s.Retry("k1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p, ok := m.State.(message.Pending); !ok || p.Attempt != 2 {
		t.Errorf("retry state = %#v", m.State)
	}

	s.Reconcile(serverMessage("42", "k1", "alice", "hello", t0))
	if s.Fail("k1", errOffline, t0) {
		t.Error("confirmed message was failed")
	}
	if _, err := s.Retry("k1", t0); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("Retry error = %v, want ErrAlreadyConfirmed", err)
	}
	if _, err := s.Retry("nope", t0); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Retry error = %v, want ErrUnknownMessage", err)
	}
}

func TestStoreSoftDeleteKeepsPosition(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Reconcile(serverMessage("1", "", "bob", "a", t0))
	s.Reconcile(serverMessage("2", "", "bob", "b", t0.Add(time.Second)))

	deleted := serverMessage("1", "", "bob", "a", t0)
	at := t0.Add(time.Minute)
	deleted.DeletedAt = &at
	s.Reconcile(deleted)

	views := s.Messages()
	if len(views) != 2 || views[0].ID != "1" || !views[0].Deleted || views[0].Content != "" {
		t.Errorf("unexpected views: %+v", views)
	}
}

func TestStoreObservers(t *testing.T) {
	s := NewStore("conv-1", 0)
	var mu sync.Mutex
	var lens []int
	unsub := s.Subscribe(func(v []message.View) {
		mu.Lock()
		lens = append(lens, len(v))
		mu.Unlock()
	})

	s.Append(pendingMessage("k1", "alice", "hello", t0))
	s.Reconcile(serverMessage("42", "k1", "alice", "hello", t0))
	unsub()
	unsub()
	s.Append(pendingMessage("k2", "alice", "again", t0))

	mu.Lock()
	defer mu.Unlock()
	if len(lens) != 2 || lens[0] != 1 || lens[1] != 1 {
		t.Errorf("observer calls = %v, want [1 1]", lens)
	}
}

func TestStoreRemoveDropsEntryAndIndexes(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Append(pendingMessage("k1", "alice", "first", t0))
	s.Append(pendingMessage("k2", "alice", "second", t0.Add(time.Second)))
	s.Append(pendingMessage("k3", "alice", "third", t0.Add(2*time.Second)))
	s.Reconcile(serverMessage("42", "k2", "alice", "second", t0.Add(time.Second)))

	var lens []int
	s.Subscribe(func(v []message.View) { lens = append(lens, len(v)) })

	if !s.Remove("k2") {
		t.Fatal("Remove(k2) = false")
	}
	views := s.Messages()
	if len(views) != 2 || views[0].Content != "first" || views[1].Content != "third" {
		t.Fatalf("unexpected views after remove: %+v", views)
	}
	if _, ok := s.Get("k2"); ok {
		t.Error("entry still reachable by key")
	}
	if _, ok := s.Get("42"); ok {
		t.Error("entry still reachable by server id")
	}
	if len(lens) != 1 || lens[0] != 2 {
		t.Errorf("observer calls = %v, want [2]", lens)
	}

	// The key is free again.
	if _, err := s.Append(pendingMessage("k2", "alice", "second", t0.Add(3*time.Second))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}

	if s.Remove("nope") {
		t.Error("Remove of unknown handle = true")
	}
	s.Close()
	if s.Remove("k1") {
		t.Error("Remove after close = true")
	}
}

func TestStoreClosed(t *testing.T) {
	s := NewStore("conv-1", 0)
	s.Close()
	if _, err := s.Append(pendingMessage("k1", "alice", "hello", t0)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append error = %v, want ErrStoreClosed", err)
	}
	if got := s.Reconcile(serverMessage("1", "", "bob", "a", t0)); got != OutcomeIgnored {
		t.Errorf("Reconcile after close = %v", got)
	}
}
