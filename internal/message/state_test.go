package message

import (
	"errors"
	"testing"
	"time"
)

var ErrTest = errors.New("test failure")

func TestStateTransitions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p := NewPending(now)
	if p.Attempt != 1 || p.Status() != StatusPending {
		t.Fatalf("unexpected initial state: %+v", p)
	}

	f := p.Fail(ErrTest, now.Add(time.Second))
	if f.Status() != StatusFailed || f.Attempt != 1 {
		t.Fatalf("unexpected failed state: %+v", f)
	}
	if !errors.Is(f.Err, ErrTest) {
		t.Errorf("failure cause lost: %v", f.Err)
	}

	p2 := f.Retry(now.Add(2 * time.Second))
	if p2.Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", p2.Attempt)
	}

	c := p2.Confirm("42", now.Add(3*time.Second))
	if c.Status() != StatusSent || c.ServerID != "42" {
		t.Errorf("unexpected confirmed state: %+v", c)
	}

	// A lost response followed by the broadcast echo confirms a failed message.
	c2 := f.Confirm("43", now)
	if c2.ServerID != "43" {
		t.Errorf("ServerID = %q, want 43", c2.ServerID)
	}
}

func TestViewProjection(t *testing.T) {
	now := time.Now()
	m := Message{
		IdempotencyKey: "k1",
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hi",
		Type:           TypeText,
		CreatedAt:      now,
	}
	v := m.View()
	if v.ID != "k1" || v.Status != StatusPending {
		t.Errorf("unconfirmed view = %+v", v)
	}

	m.State = NewPending(now).Fail(ErrTest, now)
	if !m.View().Retryable {
		t.Error("failed message should be retryable")
	}

	m.ID = "42"
	m.State = Confirmed{ServerID: "42", ConfirmedAt: now}
	m.DeletedAt = &now
	v = m.View()
	if v.ID != "42" || v.Status != StatusSent {
		t.Errorf("confirmed view = %+v", v)
	}
	if !v.Deleted || v.Content != "" {
		t.Errorf("deleted message should drop content: %+v", v)
	}
}
