package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRecordNotFound is returned when no record exists for a
// (message, recipient) pair.
var ErrRecordNotFound = errors.New("notify: record not found")

// Ledger is the notification history. Create is idempotent on
// (message_id, recipient_id).
type Ledger interface {
	// Create stores rec unless a record for the same message and recipient
	// exists. It reports whether a new record was written.
	Create(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, messageID, recipientID string) (Record, error)
	Advance(ctx context.Context, messageID, recipientID string, to Status, at time.Time) error
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

type ledgerKey struct {
	messageID   string
	recipientID string
}

// MemoryLedger is an in-process Ledger. It backs single-node deployments
// and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[ledgerKey]*Record
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[ledgerKey]*Record)}
}

func (l *MemoryLedger) Create(_ context.Context, rec Record) (bool, error) {
	key := ledgerKey{messageID: rec.Payload.MessageID, recipientID: rec.RecipientID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[key]; ok {
		return false, nil
	}
	l.records[key] = &rec
	return true, nil
}

func (l *MemoryLedger) Get(_ context.Context, messageID, recipientID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[ledgerKey{messageID: messageID, recipientID: recipientID}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return *rec, nil
}

func (l *MemoryLedger) Advance(_ context.Context, messageID, recipientID string, to Status, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[ledgerKey{messageID: messageID, recipientID: recipientID}]
	if !ok {
		return ErrRecordNotFound
	}
	return rec.Advance(to, at)
}

func (l *MemoryLedger) UnreadCount(_ context.Context, recipientID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, rec := range l.records {
		if key.recipientID == recipientID && rec.Unread() {
			n++
		}
	}
	return n, nil
}

// Len returns the number of records held.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
