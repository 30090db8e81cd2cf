package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresLedger stores notification records in the notifications table.
// The unique constraint on (message_id, recipient_id) makes Create
// idempotent across processes and reconnect replays.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by the given database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Create(ctx context.Context, rec Record) (bool, error) {
	const query = `
		INSERT INTO notifications (id, recipient_id, title, body, conversation_id, message_id, message_type, channel, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id, recipient_id) DO NOTHING`

	res, err := l.db.ExecContext(ctx, query,
		rec.ID,
		rec.RecipientID,
		rec.Title,
		rec.Body,
		rec.Payload.ConversationID,
		rec.Payload.MessageID,
		rec.Payload.Type,
		string(rec.Channel),
		string(rec.Status),
		rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("notify: insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("notify: insert record: %w", err)
	}
	return n == 1, nil
}

func (l *PostgresLedger) Get(ctx context.Context, messageID, recipientID string) (Record, error) {
	const query = `
		SELECT id, recipient_id, title, body, conversation_id, message_id, message_type,
		       channel, status, created_at, delivered_at, opened_at
		FROM notifications
		WHERE message_id = $1 AND recipient_id = $2`

	var (
		rec         Record
		channel     string
		status      string
		deliveredAt sql.NullTime
		openedAt    sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, query, messageID, recipientID).Scan(
		&rec.ID, &rec.RecipientID, &rec.Title, &rec.Body,
		&rec.Payload.ConversationID, &rec.Payload.MessageID, &rec.Payload.Type,
		&channel, &status, &rec.CreatedAt, &deliveredAt, &openedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("notify: get record: %w", err)
	}
	rec.Channel = Channel(channel)
	rec.Status = Status(status)
	if deliveredAt.Valid {
		rec.DeliveredAt = &deliveredAt.Time
	}
	if openedAt.Valid {
		rec.OpenedAt = &openedAt.Time
	}
	return rec, nil
}

// Advance applies the transition in Go and writes it back guarded by the
// status it was read with, so two racing updates cannot both win.
func (l *PostgresLedger) Advance(ctx context.Context, messageID, recipientID string, to Status, at time.Time) error {
	rec, err := l.Get(ctx, messageID, recipientID)
	if err != nil {
		return err
	}
	from := rec.Status
	if err := rec.Advance(to, at); err != nil {
		return err
	}
	if from == rec.Status {
		return nil
	}

	const query = `
		UPDATE notifications
		SET status = $3, delivered_at = $4, opened_at = $5
		WHERE message_id = $1 AND recipient_id = $2 AND status = $6`

	res, err := l.db.ExecContext(ctx, query,
		messageID, recipientID, string(rec.Status), rec.DeliveredAt, rec.OpenedAt, string(from))
	if err != nil {
		return fmt.Errorf("notify: advance record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: concurrent update from %s", ErrIllegalTransition, from)
	}
	return nil
}

func (l *PostgresLedger) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM notifications
		WHERE recipient_id = $1
		  AND status IN ('sent', 'delivered')`

	var count int
	if err := l.db.QueryRowContext(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("notify: unread count: %w", err)
	}
	return count, nil
}
