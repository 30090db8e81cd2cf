package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/message"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("backend: not found")

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: ping postgres: %w", err)
	}
	return db, nil
}

// Repository is the Postgres store for conversations and messages.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repository backed by the given database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, client_key, content, message_type, created_at, deleted_at`

// CreateMessage inserts a message. A second insert with the same
// (conversation_id, client_key) returns the row stored by the first, so a
// retried send never produces a duplicate.
func (r *Repository) CreateMessage(ctx context.Context, req chat.CreateRequest) (message.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, fmt.Errorf("backend: begin: %w", err)
	}
	defer tx.Rollback()

	// DO UPDATE with a no-op assignment makes RETURNING yield the existing row.
	query := `
		INSERT INTO messages (conversation_id, sender_id, client_key, content, message_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, client_key)
		DO UPDATE SET client_key = EXCLUDED.client_key
		RETURNING ` + messageColumns

	m, err := scanMessage(tx.QueryRowContext(ctx, query,
		req.ConversationID,
		req.SenderID,
		req.IdempotencyKey,
		req.Content,
		string(req.Type),
	))
	if err != nil {
		if rerr := rejection(err); rerr != nil {
			return message.Message{}, rerr
		}
		return message.Message{}, fmt.Errorf("backend: insert message: %w", err)
	}

	const touch = `UPDATE conversations SET last_message_id = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, req.ConversationID, m.ID); err != nil {
		return message.Message{}, fmt.Errorf("backend: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Message{}, fmt.Errorf("backend: commit: %w", err)
	}
	return m, nil
}

// DeleteMessage soft-deletes a message owned by senderID and returns the
// updated row.
func (r *Repository) DeleteMessage(ctx context.Context, conversationID, messageID, senderID string) (message.Message, error) {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return message.Message{}, fmt.Errorf("backend: message id %q: %w", messageID, ErrNotFound)
	}
	query := `
		UPDATE messages SET deleted_at = COALESCE(deleted_at, now())
		WHERE id = $1 AND conversation_id = $2 AND sender_id = $3
		RETURNING ` + messageColumns

	m, err := scanMessage(r.db.QueryRowContext(ctx, query, id, conversationID, senderID))
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, fmt.Errorf("backend: message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return message.Message{}, fmt.Errorf("backend: delete message: %w", err)
	}
	return m, nil
}

// RecentMessages returns up to limit of the newest messages of a
// conversation, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("backend: query messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("backend: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetConversation loads a conversation by id.
func (r *Repository) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	const query = `
		SELECT c.id, c.participant_a, c.participant_b, COALESCE(c.last_message_id, ''), m.created_at, c.created_at
		FROM conversations c
		LEFT JOIN messages m ON m.id::text = c.last_message_id
		WHERE c.id = $1`

	var (
		c      chat.Conversation
		lastAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessageID, &lastAt, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("backend: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("backend: get conversation: %w", err)
	}
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time
	}
	return c, nil
}

// rejection maps an integrity constraint violation (unknown conversation,
// disallowed message type) to a validation error. Retrying such an insert
// cannot succeed.
func rejection(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code.Class() != "23" {
		return nil
	}
	field := pqErr.Column
	if field == "" {
		field = pqErr.Constraint
	}
	return &message.ValidationError{Field: field, Reason: pqErr.Message}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (message.Message, error) {
	var (
		m       message.Message
		id      int64
		typ     string
		deleted sql.NullTime
	)
	if err := row.Scan(&id, &m.ConversationID, &m.SenderID, &m.IdempotencyKey, &m.Content, &typ, &m.CreatedAt, &deleted); err != nil {
		return message.Message{}, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.Type = message.Type(typ)
	if deleted.Valid {
		at := deleted.Time
		m.DeletedAt = &at
	}
	m.State = message.Confirmed{ServerID: m.ID, ConfirmedAt: m.CreatedAt}
	return m, nil
}
