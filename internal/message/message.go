// Package message defines the conversation message model shared by the
// store, the dispatcher and the notification bridge. A message carries a
// tagged delivery state (Pending, Confirmed or Failed) instead of a free-form
// status string.
package message

import "time"

// Type is the kind of content a message carries.
type Type string

const (
	TypeText    Type = "text"
	TypePhoto   Type = "photo"
	TypeVoice   Type = "voice"
	TypeGIF     Type = "gif"
	TypeSticker Type = "sticker"
)

// Valid reports whether t is one of the supported message types.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypePhoto, TypeVoice, TypeGIF, TypeSticker:
		return true
	}
	return false
}

// Status is the UI-facing projection of a message's State.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is one entry in a conversation log.
type Message struct {
	ID             string     `json:"id,omitempty"` // server-assigned, empty until confirmed
	IdempotencyKey string     `json:"client_key,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"` // text, or a reference to stored media
	Type           Type       `json:"type"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	State          State      `json:"-"`
}

// Status returns the status derived from the message's state. A message with
// no state yet is reported as pending.
func (m Message) Status() Status {
	if m.State == nil {
		return StatusPending
	}
	return m.State.Status()
}

// Handle returns the identifier the UI should use for the message: the server
// id once confirmed, otherwise the idempotency key.
func (m Message) Handle() string {
	if m.ID != "" {
		return m.ID
	}
	return m.IdempotencyKey
}

// Deleted reports whether the message carries a soft-delete marker.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// View is the read-only projection handed to the UI layer.
type View struct {
	ID        string    `json:"id"`
	ClientKey string    `json:"client_key,omitempty"`
	Status    Status    `json:"status"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	Deleted   bool      `json:"deleted,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
}

// View projects the message for rendering. Soft-deleted messages keep their
// position but drop their content.
func (m Message) View() View {
	v := View{
		ID:        m.Handle(),
		ClientKey: m.IdempotencyKey,
		Status:    m.Status(),
		Type:      m.Type,
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		Deleted:   m.Deleted(),
	}
	if v.Deleted {
		v.Content = ""
	}
	if _, ok := m.State.(Failed); ok {
		v.Retryable = true
	}
	return v
}
