package notify

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a NotificationRecord.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusOpened    Status = "opened"
	StatusFailed    Status = "failed"
)

// Channel is how a record was (or was meant to be) delivered.
type Channel string

const (
	ChannelLocal   Channel = "local"   // in-app alert on a foregrounded client
	ChannelPush    Channel = "push"    // remote push request
	ChannelHistory Channel = "history" // recorded only, no alert
)

// ErrIllegalTransition is returned when a status change would move a record
// backwards or out of a terminal state.
var ErrIllegalTransition = errors.New("notify: illegal status transition")

// Payload ties a record to the message that produced it.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Type           string `json:"type"`
}

// Record is one notification for one recipient about one message.
type Record struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Payload     Payload    `json:"payload"`
	Channel     Channel    `json:"channel"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Advance moves the record forward. Allowed moves are sent→delivered,
// sent→failed, delivered→opened and sent→opened, which stamps DeliveredAt
// on the way through. Repeating the current status is a no-op.
func (r *Record) Advance(to Status, at time.Time) error {
	if r.Status == to {
		return nil
	}
	switch {
	case r.Status == StatusSent && to == StatusDelivered:
		r.DeliveredAt = &at
	case r.Status == StatusSent && to == StatusFailed:
	case r.Status == StatusSent && to == StatusOpened:
		r.DeliveredAt = &at
		r.OpenedAt = &at
	case r.Status == StatusDelivered && to == StatusOpened:
		r.OpenedAt = &at
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// Unread reports whether the record counts toward the badge.
func (r Record) Unread() bool {
	return r.Status == StatusSent || r.Status == StatusDelivered
}
