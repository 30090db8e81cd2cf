// Package protocol defines the WebSocket frames exchanged between the UI and
// the chat gateway. All frames are JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/notify"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeOpen               = "open"
	TypeClose              = "close"
	TypeSend               = "send"
	TypeRetry              = "retry"
	TypeDelete             = "delete"
	TypeTyping             = "typing"
	TypeStopTyping         = "stop_typing"
	TypeAppState           = "app_state"
	TypeNotificationOpened = "notification_opened"
	TypePing               = "ping"
)

// Server -> Client frame types.
const (
	TypeSnapshot     = "snapshot"
	TypeSendAck      = "send_ack"
	TypeBadge        = "badge"
	TypeNotification = "notification"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidFrame   = "invalid_frame"
	CodeInvalidMessage = "invalid_message"
	CodeNotOpen        = "conversation_not_open"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// OpenMsg opens a conversation on this connection.
type OpenMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// CloseMsg closes a previously opened conversation.
type CloseMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMsg sends a message. MessageType defaults to text.
type SendMsg struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	MessageType    message.Type `json:"message_type,omitempty"`
}

// RetryMsg resends a failed message by handle.
type RetryMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Handle         string `json:"handle"`
}

// DeleteMsg soft-deletes one of the user's own messages.
type DeleteMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// TypingMsg is sent on every keystroke.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// StopTypingMsg clears the typing signal (input cleared or blurred).
type StopTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// AppStateMsg reports whether the app is in the foreground.
type AppStateMsg struct {
	Type       string `json:"type"`
	Foreground bool   `json:"foreground"`
}

// NotificationOpenedMsg marks a notification as opened.
type NotificationOpenedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// SnapshotMsg carries the full UI state of one open conversation.
type SnapshotMsg struct {
	Type string `json:"type"`
	chat.Snapshot
}

// SendAckMsg tells the client the handle of a message it just sent.
type SendAckMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Handle         string `json:"handle"`
}

// BadgeMsg carries the unread notification count.
type BadgeMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// NotificationMsg is a local in-app alert.
type NotificationMsg struct {
	Type           string       `json:"type"`
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Body           string       `json:"body"`
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id"`
	MessageType    message.Type `json:"message_type"`
}

// NewNotificationMsg builds the alert frame for a ledger record.
func NewNotificationMsg(rec notify.Record) NotificationMsg {
	return NotificationMsg{
		ID:             rec.ID,
		Title:          rec.Title,
		Body:           rec.Body,
		ConversationID: rec.Payload.ConversationID,
		MessageID:      rec.Payload.MessageID,
		MessageType:    message.Type(rec.Payload.Type),
	}
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any parse error. Unknown
// and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpen:
		var m OpenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeClose:
		var m CloseMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		if m.MessageType == "" {
			m.MessageType = message.TypeText
		}
		msg = m
	case TypeRetry:
		var m RetryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDelete:
		var m DeleteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAppState:
		var m AppStateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNotificationOpened:
		var m NotificationOpenedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server frame. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
