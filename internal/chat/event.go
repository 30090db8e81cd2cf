package chat

import (
	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/typing"
)

// EventType discriminates realtime events on a conversation feed.
type EventType string

const (
	EventMessageInsert EventType = "message.insert"
	EventMessageUpdate EventType = "message.update"
	EventTyping        EventType = "typing"
	EventPresence      EventType = "presence"
)

// Event is the payload published on conversation.<id> subjects. Exactly one
// of Message, Typing or Presence is set, according to Type.
type Event struct {
	Type           EventType        `json:"type"`
	ConversationID string           `json:"conversation_id"`
	From           string           `json:"from"` // user id of the originator
	Message        *message.Message `json:"message,omitempty"`
	Typing         *typing.Event    `json:"typing,omitempty"`
	Presence       *presence.Record `json:"presence,omitempty"`
}
