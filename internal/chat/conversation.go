package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amora/chat-core/internal/message"
)

// Conversation is a 1:1 conversation between two participants. The backend
// owns it; the core only keeps a cached copy.
type Conversation struct {
	ID            string
	Participants  [2]string
	LastMessageID string
	LastMessageAt time.Time // creation time of LastMessageID, zero if none
	CreatedAt     time.Time
}

// Partner returns the other participant, or "" if userID is not in the
// conversation.
func (c Conversation) Partner(userID string) string {
	if userID == c.Participants[0] {
		return c.Participants[1]
	}
	if userID == c.Participants[1] {
		return c.Participants[0]
	}
	return ""
}

// IsParticipant checks if userID is part of this conversation.
func (c Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.Participants[0] || userID == c.Participants[1])
}

// ParticipantIDs returns both participants as a slice.
func (c Conversation) ParticipantIDs() []string {
	return []string{c.Participants[0], c.Participants[1]}
}

// ConversationLoader reads a conversation from the backend.
type ConversationLoader interface {
	GetConversation(ctx context.Context, id string) (Conversation, error)
}

// ConversationCache is a read-through cache keyed by conversation id.
// Concurrent misses for one id share a single backend load.
type ConversationCache struct {
	loader ConversationLoader
	flight singleflight.Group

	mu    sync.RWMutex
	items map[string]Conversation
}

// NewConversationCache creates an empty cache over loader.
func NewConversationCache(loader ConversationLoader) *ConversationCache {
	return &ConversationCache{
		loader: loader,
		items:  make(map[string]Conversation),
	}
}

// Get returns the cached conversation, loading it on a miss.
func (c *ConversationCache) Get(ctx context.Context, id string) (Conversation, error) {
	c.mu.RLock()
	conv, ok := c.items[id]
	c.mu.RUnlock()
	if ok {
		return conv, nil
	}

	v, err, _ := c.flight.Do(id, func() (interface{}, error) {
		conv, err := c.loader.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[id] = conv
		c.mu.Unlock()
		return conv, nil
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: load conversation %s: %w", id, err)
	}
	return v.(Conversation), nil
}

// Touch moves the cached conversation's last-message pointer to m. Older
// messages, such as an update to an earlier message, leave it in place.
func (c *ConversationCache) Touch(m message.Message) {
	if m.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.items[m.ConversationID]
	if !ok || m.CreatedAt.Before(conv.LastMessageAt) {
		return
	}
	conv.LastMessageID = m.ID
	conv.LastMessageAt = m.CreatedAt
	c.items[m.ConversationID] = conv
}

// Invalidate drops one conversation.
func (c *ConversationCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// InvalidateAll drops every cached conversation. It is called on realtime
// reconnect, since updates may have been missed while disconnected.
func (c *ConversationCache) InvalidateAll() {
	c.mu.Lock()
	c.items = make(map[string]Conversation)
	c.mu.Unlock()
}

// Len returns the number of cached conversations.
func (c *ConversationCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
