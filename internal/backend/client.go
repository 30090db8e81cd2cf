// Package backend adapts Postgres, Redis and NATS to the interfaces the chat
// core consumes: message creation, the realtime conversation feed, presence,
// typing broadcast and push requests.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/messaging"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/typing"
)

// PushJob is the payload published on push.send for the vendor push worker.
type PushJob struct {
	RecipientIDs []string          `json:"recipient_ids"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
	QueuedAt     time.Time         `json:"queued_at"`
}

// PushReceipt is published on push.delivered once the vendor accepted a
// notification for a device.
type PushReceipt struct {
	MessageID   string    `json:"message_id"`
	RecipientID string    `json:"recipient_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Client is the single backend collaborator handed to the core.
type Client struct {
	repo     *Repository
	nats     *messaging.NATSClient
	presence *presence.RedisBackend
	logger   *zap.Logger
}

// NewClient composes the repository, NATS client and presence store.
func NewClient(repo *Repository, nc *messaging.NATSClient, pb *presence.RedisBackend, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		repo:     repo,
		nats:     nc,
		presence: pb,
		logger:   logger.Named("backend"),
	}
}

// CreateMessage persists a message and fans it out on the conversation feed.
// A failed broadcast is logged, not returned: the row is durable and the
// sender reconciles from the response.
func (c *Client) CreateMessage(ctx context.Context, req chat.CreateRequest) (message.Message, error) {
	m, err := c.repo.CreateMessage(ctx, req)
	if err != nil {
		return message.Message{}, err
	}
	c.publish(chat.Event{
		Type:           chat.EventMessageInsert,
		ConversationID: m.ConversationID,
		From:           m.SenderID,
		Message:        &m,
	})
	return m, nil
}

// DeleteMessage soft-deletes a message and broadcasts the update.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID, senderID string) (message.Message, error) {
	m, err := c.repo.DeleteMessage(ctx, conversationID, messageID, senderID)
	if err != nil {
		return message.Message{}, err
	}
	c.publish(chat.Event{
		Type:           chat.EventMessageUpdate,
		ConversationID: m.ConversationID,
		From:           senderID,
		Message:        &m,
	})
	return m, nil
}

// RecentMessages returns the tail of a conversation's history.
func (c *Client) RecentMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	return c.repo.RecentMessages(ctx, conversationID, limit)
}

// GetConversation loads a conversation from Postgres.
func (c *Client) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	return c.repo.GetConversation(ctx, id)
}

// SubscribeToConversation delivers every event published on
// conversation.<id>, including the caller's own echoes.
func (c *Client) SubscribeToConversation(ctx context.Context, conversationID string, onEvent func(chat.Event)) (chat.Subscription, error) {
	sub, err := c.nats.SubscribeConversation(conversationID, func(data []byte) {
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bad conversation event", zap.String("conversation_id", conversationID), zap.Error(err))
			return
		}
		if ev.ConversationID == "" {
			ev.ConversationID = conversationID
		}
		onEvent(ev)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetProfilesPresence reads presence records from Redis.
func (c *Client) GetProfilesPresence(ctx context.Context, userIDs []string) ([]presence.Record, error) {
	return c.presence.GetProfilesPresence(ctx, userIDs)
}

// SetOwnPresence writes the user's presence and broadcasts it on
// presence.<user_id>.
func (c *Client) SetOwnPresence(ctx context.Context, userID string, online bool) error {
	rec, err := c.presence.Write(ctx, userID, online)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("backend: marshal presence: %w", err)
	}
	if err := c.nats.PublishPresence(userID, data); err != nil {
		c.logger.Warn("presence broadcast failed", zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// SubscribeToPresence delivers presence broadcasts for one user.
func (c *Client) SubscribeToPresence(ctx context.Context, userID string, fn func(presence.Record)) (chat.Subscription, error) {
	sub, err := c.nats.SubscribePresence(userID, func(data []byte) {
		var rec presence.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.Warn("bad presence event", zap.String("user_id", userID), zap.Error(err))
			return
		}
		fn(rec)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// BroadcastTyping publishes a typing signal on the conversation feed.
func (c *Client) BroadcastTyping(ctx context.Context, ev typing.Event) error {
	data, err := json.Marshal(chat.Event{
		Type:           chat.EventTyping,
		ConversationID: ev.ConversationID,
		From:           ev.UserID,
		Typing:         &ev,
	})
	if err != nil {
		return fmt.Errorf("backend: marshal typing: %w", err)
	}
	return c.nats.PublishConversation(ev.ConversationID, data)
}

// SendPushNotification queues a push job on push.send.
func (c *Client) SendPushNotification(ctx context.Context, recipientIDs []string, title, body string, data map[string]string) error {
	payload, err := json.Marshal(PushJob{
		RecipientIDs: recipientIDs,
		Title:        title,
		Body:         body,
		Data:         data,
		QueuedAt:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("backend: marshal push: %w", err)
	}
	return c.nats.PublishPush(payload)
}

// SubscribeToPushReceipts delivers vendor acknowledgements. Receipts are
// load-balanced across nodes, so each one is handled once.
func (c *Client) SubscribeToPushReceipts(fn func(PushReceipt)) (chat.Subscription, error) {
	sub, err := c.nats.SubscribePushReceipts(func(data []byte) {
		var r PushReceipt
		if err := json.Unmarshal(data, &r); err != nil {
			c.logger.Warn("bad push receipt", zap.Error(err))
			return
		}
		if r.MessageID == "" || r.RecipientID == "" {
			return
		}
		fn(r)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *Client) publish(ev chat.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshal event failed", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := c.nats.PublishConversation(ev.ConversationID, data); err != nil {
		c.logger.Warn("event broadcast failed",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
