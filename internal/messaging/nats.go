// Package messaging provides a NATS client wrapper for the realtime feed.
// It handles connection lifecycle, subject naming and subscription
// bookkeeping for conversation, presence and push subjects.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns.
const (
	SubjectConversation = "conversation" // + .<conversation_id>
	SubjectPresence     = "presence"     // + .<user_id>
	SubjectPushSend     = "push.send"      // consumed by the vendor push worker
	SubjectPushReceipts = "push.delivered" // vendor acknowledgements

	// QueuePushReceipts makes each acknowledgement land on one chatd node.
	QueuePushReceipts = "push-receipts"
)

// ConversationSubject returns the subject for a conversation's feed.
func ConversationSubject(conversationID string) string {
	return SubjectConversation + "." + conversationID
}

// PresenceSubject returns the subject for a user's presence broadcasts.
func PresenceSubject(userID string) string {
	return SubjectPresence + "." + userID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu          sync.Mutex
	subs        map[uint64]*nats.Subscription
	nextID      uint64
	onReconnect []func()
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &NATSClient{
		logger: logger.Named("nats"),
		subs:   make(map[uint64]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
			c.fireReconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	c.logger.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return c, nil
}

// OnReconnect registers fn to run after the connection is re-established.
// Events published while disconnected are lost, so callers use this to
// invalidate caches or refetch.
func (c *NATSClient) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *NATSClient) fireReconnect() {
	c.mu.Lock()
	fns := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Connected reports whether the underlying connection is up.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscription is a handle on one NATS subscription owned by the client.
type Subscription struct {
	client *NATSClient
	id     uint64
	once   sync.Once
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.client.unsubscribe(s.id)
	})
	return err
}

// Subscribe registers a handler for the given subject. Several handlers may
// share a subject; each gets its own handle.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (*Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return c.track(sub), nil
}

// QueueSubscribe is Subscribe with queue-group load balancing.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(data []byte)) (*Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	return c.track(sub), nil
}

// PublishConversation publishes data to conversation.<id>.
func (c *NATSClient) PublishConversation(conversationID string, data []byte) error {
	return c.Publish(ConversationSubject(conversationID), data)
}

// SubscribeConversation subscribes to conversation.<id>.
func (c *NATSClient) SubscribeConversation(conversationID string, handler func(data []byte)) (*Subscription, error) {
	return c.Subscribe(ConversationSubject(conversationID), handler)
}

// PublishPresence publishes data to presence.<user_id>.
func (c *NATSClient) PublishPresence(userID string, data []byte) error {
	return c.Publish(PresenceSubject(userID), data)
}

// SubscribePresence subscribes to presence.<user_id>.
func (c *NATSClient) SubscribePresence(userID string, handler func(data []byte)) (*Subscription, error) {
	return c.Subscribe(PresenceSubject(userID), handler)
}

// PublishPush hands a push job to the delivery workers.
func (c *NATSClient) PublishPush(data []byte) error {
	return c.Publish(SubjectPushSend, data)
}

// SubscribePushReceipts joins the receipt queue group on push.delivered.
func (c *NATSClient) SubscribePushReceipts(handler func(data []byte)) (*Subscription, error) {
	return c.QueueSubscribe(SubjectPushReceipts, QueuePushReceipts, handler)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", zap.String("subject", sub.Subject), zap.Uint64("sub_id", id), zap.Error(err))
		}
	}
	c.subs = make(map[uint64]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", zap.Error(err))
	}

	c.logger.Info("client closed")
}

func (c *NATSClient) track(sub *nats.Subscription) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs[c.nextID] = sub
	return &Subscription{client: c, id: c.nextID}
}

// unsubscribe removes and unsubscribes a tracked subscription.
func (c *NATSClient) unsubscribe(id uint64) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, id)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}
