package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/metrics"
)

// ErrDispatcherClosed is returned by Send and Retry after Close.
var ErrDispatcherClosed = errors.New("chat: dispatcher closed")

// evaluateTimeout bounds one notifier call. Evaluation is detached from the
// dispatcher's lifetime so a confirmation is evaluated even after Close.
const evaluateTimeout = 10 * time.Second

// CreateRequest is a message submission. IdempotencyKey is reused across
// retries so the backend can collapse a retried send that already succeeded.
type CreateRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           message.Type
	IdempotencyKey string
}

// Subscription is a live realtime feed registration.
type Subscription interface {
	Unsubscribe() error
}

// Backend is the storage and realtime collaborator the dispatcher talks to.
type Backend interface {
	CreateMessage(ctx context.Context, req CreateRequest) (message.Message, error)
	SubscribeToConversation(ctx context.Context, conversationID string, onEvent func(Event)) (Subscription, error)
}

// Notifier evaluates a confirmed message for notification delivery. It must
// not block message delivery on failure.
type Notifier interface {
	Evaluate(ctx context.Context, msg message.Message, recipients []string)
}

// Dispatcher drives sends and receives for one conversation. It owns the
// conversation's Store.
type Dispatcher struct {
	conv     Conversation
	self     string
	store    *Store
	backend  Backend
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger
	flight   singleflight.Group

	wg sync.WaitGroup

	mu          sync.Mutex
	sub         Subscription
	passthrough func(Event)
	onConfirm   func(message.Message)
	closed      bool
}

// NewDispatcher creates a dispatcher for conv acting as user self. notifier
// may be nil. nil clock and logger fall back to defaults.
func NewDispatcher(conv Conversation, self string, store *Store, backend Backend, notifier Notifier, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		conv:     conv,
		self:     self,
		store:    store,
		backend:  backend,
		notifier: notifier,
		clock:    clk,
		logger:   logger.Named("dispatcher").With(zap.String("conversation_id", conv.ID)),
	}
}

// Store returns the message store the dispatcher writes to.
func (d *Dispatcher) Store() *Store {
	return d.store
}

// OnEvent registers a handler for non-message feed events (typing,
// presence). It must be set before Start.
func (d *Dispatcher) OnEvent(fn func(Event)) {
	d.mu.Lock()
	d.passthrough = fn
	d.mu.Unlock()
}

// OnConfirm registers a handler called with every server message that was
// folded into the store.
func (d *Dispatcher) OnConfirm(fn func(message.Message)) {
	d.mu.Lock()
	d.onConfirm = fn
	d.mu.Unlock()
}

// Start subscribes to the conversation's realtime feed.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.mu.Unlock()

	sub, err := d.backend.SubscribeToConversation(ctx, d.conv.ID, d.HandleEvent)
	if err != nil {
		return fmt.Errorf("chat: subscribe conversation %s: %w", d.conv.ID, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = sub.Unsubscribe()
		return ErrDispatcherClosed
	}
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// Send validates content, appends an optimistic pending message and submits
// it in the background. It returns the message handle (its idempotency key).
// A validation failure is returned before anything is stored or sent.
func (d *Dispatcher) Send(content string, typ message.Type) (string, error) {
	if err := message.Validate(content, typ); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	now := d.clock.Now()
	m := message.Message{
		IdempotencyKey: uuid.NewString(),
		ConversationID: d.conv.ID,
		SenderID:       d.self,
		Content:        content,
		Type:           typ,
		CreatedAt:      now,
		State:          message.NewPending(now),
	}

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", ErrDispatcherClosed
	}

	key, err := d.store.Append(m)
	if errors.Is(err, ErrStoreClosed) {
		return "", ErrDispatcherClosed
	}
	if err != nil {
		return "", err
	}
	if !d.spawn(func() { d.submit(m) }) {
		return "", ErrDispatcherClosed
	}
	return key, nil
}

// Retry resubmits a failed message under its original idempotency key. If
// the message is still in flight the retry joins that submission.
func (d *Dispatcher) Retry(handle string) error {
	m, err := d.store.Retry(handle, d.clock.Now())
	if err != nil {
		return err
	}

	if !d.spawn(func() { d.submit(m) }) {
		return ErrDispatcherClosed
	}
	metrics.MessagesTotal.WithLabelValues("retried").Inc()
	return nil
}

// spawn runs fn on a goroutine tracked by Close. It returns false once the
// dispatcher is closed.
func (d *Dispatcher) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Dispatcher) submit(m message.Message) {
	start := d.clock.Now()
	// A send already handed to the backend outlives the conversation view;
	// Close waits for it rather than cancelling it.
	ctx := context.Background()
	v, err, _ := d.flight.Do(m.IdempotencyKey, func() (interface{}, error) {
		return d.backend.CreateMessage(ctx, CreateRequest{
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Type:           m.Type,
			IdempotencyKey: m.IdempotencyKey,
		})
	})
	if err != nil {
		if message.IsValidation(err) {
			// Rejected for good: a retry under the same key would fail again.
			if d.store.Remove(m.IdempotencyKey) {
				metrics.MessagesTotal.WithLabelValues("rejected").Inc()
				d.logger.Warn("message rejected by backend",
					zap.String("client_key", m.IdempotencyKey),
					zap.Error(err))
			}
			return
		}
		terr := &message.TransientNetworkError{Op: "create message", Err: err}
		if d.store.Fail(m.IdempotencyKey, terr, d.clock.Now()) {
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("message send failed",
				zap.String("client_key", m.IdempotencyKey),
				zap.Error(err))
		}
		return
	}

	confirmed := v.(message.Message)
	if confirmed.IdempotencyKey == "" {
		confirmed.IdempotencyKey = m.IdempotencyKey
	}
	outcome := d.reconcile(confirmed)
	if outcome != OutcomeIgnored {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		metrics.SendLatency.Observe(d.clock.Now().Sub(start).Seconds())
		return
	}
	if d.isClosed() {
		// The view is gone but the message is persisted; recipients still
		// need their evaluation.
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
		d.notify(confirmed)
	}
}

// HandleEvent routes one realtime feed event. Message events are reconciled
// into the store; everything else goes to the OnEvent handler. It is safe to
// call after Close.
func (d *Dispatcher) HandleEvent(ev Event) {
	d.mu.Lock()
	closed := d.closed
	passthrough := d.passthrough
	d.mu.Unlock()
	if closed {
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != d.conv.ID {
		return
	}

	switch ev.Type {
	case EventMessageInsert, EventMessageUpdate:
		if ev.Message == nil {
			return
		}
		d.reconcile(*ev.Message)
	default:
		if passthrough != nil {
			passthrough(ev)
		}
	}
}

// reconcile folds a server message into the store. A newly confirmed or
// newly seen message goes to the notifier; refreshes of a message already in
// the store were evaluated when it first arrived. Own echoes land here too and
// are matched by idempotency key.
func (d *Dispatcher) reconcile(server message.Message) Outcome {
	outcome := d.store.Reconcile(server)
	metrics.Reconciliations.WithLabelValues(outcome.String()).Inc()
	if outcome == OutcomeIgnored {
		return outcome
	}
	d.logger.Debug("reconciled message",
		zap.String("message_id", server.ID),
		zap.String("client_key", server.IdempotencyKey),
		zap.Stringer("outcome", outcome))

	d.mu.Lock()
	onConfirm := d.onConfirm
	d.mu.Unlock()
	if onConfirm != nil {
		onConfirm(server)
	}

	if outcome == OutcomeReplaced || outcome == OutcomeInserted {
		d.notify(server)
	}
	return outcome
}

// notify hands a confirmed message to the notifier on a separate goroutine,
// so a slow notification path never holds up the feed. Once the dispatcher
// is closed no goroutine can be tracked and the call runs inline.
func (d *Dispatcher) notify(server message.Message) {
	if d.notifier == nil || server.Deleted() {
		return
	}
	recipients := d.conv.ParticipantIDs()
	evaluate := func() {
		ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
		defer cancel()
		d.notifier.Evaluate(ctx, server, recipients)
	}
	if !d.spawn(evaluate) {
		evaluate()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close unsubscribes from the feed, tears down the store and waits for
// in-flight submissions and notifier calls to settle. It is idempotent.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	var err error
	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil {
			err = fmt.Errorf("chat: unsubscribe conversation %s: %w", d.conv.ID, uerr)
		}
	}
	d.store.Close()
	d.wg.Wait()
	return err
}
