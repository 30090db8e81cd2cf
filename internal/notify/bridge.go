// Package notify decides whether a confirmed message should raise an alert
// for each recipient, records at most one notification per recipient per
// message, and delivers it as an in-app alert or a remote push. Delivery is
// best-effort: failures are logged and never reach the message path.
package notify

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/metrics"
)

// Reason explains a decision.
type Reason string

const (
	ReasonDeliver    Reason = "deliver"
	ReasonSender     Reason = "sender"
	ReasonViewing    Reason = "viewing"
	ReasonQuietHours Reason = "quiet_hours"
	ReasonPreference Reason = "preference"
	ReasonThrottled  Reason = "throttled"
	ReasonDuplicate  Reason = "duplicate"
)

// Decision is the outcome of evaluating one message for one recipient.
type Decision struct {
	Reason  Reason
	Channel Channel // set when Reason is ReasonDeliver, or ChannelHistory
	Record  bool    // whether a NotificationRecord is written
}

// Deliver reports whether an alert should be raised.
func (d Decision) Deliver() bool {
	return d.Reason == ReasonDeliver
}

// PresenceReader answers whether a user is online.
type PresenceReader interface {
	IsOnline(userID string) bool
}

// AppState is what a recipient's client currently shows.
type AppState struct {
	Foreground          bool
	ViewingConversation string
}

// AppStateSource looks up a recipient's client state.
type AppStateSource interface {
	AppState(ctx context.Context, userID string) (AppState, error)
}

// Pusher requests a remote push from the push vendor.
type Pusher interface {
	SendPushNotification(ctx context.Context, recipientIDs []string, title, body string, data map[string]string) error
}

// LocalAlerter raises an in-app alert on a recipient's foregrounded client.
type LocalAlerter interface {
	Alert(ctx context.Context, rec Record) error
}

// Throttle limits repeated pushes to one recipient about one conversation.
type Throttle interface {
	AllowPush(ctx context.Context, recipientID, conversationID string) bool
}

// Deps are the bridge's collaborators. Only Ledger is required.
type Deps struct {
	Presence    PresenceReader
	AppState    AppStateSource
	Preferences PreferenceSource
	Ledger      Ledger
	Pusher      Pusher
	Alerter     LocalAlerter
	Throttle    Throttle
}

// Config tunes the bridge's policy.
type Config struct {
	// HistoryDuringQuietHours writes a record (no alert) for messages that
	// arrive during quiet hours, so they still count toward the badge.
	HistoryDuringQuietHours bool
	// PreviewChars bounds the text preview in alert bodies.
	PreviewChars int
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{HistoryDuringQuietHours: true, PreviewChars: 120}
}

// Bridge is the notification decision and delivery service. One instance is
// shared by every open conversation in the process.
type Bridge struct {
	deps   Deps
	config Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(deps Deps, config Config, clk clock.Clock, logger *zap.Logger) *Bridge {
	if deps.Ledger == nil {
		deps.Ledger = NewMemoryLedger()
	}
	if config.PreviewChars <= 0 {
		config.PreviewChars = DefaultConfig().PreviewChars
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{deps: deps, config: config, clock: clk, logger: logger.Named("notify")}
}

// Decide evaluates one recipient. It has no side effects.
func (b *Bridge) Decide(ctx context.Context, msg message.Message, recipientID string) Decision {
	return b.decide(ctx, KindMessage, msg, recipientID)
}

func (b *Bridge) decide(ctx context.Context, kind Kind, msg message.Message, recipientID string) Decision {
	if recipientID == msg.SenderID {
		return Decision{Reason: ReasonSender}
	}

	state := b.appState(ctx, recipientID)
	online := b.deps.Presence != nil && b.deps.Presence.IsOnline(recipientID)
	if online && state.Foreground && state.ViewingConversation == msg.ConversationID {
		return Decision{Reason: ReasonViewing}
	}

	prefs := b.preferences(ctx, recipientID)
	if prefs.QuietHours != nil {
		local := b.clock.Now().In(prefs.Location())
		quiet, err := prefs.QuietHours.Contains(local)
		if err != nil {
			b.logger.Warn("ignoring malformed quiet hours",
				zap.String("recipient_id", recipientID), zap.Error(err))
		} else if quiet {
			return Decision{
				Reason:  ReasonQuietHours,
				Channel: ChannelHistory,
				Record:  b.config.HistoryDuringQuietHours,
			}
		}
	}

	if !prefs.Allows(kind) {
		return Decision{Reason: ReasonPreference}
	}

	channel := ChannelPush
	if state.Foreground {
		channel = ChannelLocal
	}
	return Decision{Reason: ReasonDeliver, Channel: channel, Record: true}
}

// Evaluate decides and delivers for every recipient of a confirmed message.
// It never returns an error; failures are logged.
func (b *Bridge) Evaluate(ctx context.Context, msg message.Message, recipients []string) {
	if msg.ID == "" {
		return
	}
	seen := make(map[string]struct{}, len(recipients))
	for _, recipientID := range recipients {
		if recipientID == "" {
			continue
		}
		if _, dup := seen[recipientID]; dup {
			continue
		}
		seen[recipientID] = struct{}{}
		b.evaluateOne(ctx, msg, recipientID)
	}
}

func (b *Bridge) evaluateOne(ctx context.Context, msg message.Message, recipientID string) {
	d := b.decide(ctx, KindMessage, msg, recipientID)
	if !d.Record {
		metrics.NotificationDecisions.WithLabelValues(string(d.Reason)).Inc()
		return
	}

	if d.Deliver() && d.Channel == ChannelPush && b.deps.Throttle != nil &&
		!b.deps.Throttle.AllowPush(ctx, recipientID, msg.ConversationID) {
		// Too many pushes about this conversation: keep the record for the
		// badge but raise nothing.
		b.logger.Debug("push throttled",
			zap.String("recipient_id", recipientID),
			zap.String("conversation_id", msg.ConversationID))
		d = Decision{Reason: ReasonThrottled, Channel: ChannelHistory, Record: true}
	}

	rec := b.buildRecord(msg, recipientID, d.Channel)
	created, err := b.deps.Ledger.Create(ctx, rec)
	if err != nil {
		// Without the ledger there is no duplicate guard; skip the alert
		// rather than risk repeating it on replay.
		b.logger.Warn("notification history write failed",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		metrics.NotificationDecisions.WithLabelValues("ledger_error").Inc()
		return
	}
	if !created {
		metrics.NotificationDecisions.WithLabelValues(string(ReasonDuplicate)).Inc()
		return
	}
	metrics.NotificationDecisions.WithLabelValues(string(d.Reason)).Inc()
	if !d.Deliver() {
		return
	}
	b.deliver(ctx, rec)
}

// deliver raises the alert on the record's channel and advances the record.
func (b *Bridge) deliver(ctx context.Context, rec Record) {
	var err error
	switch rec.Channel {
	case ChannelLocal:
		if b.deps.Alerter == nil {
			err = errNoAlerter
		} else {
			err = b.deps.Alerter.Alert(ctx, rec)
		}
	case ChannelPush:
		if b.deps.Pusher == nil {
			err = errNoPusher
		} else {
			err = b.deps.Pusher.SendPushNotification(ctx, []string{rec.RecipientID}, rec.Title, rec.Body, map[string]string{
				"conversation_id": rec.Payload.ConversationID,
				"message_id":      rec.Payload.MessageID,
				"type":            rec.Payload.Type,
			})
		}
	}

	now := b.clock.Now()
	if err != nil {
		metrics.NotificationDeliveries.WithLabelValues(string(rec.Channel), "error").Inc()
		derr := &NotificationDeliveryError{
			RecipientID: rec.RecipientID,
			MessageID:   rec.Payload.MessageID,
			Channel:     rec.Channel,
			Err:         err,
		}
		b.logger.Warn("notification delivery failed", zap.Error(derr))
		b.advance(ctx, rec, StatusFailed, now)
		return
	}
	metrics.NotificationDeliveries.WithLabelValues(string(rec.Channel), "ok").Inc()

	// A push request only reaches "delivered" when the vendor acknowledges
	// it (MarkDelivered); an in-app alert is delivered on write.
	if rec.Channel == ChannelLocal {
		b.advance(ctx, rec, StatusDelivered, now)
	}
}

func (b *Bridge) advance(ctx context.Context, rec Record, to Status, at time.Time) {
	if err := b.deps.Ledger.Advance(ctx, rec.Payload.MessageID, rec.RecipientID, to, at); err != nil {
		b.logger.Warn("notification status update failed",
			zap.String("recipient_id", rec.RecipientID),
			zap.String("message_id", rec.Payload.MessageID),
			zap.String("status", string(to)),
			zap.Error(err))
	}
}

// MarkDelivered records a delivery acknowledgement.
func (b *Bridge) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	return b.deps.Ledger.Advance(ctx, messageID, recipientID, StatusDelivered, b.clock.Now())
}

// MarkOpened records that the recipient opened the notification.
func (b *Bridge) MarkOpened(ctx context.Context, messageID, recipientID string) error {
	return b.deps.Ledger.Advance(ctx, messageID, recipientID, StatusOpened, b.clock.Now())
}

// UnreadCount returns the badge count for recipientID.
func (b *Bridge) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	return b.deps.Ledger.UnreadCount(ctx, recipientID)
}

func (b *Bridge) appState(ctx context.Context, userID string) AppState {
	if b.deps.AppState == nil {
		return AppState{}
	}
	st, err := b.deps.AppState.AppState(ctx, userID)
	if err != nil {
		b.logger.Debug("app state lookup failed", zap.String("user_id", userID), zap.Error(err))
		return AppState{}
	}
	return st
}

func (b *Bridge) preferences(ctx context.Context, userID string) Preferences {
	if b.deps.Preferences == nil {
		return DefaultPreferences()
	}
	p, err := b.deps.Preferences.Preferences(ctx, userID)
	if err != nil {
		b.logger.Debug("preference lookup failed, using defaults", zap.String("user_id", userID), zap.Error(err))
		return DefaultPreferences()
	}
	return p
}

func (b *Bridge) buildRecord(msg message.Message, recipientID string, channel Channel) Record {
	return Record{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Title:       "New message",
		Body:        b.body(msg),
		Payload: Payload{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Type:           string(msg.Type),
		},
		Channel:   channel,
		Status:    StatusSent,
		CreatedAt: b.clock.Now(),
	}
}

// body renders the alert text for a message.
func (b *Bridge) body(msg message.Message) string {
	switch msg.Type {
	case message.TypePhoto:
		return "Sent a photo"
	case message.TypeVoice:
		return "Sent a voice message"
	case message.TypeGIF:
		return "Sent a GIF"
	case message.TypeSticker:
		return "Sent a sticker"
	}
	text := strings.Join(strings.Fields(msg.Content), " ")
	if utf8.RuneCountInString(text) <= b.config.PreviewChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:b.config.PreviewChars]) + "…"
}
