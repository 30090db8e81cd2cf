package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/protocol"
	"github.com/amora/chat-core/internal/ratelimit"
)

// frameTimeout bounds the backend work a single frame may trigger.
const frameTimeout = 5 * time.Second

func (s *Server) registerHandlers() {
	s.router.Register(protocol.TypeOpen, s.handleOpen)
	s.router.Register(protocol.TypeClose, s.handleClose)
	s.router.Register(protocol.TypeSend, s.handleSend)
	s.router.Register(protocol.TypeRetry, s.handleRetry)
	s.router.Register(protocol.TypeDelete, s.handleDelete)
	s.router.Register(protocol.TypeTyping, s.handleTyping)
	s.router.Register(protocol.TypeStopTyping, s.handleStopTyping)
	s.router.Register(protocol.TypeAppState, s.handleAppState)
	s.router.Register(protocol.TypeNotificationOpened, s.handleNotificationOpened)
}

func (s *Server) handleOpen(p *peer, msg interface{}) {
	m, ok := msg.(protocol.OpenMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	sess, err := p.open(ctx, m.ConversationID)
	switch {
	case errors.Is(err, errForbidden):
		p.sendError(protocol.CodeForbidden, "not a participant of this conversation")
		return
	case err != nil:
		p.logger.Warn("open conversation failed", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		p.sendError(protocol.CodeInternal, "could not open conversation")
		return
	}
	p.send(protocol.TypeSnapshot, protocol.SnapshotMsg{Snapshot: sess.Snapshot()})
	p.sendBadge(ctx)
}

func (s *Server) handleClose(p *peer, msg interface{}) {
	m, ok := msg.(protocol.CloseMsg)
	if !ok {
		return
	}
	if !p.closeSession(m.ConversationID) {
		p.sendError(protocol.CodeNotOpen, "conversation is not open")
	}
}

func (s *Server) handleSend(p *peer, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	sess := p.session(m.ConversationID)
	if sess == nil {
		p.sendError(protocol.CodeNotOpen, "conversation is not open")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	if !s.allow(ctx, p, ratelimit.RuleMessage) {
		return
	}

	handle, err := sess.Send(ctx, m.Content, m.MessageType)
	if err != nil {
		var verr *message.ValidationError
		if errors.As(err, &verr) {
			p.sendError(protocol.CodeInvalidMessage, verr.Error())
			return
		}
		p.logger.Warn("send failed", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		p.sendError(protocol.CodeInternal, "send failed")
		return
	}
	p.send(protocol.TypeSendAck, protocol.SendAckMsg{ConversationID: m.ConversationID, Handle: handle})
}

func (s *Server) handleRetry(p *peer, msg interface{}) {
	m, ok := msg.(protocol.RetryMsg)
	if !ok {
		return
	}
	sess := p.session(m.ConversationID)
	if sess == nil {
		p.sendError(protocol.CodeNotOpen, "conversation is not open")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if !s.allow(ctx, p, ratelimit.RuleMessage) {
		return
	}

	err := sess.Retry(m.Handle)
	switch {
	case err == nil, errors.Is(err, chat.ErrAlreadyConfirmed):
		// Retrying a confirmed message is a harmless double tap.
	case errors.Is(err, chat.ErrUnknownMessage):
		p.sendError(protocol.CodeInvalidMessage, "unknown message")
	default:
		p.logger.Warn("retry failed", zap.String("handle", m.Handle), zap.Error(err))
		p.sendError(protocol.CodeInternal, "retry failed")
	}
}

func (s *Server) handleDelete(p *peer, msg interface{}) {
	m, ok := msg.(protocol.DeleteMsg)
	if !ok {
		return
	}
	if p.session(m.ConversationID) == nil {
		p.sendError(protocol.CodeNotOpen, "conversation is not open")
		return
	}
	if s.deps.Deleter == nil {
		p.sendError(protocol.CodeInternal, "delete unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	// The update comes back through the conversation feed.
	if _, err := s.deps.Deleter.DeleteMessage(ctx, m.ConversationID, m.MessageID, p.conn.UserID); err != nil {
		p.logger.Warn("delete failed", zap.String("message_id", m.MessageID), zap.Error(err))
		p.sendError(protocol.CodeInvalidMessage, "message cannot be deleted")
	}
}

func (s *Server) handleTyping(p *peer, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if sess := p.session(m.ConversationID); sess != nil {
		sess.StartTyping(context.Background())
	}
}

func (s *Server) handleStopTyping(p *peer, msg interface{}) {
	m, ok := msg.(protocol.StopTypingMsg)
	if !ok {
		return
	}
	if sess := p.session(m.ConversationID); sess != nil {
		sess.StopTyping(context.Background())
	}
}

func (s *Server) handleAppState(p *peer, msg interface{}) {
	m, ok := msg.(protocol.AppStateMsg)
	if !ok {
		return
	}
	p.reporter.SetForeground(m.Foreground)
	if s.deps.AppState == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := s.deps.AppState.SetForeground(ctx, p.conn.UserID, m.Foreground); err != nil {
		p.logger.Warn("set foreground failed", zap.Bool("foreground", m.Foreground), zap.Error(err))
	}
}

func (s *Server) handleNotificationOpened(p *peer, msg interface{}) {
	m, ok := msg.(protocol.NotificationOpenedMsg)
	if !ok || s.notifications == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := s.notifications.MarkOpened(ctx, m.MessageID, p.conn.UserID); err != nil {
		p.logger.Debug("mark opened failed", zap.String("message_id", m.MessageID), zap.Error(err))
	}
	p.sendBadge(ctx)
}

// allow applies a rate limit rule to the peer's user and tells the client
// when it is exceeded.
func (s *Server) allow(ctx context.Context, p *peer, rule ratelimit.Rule) bool {
	if s.deps.Limiter == nil {
		return true
	}
	ok, _ := s.deps.Limiter.Allow(ctx, p.conn.UserID, rule)
	if !ok {
		p.sendRateLimited(s.deps.Limiter.RetryAfter(ctx, p.conn.UserID, rule))
	}
	return ok
}
