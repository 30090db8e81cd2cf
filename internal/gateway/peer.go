package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/protocol"
)

// peer is the per-connection client core: the user's presence reporter and
// one chat session per open conversation.
type peer struct {
	conn     *Connection
	server   *Server
	reporter *presence.Reporter
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*openSession
	closed   bool
}

type openSession struct {
	session     *chat.Session
	unsubscribe func()
}

func newPeer(s *Server, conn *Connection) *peer {
	return &peer{
		conn:     conn,
		server:   s,
		reporter: s.deps.Presence.Reporter(conn.UserID),
		logger:   s.logger.With(zap.String("conn_id", conn.ID), zap.String("user_id", conn.UserID)),
		sessions: make(map[string]*openSession),
	}
}

// open returns the session for conversationID, opening it on first use.
func (p *peer) open(ctx context.Context, conversationID string) (*chat.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPeerClosed
	}
	if entry, ok := p.sessions[conversationID]; ok {
		p.mu.Unlock()
		return entry.session, nil
	}
	p.mu.Unlock()

	conv, err := p.server.deps.Conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(p.conn.UserID) {
		return nil, errForbidden
	}

	s := p.server
	sess, err := chat.OpenSession(ctx, conv, p.conn.UserID, chat.SessionDeps{
		Backend:      s.deps.Backend,
		Notifier:     s.notifications,
		Presence:     s.deps.Presence,
		PresenceFeed: s.deps.PresenceFeed,
		Typing:       s.deps.Typing,
		Views:        s.deps.AppState,
		Badge:        s.notifications,
		History:      s.deps.History,
		OnConfirm:    s.deps.Conversations.Touch,
		Clock:        s.clock,
		Logger:       s.logger,
	}, s.config.Session)
	if err != nil {
		return nil, fmt.Errorf("gateway: open conversation %s: %w", conversationID, err)
	}

	p.mu.Lock()
	if existing, ok := p.sessions[conversationID]; ok || p.closed {
		// Lost a race with a concurrent open or with close.
		p.mu.Unlock()
		sess.Close()
		if ok {
			return existing.session, nil
		}
		return nil, errPeerClosed
	}
	unsubscribe := sess.Subscribe(func(snap chat.Snapshot) {
		p.send(protocol.TypeSnapshot, protocol.SnapshotMsg{Snapshot: snap})
	})
	p.sessions[conversationID] = &openSession{session: sess, unsubscribe: unsubscribe}
	p.mu.Unlock()

	return sess, nil
}

// session returns an already open session, or nil.
func (p *peer) session(conversationID string) *chat.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.sessions[conversationID]; ok {
		return entry.session
	}
	return nil
}

// closeSession closes one conversation. It reports whether it was open.
func (p *peer) closeSession(conversationID string) bool {
	p.mu.Lock()
	entry, ok := p.sessions[conversationID]
	delete(p.sessions, conversationID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.unsubscribe()
	if err := entry.session.Close(); err != nil {
		p.logger.Warn("session close failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return true
}

// close tears down every session and stops pending presence reports.
func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		entry := p.sessions[id]
		delete(p.sessions, id)
		p.mu.Unlock()
		if entry != nil {
			entry.unsubscribe()
			_ = entry.session.Close()
		}
	}
	p.reporter.Close()
}

// heartbeat keeps the user's presence and app state alive while connected.
func (p *peer) heartbeat(ctx context.Context) {
	p.reporter.Heartbeat(ctx)
	if p.server.deps.AppState != nil {
		if err := p.server.deps.AppState.RefreshTTL(ctx, p.conn.UserID); err != nil {
			p.logger.Debug("app state refresh failed", zap.Error(err))
		}
	}
}

// sendBadge pushes the current unread count.
func (p *peer) sendBadge(ctx context.Context) {
	if p.server.notifications == nil {
		return
	}
	n, err := p.server.notifications.UnreadCount(ctx, p.conn.UserID)
	if err != nil {
		p.logger.Warn("unread count failed", zap.Error(err))
		return
	}
	p.send(protocol.TypeBadge, protocol.BadgeMsg{Count: n})
}

// send writes a server frame. Write failures are logged; the heartbeat or
// the read path evicts dead connections.
func (p *peer) send(frameType string, payload interface{}) {
	data, err := protocol.NewServerMessage(frameType, payload)
	if err != nil {
		p.logger.Error("build frame failed", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := p.conn.WriteMessage(data); err != nil {
		p.logger.Debug("write frame failed", zap.String("type", frameType), zap.Error(err))
	}
}

func (p *peer) sendError(code, msg string) {
	p.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: msg})
}

func (p *peer) sendRateLimited(retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	p.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
}
