// Package gateway is the WebSocket edge of the chat core. It upgrades UI
// connections with gobwas/ws, multiplexes reads through epoll on Linux and
// runs one client core (presence store plus chat sessions) per connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/chat"
	"github.com/amora/chat-core/internal/message"
	"github.com/amora/chat-core/internal/metrics"
	"github.com/amora/chat-core/internal/presence"
	"github.com/amora/chat-core/internal/ratelimit"
	"github.com/amora/chat-core/internal/typing"
)

var (
	errForbidden  = errors.New("gateway: not a participant")
	errPeerClosed = errors.New("gateway: connection closed")
	errNoClient   = errors.New("gateway: recipient has no connection on this node")
)

// AppStateStore persists foreground and viewing state for notification
// decisions.
type AppStateStore interface {
	SetForeground(ctx context.Context, userID string, foreground bool) error
	SetViewing(ctx context.Context, userID, conversationID string) error
	ClearViewing(ctx context.Context, userID, conversationID string) error
	RefreshTTL(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}

// MessageDeleter soft-deletes a message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, conversationID, messageID, senderID string) (message.Message, error)
}

// RateLimiter is the fixed-window limiter used for sends and upgrades.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Notifications is the notification bridge as seen by the gateway.
type Notifications interface {
	chat.Notifier
	MarkOpened(ctx context.Context, messageID, recipientID string) error
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// Deps are the gateway's collaborators.
type Deps struct {
	Backend         chat.Backend
	Conversations   *chat.ConversationCache
	History         chat.HistoryLoader
	Deleter         MessageDeleter
	Presence        *presence.Store // process-wide; built over PresenceBackend when nil
	PresenceBackend presence.Backend
	PresenceFeed    chat.PresenceFeed
	Typing          typing.Broadcaster
	AppState        AppStateStore
	Limiter         RateLimiter
}

// Config holds tunable parameters for the gateway.
type Config struct {
	ListenAddr        string
	WorkerPoolSize    int           // max concurrent read workers
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // per-frame read deadline
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // grace after a missed interval before eviction

	Session  chat.SessionConfig
	Presence presence.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    10000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Session: chat.SessionConfig{
			MatchWindow:          chat.DefaultMatchWindow,
			TypingWindow:         typing.DefaultWindow,
			PresencePollInterval: presence.DefaultPollInterval,
			HistoryLimit:         50,
		},
		Presence: presence.DefaultConfig(),
	}
}

// Server accepts UI connections and routes their frames.
type Server struct {
	config        Config
	deps          Deps
	notifications Notifications
	clock         clock.Clock
	logger        *zap.Logger

	conns      *ConnectionManager
	router     *Router
	poller     *poller
	workerPool chan struct{}
	httpServer *http.Server
	extra      map[string]http.Handler

	ownPresence bool

	peersMu sync.RWMutex
	peers   map[string]*peer // by connection id

	done      chan struct{}
	closeOnce sync.Once
	startedAt time.Time
}

// NewServer creates a gateway. Notifications are attached later with
// SetNotifications because the bridge itself needs the server as its local
// alerter.
func NewServer(config Config, deps Deps, clk clock.Clock, logger *zap.Logger) (*Server, error) {
	if deps.Backend == nil || deps.Conversations == nil || deps.PresenceBackend == nil {
		return nil, errors.New("gateway: backend, conversations and presence backend are required")
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultConfig().WorkerPoolSize
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ownPresence := deps.Presence == nil
	if ownPresence {
		deps.Presence = presence.NewStore(deps.PresenceBackend, config.Presence, clk, logger)
	}
	s := &Server{
		config:     config,
		deps:       deps,
		clock:      clk,
		logger:     logger.Named("gateway"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		extra:      make(map[string]http.Handler),
		peers:      make(map[string]*peer),
		done:       make(chan struct{}),

		ownPresence: ownPresence,
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.router = NewRouter(s.logger)
	s.registerHandlers()

	p, err := newPoller(s.dispatchReady)
	if err != nil {
		return nil, fmt.Errorf("gateway: create poller: %w", err)
	}
	s.poller = p
	return s, nil
}

// SetNotifications attaches the notification bridge. Call before Start.
func (s *Server) SetNotifications(n Notifications) {
	s.notifications = n
}

// Handle mounts an extra HTTP handler (e.g. /metrics) on the listener.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.extra[pattern] = h
}

// Handler returns the HTTP handler serving /ws, /health and extra routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start runs the read loop, the heartbeat and the HTTP listener. It blocks
// until Shutdown.
func (s *Server) Start() error {
	s.startedAt = s.clock.Now()
	s.httpServer.Handler = s.Handler()

	go func() {
		if err := s.poller.Run(s.done); err != nil {
			s.logger.Error("poller stopped", zap.Error(err))
		}
	}()
	s.startHeartbeat()

	s.logger.Info("gateway listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_connections", s.config.MaxConnections),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request and registers the connection. The user
// is identified by the user_id query parameter; authentication happens in
// front of the gateway.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusUnauthorized)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.deps.Limiter != nil {
		if ok, _ := s.deps.Limiter.Allow(r.Context(), userID, ratelimit.RuleConnect); !ok {
			retry := s.deps.Limiter.RetryAfter(r.Context(), userID, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), userID, netConn, s.config.WriteTimeout, s.clock.Now())
	p := newPeer(s, c)

	s.conns.Add(c)
	metrics.Connections.Inc()
	s.peersMu.Lock()
	s.peers[c.ID] = p
	s.peersMu.Unlock()

	if err := s.poller.Add(netConn); err != nil {
		s.logger.Warn("poller add failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	// A fresh connection is a foregrounded app.
	p.reporter.SetForeground(true)
	if s.deps.AppState != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.AppState.SetForeground(ctx, userID, true); err != nil {
			s.logger.Warn("set foreground failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	p.sendBadge(r.Context())

	s.logger.Info("connection opened",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.Int("total", s.conns.Count()),
	)
}

// handleHealth reports liveness, connection count and open sessions.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.sessionCount(),
		Uptime:      s.clock.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) sessionCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	n := 0
	for _, p := range s.peers {
		p.mu.Lock()
		n += len(p.sessions)
		p.mu.Unlock()
	}
	return n
}

func (s *Server) peer(connID string) *peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[connID]
}

// dispatchReady hands a readable connection to a worker, bounded by the pool.
func (s *Server) dispatchReady(netConn net.Conn) {
	select {
	case s.workerPool <- struct{}{}:
	case <-s.done:
		return
	}
	go func() {
		defer func() { <-s.workerPool }()
		s.readFrame(netConn)
	}()
}

// readFrame reads one WebSocket frame. Control frames are answered by
// liveness bookkeeping only; a failed read evicts the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same connection twice.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.touch(s.clock.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if p := s.peer(c.ID); p != nil {
		s.router.Dispatch(p, data)
	}
}

// RemoveConnection evicts a connection and tears down its client core. When
// it was the user's last connection the user is reported offline.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Dec()

	s.peersMu.Lock()
	p := s.peers[c.ID]
	delete(s.peers, c.ID)
	s.peersMu.Unlock()
	if p != nil {
		p.close()
	}

	if len(s.conns.ForUser(c.UserID)) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		reporter := s.deps.Presence.Reporter(c.UserID)
		if p != nil {
			reporter = p.reporter
		}
		if err := reporter.Offline(ctx); err != nil {
			s.logger.Warn("offline report failed", zap.String("user_id", c.UserID), zap.Error(err))
		}
		if s.deps.AppState != nil {
			if err := s.deps.AppState.Delete(ctx, c.UserID); err != nil {
				s.logger.Warn("app state delete failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
		}
	}

	s.logger.Info("connection closed", zap.String("conn_id", c.ID), zap.Int("total", s.conns.Count()))
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("shutting down")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("gateway: http shutdown: %w", herr)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if perr := s.poller.Close(); perr != nil && err == nil {
			err = fmt.Errorf("gateway: close poller: %w", perr)
		}
		if s.ownPresence {
			s.deps.Presence.Close()
		}
		s.logger.Info("gateway stopped")
	})
	return err
}
