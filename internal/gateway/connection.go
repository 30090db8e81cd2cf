package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. Writes are serialized by
// writeMu so frames from session observers, alerts and the heartbeat never
// interleave.
type Connection struct {
	ID        string   // connection id (UUID)
	UserID    string   // authenticated user
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActive   atomic.Int64 // unix nanos of the last frame read
	processing   atomic.Bool  // set while a worker reads from Conn
}

func newConnection(id, userID string, conn net.Conn, writeTimeout time.Duration, now time.Time) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.touch(now)
	return c
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// LastActive returns when the last frame was read.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// ConnectionManager indexes live connections by id, by net.Conn and by
// user. A user may hold several connections (phone and desktop).
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	if cm.byUser[c.UserID] == nil {
		cm.byUser[c.UserID] = make(map[string]*Connection)
	}
	cm.byUser[c.UserID][c.ID] = c
}

// Remove unregisters and closes a connection. It returns false if the
// connection was already gone, so racing removers clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
		if conns := cm.byUser[c.UserID]; conns != nil {
			delete(conns, id)
			if len(conns) == 0 {
				delete(cm.byUser, c.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection wrapping conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[conn]
}

// ForUser returns every connection of a user.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byUser[userID]))
	for _, c := range cm.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	return out
}
