// Package presence tracks which users are online. Records are refreshed by
// polling and by realtime heartbeats and are coerced to offline once they are
// older than a TTL, so a silent disconnect still shows up as offline.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/metrics"
)

// Defaults for the presence protocol.
const (
	DefaultTTL            = 45 * time.Second
	DefaultPollInterval   = 15 * time.Second
	DefaultReportDebounce = 2 * time.Second
)

// State is the derived presence state of a user.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Record is the presence of one user.
type Record struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// Backend is the remote presence source.
type Backend interface {
	GetProfilesPresence(ctx context.Context, userIDs []string) ([]Record, error)
	SetOwnPresence(ctx context.Context, userID string, online bool) error
}

// PresenceStaleError reports that a record claiming online was demoted
// because its last heartbeat is older than the TTL. It is only logged.
type PresenceStaleError struct {
	UserID string
	Age    time.Duration
	TTL    time.Duration
}

func (e *PresenceStaleError) Error() string {
	return fmt.Sprintf("presence: record for %s is stale (age %s > ttl %s)", e.UserID, e.Age, e.TTL)
}

// Config holds presence tuning parameters.
type Config struct {
	TTL            time.Duration // age after which a record reads offline
	PollInterval   time.Duration // default interval for Subscribe
	ReportDebounce time.Duration // quiet period before a self-report is written
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		PollInterval:   DefaultPollInterval,
		ReportDebounce: DefaultReportDebounce,
	}
}

// Store is the process-wide presence cache. Construct one at startup and
// pass it by reference to every consumer. Each connected user publishes its
// own presence through a Reporter bound to the store.
type Store struct {
	config  Config
	backend Backend
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.RWMutex
	records map[string]Record
	subs    map[*Subscription]struct{}
	closed  bool
}

// NewStore creates a presence store over backend.
func NewStore(backend Backend, config Config, clk clock.Clock, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ReportDebounce <= 0 {
		config.ReportDebounce = def.ReportDebounce
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		config:  config,
		backend: backend,
		clock:   clk,
		logger:  logger.Named("presence"),
		records: make(map[string]Record),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Refresh ingests a heartbeat or poll result. A record older than the one
// already held is ignored, so a late poll cannot undo a newer broadcast.
func (s *Store) Refresh(rec Record) {
	if rec.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if cur, ok := s.records[rec.UserID]; ok && rec.LastSeen.Before(cur.LastSeen) {
		return
	}
	s.records[rec.UserID] = rec
}

// Get returns the effective record for userID with TTL demotion applied.
func (s *Store) Get(userID string) (Record, State) {
	s.mu.RLock()
	rec, ok := s.records[userID]
	s.mu.RUnlock()
	if !ok {
		return Record{UserID: userID}, StateUnknown
	}
	return s.resolve(rec)
}

// IsOnline reports whether userID is currently considered online.
func (s *Store) IsOnline(userID string) bool {
	_, st := s.Get(userID)
	return st == StateOnline
}

// Lookup is Get with a read-through: when the cached record is missing or
// not online, the backend is polled for userID first.
func (s *Store) Lookup(ctx context.Context, userID string) (Record, State) {
	if rec, st := s.Get(userID); st == StateOnline {
		return rec, st
	}
	s.poll(ctx, []string{userID})
	return s.Get(userID)
}

// LiveReader answers IsOnline for arbitrary users, polling the backend on a
// cache miss. It serves process-wide consumers that hold no subscription.
type LiveReader struct {
	store   *Store
	timeout time.Duration
}

// NewLiveReader wraps store. Each miss may block for up to timeout.
func NewLiveReader(store *Store, timeout time.Duration) *LiveReader {
	return &LiveReader{store: store, timeout: timeout}
}

// IsOnline reports whether userID is online, consulting the backend if needed.
func (r *LiveReader) IsOnline(userID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, st := r.store.Lookup(ctx, userID)
	return st == StateOnline
}

// Snapshot returns effective records for the given users, deduplicated.
// Users never seen are reported offline with a zero LastSeen.
func (s *Store) Snapshot(userIDs []string) map[string]Record {
	out := make(map[string]Record, len(userIDs))
	for _, id := range dedupe(userIDs) {
		rec, _ := s.Get(id)
		out[id] = rec
	}
	return out
}

// resolve applies the TTL to a stored record.
func (s *Store) resolve(rec Record) (Record, State) {
	if !rec.IsOnline {
		return rec, StateOffline
	}
	age := s.clock.Now().Sub(rec.LastSeen)
	if age > s.config.TTL {
		err := &PresenceStaleError{UserID: rec.UserID, Age: age, TTL: s.config.TTL}
		s.logger.Debug("demoting stale presence", zap.Error(err))
		metrics.PresenceDemotions.Inc()
		rec.IsOnline = false
		return rec, StateOffline
	}
	return rec, StateOnline
}

// poll fetches the given users from the backend and refreshes the cache.
// Failures are logged and leave the cached records to age out.
func (s *Store) poll(ctx context.Context, userIDs []string) {
	if s.backend == nil || len(userIDs) == 0 {
		return
	}
	recs, err := s.backend.GetProfilesPresence(ctx, userIDs)
	if err != nil {
		metrics.PresencePolls.WithLabelValues("error").Inc()
		if ctx.Err() == nil {
			s.logger.Warn("presence poll failed", zap.Int("users", len(userIDs)), zap.Error(err))
		}
		return
	}
	metrics.PresencePolls.WithLabelValues("ok").Inc()
	for _, rec := range recs {
		s.Refresh(rec)
	}
}

// Close stops every subscription. Reporters bound to the store stop writing.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
