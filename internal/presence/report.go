package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Reporter publishes one user's own presence. Writes land in the shared
// Store immediately once flushed and on the backend for other nodes.
type Reporter struct {
	store *Store
	self  string

	mu           sync.Mutex
	timer        *clock.Timer
	desired      bool
	reported     bool
	haveReported bool
	closed       bool
}

// Reporter returns a reporter for userID bound to the store.
func (s *Store) Reporter(userID string) *Reporter {
	return &Reporter{store: s, self: userID}
}

// SetForeground records an app foreground/background transition. The write
// to the backend happens once the state has been stable for the debounce
// period, and only if it differs from the last reported value, so rapid
// flapping costs at most one write.
func (r *Reporter) SetForeground(foreground bool) {
	if r.store.isClosed() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.desired = foreground
	if r.timer == nil {
		r.timer = r.store.clock.AfterFunc(r.store.config.ReportDebounce, r.flush)
		return
	}
	r.timer.Reset(r.store.config.ReportDebounce)
}

// flush writes the debounced self-presence.
func (r *Reporter) flush() {
	r.mu.Lock()
	want := r.desired
	if r.closed || (r.haveReported && r.reported == want) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	s := r.store
	s.Refresh(Record{UserID: r.self, IsOnline: want, LastSeen: s.clock.Now()})

	if s.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.backend.SetOwnPresence(ctx, r.self, want); err != nil {
		s.logger.Warn("self presence report failed",
			zap.String("user_id", r.self), zap.Bool("online", want), zap.Error(err))
		return
	}

	r.mu.Lock()
	r.reported = want
	r.haveReported = true
	r.mu.Unlock()
}

// Heartbeat re-arms the user's online record while the app stays in the
// foreground, both locally and on the backend. It is a no-op until a
// foreground report has been written.
func (r *Reporter) Heartbeat(ctx context.Context) {
	r.mu.Lock()
	online := !r.closed && r.haveReported && r.reported
	r.mu.Unlock()
	if !online {
		return
	}
	s := r.store
	s.Refresh(Record{UserID: r.self, IsOnline: true, LastSeen: s.clock.Now()})
	if s.backend == nil {
		return
	}
	if err := s.backend.SetOwnPresence(ctx, r.self, true); err != nil {
		s.logger.Debug("presence heartbeat failed", zap.String("user_id", r.self), zap.Error(err))
	}
}

// Offline writes an immediate offline record, cancelling any pending
// report. The reporter is closed afterwards.
func (r *Reporter) Offline(ctx context.Context) error {
	r.Close()
	s := r.store
	s.Refresh(Record{UserID: r.self, IsOnline: false, LastSeen: s.clock.Now()})
	if s.backend == nil {
		return nil
	}
	return s.backend.SetOwnPresence(ctx, r.self, false)
}

// Close stops a pending report. It is idempotent.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
