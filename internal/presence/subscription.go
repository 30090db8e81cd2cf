package presence

import (
	"context"
	"sync"
	"time"
)

// Callback receives the current snapshot for a subscription's users.
type Callback func(snapshot map[string]Record)

// Subscription is a periodic batched lookup of a fixed user set.
type Subscription struct {
	store    *Store
	userIDs  []string
	callback Callback
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts polling userIDs every interval (the configured default
// when interval is zero). The first poll runs immediately. The callback runs
// on the polling goroutine after each poll.
func (s *Store) Subscribe(userIDs []string, callback Callback, interval time.Duration) *Subscription {
	if interval <= 0 {
		interval = s.config.PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		store:    s,
		userIDs:  dedupe(userIDs),
		callback: callback,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(sub.done)
		sub.once.Do(func() {})
		return sub
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ctx)
	return sub
}

func (sub *Subscription) run(ctx context.Context) {
	defer close(sub.done)

	ticker := sub.store.clock.Ticker(sub.interval)
	defer ticker.Stop()

	sub.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub.tick(ctx)
		}
	}
}

func (sub *Subscription) tick(ctx context.Context) {
	sub.store.poll(ctx, sub.userIDs)
	if ctx.Err() != nil || sub.callback == nil {
		return
	}
	sub.callback(sub.store.Snapshot(sub.userIDs))
}

// UserIDs returns the tracked users.
func (sub *Subscription) UserIDs() []string {
	out := make([]string, len(sub.userIDs))
	copy(out, sub.userIDs)
	return out
}

// Unsubscribe stops polling and waits for an in-progress tick to finish. It
// is safe to call more than once and from any goroutine other than the
// subscription's own callback.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.cancel()
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
	})
}

// Done is closed once the polling goroutine has exited.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}
