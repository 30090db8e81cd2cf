package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type fakeBackend struct {
	mu      sync.Mutex
	records map[string]Record
	polls   int
	writes  []bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]Record)}
}

func (b *fakeBackend) GetProfilesPresence(ctx context.Context, userIDs []string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	var out []Record
	for _, id := range userIDs {
		if rec, ok := b.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *fakeBackend) SetOwnPresence(ctx context.Context, userID string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, online)
	return nil
}

func (b *fakeBackend) set(rec Record) {
	b.mu.Lock()
	b.records[rec.UserID] = rec
	b.mu.Unlock()
}

func (b *fakeBackend) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func (b *fakeBackend) writeLog() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.writes...)
}

func newTestStore(t *testing.T, backend Backend) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := NewStore(backend, DefaultConfig(), clk, nil)
	t.Cleanup(s.Close)
	return s, clk
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStaleRecordReadsOffline(t *testing.T) {
	s, clk := newTestStore(t, nil)
	s.Refresh(Record{UserID: "bob", IsOnline: true, LastSeen: clk.Now()})

	if _, st := s.Get("bob"); st != StateOnline {
		t.Fatalf("state = %s, want online", st)
	}
	clk.Add(DefaultTTL + time.Second)
	rec, st := s.Get("bob")
	if st != StateOffline || rec.IsOnline {
		t.Errorf("state = %s online=%v, want offline", st, rec.IsOnline)
	}
	if s.IsOnline("bob") {
		t.Error("IsOnline should honour the TTL")
	}
}

func TestRefreshIgnoresOlderRecords(t *testing.T) {
	s, clk := newTestStore(t, nil)
	now := clk.Now()
	s.Refresh(Record{UserID: "bob", IsOnline: false, LastSeen: now})
	s.Refresh(Record{UserID: "bob", IsOnline: true, LastSeen: now.Add(-time.Second)})
	if s.IsOnline("bob") {
		t.Error("older record overwrote a newer one")
	}
}

func TestSnapshotReportsUnknownAsOffline(t *testing.T) {
	s, clk := newTestStore(t, nil)
	s.Refresh(Record{UserID: "bob", IsOnline: true, LastSeen: clk.Now()})

	snap := s.Snapshot([]string{"bob", "carol", "bob", ""})
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if !snap["bob"].IsOnline || snap["carol"].IsOnline || !snap["carol"].LastSeen.IsZero() {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if _, st := s.Get("carol"); st != StateUnknown {
		t.Errorf("state = %s, want unknown", st)
	}
}

func TestSubscribePollsImmediately(t *testing.T) {
	backend := newFakeBackend()
	s, clk := newTestStore(t, backend)
	backend.set(Record{UserID: "bob", IsOnline: true, LastSeen: clk.Now()})

	got := make(chan map[string]Record, 4)
	sub := s.Subscribe([]string{"bob"}, func(snap map[string]Record) { got <- snap }, time.Second)

	select {
	case snap := <-got:
		if !snap["bob"].IsOnline {
			t.Errorf("bob should be online: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no callback after subscribe")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	if ids := sub.UserIDs(); len(ids) != 1 || ids[0] != "bob" {
		t.Errorf("UserIDs = %v", ids)
	}
}

func TestSubscribeAfterCloseIsInert(t *testing.T) {
	s, _ := newTestStore(t, newFakeBackend())
	s.Close()
	sub := s.Subscribe([]string{"bob"}, nil, 0)
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription on a closed store should be done")
	}
	sub.Unsubscribe()
}

func TestLookupPollsOnMiss(t *testing.T) {
	backend := newFakeBackend()
	s, clk := newTestStore(t, backend)
	backend.set(Record{UserID: "bob", IsOnline: true, LastSeen: clk.Now()})

	if _, st := s.Lookup(context.Background(), "bob"); st != StateOnline {
		t.Fatalf("state = %s, want online", st)
	}
	if backend.pollCount() != 1 {
		t.Errorf("polls = %d, want 1", backend.pollCount())
	}
	s.Lookup(context.Background(), "bob")
	if backend.pollCount() != 1 {
		t.Errorf("cached online record was re-polled")
	}

	reader := NewLiveReader(s, time.Second)
	if reader.IsOnline("carol") {
		t.Error("unknown user reported online")
	}
}

func TestSetForegroundDebounces(t *testing.T) {
	backend := newFakeBackend()
	s, clk := newTestStore(t, backend)
	r := s.Reporter("alice")
	defer r.Close()

	r.SetForeground(true)
	clk.Add(500 * time.Millisecond)
	r.SetForeground(false)
	clk.Add(500 * time.Millisecond)
	r.SetForeground(true)
	clk.Add(DefaultReportDebounce)

	waitFor(t, func() bool { return len(backend.writeLog()) == 1 }, "debounced write")
	if w := backend.writeLog(); !w[0] {
		t.Errorf("writes = %v, want [true]", w)
	}
	waitFor(t, func() bool { return s.IsOnline("alice") }, "own record")

	// Re-reporting the same value writes nothing.
	r.SetForeground(true)
	clk.Add(DefaultReportDebounce)
	time.Sleep(20 * time.Millisecond)
	if n := len(backend.writeLog()); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}
}

func TestHeartbeatOnlyAfterForegroundReport(t *testing.T) {
	backend := newFakeBackend()
	s, clk := newTestStore(t, backend)
	r := s.Reporter("alice")
	defer r.Close()

	r.Heartbeat(context.Background())
	if len(backend.writeLog()) != 0 {
		t.Fatal("heartbeat before any report should be a no-op")
	}

	r.SetForeground(true)
	clk.Add(DefaultReportDebounce)
	waitFor(t, func() bool { return len(backend.writeLog()) == 1 }, "report")

	clk.Add(DefaultTTL - time.Second)
	r.Heartbeat(context.Background())
	if n := len(backend.writeLog()); n != 2 {
		t.Errorf("writes = %d, want 2", n)
	}
	clk.Add(10 * time.Second)
	if !s.IsOnline("alice") {
		t.Error("heartbeat should keep the own record fresh")
	}
}

func TestReportersShareOneStore(t *testing.T) {
	backend := newFakeBackend()
	s, clk := newTestStore(t, backend)
	alice := s.Reporter("alice")
	bob := s.Reporter("bob")

	alice.SetForeground(true)
	bob.SetForeground(true)
	clk.Add(DefaultReportDebounce)
	waitFor(t, func() bool { return len(backend.writeLog()) == 2 }, "both reports")
	if !s.IsOnline("alice") || !s.IsOnline("bob") {
		t.Fatal("both users should read online from the shared store")
	}

	// Offline is immediate and cancels anything pending.
	bob.SetForeground(true)
	if err := bob.Offline(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.IsOnline("bob") {
		t.Error("bob should read offline right after Offline")
	}
	clk.Add(DefaultReportDebounce)
	time.Sleep(20 * time.Millisecond)
	if s.IsOnline("bob") {
		t.Error("a closed reporter wrote again")
	}
	if !s.IsOnline("alice") {
		t.Error("bob going offline affected alice")
	}
	if w := backend.writeLog(); len(w) != 3 || w[2] {
		t.Errorf("writes = %v, want [true true false]", w)
	}
	alice.Close()
}
