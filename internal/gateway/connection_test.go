package gateway

import (
	"net"
	"testing"
	"time"
)

func pipeConnection(t *testing.T, id, userID string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newConnection(id, userID, server, time.Second, time.Now()), client
}

func TestConnectionManagerIndexes(t *testing.T) {
	cm := NewConnectionManager()
	phone, _ := pipeConnection(t, "c1", "alice")
	desktop, _ := pipeConnection(t, "c2", "alice")
	other, _ := pipeConnection(t, "c3", "bob")
	cm.Add(phone)
	cm.Add(desktop)
	cm.Add(other)

	if cm.Count() != 3 {
		t.Fatalf("Count = %d, want 3", cm.Count())
	}
	if got := cm.ForUser("alice"); len(got) != 2 {
		t.Errorf("alice has %d connections, want 2", len(got))
	}
	if cm.Get("c3") != other || cm.GetByConn(other.Conn) != other {
		t.Error("lookup by id or conn failed")
	}

	if !cm.Remove("c1") {
		t.Fatal("Remove returned false")
	}
	if cm.Remove("c1") {
		t.Error("second Remove should report false")
	}
	if got := cm.ForUser("alice"); len(got) != 1 || got[0] != desktop {
		t.Errorf("ForUser after remove = %v", got)
	}
	cm.Remove("c2")
	if got := cm.ForUser("alice"); len(got) != 0 {
		t.Errorf("alice should have no connections, got %d", len(got))
	}
	if len(cm.All()) != 1 {
		t.Errorf("All = %d, want 1", len(cm.All()))
	}
}

func TestConnectionTouch(t *testing.T) {
	c, _ := pipeConnection(t, "c1", "alice")
	later := time.Now().Add(time.Minute)
	c.touch(later)
	if !c.LastActive().Equal(time.Unix(0, later.UnixNano())) {
		t.Errorf("LastActive = %v, want %v", c.LastActive(), later)
	}
}
