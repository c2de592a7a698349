package registry

import (
	"sync"
	"testing"

	"github.com/driftsync/server/internal/protocol"
)

type stubConn struct {
	id       string
	clientID string
	userID   string
	ip       string

	mu        sync.Mutex
	sent      []*protocol.Message
	closeCode int
	closed    bool
}

func (s *stubConn) ID() string       { return s.id }
func (s *stubConn) ClientID() string { return s.clientID }
func (s *stubConn) UserID() string   { return s.userID }
func (s *stubConn) RemoteIP() string { return s.ip }

func (s *stubConn) Send(msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubConn) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCode = code
}

func TestRegister_Lookup(t *testing.T) {
	r := New(0)
	conn := &stubConn{id: "conn-1", clientID: "client-a", userID: "user-1"}

	if err := r.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Identify("conn-1", "client-a", "user-1")

	if got := r.Get("conn-1"); got != Conn(conn) {
		t.Error("Get should return the registered connection")
	}
	if got := r.GetByClientID("client-a"); got != Conn(conn) {
		t.Error("GetByClientID should return the registered connection")
	}
	if got := r.GetByUserID("user-1"); len(got) != 1 {
		t.Errorf("GetByUserID returned %d connections, want 1", len(got))
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegister_DuplicateID(t *testing.T) {
	r := New(0)
	if err := r.Register(&stubConn{id: "conn-1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&stubConn{id: "conn-1"}); err != ErrDuplicateID {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegister_GlobalCap(t *testing.T) {
	r := New(2)
	if err := r.Register(&stubConn{id: "conn-1"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&stubConn{id: "conn-2"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&stubConn{id: "conn-3"}); err != ErrServerFull {
		t.Errorf("expected ErrServerFull, got %v", err)
	}

	r.Deregister("conn-1")
	if err := r.Register(&stubConn{id: "conn-3"}); err != nil {
		t.Errorf("Register after Deregister failed: %v", err)
	}
}

func TestDeregister_RemovesIndexes(t *testing.T) {
	r := New(0)
	conn := &stubConn{id: "conn-1", clientID: "client-a", userID: "user-1"}
	if err := r.Register(conn); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Identify("conn-1", "client-a", "user-1")

	r.Deregister("conn-1")

	if r.Get("conn-1") != nil {
		t.Error("Get should return nil after Deregister")
	}
	if r.GetByClientID("client-a") != nil {
		t.Error("GetByClientID should return nil after Deregister")
	}
	if r.GetByUserID("user-1") != nil {
		t.Error("GetByUserID should return nil after Deregister")
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	r := New(0)
	r.Deregister("missing")
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r := New(0)
	for _, id := range []string{"conn-1", "conn-2"} {
		conn := &stubConn{id: id, userID: "user-1"}
		if err := r.Register(conn); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		r.Identify(id, "", "user-1")
	}

	if got := r.GetByUserID("user-1"); len(got) != 2 {
		t.Errorf("GetByUserID returned %d connections, want 2", len(got))
	}

	r.Deregister("conn-1")
	if got := r.GetByUserID("user-1"); len(got) != 1 {
		t.Errorf("GetByUserID after Deregister returned %d, want 1", len(got))
	}
}

func TestCloseAll(t *testing.T) {
	r := New(0)
	conns := []*stubConn{{id: "conn-1"}, {id: "conn-2"}}
	for _, c := range conns {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	r.CloseAll(1001, "shutting down")

	for _, c := range conns {
		if !c.closed || c.closeCode != 1001 {
			t.Errorf("connection %s: closed=%v code=%d, want closed with 1001", c.id, c.closed, c.closeCode)
		}
	}
}
