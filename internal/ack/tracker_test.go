package ack

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/protocol"
)

type sendRecorder struct {
	mu    sync.Mutex
	calls []string // connID/msgID
}

func (s *sendRecorder) send(connID string, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, connID+"/"+msg.ID)
	return nil
}

func (s *sendRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newMessage(id string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.TypeDelta,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]interface{}{},
	}
}

func TestAck_ClearsPending(t *testing.T) {
	rec := &sendRecorder{}
	tr := NewTracker(rec.send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))
	if tr.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", tr.PendingCount())
	}

	if !tr.Ack("conn-1", "msg-1") {
		t.Error("Ack should return true for a pending message")
	}
	if tr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", tr.PendingCount())
	}
}

func TestAck_UnknownIsNoOp(t *testing.T) {
	tr := NewTracker((&sendRecorder{}).send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	if tr.Ack("conn-1", "never-sent") {
		t.Error("Ack for unknown message should return false")
	}
}

func TestAck_DuplicateIsNoOp(t *testing.T) {
	tr := NewTracker((&sendRecorder{}).send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))
	if !tr.Ack("conn-1", "msg-1") {
		t.Fatal("first Ack should succeed")
	}
	if tr.Ack("conn-1", "msg-1") {
		t.Error("second Ack should be a no-op")
	}
}

func TestTrack_SameIDDifferentConnections(t *testing.T) {
	tr := NewTracker((&sendRecorder{}).send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))
	tr.Track("conn-2", newMessage("msg-1"))
	if tr.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", tr.PendingCount())
	}

	tr.Ack("conn-1", "msg-1")
	if tr.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1 after acking one connection", tr.PendingCount())
	}
}

func TestTimeout_Resends(t *testing.T) {
	rec := &sendRecorder{}
	tr := NewTracker(rec.send, 20*time.Millisecond, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))

	deadline := time.Now().Add(time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() < 1 {
		t.Fatal("expected at least one resend after timeout")
	}
	if tr.Retries() < 1 {
		t.Errorf("Retries = %d, want >= 1", tr.Retries())
	}
}

func TestTimeout_GivesUpAfterMaxRetries(t *testing.T) {
	rec := &sendRecorder{}
	tr := NewTracker(rec.send, 10*time.Millisecond, 2, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))

	deadline := time.Now().Add(time.Second)
	for tr.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if tr.PendingCount() != 0 {
		t.Fatal("entry should be dropped after exhausting retries")
	}
	if rec.count() != 2 {
		t.Errorf("resend count = %d, want 2", rec.count())
	}
	if tr.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", tr.Failures())
	}
}

func TestDropConnection(t *testing.T) {
	tr := NewTracker((&sendRecorder{}).send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", newMessage("msg-1"))
	tr.Track("conn-1", newMessage("msg-2"))
	tr.Track("conn-2", newMessage("msg-3"))

	tr.DropConnection("conn-1")

	if tr.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", tr.PendingCount())
	}
	if !tr.Ack("conn-2", "msg-3") {
		t.Error("conn-2 entry should survive DropConnection for conn-1")
	}
}

func TestTrack_NoID(t *testing.T) {
	tr := NewTracker((&sendRecorder{}).send, time.Hour, 3, zerolog.Nop())
	defer tr.Stop()

	tr.Track("conn-1", &protocol.Message{Type: protocol.TypeDelta})
	if tr.PendingCount() != 0 {
		t.Errorf("messages without an id must not be tracked, PendingCount = %d", tr.PendingCount())
	}
}

func TestStop_CancelsTimers(t *testing.T) {
	rec := &sendRecorder{}
	tr := NewTracker(rec.send, 10*time.Millisecond, 3, zerolog.Nop())

	tr.Track("conn-1", newMessage("msg-1"))
	tr.Stop()

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("no resends expected after Stop, got %d", rec.count())
	}
}
