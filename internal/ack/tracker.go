// Package ack tracks delivery of messages that require client
// acknowledgement and retries them on timeout.
package ack

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/metrics"
	"github.com/driftsync/server/internal/protocol"
)

const (
	// DefaultTimeout is how long to wait for an ACK before resending.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is how many resends happen before giving up.
	DefaultMaxRetries = 3
)

// SendFunc delivers a message to a connection. Injected so the tracker
// stays decoupled from the transport.
type SendFunc func(connID string, msg *protocol.Message) error

type pendingEntry struct {
	connID   string
	msgID    string
	msg      *protocol.Message
	attempts int
	timer    *time.Timer
}

// Tracker registers sent messages and resends any that are not
// acknowledged within the timeout. Entries are keyed by (connection id,
// message id) so the same message id on different connections is tracked
// independently.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	stopped bool

	timeout    time.Duration
	maxRetries int
	send       SendFunc
	log        zerolog.Logger

	retries  atomic.Int64
	failures atomic.Int64
}

// NewTracker creates a Tracker. timeout and maxRetries fall back to the
// defaults when zero.
func NewTracker(send SendFunc, timeout time.Duration, maxRetries int, log zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Tracker{
		pending:    make(map[string]*pendingEntry),
		timeout:    timeout,
		maxRetries: maxRetries,
		send:       send,
		log:        log,
	}
}

func key(connID, msgID string) string {
	return connID + "/" + msgID
}

// Track registers an outbound message for acknowledgement. Messages
// without an id cannot be acknowledged and are ignored.
func (t *Tracker) Track(connID string, msg *protocol.Message) {
	if msg == nil || msg.ID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	k := key(connID, msg.ID)
	if existing, ok := t.pending[k]; ok {
		existing.timer.Stop()
	}

	entry := &pendingEntry{
		connID: connID,
		msgID:  msg.ID,
		msg:    msg,
	}
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.handleTimeout(k)
	})
	t.pending[k] = entry
}

// Ack clears a pending entry. Returns false for unknown or already
// acknowledged messages, which callers treat as a no-op.
func (t *Tracker) Ack(connID, msgID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(connID, msgID)
	entry, ok := t.pending[k]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.pending, k)
	return true
}

func (t *Tracker) handleTimeout(k string) {
	t.mu.Lock()
	entry, ok := t.pending[k]
	if !ok || t.stopped {
		t.mu.Unlock()
		return
	}

	entry.attempts++
	if entry.attempts > t.maxRetries {
		delete(t.pending, k)
		t.mu.Unlock()

		t.failures.Add(1)
		metrics.AckFailures.Inc()
		t.log.Warn().
			Str("connId", entry.connID).
			Str("msgId", entry.msgID).
			Int("attempts", entry.attempts-1).
			Msg("giving up on unacknowledged message")
		return
	}

	entry.timer = time.AfterFunc(t.timeout, func() {
		t.handleTimeout(k)
	})
	t.mu.Unlock()

	t.retries.Add(1)
	if err := t.send(entry.connID, entry.msg); err != nil {
		t.log.Debug().
			Err(err).
			Str("connId", entry.connID).
			Str("msgId", entry.msgID).
			Msg("resend failed")
	}
}

// DropConnection clears all pending entries for a closed connection.
func (t *Tracker) DropConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := connID + "/"
	for k, entry := range t.pending {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			entry.timer.Stop()
			delete(t.pending, k)
		}
	}
}

// PendingCount returns the number of unacknowledged messages.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Retries returns the cumulative resend count.
func (t *Tracker) Retries() int64 {
	return t.retries.Load()
}

// Failures returns how many messages exhausted their retries.
func (t *Tracker) Failures() int64 {
	return t.failures.Load()
}

// Stop cancels all timers. The tracker cannot be reused afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for k, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, k)
	}
}
