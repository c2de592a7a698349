// Package awareness tracks ephemeral presence state (cursors, selections,
// "who is here") per document. Awareness state lives outside the document
// model: it is never persisted and never touches document clocks.
package awareness

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/clock"
)

// DefaultTimeout is how long an entry may go without an update before the
// reaper announces its departure.
const DefaultTimeout = 30 * time.Second

// ClientState is one client's presence entry.
type ClientState struct {
	ClientID  string
	State     map[string]interface{}
	Clock     clock.VectorClock
	UpdatedAt time.Time
}

// BroadcastFunc announces a presence change for a document. A nil state is
// a departure.
type BroadcastFunc func(documentID, clientID string, state map[string]interface{}, vclock clock.VectorClock)

type documentAwareness struct {
	entries map[string]*ClientState
}

// Manager holds presence entries per document and reaps stale ones.
type Manager struct {
	mu   sync.Mutex
	docs map[string]*documentAwareness

	timeout   time.Duration
	broadcast BroadcastFunc
	log       zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts its reaper. timeout falls back
// to DefaultTimeout when zero.
func NewManager(timeout time.Duration, broadcast BroadcastFunc, log zerolog.Logger) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		docs:      make(map[string]*documentAwareness),
		timeout:   timeout,
		broadcast: broadcast,
		log:       log,
		stop:      make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *Manager) reapLoop() {
	interval := m.timeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapStale(time.Now())
		case <-m.stop:
			return
		}
	}
}

// Update applies a presence update. A nil state removes the entry and
// broadcasts the departure. Updates always broadcast, including echoes
// back to the sender, so every subscriber converges on the same view.
func (m *Manager) Update(documentID, clientID string, state map[string]interface{}, vclock clock.VectorClock) {
	m.mu.Lock()
	doc, ok := m.docs[documentID]
	if !ok {
		doc = &documentAwareness{entries: make(map[string]*ClientState)}
		m.docs[documentID] = doc
	}

	if state == nil {
		_, existed := doc.entries[clientID]
		delete(doc.entries, clientID)
		if len(doc.entries) == 0 {
			delete(m.docs, documentID)
		}
		m.mu.Unlock()

		if existed {
			m.broadcast(documentID, clientID, nil, vclock)
		}
		return
	}

	doc.entries[clientID] = &ClientState{
		ClientID:  clientID,
		State:     state,
		Clock:     vclock,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	m.broadcast(documentID, clientID, state, vclock)
}

// Snapshot returns the current presence entries for a document. Sent to a
// client when it subscribes to awareness.
func (m *Manager) Snapshot(documentID string) []ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[documentID]
	if !ok {
		return nil
	}
	out := make([]ClientState, 0, len(doc.entries))
	for _, entry := range doc.entries {
		out = append(out, *entry)
	}
	return out
}

// DropClient removes a client's entries from every document and broadcasts
// the departures. Called when the client's connection closes.
func (m *Manager) DropClient(clientID string) {
	m.mu.Lock()
	var affected []string
	for documentID, doc := range m.docs {
		if _, ok := doc.entries[clientID]; ok {
			delete(doc.entries, clientID)
			if len(doc.entries) == 0 {
				delete(m.docs, documentID)
			}
			affected = append(affected, documentID)
		}
	}
	m.mu.Unlock()

	for _, documentID := range affected {
		m.broadcast(documentID, clientID, nil, nil)
	}
}

// ClientCount returns how many clients have presence in a document.
func (m *Manager) ClientCount(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[documentID]
	if !ok {
		return 0
	}
	return len(doc.entries)
}

type staleEntry struct {
	documentID string
	clientID   string
}

func (m *Manager) reapStale(now time.Time) int {
	cutoff := now.Add(-m.timeout)

	m.mu.Lock()
	var stale []staleEntry
	for documentID, doc := range m.docs {
		for clientID, entry := range doc.entries {
			if entry.UpdatedAt.Before(cutoff) {
				delete(doc.entries, clientID)
				stale = append(stale, staleEntry{documentID, clientID})
			}
		}
		if len(doc.entries) == 0 {
			delete(m.docs, documentID)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.log.Debug().
			Str("documentId", s.documentID).
			Str("clientId", s.clientID).
			Msg("reaping stale awareness entry")
		m.broadcast(s.documentID, s.clientID, nil, nil)
	}
	return len(stale)
}

// Stop terminates the reaper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}
