package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter implements Adapter entirely in memory. It is the default
// backend when no DATABASE_URL is configured, and the backend the tests run
// against. Data does not survive a restart.
type MemoryAdapter struct {
	mu        sync.RWMutex
	connected bool

	documents map[string]*DocumentState
	clocks    map[string]map[string]uint64
	deltas    map[string][]*DeltaRecord
	sessions  map[string]*SessionRecord
	snapshots map[string][]*SnapshotRecord
	textDocs  map[string]*TextDocumentState
}

// NewMemoryAdapter creates an empty in-memory adapter
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		documents: make(map[string]*DocumentState),
		clocks:    make(map[string]map[string]uint64),
		deltas:    make(map[string][]*DeltaRecord),
		sessions:  make(map[string]*SessionRecord),
		snapshots: make(map[string][]*SnapshotRecord),
		textDocs:  make(map[string]*TextDocumentState),
	}
}

// Connect marks the adapter as available
func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect marks the adapter as unavailable
func (m *MemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MemoryAdapter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// HealthCheck reports availability
func (m *MemoryAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !m.IsConnected() {
		return false, ErrNotConnected
	}
	return true, nil
}

// GetDocument retrieves a document by ID, nil when absent
func (m *MemoryAdapter) GetDocument(ctx context.Context, id string) (*DocumentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	doc, ok := m.documents[id]
	if !ok {
		return nil, nil
	}

	out := &DocumentState{
		ID:        doc.ID,
		State:     copyState(doc.State),
		Clock:     copyClock(m.clocks[id]),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	return out, nil
}

// SaveDocument upserts the resolved state and merges the vector clock
func (m *MemoryAdapter) SaveDocument(ctx context.Context, id string, state map[string]interface{}, vclock map[string]uint64) (*DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	now := time.Now()
	doc, ok := m.documents[id]
	if !ok {
		doc = &DocumentState{ID: id, CreatedAt: now}
		m.documents[id] = doc
	}
	doc.State = copyState(state)
	doc.UpdatedAt = now

	m.mergeClockLocked(id, vclock)
	doc.Clock = copyClock(m.clocks[id])

	return doc, nil
}

// GetVectorClock retrieves the stored clock for a document
func (m *MemoryAdapter) GetVectorClock(ctx context.Context, documentID string) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	clock := copyClock(m.clocks[documentID])
	if clock == nil {
		clock = make(map[string]uint64)
	}
	return clock, nil
}

// MergeVectorClock merges entries pointwise, keeping the maximum
func (m *MemoryAdapter) MergeVectorClock(ctx context.Context, documentID string, vclock map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.mergeClockLocked(documentID, vclock)
	return nil
}

func (m *MemoryAdapter) mergeClockLocked(documentID string, vclock map[string]uint64) {
	stored, ok := m.clocks[documentID]
	if !ok {
		stored = make(map[string]uint64)
		m.clocks[documentID] = stored
	}
	for clientID, value := range vclock {
		if value > stored[clientID] {
			stored[clientID] = value
		}
	}
}

// SaveDelta appends to the audit trail
func (m *MemoryAdapter) SaveDelta(ctx context.Context, delta *DeltaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	if delta.ID == "" {
		delta.ID = uuid.NewString()
	}
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now()
	}
	m.deltas[delta.DocumentID] = append(m.deltas[delta.DocumentID], delta)
	return nil
}

// GetDeltas retrieves recent deltas, newest first
func (m *MemoryAdapter) GetDeltas(ctx context.Context, documentID string, limit int) ([]*DeltaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	if limit <= 0 {
		limit = 100
	}

	stored := m.deltas[documentID]
	out := make([]*DeltaRecord, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveSession records a session
func (m *MemoryAdapter) SaveSession(ctx context.Context, session *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	now := time.Now()
	if existing, ok := m.sessions[session.ID]; ok {
		existing.LastSeen = now
		session.ConnectedAt = existing.ConnectedAt
		session.LastSeen = now
		return nil
	}
	session.ConnectedAt = now
	session.LastSeen = now
	m.sessions[session.ID] = session
	return nil
}

// DeleteSession removes a session
func (m *MemoryAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

// SaveSnapshot records a snapshot
func (m *MemoryAdapter) SaveSnapshot(ctx context.Context, snapshot *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	m.snapshots[snapshot.DocumentID] = append(m.snapshots[snapshot.DocumentID], snapshot)
	return nil
}

// GetLatestSnapshot returns the newest snapshot, nil when absent
func (m *MemoryAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	stored := m.snapshots[documentID]
	if len(stored) == 0 {
		return nil, nil
	}

	latest := stored[0]
	for _, s := range stored[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// SaveTextDocument stores an opaque text-CRDT blob
func (m *MemoryAdapter) SaveTextDocument(ctx context.Context, id, content, crdtState string, lamport int64) (*TextDocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	now := time.Now()
	doc, ok := m.textDocs[id]
	if !ok {
		doc = &TextDocumentState{ID: id, CreatedAt: now}
		m.textDocs[id] = doc
	}
	doc.Content = content
	doc.CRDTState = crdtState
	doc.Clock = lamport
	doc.UpdatedAt = now
	return doc, nil
}

// GetTextDocument retrieves a text-CRDT blob, nil when absent
func (m *MemoryAdapter) GetTextDocument(ctx context.Context, id string) (*TextDocumentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	doc, ok := m.textDocs[id]
	if !ok {
		return nil, nil
	}
	return doc, nil
}

// Cleanup removes stale sessions, old deltas, and excess snapshots
func (m *MemoryAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	if options == nil {
		options = &CleanupOptions{
			OldSessionsHours:        24,
			OldDeltasDays:           30,
			MaxSnapshotsPerDocument: 10,
		}
	}

	result := &CleanupResult{}
	now := time.Now()

	if options.OldSessionsHours > 0 {
		cutoff := now.Add(-time.Duration(options.OldSessionsHours) * time.Hour)
		for id, session := range m.sessions {
			if session.LastSeen.Before(cutoff) {
				delete(m.sessions, id)
				result.SessionsDeleted++
			}
		}
	}

	if options.OldDeltasDays > 0 {
		cutoff := now.AddDate(0, 0, -options.OldDeltasDays)
		for docID, stored := range m.deltas {
			kept := stored[:0]
			for _, d := range stored {
				if d.Timestamp.Before(cutoff) {
					result.DeltasDeleted++
				} else {
					kept = append(kept, d)
				}
			}
			m.deltas[docID] = kept
		}
	}

	if options.MaxSnapshotsPerDocument > 0 {
		for docID, stored := range m.snapshots {
			if len(stored) <= options.MaxSnapshotsPerDocument {
				continue
			}
			sort.SliceStable(stored, func(i, j int) bool {
				return stored[i].CreatedAt.After(stored[j].CreatedAt)
			})
			result.SnapshotsDeleted += len(stored) - options.MaxSnapshotsPerDocument
			m.snapshots[docID] = stored[:options.MaxSnapshotsPerDocument]
		}
	}

	return result, nil
}

func copyState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return nil
	}
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func copyClock(clock map[string]uint64) map[string]uint64 {
	if clock == nil {
		return nil
	}
	out := make(map[string]uint64, len(clock))
	for k, v := range clock {
		out[k] = v
	}
	return out
}
