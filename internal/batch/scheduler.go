// Package batch coalesces applied deltas per document over a short window
// before fan-out, so bursts reach subscribers as one delta_batch frame
// instead of a frame per delta.
package batch

import (
	"sync"
	"time"

	"github.com/driftsync/server/internal/clock"
)

// DefaultWindow is how long a document batch accumulates before flushing.
const DefaultWindow = 50 * time.Millisecond

// Item is one applied delta queued for fan-out.
type Item struct {
	ClientID  string
	Delta     map[string]interface{}
	Clock     clock.VectorClock
	Timestamp int64
}

// FlushFunc receives a completed batch: one item per writer carrying the
// fields that writer last wrote within the window, in writer arrival
// order, plus the merge of all clocks.
type FlushFunc func(documentID string, items []Item, merged clock.VectorClock)

type pendingWriter struct {
	delta     map[string]interface{}
	vclock    clock.VectorClock
	timestamp int64
	hadFields bool
}

type pendingBatch struct {
	owners  map[string]string // field -> last writer in the window
	writers map[string]*pendingWriter
	order   []string // writer arrival order
	merged  clock.VectorClock
	timer   *time.Timer
}

// Scheduler batches deltas per document. The first delta for an idle
// document opens a window; everything arriving before it closes joins the
// same batch.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	stopped bool

	window time.Duration
	flush  FlushFunc
}

// NewScheduler creates a Scheduler. window falls back to DefaultWindow
// when zero.
func NewScheduler(window time.Duration, flush FlushFunc) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{
		pending: make(map[string]*pendingBatch),
		window:  window,
		flush:   flush,
	}
}

// Add queues a delta for the document, opening a flush window if none is
// pending. Repeated writes to one field within the window coalesce: only
// the last value ships, attributed to its writer.
func (s *Scheduler) Add(documentID string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	batch, ok := s.pending[documentID]
	if !ok {
		batch = &pendingBatch{
			owners:  make(map[string]string),
			writers: make(map[string]*pendingWriter),
			merged:  clock.VectorClock{},
		}
		batch.timer = time.AfterFunc(s.window, func() {
			s.FlushDocument(documentID)
		})
		s.pending[documentID] = batch
	}

	w, ok := batch.writers[item.ClientID]
	if !ok {
		w = &pendingWriter{
			delta:  make(map[string]interface{}),
			vclock: clock.VectorClock{},
		}
		batch.writers[item.ClientID] = w
		batch.order = append(batch.order, item.ClientID)
	}

	// Values copy into the writer's own map; the incoming delta is shared
	// with the document log and must stay untouched.
	for field, value := range item.Delta {
		if prev, taken := batch.owners[field]; taken && prev != item.ClientID {
			delete(batch.writers[prev].delta, field)
		}
		batch.owners[field] = item.ClientID
		w.delta[field] = value
		w.hadFields = true
	}
	w.vclock.MergeInto(item.Clock)
	if item.Timestamp > w.timestamp {
		w.timestamp = item.Timestamp
	}
	batch.merged.MergeInto(item.Clock)
}

// FlushDocument flushes the pending batch for a document immediately.
// No-op when nothing is pending.
func (s *Scheduler) FlushDocument(documentID string) {
	s.mu.Lock()
	batch, ok := s.pending[documentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	batch.timer.Stop()
	delete(s.pending, documentID)
	s.mu.Unlock()

	items := make([]Item, 0, len(batch.order))
	for _, clientID := range batch.order {
		w := batch.writers[clientID]
		if w.hadFields && len(w.delta) == 0 {
			// Every field this writer queued was superseded in-window.
			continue
		}
		items = append(items, Item{
			ClientID:  clientID,
			Delta:     w.delta,
			Clock:     w.vclock,
			Timestamp: w.timestamp,
		})
	}

	s.flush(documentID, items, batch.merged)
}

// FlushAll flushes every pending batch. Called during shutdown so queued
// deltas reach subscribers before connections close.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for documentID := range s.pending {
		ids = append(ids, documentID)
	}
	s.mu.Unlock()

	for _, documentID := range ids {
		s.FlushDocument(documentID)
	}
}

// PendingDocuments returns how many documents have an open window.
func (s *Scheduler) PendingDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop drains pending batches and rejects further adds.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.FlushAll()
}
