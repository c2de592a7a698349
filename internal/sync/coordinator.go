// Package sync owns the set of live documents: loading persisted state on
// first touch, applying deltas through the document model, persisting
// results in the background, and evicting idle documents.
package sync

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/clock"
	"github.com/driftsync/server/internal/document"
	"github.com/driftsync/server/internal/storage"
)

// DefaultMaxDocuments caps how many documents stay resident before idle
// eviction kicks in.
const DefaultMaxDocuments = 1024

const persistQueueSize = 64

type persistJob struct {
	state  map[string]interface{}
	vclock clock.VectorClock
	deltas []*storage.DeltaRecord
}

type docEntry struct {
	doc     *document.Document
	loaded  sync.Once
	loadErr error

	persistCh chan persistJob
	done      chan struct{}
	closing   bool // set under Coordinator.mu before persistCh closes
}

// Coordinator manages document lifecycle. Documents load once, serve from
// memory, persist asynchronously, and are evicted when idle. Storage is
// best-effort: a failing adapter degrades durability, never liveness.
type Coordinator struct {
	mu      sync.Mutex
	docs    map[string]*docEntry
	recency *lru.Cache[string, struct{}]

	store        storage.Adapter
	maxDocuments int
	log          zerolog.Logger
}

// NewCoordinator creates a Coordinator backed by the given adapter.
// maxDocuments falls back to DefaultMaxDocuments when zero.
func NewCoordinator(store storage.Adapter, maxDocuments int, log zerolog.Logger) (*Coordinator, error) {
	if maxDocuments <= 0 {
		maxDocuments = DefaultMaxDocuments
	}
	// The cache tracks touch order only; entries carry no payload. Sized
	// above maxDocuments so the cache itself never drops a key before
	// EvictIdle sees it.
	recency, err := lru.New[string, struct{}](maxDocuments * 2)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		docs:         make(map[string]*docEntry),
		recency:      recency,
		store:        store,
		maxDocuments: maxDocuments,
		log:          log,
	}, nil
}

// Get returns the live document for an id, loading persisted state on
// first touch. Concurrent callers share one load. Load failures degrade
// durability, not liveness: the document serves from memory and the error
// is logged, so Get always succeeds.
func (c *Coordinator) Get(ctx context.Context, documentID string) *document.Document {
	c.mu.Lock()
	entry, ok := c.docs[documentID]
	if !ok {
		entry = &docEntry{
			doc:       document.New(documentID),
			persistCh: make(chan persistJob, persistQueueSize),
			done:      make(chan struct{}),
		}
		c.docs[documentID] = entry
		go c.persistLoop(documentID, entry)
	}
	c.mu.Unlock()

	entry.loaded.Do(func() {
		entry.loadErr = c.load(ctx, entry.doc)
	})
	if entry.loadErr != nil {
		c.log.Warn().Err(entry.loadErr).Str("documentId", documentID).Msg("serving document without persisted state")
	}

	c.recency.Add(documentID, struct{}{})
	return entry.doc
}

func (c *Coordinator) load(ctx context.Context, doc *document.Document) error {
	if c.store == nil || !c.store.IsConnected() {
		return nil
	}

	persisted, err := c.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if persisted == nil {
		return nil
	}

	doc.Preload(persisted.State, clock.VectorClock(persisted.Clock))
	c.log.Debug().
		Str("documentId", doc.ID).
		Int("fields", len(persisted.State)).
		Msg("document loaded from storage")
	return nil
}

// ApplyDelta runs a write through the document and schedules persistence.
// The returned stored delta carries the authoritative clock; the map holds
// the post-resolution value of every touched field.
func (c *Coordinator) ApplyDelta(ctx context.Context, documentID string, in document.Delta) (document.StoredDelta, map[string]interface{}) {
	doc := c.Get(ctx, documentID)
	stored, authoritative := doc.ApplyDelta(in)
	c.schedulePersist(documentID, doc, stored)
	return stored, authoritative
}

func (c *Coordinator) schedulePersist(documentID string, doc *document.Document, stored document.StoredDelta) {
	if c.store == nil || !c.store.IsConnected() {
		return
	}

	records := make([]*storage.DeltaRecord, 0, len(stored.Data))
	for field, value := range stored.Data {
		op := "set"
		var valueObj map[string]interface{}
		if document.IsTombstone(value) {
			op = "delete"
		} else {
			valueObj = map[string]interface{}{"value": value}
		}
		records = append(records, &storage.DeltaRecord{
			DocumentID:    documentID,
			ClientID:      stored.ClientID,
			OperationType: op,
			FieldPath:     field,
			Value:         valueObj,
			ClockValue:    stored.Clock.Get(stored.ClientID),
			VectorClock:   stored.Clock,
		})
	}

	job := persistJob{
		state:  doc.BuildState(),
		vclock: doc.Clock(),
		deltas: records,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.docs[documentID]
	if !ok || entry.closing {
		return
	}
	select {
	case entry.persistCh <- job:
	default:
		c.log.Warn().Str("documentId", documentID).Msg("persist queue full, dropping write-behind job")
	}
}

// persistLoop applies write-behind jobs for one document in order.
func (c *Coordinator) persistLoop(documentID string, entry *docEntry) {
	defer close(entry.done)

	for job := range entry.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

		if _, err := c.store.SaveDocument(ctx, documentID, job.state, job.vclock); err != nil {
			c.log.Warn().Err(err).Str("documentId", documentID).Msg("failed to persist document state")
		}
		for _, record := range job.deltas {
			if err := c.store.SaveDelta(ctx, record); err != nil {
				c.log.Warn().Err(err).Str("documentId", documentID).Msg("failed to persist delta")
				break
			}
		}
		cancel()
	}
}

// MergeClock folds a client clock into a document without writing fields.
func (c *Coordinator) MergeClock(ctx context.Context, documentID string, vc clock.VectorClock) {
	c.Get(ctx, documentID).MergeClock(vc)
}

// Peek returns the live document without loading or touching recency, nil
// when not resident.
func (c *Coordinator) Peek(documentID string) *document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.docs[documentID]
	if !ok {
		return nil
	}
	return entry.doc
}

// DocumentCount returns how many documents are resident.
func (c *Coordinator) DocumentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// SaveTextDocument persists an opaque text-CRDT blob.
func (c *Coordinator) SaveTextDocument(ctx context.Context, id, content, crdtState string, lamport int64) error {
	if c.store == nil || !c.store.IsConnected() {
		return nil
	}
	_, err := c.store.SaveTextDocument(ctx, id, content, crdtState, lamport)
	return err
}

// GetTextDocument loads an opaque text-CRDT blob, nil when absent.
func (c *Coordinator) GetTextDocument(ctx context.Context, id string) (*storage.TextDocumentState, error) {
	if c.store == nil || !c.store.IsConnected() {
		return nil, nil
	}
	return c.store.GetTextDocument(ctx, id)
}

// SaveSession records a live connection for observability.
func (c *Coordinator) SaveSession(ctx context.Context, connectionID, userID, clientID string) error {
	if c.store == nil || !c.store.IsConnected() {
		return nil
	}
	return c.store.SaveSession(ctx, &storage.SessionRecord{
		ID:       connectionID,
		UserID:   userID,
		ClientID: clientID,
		LastSeen: time.Now(),
	})
}

// DeleteSession removes the session record when a connection closes.
func (c *Coordinator) DeleteSession(ctx context.Context, connectionID string) {
	if c.store == nil || !c.store.IsConnected() {
		return
	}
	if _, err := c.store.DeleteSession(ctx, connectionID); err != nil {
		c.log.Warn().Err(err).Str("connId", connectionID).Msg("failed to delete session")
	}
}

// EvictIdle removes documents beyond the residency cap, oldest touch
// first, skipping any with live subscribers. Evicted documents are
// snapshotted before removal. Returns how many were evicted.
func (c *Coordinator) EvictIdle(ctx context.Context) int {
	c.mu.Lock()
	over := len(c.docs) - c.maxDocuments
	c.mu.Unlock()
	if over <= 0 {
		return 0
	}

	evicted := 0
	for _, documentID := range c.recency.Keys() { // oldest first
		if evicted >= over {
			break
		}

		c.mu.Lock()
		entry, ok := c.docs[documentID]
		if !ok {
			c.mu.Unlock()
			c.recency.Remove(documentID)
			continue
		}
		doc := entry.doc
		if doc.SubscriberCount() > 0 || len(doc.AwarenessSubscribers()) > 0 {
			c.mu.Unlock()
			continue
		}
		entry.closing = true
		delete(c.docs, documentID)
		c.mu.Unlock()

		c.recency.Remove(documentID)
		close(entry.persistCh)
		<-entry.done

		c.snapshot(ctx, doc)
		evicted++
		c.log.Debug().Str("documentId", documentID).Msg("evicted idle document")
	}
	return evicted
}

func (c *Coordinator) snapshot(ctx context.Context, doc *document.Document) {
	if c.store == nil || !c.store.IsConnected() {
		return
	}

	snap := &storage.SnapshotRecord{
		DocumentID: doc.ID,
		State:      doc.BuildState(),
		Clock:      doc.Clock(),
	}
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		c.log.Warn().Err(err).Str("documentId", doc.ID).Msg("failed to snapshot evicted document")
	}
}

// Close drains every persist queue and writes a final state for each
// resident document.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	entries := make(map[string]*docEntry, len(c.docs))
	for id, entry := range c.docs {
		entry.closing = true
		entries[id] = entry
	}
	c.docs = make(map[string]*docEntry)
	c.mu.Unlock()

	for documentID, entry := range entries {
		close(entry.persistCh)
		<-entry.done

		if c.store != nil && c.store.IsConnected() {
			if _, err := c.store.SaveDocument(ctx, documentID, entry.doc.BuildState(), entry.doc.Clock()); err != nil {
				c.log.Warn().Err(err).Str("documentId", documentID).Msg("failed final document save")
			}
		}
	}
}
