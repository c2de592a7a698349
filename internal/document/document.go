// Package document holds the per-document state machine: an append-only
// delta log, the LWW-resolved field map, the document vector clock, and the
// subscriber sets. Each Document is a single-writer actor; every mutation
// runs under one lock so the log, resolved map and clock move together.
package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/server/internal/clock"
)

// Tombstone is the sentinel object marking a deleted field. It participates
// in LWW like any other write.
var Tombstone = map[string]interface{}{"__deleted": true}

// IsTombstone reports whether a field value is the deletion sentinel.
func IsTombstone(value interface{}) bool {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	deleted, ok := obj["__deleted"].(bool)
	return ok && deleted
}

// StoredDelta is one immutable entry in the delta log.
type StoredDelta struct {
	ID          string                 `json:"id"`
	ClientID    string                 `json:"clientId"`
	TimestampMs int64                  `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
	Clock       clock.VectorClock      `json:"clock"`
}

// FieldEntry is the resolved LWW tuple for one field.
type FieldEntry struct {
	Value        interface{}
	TimestampMs  int64
	ClockCounter uint64
	ClientID     string
	IsTombstone  bool
}

// wins applies the LWW tiebreak: larger timestamp, then larger clock
// counter, then larger client id under byte comparison.
func (e FieldEntry) wins(other FieldEntry) bool {
	if e.TimestampMs != other.TimestampMs {
		return e.TimestampMs > other.TimestampMs
	}
	if e.ClockCounter != other.ClockCounter {
		return e.ClockCounter > other.ClockCounter
	}
	return e.ClientID > other.ClientID
}

// Delta is a write intent submitted to ApplyDelta.
type Delta struct {
	ID          string
	ClientID    string
	TimestampMs int64
	Fields      map[string]interface{}
	Clock       clock.VectorClock
}

// Document is the authoritative state for one document id.
type Document struct {
	ID string

	mu          sync.RWMutex
	vclock      clock.VectorClock
	deltas      []StoredDelta
	resolved    map[string]FieldEntry
	subscribers map[string]struct{}
	awareSubs   map[string]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// New creates an empty document.
func New(id string) *Document {
	now := time.Now()
	return &Document{
		ID:          id,
		vclock:      clock.New(),
		resolved:    make(map[string]FieldEntry),
		subscribers: make(map[string]struct{}),
		awareSubs:   make(map[string]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
}

// Preload installs persisted state before the document serves traffic.
// Fields become resolved entries with zero LWW metadata so any live write
// wins over them.
func (d *Document) Preload(state map[string]interface{}, vc clock.VectorClock) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for field, value := range state {
		if _, exists := d.resolved[field]; !exists {
			d.resolved[field] = FieldEntry{Value: value}
		}
	}
	d.vclock.MergeInto(vc)
}

// ApplyDelta runs one write through the LWW resolver. The document bumps its
// own counter for the writing client (server-authoritative), appends to the
// delta log, merges the incoming clock, then resolves each field. It returns
// the stored delta and the resulting authoritative values per field.
func (d *Document) ApplyDelta(in Delta) (StoredDelta, map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vclock = d.vclock.Increment(in.ClientID)
	counter := d.vclock.Get(in.ClientID)

	stored := StoredDelta{
		ID:          in.ID,
		ClientID:    in.ClientID,
		TimestampMs: in.TimestampMs,
		Data:        in.Fields,
		Clock:       d.vclock.Copy(),
	}
	d.deltas = append(d.deltas, stored)

	d.vclock.MergeInto(in.Clock)

	authoritative := make(map[string]interface{}, len(in.Fields))
	for field, value := range in.Fields {
		entry := FieldEntry{
			Value:        value,
			TimestampMs:  in.TimestampMs,
			ClockCounter: counter,
			ClientID:     in.ClientID,
			IsTombstone:  IsTombstone(value),
		}
		if entry.IsTombstone {
			entry.Value = nil
		}

		existing, exists := d.resolved[field]
		if !exists || entry.wins(existing) {
			d.resolved[field] = entry
			existing = entry
		}
		if existing.IsTombstone {
			authoritative[field] = nil
		} else {
			authoritative[field] = existing.Value
		}
	}

	d.updatedAt = time.Now()
	return stored, authoritative
}

// MergeClock folds an external vector clock into the document clock.
func (d *Document) MergeClock(vc clock.VectorClock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vclock.MergeInto(vc)
}

// Clock returns a snapshot of the document vector clock.
func (d *Document) Clock() clock.VectorClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vclock.Copy()
}

// BuildState projects the resolved map into client-visible state, skipping
// tombstones. O(fields), not O(deltas).
func (d *Document) BuildState() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := make(map[string]interface{}, len(d.resolved))
	for field, entry := range d.resolved {
		if !entry.IsTombstone {
			state[field] = entry.Value
		}
	}
	return state
}

// Field returns the resolved entry for one field.
func (d *Document) Field(name string) (FieldEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.resolved[name]
	return entry, ok
}

// DeltasSince returns the deltas a client at the given clock has not seen:
// every log entry whose clock is neither before nor equal to the client's.
// A nil clock returns the whole log.
func (d *Document) DeltasSince(since clock.VectorClock) []StoredDelta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []StoredDelta
	for _, delta := range d.deltas {
		if since != nil && since.Dominates(delta.Clock) {
			continue
		}
		out = append(out, delta)
	}
	return out
}

// DeltaCount returns the current log length.
func (d *Document) DeltaCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.deltas)
}

// Subscribe adds a connection to the subscriber set. Idempotent.
func (d *Document) Subscribe(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[connectionID] = struct{}{}
}

// Unsubscribe removes a connection from the subscriber set. Idempotent.
func (d *Document) Unsubscribe(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, connectionID)
}

// Subscribers returns a snapshot of subscribed connection ids.
func (d *Document) Subscribers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		out = append(out, id)
	}
	return out
}

// SubscribeAwareness adds a connection to the awareness subscriber set.
func (d *Document) SubscribeAwareness(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.awareSubs[connectionID] = struct{}{}
}

// UnsubscribeAwareness removes a connection from the awareness subscriber set.
func (d *Document) UnsubscribeAwareness(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.awareSubs, connectionID)
}

// AwarenessSubscribers returns a snapshot of awareness subscriber ids.
func (d *Document) AwarenessSubscribers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.awareSubs))
	for id := range d.awareSubs {
		out = append(out, id)
	}
	return out
}

// SubscriberCount returns the size of the state subscriber set.
func (d *Document) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// CheckInvariants re-derives the resolved map from the delta log and compares
// it with the live map. A mismatch is a fatal invariant violation; this runs
// only from debug paths and tests.
func (d *Document) CheckInvariants() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rederived := make(map[string]FieldEntry)
	for _, delta := range d.deltas {
		counter := delta.Clock.Get(delta.ClientID)
		for field, value := range delta.Data {
			entry := FieldEntry{
				Value:        value,
				TimestampMs:  delta.TimestampMs,
				ClockCounter: counter,
				ClientID:     delta.ClientID,
				IsTombstone:  IsTombstone(value),
			}
			if entry.IsTombstone {
				entry.Value = nil
			}
			existing, exists := rederived[field]
			if !exists || entry.wins(existing) {
				rederived[field] = entry
			}
		}
	}

	for field, entry := range rederived {
		live, ok := d.resolved[field]
		if !ok {
			return fmt.Errorf("document %s: field %q present in log but not resolved", d.ID, field)
		}
		if live.ClientID != entry.ClientID || live.TimestampMs != entry.TimestampMs ||
			live.ClockCounter != entry.ClockCounter || live.IsTombstone != entry.IsTombstone {
			return fmt.Errorf("document %s: field %q resolved entry diverges from log re-derivation", d.ID, field)
		}
	}

	// The document clock must dominate every delta clock.
	for _, delta := range d.deltas {
		if !d.vclock.Dominates(delta.Clock) {
			return fmt.Errorf("document %s: vector clock does not dominate delta %s", d.ID, delta.ID)
		}
	}
	return nil
}
