// Package clock implements the vector clocks used to order document deltas.
package clock

// VectorClock maps a client id to its counter. Absent keys read as zero, so
// the nil map is a valid empty clock.
type VectorClock map[string]uint64

// New returns an empty clock.
func New() VectorClock {
	return make(VectorClock)
}

// Get returns the counter for a client, zero if absent.
func (vc VectorClock) Get(clientID string) uint64 {
	return vc[clientID]
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Increment returns a new clock with the client's counter bumped by one.
// The receiver is not modified.
func (vc VectorClock) Increment(clientID string) VectorClock {
	out := vc.Copy()
	out[clientID]++
	return out
}

// Merge returns the pointwise max of both clocks. Idempotent and commutative.
func Merge(a, b VectorClock) VectorClock {
	out := a.Copy()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// MergeInto folds other into vc in place.
func (vc VectorClock) MergeInto(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// lessOrEqual reports a[k] <= b[k] for every k.
func lessOrEqual(a, b VectorClock) bool {
	for k, v := range a {
		if v > b[k] {
			return false
		}
	}
	return true
}

// HappensBefore reports whether a causally precedes b: every component of a
// is <= the corresponding component of b, and at least one is strictly less.
func HappensBefore(a, b VectorClock) bool {
	if !lessOrEqual(a, b) {
		return false
	}
	for k, v := range b {
		if v > a[k] {
			return true
		}
	}
	return false
}

// Concurrent reports whether neither clock dominates the other.
func Concurrent(a, b VectorClock) bool {
	return !lessOrEqual(a, b) && !lessOrEqual(b, a)
}

// Equal reports componentwise equality, treating absent keys as zero.
func Equal(a, b VectorClock) bool {
	return lessOrEqual(a, b) && lessOrEqual(b, a)
}

// Dominates reports vc >= other pointwise: other happened before vc or they
// are equal. A delta whose clock is dominated by a client's clock is already
// known to that client.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return lessOrEqual(other, vc)
}
