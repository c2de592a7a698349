package clock

import "testing"

func TestGet_AbsentKeyIsZero(t *testing.T) {
	vc := VectorClock{"a": 3}
	if vc.Get("a") != 3 {
		t.Errorf("Get(a) = %d, want 3", vc.Get("a"))
	}
	if vc.Get("missing") != 0 {
		t.Errorf("Get(missing) = %d, want 0", vc.Get("missing"))
	}

	var nilClock VectorClock
	if nilClock.Get("a") != 0 {
		t.Error("nil clock should read zero")
	}
}

func TestIncrement_DoesNotMutateReceiver(t *testing.T) {
	vc := VectorClock{"a": 1}
	bumped := vc.Increment("a")

	if bumped.Get("a") != 2 {
		t.Errorf("bumped a = %d, want 2", bumped.Get("a"))
	}
	if vc.Get("a") != 1 {
		t.Errorf("receiver mutated: a = %d, want 1", vc.Get("a"))
	}

	fresh := vc.Increment("b")
	if fresh.Get("b") != 1 {
		t.Errorf("new key b = %d, want 1", fresh.Get("b"))
	}
}

func TestMerge_PointwiseMax(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 5, "c": 2}

	merged := Merge(a, b)

	want := VectorClock{"a": 3, "b": 5, "c": 2}
	if !Equal(merged, want) {
		t.Errorf("Merge = %v, want %v", merged, want)
	}

	// Commutative
	if !Equal(Merge(b, a), merged) {
		t.Error("Merge is not commutative")
	}

	// Idempotent
	if !Equal(Merge(merged, merged), merged) {
		t.Error("Merge is not idempotent")
	}
}

func TestHappensBefore(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"strictly less", VectorClock{"a": 1}, VectorClock{"a": 2}, true},
		{"less with extra key", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, true},
		{"equal", VectorClock{"a": 1}, VectorClock{"a": 1}, false},
		{"greater", VectorClock{"a": 2}, VectorClock{"a": 1}, false},
		{"concurrent", VectorClock{"a": 1}, VectorClock{"b": 1}, false},
		{"empty before non-empty", VectorClock{}, VectorClock{"a": 1}, true},
		{"empty vs empty", VectorClock{}, VectorClock{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HappensBefore(tt.a, tt.b); got != tt.want {
				t.Errorf("HappensBefore(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestConcurrent(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want bool
	}{
		{"disjoint keys", VectorClock{"a": 1}, VectorClock{"b": 1}, true},
		{"crossed counters", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, true},
		{"ordered", VectorClock{"a": 1}, VectorClock{"a": 2}, false},
		{"equal", VectorClock{"a": 1}, VectorClock{"a": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Concurrent(tt.a, tt.b); got != tt.want {
				t.Errorf("Concurrent(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			// Symmetric
			if got := Concurrent(tt.b, tt.a); got != tt.want {
				t.Errorf("Concurrent(%v, %v) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestEqual_TreatsAbsentAsZero(t *testing.T) {
	a := VectorClock{"a": 1, "b": 0}
	b := VectorClock{"a": 1}

	if !Equal(a, b) {
		t.Errorf("Equal(%v, %v) = false, want true", a, b)
	}
}

func TestDominates(t *testing.T) {
	client := VectorClock{"a": 3, "b": 2}

	if !client.Dominates(VectorClock{"a": 3, "b": 1}) {
		t.Error("client clock should dominate an older delta")
	}
	if !client.Dominates(client.Copy()) {
		t.Error("a clock should dominate its equal")
	}
	if client.Dominates(VectorClock{"a": 4}) {
		t.Error("client clock should not dominate a newer delta")
	}
	if client.Dominates(VectorClock{"c": 1}) {
		t.Error("client clock should not dominate a concurrent delta")
	}
}

func TestCopy_Independent(t *testing.T) {
	vc := VectorClock{"a": 1}
	cp := vc.Copy()
	cp["a"] = 99

	if vc.Get("a") != 1 {
		t.Error("Copy shares storage with receiver")
	}
}

func TestMergeInto(t *testing.T) {
	vc := VectorClock{"a": 1, "b": 5}
	vc.MergeInto(VectorClock{"a": 3, "c": 2})

	want := VectorClock{"a": 3, "b": 5, "c": 2}
	if !Equal(vc, want) {
		t.Errorf("MergeInto = %v, want %v", vc, want)
	}
}
