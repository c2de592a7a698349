package protocol

import (
	"errors"
	"testing"
)

func msgWith(payload map[string]interface{}) *Message {
	return &Message{Payload: payload}
}

func TestParseSubscribe(t *testing.T) {
	p, err := ParseSubscribe(msgWith(map[string]interface{}{"docId": "doc-1"}))
	if err != nil {
		t.Fatalf("ParseSubscribe failed: %v", err)
	}
	if p.DocID != "doc-1" {
		t.Errorf("DocID = %q, want doc-1", p.DocID)
	}

	if _, err := ParseSubscribe(msgWith(map[string]interface{}{})); !errors.Is(err, ErrMissingDocID) {
		t.Errorf("err = %v, want ErrMissingDocID", err)
	}
	if _, err := ParseSubscribe(msgWith(map[string]interface{}{"docId": ""})); !errors.Is(err, ErrMissingDocID) {
		t.Errorf("empty docId err = %v, want ErrMissingDocID", err)
	}
}

func TestParseSyncRequest(t *testing.T) {
	p, err := ParseSyncRequest(msgWith(map[string]interface{}{
		"docId":       "doc-1",
		"vectorClock": map[string]interface{}{"client-a": float64(3), "client-b": float64(1)},
	}))
	if err != nil {
		t.Fatalf("ParseSyncRequest failed: %v", err)
	}
	if p.VectorClock["client-a"] != 3 || p.VectorClock["client-b"] != 1 {
		t.Errorf("VectorClock = %v", p.VectorClock)
	}

	p, err = ParseSyncRequest(msgWith(map[string]interface{}{"docId": "doc-1"}))
	if err != nil {
		t.Fatalf("ParseSyncRequest without clock failed: %v", err)
	}
	if p.VectorClock != nil {
		t.Errorf("VectorClock = %v, want nil", p.VectorClock)
	}
}

func TestParseDelta_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    map[string]interface{}
	}{
		{
			"delta object",
			map[string]interface{}{
				"docId": "doc-1",
				"delta": map[string]interface{}{"title": "x"},
			},
			map[string]interface{}{"title": "x"},
		},
		{
			"legacy changes object",
			map[string]interface{}{
				"docId":   "doc-1",
				"changes": map[string]interface{}{"title": "y"},
			},
			map[string]interface{}{"title": "y"},
		},
		{
			"single field",
			map[string]interface{}{
				"docId": "doc-1",
				"field": "count",
				"value": float64(7),
			},
			map[string]interface{}{"count": float64(7)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseDelta(msgWith(tt.payload))
			if err != nil {
				t.Fatalf("ParseDelta failed: %v", err)
			}
			if len(p.Delta) != len(tt.want) {
				t.Fatalf("Delta = %v, want %v", p.Delta, tt.want)
			}
			for k, v := range tt.want {
				if p.Delta[k] != v {
					t.Errorf("Delta[%q] = %v, want %v", k, p.Delta[k], v)
				}
			}
		})
	}
}

func TestParseDelta_Clock(t *testing.T) {
	p, err := ParseDelta(msgWith(map[string]interface{}{
		"docId":     "doc-1",
		"messageId": "m-9",
		"delta":     map[string]interface{}{"a": true},
		"clock":     map[string]interface{}{"client-a": float64(5)},
	}))
	if err != nil {
		t.Fatalf("ParseDelta failed: %v", err)
	}
	if p.Clock["client-a"] != 5 {
		t.Errorf("Clock = %v", p.Clock)
	}
	if p.MessageID != "m-9" {
		t.Errorf("MessageID = %q, want m-9", p.MessageID)
	}
}

func TestParseDelta_Empty(t *testing.T) {
	if _, err := ParseDelta(msgWith(map[string]interface{}{"docId": "doc-1"})); err == nil {
		t.Error("expected error for delta without fields")
	}
}

func TestParseDeltaBatch(t *testing.T) {
	p, err := ParseDeltaBatch(msgWith(map[string]interface{}{
		"docId": "doc-1",
		"deltas": []interface{}{
			map[string]interface{}{"delta": map[string]interface{}{"a": float64(1)}},
			map[string]interface{}{"delta": map[string]interface{}{"b": float64(2)}},
		},
	}))
	if err != nil {
		t.Fatalf("ParseDeltaBatch failed: %v", err)
	}
	if len(p.Deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(p.Deltas))
	}
	// Entries inherit the batch document id.
	if p.Deltas[0].DocID != "doc-1" || p.Deltas[1].DocID != "doc-1" {
		t.Errorf("deltas did not inherit docId: %+v", p.Deltas)
	}
}

func TestParseDeltaBatch_BadEntry(t *testing.T) {
	_, err := ParseDeltaBatch(msgWith(map[string]interface{}{
		"docId":  "doc-1",
		"deltas": []interface{}{"not-an-object"},
	}))
	if err == nil {
		t.Error("expected error for non-object batch entry")
	}

	_, err = ParseDeltaBatch(msgWith(map[string]interface{}{"docId": "doc-1"}))
	if err == nil {
		t.Error("expected error for missing deltas")
	}
}

func TestParseChunk(t *testing.T) {
	p, err := ParseChunk(msgWith(map[string]interface{}{
		"chunkId":     "c-1",
		"totalChunks": float64(3),
		"chunkIndex":  float64(1),
		"data":        "abc",
	}))
	if err != nil {
		t.Fatalf("ParseChunk failed: %v", err)
	}
	if p.ChunkID != "c-1" || p.TotalChunks != 3 || p.ChunkIndex != 1 || p.Data != "abc" {
		t.Errorf("parsed chunk = %+v", p)
	}

	bad := []map[string]interface{}{
		{"totalChunks": float64(3), "chunkIndex": float64(0), "data": "x"},
		{"chunkId": "c", "chunkIndex": float64(0), "data": "x"},
		{"chunkId": "c", "totalChunks": float64(2), "chunkIndex": float64(2), "data": "x"},
		{"chunkId": "c", "totalChunks": float64(2), "chunkIndex": float64(-1), "data": "x"},
		{"chunkId": "c", "totalChunks": float64(2), "chunkIndex": float64(0)},
	}
	for i, payload := range bad {
		if _, err := ParseChunk(msgWith(payload)); err == nil {
			t.Errorf("case %d: expected error for %v", i, payload)
		}
	}
}

func TestParseAwarenessUpdate(t *testing.T) {
	p, err := ParseAwarenessUpdate(msgWith(map[string]interface{}{
		"docId":    "doc-1",
		"clientId": "client-a",
		"state":    map[string]interface{}{"cursor": float64(12)},
		"clock":    float64(4),
	}))
	if err != nil {
		t.Fatalf("ParseAwarenessUpdate failed: %v", err)
	}
	if p.ClientID != "client-a" || p.Clock != 4 {
		t.Errorf("parsed = %+v", p)
	}
	if p.State["cursor"] != float64(12) {
		t.Errorf("State = %v", p.State)
	}

	// Departure announcement carries no state.
	p, err = ParseAwarenessUpdate(msgWith(map[string]interface{}{
		"docId":    "doc-1",
		"clientId": "client-a",
	}))
	if err != nil {
		t.Fatalf("departure parse failed: %v", err)
	}
	if p.State != nil {
		t.Errorf("State = %v, want nil", p.State)
	}
}

func TestParseAck(t *testing.T) {
	p, err := ParseAck(msgWith(map[string]interface{}{"messageId": "m-1"}))
	if err != nil {
		t.Fatalf("ParseAck failed: %v", err)
	}
	if p.MessageID != "m-1" {
		t.Errorf("MessageID = %q, want m-1", p.MessageID)
	}

	// Falls back to the frame's own id.
	p, err = ParseAck(&Message{ID: "m-2", Payload: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("ParseAck fallback failed: %v", err)
	}
	if p.MessageID != "m-2" {
		t.Errorf("MessageID = %q, want m-2", p.MessageID)
	}

	if _, err := ParseAck(msgWith(map[string]interface{}{})); err == nil {
		t.Error("expected error for ack without id")
	}
}

func TestParseAuth(t *testing.T) {
	p := ParseAuth(msgWith(map[string]interface{}{
		"token":    "tok",
		"apiKey":   "key",
		"userId":   "user-1",
		"clientId": "client-1",
	}))
	if p.Token != "tok" || p.APIKey != "key" || p.UserID != "user-1" || p.ClientID != "client-1" {
		t.Errorf("parsed = %+v", p)
	}

	empty := ParseAuth(msgWith(map[string]interface{}{}))
	if empty.Token != "" || empty.ClientID != "" {
		t.Errorf("empty auth parsed = %+v", empty)
	}
}
