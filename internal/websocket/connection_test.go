package websocket

import (
	"testing"

	"github.com/driftsync/server/internal/protocol"
)

func TestIngestChunk_Reassembles(t *testing.T) {
	conn := NewConnection("conn-1", "10.0.0.1", nil, nil, nil)

	pieces := []string{`{"type":"ping"`, `,"id":"p1"`, `}`}
	for i := 0; i < 2; i++ {
		if got := conn.ingestChunk(&protocol.ChunkPayload{
			ChunkID: "c1", TotalChunks: 3, ChunkIndex: i, Data: pieces[i],
		}); got != nil {
			t.Fatalf("chunk %d completed the batch early: %q", i, got)
		}
	}
	got := conn.ingestChunk(&protocol.ChunkPayload{
		ChunkID: "c1", TotalChunks: 3, ChunkIndex: 2, Data: pieces[2],
	})
	if string(got) != `{"type":"ping","id":"p1"}` {
		t.Errorf("reassembled = %q", got)
	}
}

func TestIngestChunk_EmptyPieceCounts(t *testing.T) {
	conn := NewConnection("conn-1", "10.0.0.1", nil, nil, nil)

	if got := conn.ingestChunk(&protocol.ChunkPayload{
		ChunkID: "c1", TotalChunks: 2, ChunkIndex: 0, Data: "",
	}); got != nil {
		t.Fatalf("completed early: %q", got)
	}
	got := conn.ingestChunk(&protocol.ChunkPayload{
		ChunkID: "c1", TotalChunks: 2, ChunkIndex: 1, Data: `{"type":"ping"}`,
	})
	if string(got) != `{"type":"ping"}` {
		t.Errorf("reassembled = %q, want the empty piece counted", got)
	}
}

func TestIngestChunk_DuplicatePieceIgnored(t *testing.T) {
	conn := NewConnection("conn-1", "10.0.0.1", nil, nil, nil)

	for i := 0; i < 2; i++ {
		if got := conn.ingestChunk(&protocol.ChunkPayload{
			ChunkID: "c1", TotalChunks: 2, ChunkIndex: 0, Data: "a",
		}); got != nil {
			t.Fatalf("duplicate piece completed the batch: %q", got)
		}
	}
	got := conn.ingestChunk(&protocol.ChunkPayload{
		ChunkID: "c1", TotalChunks: 2, ChunkIndex: 1, Data: "b",
	})
	if string(got) != "ab" {
		t.Errorf("reassembled = %q, want ab", got)
	}
}
