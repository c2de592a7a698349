package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeBinary(t *testing.T) {
	payload := map[string]interface{}{
		"id":    "msg-1",
		"docId": "doc-1",
		"delta": map[string]interface{}{"title": "hello"},
	}

	data, err := EncodeBinary(TypeDelta, payload, 1700000000123)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}
	if data[0] != byte(DELTA) {
		t.Errorf("type byte = %#x, want %#x", data[0], byte(DELTA))
	}

	msg, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary failed: %v", err)
	}
	if msg.Type != TypeDelta {
		t.Errorf("Type = %q, want %q", msg.Type, TypeDelta)
	}
	if msg.ID != "msg-1" {
		t.Errorf("ID = %q, want msg-1", msg.ID)
	}
	if msg.Timestamp != 1700000000123 {
		t.Errorf("Timestamp = %d, want 1700000000123", msg.Timestamp)
	}
	if msg.Payload["docId"] != "doc-1" {
		t.Errorf("docId = %v, want doc-1", msg.Payload["docId"])
	}
}

func TestDecodeBinary_FrameErrors(t *testing.T) {
	t.Run("short frame", func(t *testing.T) {
		_, err := DecodeBinary([]byte{0x30, 0x00})
		if !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("err = %v, want ErrFrameTooShort", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		data, err := EncodeBinary(TypePing, map[string]interface{}{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		// Claim more payload bytes than the frame carries.
		binary.BigEndian.PutUint32(data[9:13], 100)
		if _, err := DecodeBinary(data); !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("err = %v, want ErrFrameTruncated", err)
		}
	})

	t.Run("unknown type code", func(t *testing.T) {
		data, err := EncodeBinary(TypePing, map[string]interface{}{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		data[0] = 0x7A
		if _, err := DecodeBinary(data); !errors.Is(err, ErrUnknownTypeCode) {
			t.Errorf("err = %v, want ErrUnknownTypeCode", err)
		}
	})

	t.Run("payload not json", func(t *testing.T) {
		data, err := EncodeBinary(TypePing, map[string]interface{}{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		data[13] = '!'
		if _, err := DecodeBinary(data); err == nil {
			t.Error("expected decode error for corrupt payload")
		}
	})
}

func TestEncodeDecodeJSON(t *testing.T) {
	data, err := EncodeJSON(TypeSubscribe, map[string]interface{}{
		"id":    "msg-2",
		"docId": "doc-1",
	}, 42)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	msg, err := DecodeJSON(data)
	if err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if msg.Type != TypeSubscribe {
		t.Errorf("Type = %q, want %q", msg.Type, TypeSubscribe)
	}
	if msg.ID != "msg-2" {
		t.Errorf("ID = %q, want msg-2", msg.ID)
	}
	if msg.Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", msg.Timestamp)
	}
}

func TestDecode_SniffsFraming(t *testing.T) {
	jsonFrame := []byte(`{"type":"ping","id":"p1","timestamp":7}`)
	msg, err := Decode(jsonFrame)
	if err != nil {
		t.Fatalf("Decode JSON frame failed: %v", err)
	}
	if msg.Type != TypePing || msg.ID != "p1" {
		t.Errorf("decoded %+v, want ping/p1", msg)
	}

	binFrame, err := EncodeBinary(TypePong, map[string]interface{}{"id": "p2"}, 8)
	if err != nil {
		t.Fatal(err)
	}
	msg, err = Decode(binFrame)
	if err != nil {
		t.Fatalf("Decode binary frame failed: %v", err)
	}
	if msg.Type != TypePong || msg.ID != "p2" {
		t.Errorf("decoded %+v, want pong/p2", msg)
	}
}

func TestDecodeJSON_Malformed(t *testing.T) {
	if _, err := DecodeJSON([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := DecodeJSON([]byte(`null`)); err == nil {
		t.Error("expected error for null frame")
	}
}

func TestTypeCode(t *testing.T) {
	if TypeCode(TypeDeltaBatch) != DELTA_BATCH {
		t.Errorf("TypeCode(delta_batch) = %#x, want %#x", TypeCode(TypeDeltaBatch), DELTA_BATCH)
	}
	if TypeCode("no_such_type") != ERROR {
		t.Error("unknown type should map to ERROR")
	}
}

func TestKnownType(t *testing.T) {
	for _, name := range []string{
		TypeConnect, TypePing, TypePong, TypeAuth, TypeAuthSuccess,
		TypeAuthError, TypeSubscribe, TypeUnsubscribe, TypeSyncRequest,
		TypeSyncResponse, TypeDelta, TypeDeltaBatch, TypeDeltaBatchChunk,
		TypeAck, TypeAwarenessUpdate, TypeAwarenessSubscribe,
		TypeAwarenessState, TypeError,
	} {
		if !KnownType(name) {
			t.Errorf("KnownType(%q) = false", name)
		}
	}
	if KnownType("bogus") {
		t.Error("KnownType(bogus) = true")
	}
}
