package protocol

import (
	"errors"
	"fmt"
)

// Typed payload views. The wire carries free-form JSON; these extractors
// validate shape at the boundary so the hub can work with structured values.

var ErrMissingDocID = errors.New("missing docId")

// SubscribePayload covers subscribe, unsubscribe and awareness_subscribe.
type SubscribePayload struct {
	DocID string
}

// SyncRequestPayload carries an optional client vector clock for catch-up.
type SyncRequestPayload struct {
	DocID       string
	VectorClock map[string]uint64
}

// DeltaPayload carries one or more field mutations and the sender's clock.
type DeltaPayload struct {
	DocID     string
	Delta     map[string]interface{}
	Clock     map[string]uint64
	MessageID string
}

// DeltaBatchPayload carries a client-side batch of deltas.
type DeltaBatchPayload struct {
	DocID  string
	Deltas []DeltaPayload
}

// ChunkPayload is one piece of a chunked delta batch.
type ChunkPayload struct {
	ChunkID     string
	TotalChunks int
	ChunkIndex  int
	Data        string
}

// AwarenessUpdatePayload carries ephemeral presence state; State is nil when
// the client announces departure.
type AwarenessUpdatePayload struct {
	DocID    string
	ClientID string
	State    map[string]interface{}
	Clock    uint64
}

// AckPayload acknowledges a fanned-out delta.
type AckPayload struct {
	MessageID string
}

// AuthPayload carries credentials; all fields optional.
type AuthPayload struct {
	Token    string
	APIKey   string
	UserID   string
	ClientID string
}

func docID(payload map[string]interface{}) (string, error) {
	id, ok := payload["docId"].(string)
	if !ok || id == "" {
		return "", ErrMissingDocID
	}
	return id, nil
}

func clockField(v interface{}) map[string]uint64 {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	clock := make(map[string]uint64, len(raw))
	for k, cv := range raw {
		if f, ok := cv.(float64); ok && f >= 0 {
			clock[k] = uint64(f)
		}
	}
	return clock
}

// ParseSubscribe extracts a SubscribePayload.
func ParseSubscribe(msg *Message) (*SubscribePayload, error) {
	id, err := docID(msg.Payload)
	if err != nil {
		return nil, err
	}
	return &SubscribePayload{DocID: id}, nil
}

// ParseSyncRequest extracts a SyncRequestPayload.
func ParseSyncRequest(msg *Message) (*SyncRequestPayload, error) {
	id, err := docID(msg.Payload)
	if err != nil {
		return nil, err
	}
	return &SyncRequestPayload{
		DocID:       id,
		VectorClock: clockField(msg.Payload["vectorClock"]),
	}, nil
}

// ParseDelta extracts a DeltaPayload. Both the SDK shape ("delta": {field:
// value, ...}) and the single-field shape ("field" + "value") are accepted.
func ParseDelta(msg *Message) (*DeltaPayload, error) {
	id, err := docID(msg.Payload)
	if err != nil {
		return nil, err
	}

	p := &DeltaPayload{
		DocID: id,
		Clock: clockField(msg.Payload["clock"]),
	}
	if mid, ok := msg.Payload["messageId"].(string); ok {
		p.MessageID = mid
	}

	if delta, ok := msg.Payload["delta"].(map[string]interface{}); ok {
		p.Delta = delta
	} else if changes, ok := msg.Payload["changes"].(map[string]interface{}); ok {
		// Older SDKs send "changes".
		p.Delta = changes
	} else if field, ok := msg.Payload["field"].(string); ok && field != "" {
		p.Delta = map[string]interface{}{field: msg.Payload["value"]}
	}

	if len(p.Delta) == 0 {
		return nil, fmt.Errorf("delta for %q carries no fields", id)
	}
	return p, nil
}

// ParseDeltaBatch extracts a DeltaBatchPayload.
func ParseDeltaBatch(msg *Message) (*DeltaBatchPayload, error) {
	id, err := docID(msg.Payload)
	if err != nil {
		return nil, err
	}

	rawDeltas, ok := msg.Payload["deltas"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("delta batch for %q carries no deltas", id)
	}

	batch := &DeltaBatchPayload{DocID: id}
	for i, raw := range rawDeltas {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("delta %d in batch is not an object", i)
		}
		sub := &Message{Payload: entry}
		if _, present := entry["docId"]; !present {
			entry["docId"] = id
		}
		dp, err := ParseDelta(sub)
		if err != nil {
			return nil, fmt.Errorf("delta %d in batch: %w", i, err)
		}
		batch.Deltas = append(batch.Deltas, *dp)
	}
	return batch, nil
}

// ParseChunk extracts a ChunkPayload.
func ParseChunk(msg *Message) (*ChunkPayload, error) {
	chunkID, ok := msg.Payload["chunkId"].(string)
	if !ok || chunkID == "" {
		return nil, errors.New("missing chunkId")
	}
	total, ok := msg.Payload["totalChunks"].(float64)
	if !ok || total < 1 {
		return nil, errors.New("missing or invalid totalChunks")
	}
	index, ok := msg.Payload["chunkIndex"].(float64)
	if !ok || index < 0 || index >= total {
		return nil, errors.New("chunkIndex out of range")
	}
	data, ok := msg.Payload["data"].(string)
	if !ok {
		return nil, errors.New("missing chunk data")
	}
	return &ChunkPayload{
		ChunkID:     chunkID,
		TotalChunks: int(total),
		ChunkIndex:  int(index),
		Data:        data,
	}, nil
}

// ParseAwarenessUpdate extracts an AwarenessUpdatePayload. A nil State means
// the client is announcing departure.
func ParseAwarenessUpdate(msg *Message) (*AwarenessUpdatePayload, error) {
	id, err := docID(msg.Payload)
	if err != nil {
		return nil, err
	}
	p := &AwarenessUpdatePayload{DocID: id}
	if clientID, ok := msg.Payload["clientId"].(string); ok {
		p.ClientID = clientID
	}
	if state, ok := msg.Payload["state"].(map[string]interface{}); ok {
		p.State = state
	}
	if c, ok := msg.Payload["clock"].(float64); ok && c >= 0 {
		p.Clock = uint64(c)
	}
	return p, nil
}

// ParseAck extracts an AckPayload. The acknowledged id may arrive either as
// "messageId" or as the message's own id echoing the original.
func ParseAck(msg *Message) (*AckPayload, error) {
	if mid, ok := msg.Payload["messageId"].(string); ok && mid != "" {
		return &AckPayload{MessageID: mid}, nil
	}
	if msg.ID != "" {
		return &AckPayload{MessageID: msg.ID}, nil
	}
	return nil, errors.New("ack carries no messageId")
}

// ParseAuth extracts an AuthPayload.
func ParseAuth(msg *Message) *AuthPayload {
	p := &AuthPayload{}
	if token, ok := msg.Payload["token"].(string); ok {
		p.Token = token
	}
	if key, ok := msg.Payload["apiKey"].(string); ok {
		p.APIKey = key
	}
	if userID, ok := msg.Payload["userId"].(string); ok {
		p.UserID = userID
	}
	if clientID, ok := msg.Payload["clientId"].(string); ok {
		p.ClientID = clientID
	}
	return p
}
