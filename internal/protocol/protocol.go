// Package protocol implements the DriftSync wire codec. A frame is
// [type:1 byte][timestamp:8 bytes big-endian][payload_len:4 bytes big-endian]
// followed by a UTF-8 JSON payload. Browser clients may instead send the
// entire message as a JSON text frame with a "type" string discriminator.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageTypeCode represents binary message type codes (must match SDK client exactly)
type MessageTypeCode byte

const (
	CONNECT           MessageTypeCode = 0x00
	PING              MessageTypeCode = 0x01
	PONG              MessageTypeCode = 0x02
	AUTH              MessageTypeCode = 0x10
	AUTH_SUCCESS      MessageTypeCode = 0x11
	AUTH_ERROR        MessageTypeCode = 0x12
	SUBSCRIBE         MessageTypeCode = 0x20
	UNSUBSCRIBE       MessageTypeCode = 0x21
	SYNC_RESPONSE     MessageTypeCode = 0x22
	SYNC_REQUEST      MessageTypeCode = 0x23
	DELTA             MessageTypeCode = 0x30
	DELTA_BATCH       MessageTypeCode = 0x31
	ACK               MessageTypeCode = 0x32
	DELTA_BATCH_CHUNK MessageTypeCode = 0x33
	AWARENESS_UPDATE  MessageTypeCode = 0x40
	AWARENESS_SUB     MessageTypeCode = 0x41
	AWARENESS_STATE   MessageTypeCode = 0x42
	ERROR             MessageTypeCode = 0xFF
)

// MessageType represents string message type names
const (
	TypeConnect = "connect"
	TypePing    = "ping"
	TypePong    = "pong"

	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeSyncRequest     = "sync_request"
	TypeSyncResponse    = "sync_response"
	TypeDelta           = "delta"
	TypeDeltaBatch      = "delta_batch"
	TypeDeltaBatchChunk = "delta_batch_chunk"
	TypeAck             = "ack"

	TypeAwarenessUpdate    = "awareness_update"
	TypeAwarenessSubscribe = "awareness_subscribe"
	TypeAwarenessState     = "awareness_state"

	TypeError = "error"
)

// Stable error codes carried in Error frames.
const (
	CodeFrameMalformed       = "FRAME_MALFORMED"
	CodeMessageInvalid       = "MESSAGE_INVALID"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeDocumentIDInvalid    = "DOCUMENT_ID_INVALID"
	CodeDocumentAccessDenied = "DOCUMENT_ACCESS_DENIED"
	CodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	CodeBackpressureDrop     = "BACKPRESSURE_DROP"
	CodeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
)

// Map type codes to type names
var typeCodeToName = map[MessageTypeCode]string{
	CONNECT:           TypeConnect,
	PING:              TypePing,
	PONG:              TypePong,
	AUTH:              TypeAuth,
	AUTH_SUCCESS:      TypeAuthSuccess,
	AUTH_ERROR:        TypeAuthError,
	SUBSCRIBE:         TypeSubscribe,
	UNSUBSCRIBE:       TypeUnsubscribe,
	SYNC_REQUEST:      TypeSyncRequest,
	SYNC_RESPONSE:     TypeSyncResponse,
	DELTA:             TypeDelta,
	DELTA_BATCH:       TypeDeltaBatch,
	DELTA_BATCH_CHUNK: TypeDeltaBatchChunk,
	ACK:               TypeAck,
	AWARENESS_UPDATE:  TypeAwarenessUpdate,
	AWARENESS_SUB:     TypeAwarenessSubscribe,
	AWARENESS_STATE:   TypeAwarenessState,
	ERROR:             TypeError,
}

// Map type names to type codes
var typeNameToCode = map[string]MessageTypeCode{
	TypeConnect:            CONNECT,
	TypePing:               PING,
	TypePong:               PONG,
	TypeAuth:               AUTH,
	TypeAuthSuccess:        AUTH_SUCCESS,
	TypeAuthError:          AUTH_ERROR,
	TypeSubscribe:          SUBSCRIBE,
	TypeUnsubscribe:        UNSUBSCRIBE,
	TypeSyncRequest:        SYNC_REQUEST,
	TypeSyncResponse:       SYNC_RESPONSE,
	TypeDelta:              DELTA,
	TypeDeltaBatch:         DELTA_BATCH,
	TypeDeltaBatchChunk:    DELTA_BATCH_CHUNK,
	TypeAck:                ACK,
	TypeAwarenessUpdate:    AWARENESS_UPDATE,
	TypeAwarenessSubscribe: AWARENESS_SUB,
	TypeAwarenessState:     AWARENESS_STATE,
	TypeError:              ERROR,
}

// headerLen is the fixed binary frame header size.
const headerLen = 13

// Framing errors.
var (
	ErrFrameTooShort    = errors.New("frame shorter than header")
	ErrFrameTruncated   = errors.New("frame payload truncated")
	ErrUnknownTypeCode  = errors.New("unknown message type code")
	ErrPayloadNotObject = errors.New("payload is not a JSON object")
)

// Message represents a decoded wire message.
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"-"`
}

// EncodeBinary encodes a message to the binary framing.
func EncodeBinary(messageType string, payload map[string]interface{}, timestamp int64) ([]byte, error) {
	typeCode, ok := typeNameToCode[messageType]
	if !ok {
		typeCode = ERROR
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	payloadLen := uint32(len(payloadJSON))

	buf := make([]byte, headerLen+payloadLen)
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[13:], payloadJSON)

	return buf, nil
}

// EncodeJSON encodes a message as a plain JSON text frame. The payload is
// expected to already carry the "type", "id" and "timestamp" fields, matching
// the convention used throughout the hub.
func EncodeJSON(messageType string, payload map[string]interface{}, timestamp int64) ([]byte, error) {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	if _, ok := payload["type"]; !ok {
		payload["type"] = messageType
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = timestamp
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// DecodeBinary decodes a binary frame.
func DecodeBinary(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}

	typeCode := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	if uint32(len(data)-headerLen) != payloadLen {
		return nil, fmt.Errorf("%w: expected %d payload bytes, got %d",
			ErrFrameTruncated, payloadLen, len(data)-headerLen)
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownTypeCode, byte(typeCode))
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data[headerLen:headerLen+payloadLen], &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	message := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Payload:   payload,
	}
	if id, ok := payload["id"].(string); ok {
		message.ID = id
	}

	return message, nil
}

// DecodeJSON decodes a JSON text frame. The outer object's "type" field
// selects the variant.
func DecodeJSON(data []byte) (*Message, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON frame: %w", err)
	}
	if payload == nil {
		return nil, ErrPayloadNotObject
	}

	message := &Message{Payload: payload}
	if t, ok := payload["type"].(string); ok {
		message.Type = t
	}
	if id, ok := payload["id"].(string); ok {
		message.ID = id
	}
	if ts, ok := payload["timestamp"].(float64); ok {
		message.Timestamp = int64(ts)
	}

	return message, nil
}

// Decode decodes either framing, sniffing JSON by its leading byte.
func Decode(data []byte) (*Message, error) {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return DecodeJSON(data)
	}
	return DecodeBinary(data)
}

// TypeCode returns the binary code for a type name, or ERROR when unknown.
func TypeCode(messageType string) MessageTypeCode {
	if code, ok := typeNameToCode[messageType]; ok {
		return code
	}
	return ERROR
}

// KnownType reports whether the type name is part of the protocol.
func KnownType(messageType string) bool {
	_, ok := typeNameToCode[messageType]
	return ok
}
