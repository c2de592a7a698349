// Package websocket carries the transport: one Connection per client with
// read/write pumps, and the Hub that routes decoded messages into the sync
// pipeline.
package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/server/internal/auth"
	"github.com/driftsync/server/internal/metrics"
	"github.com/driftsync/server/internal/protocol"
	"github.com/driftsync/server/internal/security"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
	chunkTTL      = 30 * time.Second
)

// ErrSendQueueFull means the client is not draining its socket fast enough.
var ErrSendQueueFull = errors.New("send queue is full")

// ErrConnectionClosed means the connection has been torn down and no longer
// accepts outbound frames.
var ErrConnectionClosed = errors.New("connection is closed")

type chunkBuffer struct {
	parts     []string
	seen      []bool
	received  int
	createdAt time.Time
}

// Connection represents a single WebSocket connection.
type Connection struct {
	id       string
	clientIP string

	mu            sync.Mutex
	userID        string
	clientID      string
	authenticated bool
	anonymous     bool
	tokenPayload  *auth.TokenPayload
	binaryMode    bool // latched from the first inbound frame
	modeLatched   bool
	closed        bool // set by the hub at teardown; Send refuses afterwards

	subscriptions map[string]bool // docId -> subscribed
	awarenessSubs map[string]bool
	chunks        map[string]*chunkBuffer

	connectedAt time.Time
	security    *security.Manager

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	hub       *Hub
	closeOnce sync.Once
}

// NewConnection creates a connection. Frames encode as binary until the
// first inbound frame proves the client speaks JSON.
func NewConnection(id, clientIP string, ws *websocket.Conn, hub *Hub, sec *security.Manager) *Connection {
	return &Connection{
		id:            id,
		clientIP:      clientIP,
		binaryMode:    true,
		subscriptions: make(map[string]bool),
		awarenessSubs: make(map[string]bool),
		chunks:        make(map[string]*chunkBuffer),
		connectedAt:   time.Now(),
		security:      sec,
		ws:            ws,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
		hub:           hub,
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteIP returns the client IP recorded at upgrade.
func (c *Connection) RemoteIP() string { return c.clientIP }

// ClientID returns the client id learned during auth, empty before.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// UserID returns the user id learned during auth, empty before.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether auth completed.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// TokenPayload returns the verified token claims, nil before auth.
func (c *Connection) TokenPayload() *auth.TokenPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenPayload
}

// setIdentity records the outcome of a successful auth exchange.
func (c *Connection) setIdentity(userID, clientID string, payload *auth.TokenPayload, anonymous bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.anonymous = anonymous
	c.userID = userID
	c.clientID = clientID
	c.tokenPayload = payload
}

// Anonymous reports whether the connection authenticated without a token.
func (c *Connection) Anonymous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anonymous
}

func (c *Connection) latchMode(binary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.modeLatched {
		c.binaryMode = binary
		c.modeLatched = true
	}
}

func (c *Connection) isBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binaryMode
}

// Send encodes a message in the connection's latched framing and queues it.
// Returns ErrSendQueueFull instead of blocking when the client is slow, and
// ErrConnectionClosed after teardown.
func (c *Connection) Send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	binary := c.binaryMode
	c.mu.Unlock()

	payload := msg.Payload
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["type"] = msg.Type
	if msg.ID != "" {
		payload["id"] = msg.ID
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	payload["timestamp"] = msg.Timestamp

	var data []byte
	var err error
	if binary {
		data, err = protocol.EncodeBinary(msg.Type, payload, msg.Timestamp)
	} else {
		data, err = protocol.EncodeJSON(msg.Type, payload, msg.Timestamp)
	}
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		metrics.MessagesSent.WithLabelValues(msg.Type).Inc()
		metrics.BytesSent.Add(float64(len(data)))
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError sends an error frame with a stable code.
func (c *Connection) SendError(errorMsg, errorCode string) error {
	metrics.ErrorsTotal.WithLabelValues(errorCode).Inc()
	return c.Send(&protocol.Message{
		Type: protocol.TypeError,
		ID:   generateID(),
		Payload: map[string]interface{}{
			"error": errorMsg,
			"code":  errorCode,
		},
	})
}

// Close sends a close frame with the given code and tears the socket down.
// Safe to call multiple times.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		message := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, message, deadline)
		c.ws.Close()
	})
}

// shutdown stops outbound delivery after the hub has torn the connection
// down. The send channel is never closed, so a Send racing with teardown
// queues harmlessly instead of panicking; WritePump exits through done.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

// ingestChunk buffers one piece of a chunked batch. When all pieces have
// arrived it returns the reassembled frame body; otherwise nil.
func (c *Connection) ingestChunk(p *protocol.ChunkPayload) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, buf := range c.chunks {
		if now.Sub(buf.createdAt) > chunkTTL {
			delete(c.chunks, id)
		}
	}

	buf, ok := c.chunks[p.ChunkID]
	if !ok {
		buf = &chunkBuffer{
			parts:     make([]string, p.TotalChunks),
			seen:      make([]bool, p.TotalChunks),
			createdAt: now,
		}
		c.chunks[p.ChunkID] = buf
	}
	if len(buf.parts) != p.TotalChunks {
		// Inconsistent chunk metadata, restart the buffer.
		delete(c.chunks, p.ChunkID)
		return nil
	}
	if !buf.seen[p.ChunkIndex] {
		buf.seen[p.ChunkIndex] = true
		buf.parts[p.ChunkIndex] = p.Data
		buf.received++
	}
	if buf.received < p.TotalChunks {
		return nil
	}

	delete(c.chunks, p.ChunkID)
	var assembled []byte
	for _, part := range buf.parts {
		assembled = append(assembled, part...)
	}
	return assembled
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Connection) ReadPump() {
	defer func() {
		if c.security != nil {
			c.security.ConnectionRateLimiter.RemoveConnection(c.id)
			c.security.ConnectionLimiter.RemoveConnection(c.clientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	pongWait := 2 * c.hub.heartbeatInterval
	if c.security != nil {
		c.ws.SetReadLimit(int64(c.security.Limits.MaxMessageSize))
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		frameType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("connId", c.id).Msg("unexpected close")
			}
			break
		}
		metrics.BytesReceived.Add(float64(len(message)))
		binaryFrame := frameType == websocket.BinaryMessage
		c.latchMode(binaryFrame)
		if c.isBinary() != binaryFrame {
			c.SendError("Frame kind does not match negotiated protocol", protocol.CodeFrameMalformed)
			continue
		}

		if c.security != nil {
			if !c.security.ConnectionRateLimiter.CanSendMessage(c.id) {
				metrics.RateLimitedMessages.Inc()
				c.SendError("Too many messages. Please slow down.", protocol.CodeRateLimitExceeded)
				continue
			}
			c.security.ConnectionRateLimiter.RecordMessage(c.id)
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.SendError("Malformed frame: "+err.Error(), protocol.CodeFrameMalformed)
			continue
		}
		if !protocol.KnownType(msg.Type) {
			c.SendError("Unknown message type", protocol.CodeUnknownMessageType)
			continue
		}
		if c.security != nil {
			if ok, reason := c.security.ValidateMessage(msg.Type, len(message)); !ok {
				c.SendError(reason, protocol.CodeMessageInvalid)
				continue
			}
		}
		metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

		// Chunked batches reassemble at the transport before routing.
		if msg.Type == protocol.TypeDeltaBatchChunk {
			chunk, err := protocol.ParseChunk(msg)
			if err != nil {
				c.SendError("Invalid chunk: "+err.Error(), protocol.CodeMessageInvalid)
				continue
			}
			assembled := c.ingestChunk(chunk)
			if assembled == nil {
				continue
			}
			msg, err = protocol.Decode(assembled)
			if err != nil {
				c.SendError("Malformed reassembled batch: "+err.Error(), protocol.CodeFrameMalformed)
				continue
			}
		}

		c.hub.HandleMessage <- &MessageEvent{
			Connection: c,
			Message:    msg,
		}
	}
}

// WritePump pumps queued frames to the socket and keeps the heartbeat.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.hub.heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			frameType := websocket.BinaryMessage
			if !c.isBinary() {
				frameType = websocket.TextMessage
			}
			if err := c.ws.WriteMessage(frameType, message); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
