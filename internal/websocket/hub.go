package websocket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftsync/server/internal/ack"
	"github.com/driftsync/server/internal/auth"
	"github.com/driftsync/server/internal/awareness"
	"github.com/driftsync/server/internal/batch"
	"github.com/driftsync/server/internal/clock"
	"github.com/driftsync/server/internal/document"
	"github.com/driftsync/server/internal/metrics"
	"github.com/driftsync/server/internal/protocol"
	"github.com/driftsync/server/internal/registry"
	"github.com/driftsync/server/internal/security"
	"github.com/driftsync/server/internal/storage"
	syncpkg "github.com/driftsync/server/internal/sync"
)

// MessageEvent is one decoded inbound message with its source connection.
type MessageEvent struct {
	Connection *Connection
	Message    *protocol.Message
}

// HubConfig carries the tunables the hub needs from server config.
type HubConfig struct {
	RequireAuth       bool
	HeartbeatInterval time.Duration
	BatchWindow       time.Duration
	AckTimeout        time.Duration
	AckMaxRetries     int
	AwarenessTimeout  time.Duration
	ServerID          string
}

// Hub routes decoded messages through auth, documents, batching, awareness
// and acknowledgement tracking. One goroutine (Run) serializes connection
// registration and message handling, matching the single-writer document
// model.
type Hub struct {
	registry    *registry.Registry
	coordinator *syncpkg.Coordinator
	verifier    *auth.Verifier // nil disables token verification
	pubsub      *storage.RedisPubSub
	log         zerolog.Logger

	requireAuth       bool
	heartbeatInterval time.Duration
	serverID          string

	batcher   *batch.Scheduler
	acks      *ack.Tracker
	awareness *awareness.Manager

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent
}

// NewHub wires the hub. verifier and pubsub may be nil.
func NewHub(reg *registry.Registry, coord *syncpkg.Coordinator, verifier *auth.Verifier, pubsub *storage.RedisPubSub, cfg HubConfig, log zerolog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	h := &Hub{
		registry:          reg,
		coordinator:       coord,
		verifier:          verifier,
		pubsub:            pubsub,
		log:               log,
		requireAuth:       cfg.RequireAuth,
		heartbeatInterval: cfg.HeartbeatInterval,
		serverID:          cfg.ServerID,
		Register:          make(chan *Connection),
		Unregister:        make(chan *Connection),
		HandleMessage:     make(chan *MessageEvent, 256),
	}

	h.batcher = batch.NewScheduler(cfg.BatchWindow, h.flushBatch)
	h.acks = ack.NewTracker(h.sendTracked, cfg.AckTimeout, cfg.AckMaxRetries, log)
	h.awareness = awareness.NewManager(cfg.AwarenessTimeout, h.broadcastAwareness, log)
	return h
}

// Acks exposes the tracker for metrics sampling.
func (h *Hub) Acks() *ack.Tracker { return h.acks }

// Run processes hub events for the life of the process. It keeps running
// through shutdown so closing connections can still unregister.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			if err := h.registry.Register(conn); err != nil {
				h.log.Warn().Err(err).Str("connId", conn.ID()).Msg("rejecting connection")
				metrics.ConnectionsRejected.WithLabelValues("server_full").Inc()
				conn.Close(1008, "server at capacity")
				continue
			}
			metrics.ConnectionsTotal.Inc()

		case conn := <-h.Unregister:
			h.disconnect(conn)

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)
		}
	}
}

// Stop flushes pending batches and closes every connection for shutdown.
func (h *Hub) Stop() {
	h.batcher.Stop()
	h.acks.Stop()
	h.awareness.Stop()
	h.registry.CloseAll(1001, "server shutting down")
}

func (h *Hub) disconnect(conn *Connection) {
	if h.registry.Get(conn.ID()) == nil {
		return
	}

	for docID := range conn.subscriptions {
		if doc := h.coordinator.Peek(docID); doc != nil {
			doc.Unsubscribe(conn.ID())
			if h.pubsub != nil && doc.SubscriberCount() == 0 {
				h.pubsub.UnsubscribeFromDocument(context.Background(), docID)
			}
		}
	}
	for docID := range conn.awarenessSubs {
		if doc := h.coordinator.Peek(docID); doc != nil {
			doc.UnsubscribeAwareness(conn.ID())
			if h.pubsub != nil && len(doc.AwarenessSubscribers()) == 0 {
				h.pubsub.UnsubscribeFromAwareness(context.Background(), docID)
			}
		}
	}
	if clientID := conn.ClientID(); clientID != "" {
		h.awareness.DropClient(clientID)
	}
	h.acks.DropConnection(conn.ID())
	h.coordinator.DeleteSession(context.Background(), conn.ID())
	h.registry.Deregister(conn.ID())
	conn.shutdown()

	h.log.Debug().
		Str("connId", conn.ID()).
		Dur("duration", time.Since(conn.connectedAt)).
		Msg("connection closed")
}

func (h *Hub) handleMessage(conn *Connection, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnect, protocol.TypePing:
		conn.Send(&protocol.Message{
			Type:    protocol.TypePong,
			ID:      msg.ID,
			Payload: map[string]interface{}{},
		})
		return

	case protocol.TypeAuth:
		h.handleAuth(conn, msg)
		return
	}

	// Everything past this point needs a completed auth exchange.
	if !conn.Authenticated() {
		conn.SendError("Authenticate before sending this message", protocol.CodeAuthRequired)
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		h.handleSubscribe(conn, msg)
	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(conn, msg)
	case protocol.TypeSyncRequest:
		h.handleSyncRequest(conn, msg)
	case protocol.TypeDelta:
		h.handleDelta(conn, msg)
	case protocol.TypeDeltaBatch:
		h.handleDeltaBatch(conn, msg)
	case protocol.TypeAck:
		h.handleAck(conn, msg)
	case protocol.TypeAwarenessUpdate:
		h.handleAwarenessUpdate(conn, msg)
	case protocol.TypeAwarenessSubscribe:
		h.handleAwarenessSubscribe(conn, msg)
	default:
		conn.SendError("Unexpected message type", protocol.CodeMessageInvalid)
	}
}

func (h *Hub) handleAuth(conn *Connection, msg *protocol.Message) {
	p := protocol.ParseAuth(msg)

	var payload *auth.TokenPayload
	userID := p.UserID
	anonymous := false

	switch {
	case p.Token != "" && h.verifier != nil:
		decoded, err := h.verifier.VerifyToken(p.Token)
		if err != nil {
			conn.Send(&protocol.Message{
				Type: protocol.TypeAuthError,
				ID:   msg.ID,
				Payload: map[string]interface{}{
					"error": "Invalid or expired token",
					"code":  protocol.CodeAuthFailed,
				},
			})
			metrics.ConnectionsRejected.WithLabelValues("auth_failed").Inc()
			conn.Close(1008, "authentication failed")
			return
		}
		payload = decoded
		userID = decoded.UserID

	case h.requireAuth:
		conn.Send(&protocol.Message{
			Type: protocol.TypeAuthError,
			ID:   msg.ID,
			Payload: map[string]interface{}{
				"error": "Authentication required",
				"code":  protocol.CodeAuthRequired,
			},
		})
		metrics.ConnectionsRejected.WithLabelValues("auth_required").Inc()
		conn.Close(1008, "authentication required")
		return

	default:
		anonymous = true
		if userID == "" {
			userID = "anonymous"
		}
		payload = &auth.TokenPayload{
			UserID:      userID,
			Permissions: auth.AnonymousPermissions(),
		}
	}

	clientID := p.ClientID
	if clientID == "" {
		clientID = generateID()
	}

	conn.setIdentity(userID, clientID, payload, anonymous)
	h.registry.Identify(conn.ID(), clientID, userID)
	if err := h.coordinator.SaveSession(context.Background(), conn.ID(), userID, clientID); err != nil {
		h.log.Warn().Err(err).Str("connId", conn.ID()).Msg("failed to save session")
	}

	conn.Send(&protocol.Message{
		Type: protocol.TypeAuthSuccess,
		ID:   msg.ID,
		Payload: map[string]interface{}{
			"userId":   userID,
			"clientId": clientID,
			"permissions": map[string]interface{}{
				"canRead":  payload.Permissions.CanRead,
				"canWrite": payload.Permissions.CanWrite,
				"isAdmin":  payload.Permissions.IsAdmin,
			},
		},
	})
}

// checkDocumentAccess validates the id and the caller's permission. Sends
// the error itself and returns false when access is denied.
func (h *Hub) checkDocumentAccess(conn *Connection, docID string, write bool) bool {
	if conn.security != nil {
		if ok, reason := conn.security.ValidateDocumentID(docID); !ok {
			conn.SendError(reason, protocol.CodeDocumentIDInvalid)
			return false
		}
	}

	// Anonymous sessions only reach public documents.
	if conn.Anonymous() && !security.CanAccessDocument(docID) {
		conn.SendError("Document requires an authenticated session", protocol.CodePermissionDenied)
		return false
	}

	payload := conn.TokenPayload()
	allowed := auth.CanReadDocument(payload, docID)
	if write {
		allowed = auth.CanWriteDocument(payload, docID)
	}
	if !allowed {
		conn.SendError("Access to document denied", protocol.CodeDocumentAccessDenied)
		return false
	}
	return true
}

func (h *Hub) handleSubscribe(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseSubscribe(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, false) {
		return
	}

	doc := h.coordinator.Get(context.Background(), p.DocID)

	firstLocal := doc.SubscriberCount() == 0
	doc.Subscribe(conn.ID())
	conn.mu.Lock()
	conn.subscriptions[p.DocID] = true
	conn.mu.Unlock()

	if firstLocal {
		h.subscribePeerDeltas(p.DocID)
	}

	h.sendSyncResponse(conn, msg.ID, doc, nil)
}

func (h *Hub) handleUnsubscribe(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseSubscribe(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}

	conn.mu.Lock()
	delete(conn.subscriptions, p.DocID)
	conn.mu.Unlock()

	if doc := h.coordinator.Peek(p.DocID); doc != nil {
		doc.Unsubscribe(conn.ID())
		if doc.SubscriberCount() == 0 && h.pubsub != nil {
			h.pubsub.UnsubscribeFromDocument(context.Background(), p.DocID)
		}
	}
}

func (h *Hub) handleSyncRequest(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseSyncRequest(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, false) {
		return
	}

	doc := h.coordinator.Get(context.Background(), p.DocID)
	h.sendSyncResponse(conn, msg.ID, doc, clock.VectorClock(p.VectorClock))
}

// sendSyncResponse sends the document state plus, when the client supplied
// a clock, the deltas it is missing.
func (h *Hub) sendSyncResponse(conn *Connection, msgID string, doc *document.Document, since clock.VectorClock) {
	payload := map[string]interface{}{
		"docId":       doc.ID,
		"state":       doc.BuildState(),
		"vectorClock": doc.Clock(),
	}

	if since != nil {
		missing := doc.DeltasSince(since)
		encoded := make([]map[string]interface{}, 0, len(missing))
		for _, d := range missing {
			encoded = append(encoded, map[string]interface{}{
				"id":        d.ID,
				"clientId":  d.ClientID,
				"timestamp": d.TimestampMs,
				"delta":     d.Data,
				"clock":     d.Clock,
			})
		}
		payload["deltas"] = encoded
	}

	if text, err := h.coordinator.GetTextDocument(context.Background(), doc.ID); err == nil && text != nil {
		payload["text"] = map[string]interface{}{
			"content": text.Content,
			"crdt":    text.CRDTState,
			"clock":   text.Clock,
		}
	}

	conn.Send(&protocol.Message{
		Type:    protocol.TypeSyncResponse,
		ID:      msgID,
		Payload: payload,
	})
}

func (h *Hub) handleDelta(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseDelta(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, true) {
		return
	}

	h.applyDelta(conn, msg, p)

	conn.Send(&protocol.Message{
		Type: protocol.TypeAck,
		ID:   msg.ID,
		Payload: map[string]interface{}{
			"docId":     p.DocID,
			"messageId": msg.ID,
		},
	})
}

func (h *Hub) handleDeltaBatch(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseDeltaBatch(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, true) {
		return
	}

	for i := range p.Deltas {
		h.applyDelta(conn, msg, &p.Deltas[i])
	}

	conn.Send(&protocol.Message{
		Type: protocol.TypeAck,
		ID:   msg.ID,
		Payload: map[string]interface{}{
			"docId":     p.DocID,
			"messageId": msg.ID,
			"count":     len(p.Deltas),
		},
	})
}

// applyDelta runs one parsed delta through the document and queues fan-out.
func (h *Hub) applyDelta(conn *Connection, msg *protocol.Message, p *protocol.DeltaPayload) {
	// Text-CRDT updates relay without interpretation: persisted as a blob
	// and fanned out verbatim, no LWW involvement.
	if crdt, ok := p.Delta["crdt"].(string); ok {
		h.applyTextDelta(conn, p, crdt)
		return
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	stored, _ := h.coordinator.ApplyDelta(context.Background(), p.DocID, document.Delta{
		ID:          msg.ID,
		ClientID:    conn.ClientID(),
		TimestampMs: ts,
		Fields:      p.Delta,
		Clock:       clock.VectorClock(p.Clock),
	})
	metrics.DeltasApplied.Inc()

	h.batcher.Add(p.DocID, batch.Item{
		ClientID:  stored.ClientID,
		Delta:     stored.Data,
		Clock:     stored.Clock,
		Timestamp: stored.TimestampMs,
	})

	h.publishPeerDelta(p.DocID, stored)
}

func (h *Hub) applyTextDelta(conn *Connection, p *protocol.DeltaPayload, crdt string) {
	content, _ := p.Delta["content"].(string)
	var lamport int64
	if f, ok := p.Delta["clock"].(float64); ok {
		lamport = int64(f)
	}

	if err := h.coordinator.SaveTextDocument(context.Background(), p.DocID, content, crdt, lamport); err != nil {
		h.log.Warn().Err(err).Str("documentId", p.DocID).Msg("failed to persist text document")
	}

	// Relay to every subscriber including the sender, whose local CRDT
	// may still need the merge echo.
	doc := h.coordinator.Peek(p.DocID)
	if doc == nil {
		return
	}
	for _, connID := range doc.Subscribers() {
		target := h.registry.Get(connID)
		if target == nil {
			continue
		}
		target.Send(&protocol.Message{
			Type: protocol.TypeDelta,
			ID:   generateID(),
			Payload: map[string]interface{}{
				"docId":    p.DocID,
				"clientId": conn.ClientID(),
				"delta":    p.Delta,
			},
		})
	}
}

func (h *Hub) handleAck(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseAck(msg)
	if err != nil {
		// Unidentifiable acks are dropped silently.
		return
	}
	h.acks.Ack(conn.ID(), p.MessageID)
}

func (h *Hub) handleAwarenessUpdate(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseAwarenessUpdate(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, false) {
		return
	}

	clientID := p.ClientID
	if clientID == "" {
		clientID = conn.ClientID()
	}
	h.awareness.Update(p.DocID, clientID, p.State, clock.VectorClock{clientID: p.Clock})

	if h.pubsub != nil {
		h.pubsub.PublishAwareness(context.Background(), p.DocID, map[string]interface{}{
			"serverId": h.serverID,
			"clientId": clientID,
			"state":    p.State,
		})
	}
}

func (h *Hub) handleAwarenessSubscribe(conn *Connection, msg *protocol.Message) {
	p, err := protocol.ParseSubscribe(msg)
	if err != nil {
		conn.SendError(err.Error(), protocol.CodeMessageInvalid)
		return
	}
	if !h.checkDocumentAccess(conn, p.DocID, false) {
		return
	}

	doc := h.coordinator.Get(context.Background(), p.DocID)

	firstLocal := len(doc.AwarenessSubscribers()) == 0
	doc.SubscribeAwareness(conn.ID())
	conn.mu.Lock()
	conn.awarenessSubs[p.DocID] = true
	conn.mu.Unlock()

	if firstLocal {
		h.subscribePeerAwareness(p.DocID)
	}

	states := make(map[string]interface{})
	for _, entry := range h.awareness.Snapshot(p.DocID) {
		states[entry.ClientID] = map[string]interface{}{
			"state": entry.State,
			"clock": entry.Clock,
		}
	}
	conn.Send(&protocol.Message{
		Type: protocol.TypeAwarenessState,
		ID:   msg.ID,
		Payload: map[string]interface{}{
			"docId":  p.DocID,
			"states": states,
		},
	})
}

// broadcastAwareness is the awareness manager's fan-out callback. A nil
// state announces departure.
func (h *Hub) broadcastAwareness(documentID, clientID string, state map[string]interface{}, vclock clock.VectorClock) {
	doc := h.coordinator.Peek(documentID)
	if doc == nil {
		return
	}

	payload := map[string]interface{}{
		"docId":    documentID,
		"clientId": clientID,
	}
	if state != nil {
		payload["state"] = state
	} else {
		payload["state"] = nil
	}

	for _, connID := range doc.AwarenessSubscribers() {
		conn := h.registry.Get(connID)
		if conn == nil {
			continue
		}
		conn.Send(&protocol.Message{
			Type:    protocol.TypeAwarenessUpdate,
			ID:      generateID(),
			Payload: payload,
		})
	}
}

// flushBatch is the scheduler's callback: fan a coalesced batch out to
// every subscriber, including the writers, and track acknowledgement.
func (h *Hub) flushBatch(documentID string, items []batch.Item, merged clock.VectorClock) {
	doc := h.coordinator.Peek(documentID)
	if doc == nil {
		return
	}

	metrics.BatchesFlushed.Inc()
	metrics.BatchSize.Observe(float64(len(items)))

	encoded := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		encoded = append(encoded, map[string]interface{}{
			"clientId":  item.ClientID,
			"delta":     item.Delta,
			"clock":     item.Clock,
			"timestamp": item.Timestamp,
		})
	}

	for _, connID := range doc.Subscribers() {
		conn := h.registry.Get(connID)
		if conn == nil {
			continue
		}

		msg := &protocol.Message{
			Type: protocol.TypeDeltaBatch,
			ID:   generateID(),
			Payload: map[string]interface{}{
				"docId":       documentID,
				"deltas":      encoded,
				"vectorClock": merged,
			},
		}
		if err := conn.Send(msg); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				continue
			}
			metrics.SlowClientsDropped.Inc()
			metrics.ErrorsTotal.WithLabelValues(protocol.CodeBackpressureDrop).Inc()
			h.log.Warn().Str("connId", connID).Msg("dropping slow subscriber")
			conn.Close(1008, "send queue overflow")
			continue
		}
		h.acks.Track(connID, msg)
	}
}

// sendTracked is the ack tracker's resend hook.
func (h *Hub) sendTracked(connID string, msg *protocol.Message) error {
	metrics.AckRetries.Inc()
	conn := h.registry.Get(connID)
	if conn == nil {
		return nil
	}
	return conn.Send(msg)
}

// subscribePeerDeltas wires cross-instance delta relay for a document.
func (h *Hub) subscribePeerDeltas(documentID string) {
	if h.pubsub == nil {
		return
	}

	h.pubsub.SubscribeToDocument(context.Background(), documentID, func(data []byte) {
		var event struct {
			ServerID  string                 `json:"serverId"`
			ClientID  string                 `json:"clientId"`
			Delta     map[string]interface{} `json:"delta"`
			Clock     map[string]uint64      `json:"clock"`
			Timestamp int64                  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &event); err != nil || event.ServerID == h.serverID {
			return
		}

		doc := h.coordinator.Peek(documentID)
		if doc == nil {
			return
		}
		doc.MergeClock(clock.VectorClock(event.Clock))
		h.batcher.Add(documentID, batch.Item{
			ClientID:  event.ClientID,
			Delta:     event.Delta,
			Clock:     clock.VectorClock(event.Clock),
			Timestamp: event.Timestamp,
		})
	})
}

// subscribePeerAwareness relays presence updates from other instances into
// the local awareness manager.
func (h *Hub) subscribePeerAwareness(documentID string) {
	if h.pubsub == nil {
		return
	}

	h.pubsub.SubscribeToAwareness(context.Background(), documentID, func(data []byte) {
		var event struct {
			ServerID string                 `json:"serverId"`
			ClientID string                 `json:"clientId"`
			State    map[string]interface{} `json:"state"`
		}
		if err := json.Unmarshal(data, &event); err != nil || event.ServerID == h.serverID {
			return
		}
		h.awareness.Update(documentID, event.ClientID, event.State, nil)
	})
}

func (h *Hub) publishPeerDelta(documentID string, stored document.StoredDelta) {
	if h.pubsub == nil {
		return
	}
	h.pubsub.PublishDelta(context.Background(), documentID, map[string]interface{}{
		"serverId":  h.serverID,
		"clientId":  stored.ClientID,
		"delta":     stored.Data,
		"clock":     stored.Clock,
		"timestamp": stored.TimestampMs,
	})
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
