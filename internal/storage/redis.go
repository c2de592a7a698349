package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub coordinates multiple server instances through Redis pub/sub:
// deltas and awareness updates applied on one instance are relayed to peers
// subscribed to the same document.
type RedisPubSub struct {
	publisher     *redis.Client
	subscriber    *redis.Client
	connected     bool
	channelPrefix string
	handlers      map[string][]func([]byte)
	handlersMu    sync.RWMutex
	pubsubs       map[string]*redis.PubSub
	pubsubsMu     sync.RWMutex
}

// RedisPubSubConfig holds Redis connection configuration
type RedisPubSubConfig struct {
	URL           string
	ChannelPrefix string
	MaxRetries    int
}

// DefaultRedisPubSubConfig returns sensible defaults
func DefaultRedisPubSubConfig() *RedisPubSubConfig {
	return &RedisPubSubConfig{
		ChannelPrefix: "driftsync:",
		MaxRetries:    3,
	}
}

// NewRedisPubSub creates a new Redis pub/sub coordinator
func NewRedisPubSub(config *RedisPubSubConfig) (*RedisPubSub, error) {
	if config == nil {
		config = DefaultRedisPubSubConfig()
	}

	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.MaxRetries = config.MaxRetries

	return &RedisPubSub{
		publisher:     redis.NewClient(opt),
		subscriber:    redis.NewClient(opt),
		channelPrefix: config.ChannelPrefix,
		handlers:      make(map[string][]func([]byte)),
		pubsubs:       make(map[string]*redis.PubSub),
	}, nil
}

// Connect establishes Redis connections
func (r *RedisPubSub) Connect(ctx context.Context) error {
	if err := r.publisher.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}
	if err := r.subscriber.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect subscriber: %w", err)
	}
	r.connected = true
	return nil
}

// Disconnect closes Redis connections
func (r *RedisPubSub) Disconnect(ctx context.Context) error {
	r.connected = false

	r.pubsubsMu.Lock()
	for _, ps := range r.pubsubs {
		ps.Close()
	}
	r.pubsubs = make(map[string]*redis.PubSub)
	r.pubsubsMu.Unlock()

	r.publisher.Close()
	r.subscriber.Close()
	return nil
}

// IsConnected returns connection status
func (r *RedisPubSub) IsConnected() bool {
	return r.connected
}

// HealthCheck verifies Redis connectivity
func (r *RedisPubSub) HealthCheck(ctx context.Context) (bool, error) {
	err := r.publisher.Ping(ctx).Err()
	return err == nil, err
}

// PublishDelta relays an applied delta to peer instances holding the same
// document.
func (r *RedisPubSub) PublishDelta(ctx context.Context, documentID string, delta interface{}) error {
	channel := r.documentChannel(documentID)
	return r.publish(ctx, channel, delta)
}

// SubscribeToDocument subscribes to peer deltas for a document
func (r *RedisPubSub) SubscribeToDocument(ctx context.Context, documentID string, handler func([]byte)) error {
	channel := r.documentChannel(documentID)
	return r.subscribe(ctx, channel, handler)
}

// UnsubscribeFromDocument drops the document subscription
func (r *RedisPubSub) UnsubscribeFromDocument(ctx context.Context, documentID string) error {
	channel := r.documentChannel(documentID)
	return r.unsubscribe(ctx, channel)
}

// PublishAwareness relays an awareness update to peer instances
func (r *RedisPubSub) PublishAwareness(ctx context.Context, documentID string, update interface{}) error {
	channel := r.awarenessChannel(documentID)
	return r.publish(ctx, channel, update)
}

// SubscribeToAwareness subscribes to peer awareness updates for a document
func (r *RedisPubSub) SubscribeToAwareness(ctx context.Context, documentID string, handler func([]byte)) error {
	channel := r.awarenessChannel(documentID)
	return r.subscribe(ctx, channel, handler)
}

// UnsubscribeFromAwareness drops the awareness subscription
func (r *RedisPubSub) UnsubscribeFromAwareness(ctx context.Context, documentID string) error {
	channel := r.awarenessChannel(documentID)
	return r.unsubscribe(ctx, channel)
}

// PresenceEvent marks an instance coming online or going offline
type PresenceEvent struct {
	Type      string                 `json:"type"` // "server_online" or "server_offline"
	ServerID  string                 `json:"serverId"`
	Timestamp int64                  `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AnnouncePresence announces this instance to its peers
func (r *RedisPubSub) AnnouncePresence(ctx context.Context, serverID string, metadata map[string]interface{}) error {
	payload := PresenceEvent{
		Type:      "server_online",
		ServerID:  serverID,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	}
	return r.publish(ctx, r.presenceChannel(), payload)
}

// AnnounceShutdown announces this instance going offline
func (r *RedisPubSub) AnnounceShutdown(ctx context.Context, serverID string) error {
	payload := PresenceEvent{
		Type:      "server_offline",
		ServerID:  serverID,
		Timestamp: time.Now().UnixMilli(),
	}
	return r.publish(ctx, r.presenceChannel(), payload)
}

// SubscribeToPresence subscribes to peer presence events
func (r *RedisPubSub) SubscribeToPresence(ctx context.Context, handler func(event string, serverID string, metadata map[string]interface{})) error {
	return r.subscribe(ctx, r.presenceChannel(), func(data []byte) {
		var evt PresenceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		switch evt.Type {
		case "server_online":
			handler("online", evt.ServerID, evt.Metadata)
		case "server_offline":
			handler("offline", evt.ServerID, evt.Metadata)
		}
	})
}

func (r *RedisPubSub) publish(ctx context.Context, channel string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return r.publisher.Publish(ctx, channel, jsonData).Err()
}

func (r *RedisPubSub) subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	r.handlersMu.Lock()
	r.handlers[channel] = append(r.handlers[channel], handler)
	isFirstHandler := len(r.handlers[channel]) == 1
	r.handlersMu.Unlock()

	if isFirstHandler {
		pubsub := r.subscriber.Subscribe(ctx, channel)

		r.pubsubsMu.Lock()
		r.pubsubs[channel] = pubsub
		r.pubsubsMu.Unlock()

		go r.handleMessages(channel, pubsub)
	}

	return nil
}

func (r *RedisPubSub) unsubscribe(ctx context.Context, channel string) error {
	r.handlersMu.Lock()
	delete(r.handlers, channel)
	r.handlersMu.Unlock()

	r.pubsubsMu.Lock()
	if ps, ok := r.pubsubs[channel]; ok {
		ps.Unsubscribe(ctx, channel)
		ps.Close()
		delete(r.pubsubs, channel)
	}
	r.pubsubsMu.Unlock()

	return nil
}

func (r *RedisPubSub) handleMessages(channel string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for msg := range ch {
		r.handlersMu.RLock()
		handlers := r.handlers[channel]
		r.handlersMu.RUnlock()

		for _, handler := range handlers {
			go func(h func([]byte), payload string) {
				defer func() {
					recover()
				}()
				h([]byte(payload))
			}(handler, msg.Payload)
		}
	}
}

func (r *RedisPubSub) documentChannel(documentID string) string {
	return fmt.Sprintf("%sdoc:%s", r.channelPrefix, documentID)
}

func (r *RedisPubSub) awarenessChannel(documentID string) string {
	return fmt.Sprintf("%sawareness:%s", r.channelPrefix, documentID)
}

func (r *RedisPubSub) presenceChannel() string {
	return r.channelPrefix + "presence"
}

// PubSubStats holds pub/sub statistics
type PubSubStats struct {
	Connected          bool `json:"connected"`
	SubscribedChannels int  `json:"subscribedChannels"`
	TotalHandlers      int  `json:"totalHandlers"`
}

// GetStats returns pub/sub statistics
func (r *RedisPubSub) GetStats() PubSubStats {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()

	totalHandlers := 0
	for _, handlers := range r.handlers {
		totalHandlers += len(handlers)
	}

	return PubSubStats{
		Connected:          r.connected,
		SubscribedChannels: len(r.handlers),
		TotalHandlers:      totalHandlers,
	}
}
