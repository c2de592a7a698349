// Package security provides rate limiting, input validation, and document
// access control for the sync server.
package security

import (
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds abusive clients. Zero values fall back to defaults.
type Limits struct {
	MaxConnectionsPerIP int
	MessageRate         float64 // sustained messages/sec per connection
	MessageBurst        int     // token bucket depth per connection
	MaxMessageSize      int
	MaxDocumentIDLength int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP: 50,
		MessageRate:         100,
		MessageBurst:        200,
		MaxMessageSize:      2_000_000, // 2MB
		MaxDocumentIDLength: 256,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxConnectionsPerIP <= 0 {
		l.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if l.MessageRate <= 0 {
		l.MessageRate = d.MessageRate
	}
	if l.MessageBurst <= 0 {
		l.MessageBurst = d.MessageBurst
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = d.MaxMessageSize
	}
	if l.MaxDocumentIDLength <= 0 {
		l.MaxDocumentIDLength = d.MaxDocumentIDLength
	}
	return l
}

// DocumentIDPattern validates document IDs
var DocumentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// timestampPattern matches page documents whose ids are millisecond
// timestamps (13+ digits).
var timestampPattern = regexp.MustCompile(`^\d{13,}`)

// ConnectionLimiter tracks live connections per IP.
type ConnectionLimiter struct {
	max         int
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewConnectionLimiter creates a per-IP connection limiter.
func NewConnectionLimiter(maxPerIP int) *ConnectionLimiter {
	if maxPerIP <= 0 {
		maxPerIP = DefaultLimits().MaxConnectionsPerIP
	}
	cl := &ConnectionLimiter{
		max:         maxPerIP,
		connections: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect checks if IP can create a new connection.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip] < cl.max
}

// AddConnection records a new connection from IP.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection removes a connection from IP.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// GetConnectionCount returns current connection count for IP.
func (cl *ConnectionLimiter) GetConnectionCount(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// Dispose stops the cleanup loop.
func (cl *ConnectionLimiter) Dispose() {
	cl.stopOnce.Do(func() { close(cl.stopCh) })
}

// ConnectionRateLimiter enforces a per-connection token bucket: R sustained
// messages per second with burst depth B.
type ConnectionRateLimiter struct {
	r       float64
	b       int
	buckets map[string]*rate.Limiter
	mu      sync.RWMutex
}

// NewConnectionRateLimiter creates a per-connection message rate limiter.
func NewConnectionRateLimiter(msgsPerSec float64, burst int) *ConnectionRateLimiter {
	d := DefaultLimits()
	if msgsPerSec <= 0 {
		msgsPerSec = d.MessageRate
	}
	if burst <= 0 {
		burst = d.MessageBurst
	}
	return &ConnectionRateLimiter{
		r:       msgsPerSec,
		b:       burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (crl *ConnectionRateLimiter) bucket(connectionID string) *rate.Limiter {
	crl.mu.RLock()
	limiter, ok := crl.buckets[connectionID]
	crl.mu.RUnlock()
	if ok {
		return limiter
	}

	crl.mu.Lock()
	defer crl.mu.Unlock()
	if limiter, ok = crl.buckets[connectionID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(crl.r), crl.b)
	crl.buckets[connectionID] = limiter
	return limiter
}

// CanSendMessage checks whether the connection has a token available without
// consuming one.
func (crl *ConnectionRateLimiter) CanSendMessage(connectionID string) bool {
	return crl.bucket(connectionID).Tokens() >= 1
}

// RecordMessage consumes one token. Returns false when the bucket is empty,
// which the caller surfaces as RATE_LIMIT_EXCEEDED without closing.
func (crl *ConnectionRateLimiter) RecordMessage(connectionID string) bool {
	return crl.bucket(connectionID).Allow()
}

// RemoveConnection drops the connection's bucket.
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.buckets, connectionID)
}

// TrackedConnections returns the number of live buckets.
func (crl *ConnectionRateLimiter) TrackedConnections() int {
	crl.mu.RLock()
	defer crl.mu.RUnlock()
	return len(crl.buckets)
}

// Manager centralizes the security components.
type Manager struct {
	Limits                Limits
	ConnectionLimiter     *ConnectionLimiter
	ConnectionRateLimiter *ConnectionRateLimiter
}

// NewManager creates a security manager from the given limits.
func NewManager(limits Limits) *Manager {
	limits = limits.withDefaults()
	return &Manager{
		Limits:                limits,
		ConnectionLimiter:     NewConnectionLimiter(limits.MaxConnectionsPerIP),
		ConnectionRateLimiter: NewConnectionRateLimiter(limits.MessageRate, limits.MessageBurst),
	}
}

// Dispose cleans up all resources.
func (m *Manager) Dispose() {
	m.ConnectionLimiter.Dispose()
}

// ValidateMessage validates message shape and size bounds.
func (m *Manager) ValidateMessage(msgType string, rawSize int) (bool, string) {
	if rawSize > m.Limits.MaxMessageSize {
		return false, "Message too large"
	}
	if msgType == "" {
		return false, "Missing message type"
	}
	return true, ""
}

// ValidateDocumentID validates document ID format.
func (m *Manager) ValidateDocumentID(docID string) (bool, string) {
	if docID == "" {
		return false, "Invalid document ID"
	}
	if len(docID) > m.Limits.MaxDocumentIDLength {
		return false, "Document ID too long"
	}
	if !DocumentIDPattern.MatchString(docID) {
		return false, "Document ID contains invalid characters"
	}
	return true, ""
}

// CanAccessDocument checks if document is publicly accessible: playground
// documents, rooms, and timestamp page ids (plus their children).
func CanAccessDocument(docID string) bool {
	if docID == "playground" {
		return true
	}
	if len(docID) > len("playground:") && docID[:len("playground:")] == "playground:" {
		return true
	}
	if len(docID) > 5 && docID[:5] == "room:" {
		return true
	}
	if timestampPattern.MatchString(docID) {
		return true
	}
	return false
}
