// Package registry tracks live connections and indexes them by connection
// id, client id, and user id. Fan-out code resolves subscriber connection
// ids through the registry rather than holding connection pointers.
package registry

import (
	"errors"
	"sync"

	"github.com/driftsync/server/internal/protocol"
)

// Conn is the registry's view of a live connection. Implemented by
// websocket.Connection; tests substitute stubs.
type Conn interface {
	ID() string
	ClientID() string
	UserID() string
	RemoteIP() string
	Send(msg *protocol.Message) error
	Close(code int, reason string)
}

// ErrServerFull is returned when the global connection cap is reached.
var ErrServerFull = errors.New("connection limit reached")

// ErrDuplicateID is returned when a connection id is already registered.
var ErrDuplicateID = errors.New("connection id already registered")

// Registry is a concurrency-safe index of live connections.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	byClient map[string]string          // clientID -> connID
	byUser   map[string]map[string]bool // userID -> set of connIDs

	maxConnections int // 0 means unlimited
}

// New creates a Registry. maxConnections of 0 disables the global cap.
func New(maxConnections int) *Registry {
	return &Registry{
		conns:          make(map[string]Conn),
		byClient:       make(map[string]string),
		byUser:         make(map[string]map[string]bool),
		maxConnections: maxConnections,
	}
}

// Register adds a connection. Fails with ErrServerFull at the global cap.
func (r *Registry) Register(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		return ErrServerFull
	}
	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateID
	}

	r.conns[conn.ID()] = conn
	return nil
}

// Identify records the client and user ids learned during authentication.
// Called once per connection after AUTH_SUCCESS.
func (r *Registry) Identify(connID, clientID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return
	}
	if clientID != "" {
		r.byClient[clientID] = connID
	}
	if userID != "" {
		set, ok := r.byUser[userID]
		if !ok {
			set = make(map[string]bool)
			r.byUser[userID] = set
		}
		set[connID] = true
	}
}

// Deregister removes a connection and its index entries.
func (r *Registry) Deregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	if clientID := conn.ClientID(); clientID != "" && r.byClient[clientID] == connID {
		delete(r.byClient, clientID)
	}
	if userID := conn.UserID(); userID != "" {
		if set, ok := r.byUser[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
}

// Get returns the connection with the given id, nil if absent.
func (r *Registry) Get(connID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// GetByClientID returns the connection for a client id, nil if absent.
func (r *Registry) GetByClientID(clientID string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.byClient[clientID]
	if !ok {
		return nil
	}
	return r.conns[connID]
}

// GetByUserID returns all connections for a user.
func (r *Registry) GetByUserID(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for connID := range set {
		if conn, ok := r.conns[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of all live connections.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseAll closes every live connection with the given close code. Used
// during graceful shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	for _, conn := range r.All() {
		conn.Close(code, reason)
	}
}
