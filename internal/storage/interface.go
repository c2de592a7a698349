// Package storage provides the persistence adapters consumed by the sync
// coordinator. Persistence is best-effort: the in-memory document state stays
// authoritative for live sessions, and adapter failures are logged and
// swallowed by the caller.
package storage

import (
	"context"
	"time"
)

// DocumentState represents a stored document: the resolved field map plus
// its vector clock.
type DocumentState struct {
	ID        string                 `json:"id"`
	State     map[string]interface{} `json:"state"`
	Clock     map[string]uint64      `json:"clock"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// DeltaRecord is one applied delta in the audit trail.
type DeltaRecord struct {
	ID            string                 `json:"id"`
	DocumentID    string                 `json:"documentId"`
	ClientID      string                 `json:"clientId"`
	OperationType string                 `json:"operationType"` // "set", "delete", "merge"
	FieldPath     string                 `json:"fieldPath"`
	Value         map[string]interface{} `json:"value,omitempty"`
	ClockValue    uint64                 `json:"clockValue"`
	Timestamp     time.Time              `json:"timestamp"`
	VectorClock   map[string]uint64      `json:"vectorClock,omitempty"`
}

// SessionRecord tracks an active connection.
type SessionRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// TextDocumentState is an opaque text-CRDT blob; the server persists and
// relays it without interpretation.
type TextDocumentState struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CRDTState string    `json:"crdtState"`
	Clock     int64     `json:"clock"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotRecord is a point-in-time document snapshot.
type SnapshotRecord struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"documentId"`
	State      map[string]interface{} `json:"state"`
	Clock      map[string]uint64      `json:"clock"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// CleanupOptions specifies what to clean up.
type CleanupOptions struct {
	OldSessionsHours        int
	OldDeltasDays           int
	MaxSnapshotsPerDocument int
}

// CleanupResult contains cleanup statistics.
type CleanupResult struct {
	SessionsDeleted  int `json:"sessionsDeleted"`
	DeltasDeleted    int `json:"deltasDeleted"`
	SnapshotsDeleted int `json:"snapshotsDeleted"`
}

// Adapter is the persistence interface the coordinator consumes.
type Adapter interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Document operations
	GetDocument(ctx context.Context, id string) (*DocumentState, error)
	SaveDocument(ctx context.Context, id string, state map[string]interface{}, vclock map[string]uint64) (*DocumentState, error)

	// Vector clock operations
	GetVectorClock(ctx context.Context, documentID string) (map[string]uint64, error)
	MergeVectorClock(ctx context.Context, documentID string, vclock map[string]uint64) error

	// Delta audit trail
	SaveDelta(ctx context.Context, delta *DeltaRecord) error
	GetDeltas(ctx context.Context, documentID string, limit int) ([]*DeltaRecord, error)

	// Session tracking
	SaveSession(ctx context.Context, session *SessionRecord) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snapshot *SnapshotRecord) error
	GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error)

	// Opaque text-CRDT documents
	SaveTextDocument(ctx context.Context, id, content, crdtState string, lamport int64) (*TextDocumentState, error)
	GetTextDocument(ctx context.Context, id string) (*TextDocumentState, error)

	// Maintenance
	Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error)
}

// Config holds configuration for storage adapters.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
