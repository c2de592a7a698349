package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdapter implements Adapter for PostgreSQL
type PostgresAdapter struct {
	config    *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresAdapter creates a new PostgreSQL storage adapter
func NewPostgresAdapter(config *Config) *PostgresAdapter {
	if config == nil {
		config = DefaultConfig()
	}
	return &PostgresAdapter{
		config: config,
	}
}

// Connect establishes connection to PostgreSQL
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// GetDocument retrieves a document by ID. Returns nil without error when the
// document does not exist.
func (p *PostgresAdapter) GetDocument(ctx context.Context, id string) (*DocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT id, state, created_at, updated_at FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)

	var doc DocumentState
	var stateJSON []byte

	err := row.Scan(&doc.ID, &stateJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get document", err)
	}

	if err := json.Unmarshal(stateJSON, &doc.State); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}

	clock, err := p.GetVectorClock(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Clock = clock

	return &doc, nil
}

// SaveDocument upserts the resolved state and merges the vector clock.
func (p *PostgresAdapter) SaveDocument(ctx context.Context, id string, state map[string]interface{}, vclock map[string]uint64) (*DocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, NewQueryError("failed to marshal state", err)
	}

	query := `
		INSERT INTO documents (id, state)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET state = $2, updated_at = NOW()
		RETURNING id, state, created_at, updated_at
	`

	row := p.pool.QueryRow(ctx, query, id, stateJSON)

	var doc DocumentState
	var returnedStateJSON []byte

	err = row.Scan(&doc.ID, &returnedStateJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, NewQueryError("failed to save document", err)
	}

	if err := json.Unmarshal(returnedStateJSON, &doc.State); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}

	if len(vclock) > 0 {
		if err := p.MergeVectorClock(ctx, id, vclock); err != nil {
			return nil, err
		}
	}
	doc.Clock = vclock

	return &doc, nil
}

// GetVectorClock retrieves the vector clock for a document
func (p *PostgresAdapter) GetVectorClock(ctx context.Context, documentID string) (map[string]uint64, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT client_id, clock_value FROM vector_clocks WHERE document_id = $1`

	rows, err := p.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, NewQueryError("failed to get vector clock", err)
	}
	defer rows.Close()

	clock := make(map[string]uint64)
	for rows.Next() {
		var clientID string
		var clockValue int64
		if err := rows.Scan(&clientID, &clockValue); err != nil {
			return nil, NewQueryError("failed to scan vector clock", err)
		}
		clock[clientID] = uint64(clockValue)
	}

	return clock, nil
}

// MergeVectorClock merges clock entries atomically, taking the pointwise
// maximum against whatever is already stored.
func (p *PostgresAdapter) MergeVectorClock(ctx context.Context, documentID string, vclock map[string]uint64) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO vector_clocks (document_id, client_id, clock_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, client_id)
		DO UPDATE SET
			clock_value = GREATEST(vector_clocks.clock_value, $3),
			updated_at = NOW()
	`

	for clientID, clockValue := range vclock {
		if _, err := tx.Exec(ctx, query, documentID, clientID, int64(clockValue)); err != nil {
			return NewQueryError("failed to merge vector clock entry", err)
		}
	}

	return tx.Commit(ctx)
}

// SaveDelta appends an operation to the audit trail
func (p *PostgresAdapter) SaveDelta(ctx context.Context, delta *DeltaRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	valueJSON, err := json.Marshal(delta.Value)
	if err != nil {
		return NewQueryError("failed to marshal delta value", err)
	}

	clockJSON, err := json.Marshal(delta.VectorClock)
	if err != nil {
		return NewQueryError("failed to marshal delta clock", err)
	}

	query := `
		INSERT INTO deltas (document_id, client_id, operation_type, field_path, value, clock_value, vector_clock)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, timestamp
	`

	row := p.pool.QueryRow(ctx, query, delta.DocumentID, delta.ClientID, delta.OperationType, delta.FieldPath, valueJSON, int64(delta.ClockValue), clockJSON)

	if err := row.Scan(&delta.ID, &delta.Timestamp); err != nil {
		return NewQueryError("failed to save delta", err)
	}

	return nil
}

// GetDeltas retrieves recent deltas for a document, newest first
func (p *PostgresAdapter) GetDeltas(ctx context.Context, documentID string, limit int) ([]*DeltaRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, document_id, client_id, operation_type, field_path, value, clock_value, vector_clock, timestamp
		FROM deltas
		WHERE document_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := p.pool.Query(ctx, query, documentID, limit)
	if err != nil {
		return nil, NewQueryError("failed to get deltas", err)
	}
	defer rows.Close()

	var deltas []*DeltaRecord
	for rows.Next() {
		var delta DeltaRecord
		var valueJSON, clockJSON []byte
		var clockValue int64

		if err := rows.Scan(&delta.ID, &delta.DocumentID, &delta.ClientID, &delta.OperationType, &delta.FieldPath, &valueJSON, &clockValue, &clockJSON, &delta.Timestamp); err != nil {
			return nil, NewQueryError("failed to scan delta", err)
		}
		delta.ClockValue = uint64(clockValue)

		if valueJSON != nil {
			if err := json.Unmarshal(valueJSON, &delta.Value); err != nil {
				return nil, NewQueryError("failed to unmarshal delta value", err)
			}
		}
		if clockJSON != nil {
			if err := json.Unmarshal(clockJSON, &delta.VectorClock); err != nil {
				return nil, NewQueryError("failed to unmarshal delta clock", err)
			}
		}

		deltas = append(deltas, &delta)
	}

	return deltas, nil
}

// SaveSession records a connection session
func (p *PostgresAdapter) SaveSession(ctx context.Context, session *SessionRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO sessions (id, user_id, client_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET last_seen = NOW()
		RETURNING connected_at, last_seen
	`

	row := p.pool.QueryRow(ctx, query, session.ID, session.UserID, session.ClientID)

	if err := row.Scan(&session.ConnectedAt, &session.LastSeen); err != nil {
		return NewQueryError("failed to save session", err)
	}

	return nil
}

// DeleteSession removes a session
func (p *PostgresAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	result, err := p.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
	if err != nil {
		return false, NewQueryError("failed to delete session", err)
	}
	return result.RowsAffected() > 0, nil
}

// SaveSnapshot saves a point-in-time document snapshot
func (p *PostgresAdapter) SaveSnapshot(ctx context.Context, snapshot *SnapshotRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return NewQueryError("failed to marshal state", err)
	}

	clockJSON, err := json.Marshal(snapshot.Clock)
	if err != nil {
		return NewQueryError("failed to marshal clock", err)
	}

	query := `
		INSERT INTO snapshots (document_id, state, vector_clock)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	row := p.pool.QueryRow(ctx, query, snapshot.DocumentID, stateJSON, clockJSON)

	if err := row.Scan(&snapshot.ID, &snapshot.CreatedAt); err != nil {
		return NewQueryError("failed to save snapshot", err)
	}

	return nil
}

// GetLatestSnapshot retrieves the most recent snapshot for a document.
// Returns nil without error when no snapshot exists.
func (p *PostgresAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `
		SELECT id, document_id, state, vector_clock, created_at
		FROM snapshots
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := p.pool.QueryRow(ctx, query, documentID)

	var snapshot SnapshotRecord
	var stateJSON, clockJSON []byte

	err := row.Scan(&snapshot.ID, &snapshot.DocumentID, &stateJSON, &clockJSON, &snapshot.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to scan snapshot", err)
	}

	if err := json.Unmarshal(stateJSON, &snapshot.State); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}
	if clockJSON != nil {
		if err := json.Unmarshal(clockJSON, &snapshot.Clock); err != nil {
			return nil, NewQueryError("failed to unmarshal clock", err)
		}
	}

	return &snapshot, nil
}

// SaveTextDocument saves an opaque text-CRDT document. The CRDT state is
// stored as JSONB with a type marker so field documents and text documents
// share the documents table.
func (p *PostgresAdapter) SaveTextDocument(ctx context.Context, id, content, crdtState string, lamport int64) (*TextDocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	state := map[string]interface{}{
		"type":    "text",
		"content": content,
		"crdt":    crdtState,
		"clock":   lamport,
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, NewQueryError("failed to marshal text state", err)
	}

	query := `
		INSERT INTO documents (id, state)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET state = $2, updated_at = NOW()
		RETURNING created_at, updated_at
	`

	row := p.pool.QueryRow(ctx, query, id, stateJSON)

	textDoc := &TextDocumentState{
		ID:        id,
		Content:   content,
		CRDTState: crdtState,
		Clock:     lamport,
	}

	if err := row.Scan(&textDoc.CreatedAt, &textDoc.UpdatedAt); err != nil {
		return nil, NewQueryError("failed to save text document", err)
	}

	return textDoc, nil
}

// GetTextDocument retrieves a text-CRDT document. Returns nil without error
// when the id is missing or holds a field document.
func (p *PostgresAdapter) GetTextDocument(ctx context.Context, id string) (*TextDocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT id, state, created_at, updated_at FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, id)

	var textDoc TextDocumentState
	var stateJSON []byte

	err := row.Scan(&textDoc.ID, &stateJSON, &textDoc.CreatedAt, &textDoc.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, NewQueryError("failed to get text document", err)
	}

	var state map[string]interface{}
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}

	if state["type"] != "text" || state["crdt"] == nil {
		return nil, nil
	}

	if content, ok := state["content"].(string); ok {
		textDoc.Content = content
	}
	if crdtState, ok := state["crdt"].(string); ok {
		textDoc.CRDTState = crdtState
	}
	if lamport, ok := state["clock"].(float64); ok {
		textDoc.Clock = int64(lamport)
	}

	return &textDoc, nil
}

// Cleanup removes old sessions, deltas, and excess snapshots
func (p *PostgresAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	if options == nil {
		options = &CleanupOptions{
			OldSessionsHours:        24,
			OldDeltasDays:           30,
			MaxSnapshotsPerDocument: 10,
		}
	}

	result := &CleanupResult{}

	if options.OldSessionsHours > 0 {
		sessionsQuery := fmt.Sprintf(
			`DELETE FROM sessions WHERE last_seen < NOW() - INTERVAL '%d hours'`,
			options.OldSessionsHours,
		)
		r, err := p.pool.Exec(ctx, sessionsQuery)
		if err == nil {
			result.SessionsDeleted = int(r.RowsAffected())
		}
	}

	if options.OldDeltasDays > 0 {
		deltasQuery := fmt.Sprintf(
			`DELETE FROM deltas WHERE timestamp < NOW() - INTERVAL '%d days'`,
			options.OldDeltasDays,
		)
		r, err := p.pool.Exec(ctx, deltasQuery)
		if err == nil {
			result.DeltasDeleted = int(r.RowsAffected())
		}
	}

	if options.MaxSnapshotsPerDocument > 0 {
		snapshotsQuery := `
			DELETE FROM snapshots
			WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY document_id ORDER BY created_at DESC) as rn
					FROM snapshots
				) ranked
				WHERE rn > $1
			)
		`
		r, err := p.pool.Exec(ctx, snapshotsQuery, options.MaxSnapshotsPerDocument)
		if err == nil {
			result.SnapshotsDeleted = int(r.RowsAffected())
		}
	}

	return result, nil
}
