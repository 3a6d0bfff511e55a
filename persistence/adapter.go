// Package persistence defines the storage boundary between a sync
// coordinator and whatever durable store backs it, grounded on the
// SyncKit server's own storage adapter interface: documents, vector
// clocks, an append-only delta audit trail, sessions, and snapshots
// are each a first-class concern an Adapter must serve.
package persistence

import (
	"context"
	"time"
)

// DocumentRecord is a document's persisted CRDT state, opaque to the
// storage layer: Payload holds the document's serialized current
// state.
type DocumentRecord struct {
	ID        string
	Kind      string // "lww", "text", "counter", "set"
	Payload   []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeltaRecord is one accepted mutation, kept for audit and for
// clients that reconnect after a gap larger than the in-memory
// coalescing window.
type DeltaRecord struct {
	ID         string
	DocumentID string
	ClientID   string
	Payload    []byte
	LogicalClk uint64
	Timestamp  time.Time
}

// SessionRecord tracks one connected client for presence and
// diagnostics; it is not itself part of any document's CRDT state.
type SessionRecord struct {
	ID          string
	UserID      string
	ClientID    string
	ConnectedAt time.Time
	LastSeen    time.Time
	Metadata    map[string]interface{}
}

// SnapshotRecord is a point-in-time compaction of a document, used by
// the snapshot scheduler to bound replay depth on reconnect.
type SnapshotRecord struct {
	ID         string
	DocumentID string
	Payload    []byte
	VectorClk  map[string]uint64
	SizeBytes  int
	CreatedAt  time.Time
}

// CleanupOptions bounds how much history the retention sweep discards.
type CleanupOptions struct {
	OldSessionsOlderThan  time.Duration
	OldDeltasOlderThan    time.Duration
	OldSnapshotsOlderThan time.Duration
	MaxSnapshotsPerDoc    int
}

// CleanupResult reports what a retention sweep actually removed.
type CleanupResult struct {
	SessionsDeleted  int
	DeltasDeleted    int
	SnapshotsDeleted int
}

// Adapter is the storage boundary implemented by every durable
// backend (memstore's buntdb-backed store, or a future networked
// store behind the same contract).
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) error

	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	SaveDocument(ctx context.Context, rec *DocumentRecord) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, limit, offset int) ([]*DocumentRecord, error)

	AppendDelta(ctx context.Context, delta *DeltaRecord) error
	GetDeltasSince(ctx context.Context, documentID string, sinceClock uint64, limit int) ([]*DeltaRecord, error)

	SaveSession(ctx context.Context, session *SessionRecord) error
	TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	GetSessions(ctx context.Context, userID string) ([]*SessionRecord, error)

	SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error
	GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error)
	ListSnapshots(ctx context.Context, documentID string, limit int) ([]*SnapshotRecord, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}
