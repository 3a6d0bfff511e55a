// Package memstore is a buntdb-backed persistence.Adapter: a single
// embedded, crash-safe key-value file standing in for the networked
// store a production deployment would point at, grounded on the
// SyncKit storage adapter's document/delta/session/snapshot surface
// and on aistore's habit of keeping a local BuntDB-backed store
// behind a narrow interface.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/synckit/core/persistence"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("memstore: record not found")

const (
	prefixDocument = "doc:"
	prefixDelta    = "delta:"
	prefixSession  = "session:"
	prefixSnapshot = "snapshot:"
)

// Store is a buntdb-backed persistence.Adapter. The zero value is not
// usable; construct with Open.
type Store struct {
	mu        sync.RWMutex
	db        *buntdb.DB
	path      string
	connected bool
}

// Open returns a Store for path without touching storage; Connect
// opens (or creates) the file. Pass ":memory:" for a purely
// in-process store with no file backing, used by tests.
func Open(path string) (*Store, error) {
	return &Store{path: path}, nil
}

func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	db, err := buntdb.Open(s.path)
	if err != nil {
		return errors.Wrap(err, "memstore: open")
	}
	s.db = db
	s.connected = true
	return nil
}

func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	err := s.db.Close()
	s.connected = false
	s.db = nil
	return err
}

func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return errors.New("memstore: not connected")
	}
	return s.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
}

// --- documents ---

type documentRow struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func documentKey(id string) string { return prefixDocument + id }

func (s *Store) GetDocument(ctx context.Context, id string) (*persistence.DocumentRecord, error) {
	var row documentRow
	err := s.view(func(tx *buntdb.Tx) error {
		val, err := tx.Get(documentKey(id))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		return json_.Unmarshal([]byte(val), &row)
	})
	if err != nil {
		return nil, err
	}
	return rowToDocument(row), nil
}

func (s *Store) SaveDocument(ctx context.Context, rec *persistence.DocumentRecord) error {
	now := time.Now().UTC()
	row := documentRow{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Payload:   rec.Payload,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: now,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	data, err := json_.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "memstore: marshal document")
	}
	return s.update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(documentKey(rec.ID), string(data), nil)
		return err
	})
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(documentKey(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]*persistence.DocumentRecord, error) {
	var rows []documentRow
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixDocument+"*", func(key, value string) bool {
			var row documentRow
			if err := json_.Unmarshal([]byte(value), &row); err == nil {
				rows = append(rows, row)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	rows = paginate(rows, limit, offset)
	out := make([]*persistence.DocumentRecord, len(rows))
	for i, row := range rows {
		out[i] = rowToDocument(row)
	}
	return out, nil
}

func rowToDocument(row documentRow) *persistence.DocumentRecord {
	return &persistence.DocumentRecord{
		ID:        row.ID,
		Kind:      row.Kind,
		Payload:   row.Payload,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

func paginate(rows []documentRow, limit, offset int) []documentRow {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// --- deltas ---

type deltaRow struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	ClientID   string    `json:"clientId"`
	Payload    []byte    `json:"payload"`
	LogicalClk uint64    `json:"logicalClock"`
	Timestamp  time.Time `json:"timestamp"`
}

func deltaKey(documentID string, logicalClk uint64, id string) string {
	// Zero-padded clock so AscendKeys visits deltas in clock order.
	return fmt.Sprintf("%s%s:%020d:%s", prefixDelta, documentID, logicalClk, id)
}

func (s *Store) AppendDelta(ctx context.Context, delta *persistence.DeltaRecord) error {
	row := deltaRow{
		ID:         delta.ID,
		DocumentID: delta.DocumentID,
		ClientID:   delta.ClientID,
		Payload:    delta.Payload,
		LogicalClk: delta.LogicalClk,
		Timestamp:  delta.Timestamp,
	}
	data, err := json_.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "memstore: marshal delta")
	}
	return s.update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(deltaKey(delta.DocumentID, delta.LogicalClk, delta.ID), string(data), nil)
		return err
	})
}

func (s *Store) GetDeltasSince(ctx context.Context, documentID string, sinceClock uint64, limit int) ([]*persistence.DeltaRecord, error) {
	var rows []deltaRow
	prefix := prefixDelta + documentID + ":"
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var row deltaRow
			if err := json_.Unmarshal([]byte(value), &row); err == nil && row.LogicalClk > sinceClock {
				rows = append(rows, row)
			}
			if limit > 0 && len(rows) >= limit {
				return false
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]*persistence.DeltaRecord, len(rows))
	for i, row := range rows {
		out[i] = &persistence.DeltaRecord{
			ID:         row.ID,
			DocumentID: row.DocumentID,
			ClientID:   row.ClientID,
			Payload:    row.Payload,
			LogicalClk: row.LogicalClk,
			Timestamp:  row.Timestamp,
		}
	}
	return out, nil
}

// --- sessions ---

func sessionKey(id string) string { return prefixSession + id }

func (s *Store) SaveSession(ctx context.Context, session *persistence.SessionRecord) error {
	data, err := json_.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "memstore: marshal session")
	}
	return s.update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(sessionKey(session.ID), string(data), nil)
		return err
	})
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, lastSeen time.Time) error {
	return s.update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(sessionKey(sessionID))
		if err != nil {
			if err == buntdb.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		var session persistence.SessionRecord
		if err := json_.Unmarshal([]byte(val), &session); err != nil {
			return err
		}
		session.LastSeen = lastSeen
		data, err := json_.Marshal(session)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(sessionKey(sessionID), string(data), nil)
		return err
	})
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(sessionKey(sessionID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) GetSessions(ctx context.Context, userID string) ([]*persistence.SessionRecord, error) {
	var out []*persistence.SessionRecord
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixSession+"*", func(key, value string) bool {
			var session persistence.SessionRecord
			if err := json_.Unmarshal([]byte(value), &session); err == nil && session.UserID == userID {
				out = append(out, &session)
			}
			return true
		})
	})
	return out, err
}

// --- snapshots ---

func snapshotKey(documentID, id string) string {
	return fmt.Sprintf("%s%s:%020d:%s", prefixSnapshot, documentID, time.Now().UnixNano(), id)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *persistence.SnapshotRecord) error {
	data, err := json_.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "memstore: marshal snapshot")
	}
	return s.update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(snapshotKey(snap.DocumentID, snap.ID), string(data), nil)
		return err
	})
}

func (s *Store) GetLatestSnapshot(ctx context.Context, documentID string) (*persistence.SnapshotRecord, error) {
	snaps, err := s.ListSnapshots(ctx, documentID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return snaps[0], nil
}

func (s *Store) ListSnapshots(ctx context.Context, documentID string, limit int) ([]*persistence.SnapshotRecord, error) {
	var out []*persistence.SnapshotRecord
	prefix := prefixSnapshot + documentID + ":"
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(prefix+"*", func(key, value string) bool {
			var snap persistence.SnapshotRecord
			if err := json_.Unmarshal([]byte(value), &snap); err == nil {
				out = append(out, &snap)
			}
			if limit > 0 && len(out) >= limit {
				return false
			}
			return true
		})
	})
	return out, err
}

func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	var key string
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixSnapshot+"*", func(k, value string) bool {
			if strings.HasSuffix(k, ":"+snapshotID) {
				key = k
				return false
			}
			return true
		})
	})
	if err != nil {
		return err
	}
	if key == "" {
		return ErrNotFound
	}
	return s.update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
}

// Cleanup sweeps sessions, deltas, and snapshots older than the
// configured thresholds, and trims each document's snapshot history
// to MaxSnapshotsPerDoc.
func (s *Store) Cleanup(ctx context.Context, opts persistence.CleanupOptions) (persistence.CleanupResult, error) {
	var result persistence.CleanupResult
	now := time.Now()

	err := s.update(func(tx *buntdb.Tx) error {
		var staleSessions []string
		if opts.OldSessionsOlderThan > 0 {
			err := tx.AscendKeys(prefixSession+"*", func(key, value string) bool {
				var session persistence.SessionRecord
				if err := json_.Unmarshal([]byte(value), &session); err == nil {
					if now.Sub(session.LastSeen) > opts.OldSessionsOlderThan {
						staleSessions = append(staleSessions, key)
					}
				}
				return true
			})
			if err != nil {
				return err
			}
		}
		for _, key := range staleSessions {
			if _, err := tx.Delete(key); err == nil {
				result.SessionsDeleted++
			}
		}

		var staleDeltas []string
		if opts.OldDeltasOlderThan > 0 {
			err := tx.AscendKeys(prefixDelta+"*", func(key, value string) bool {
				var row deltaRow
				if err := json_.Unmarshal([]byte(value), &row); err == nil {
					if now.Sub(row.Timestamp) > opts.OldDeltasOlderThan {
						staleDeltas = append(staleDeltas, key)
					}
				}
				return true
			})
			if err != nil {
				return err
			}
		}
		for _, key := range staleDeltas {
			if _, err := tx.Delete(key); err == nil {
				result.DeltasDeleted++
			}
		}

		var staleSnapshots []string
		if opts.OldSnapshotsOlderThan > 0 {
			err := tx.AscendKeys(prefixSnapshot+"*", func(key, value string) bool {
				var snap persistence.SnapshotRecord
				if err := json_.Unmarshal([]byte(value), &snap); err == nil {
					if now.Sub(snap.CreatedAt) > opts.OldSnapshotsOlderThan {
						staleSnapshots = append(staleSnapshots, key)
					}
				}
				return true
			})
			if err != nil {
				return err
			}
		}
		for _, key := range staleSnapshots {
			if _, err := tx.Delete(key); err == nil {
				result.SnapshotsDeleted++
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if opts.MaxSnapshotsPerDoc > 0 {
		deleted, err := s.trimSnapshotsPerDocument(ctx, opts.MaxSnapshotsPerDoc)
		if err != nil {
			return result, err
		}
		result.SnapshotsDeleted += deleted
	}
	return result, nil
}

func (s *Store) trimSnapshotsPerDocument(ctx context.Context, maxPerDoc int) (int, error) {
	byDoc := make(map[string][]string)
	err := s.view(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixSnapshot+"*", func(key, value string) bool {
			parts := strings.SplitN(strings.TrimPrefix(key, prefixSnapshot), ":", 2)
			if len(parts) == 2 {
				byDoc[parts[0]] = append(byDoc[parts[0]], key)
			}
			return true
		})
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, keys := range byDoc {
		sort.Strings(keys) // key embeds nanosecond timestamp, so ascending == oldest-first
		if len(keys) <= maxPerDoc {
			continue
		}
		excess := keys[:len(keys)-maxPerDoc]
		err := s.update(func(tx *buntdb.Tx) error {
			for _, key := range excess {
				if _, err := tx.Delete(key); err == nil {
					deleted++
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *Store) view(fn func(tx *buntdb.Tx) error) error {
	s.mu.RLock()
	db := s.db
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return errors.New("memstore: not connected")
	}
	return db.View(fn)
}

func (s *Store) update(fn func(tx *buntdb.Tx) error) error {
	s.mu.RLock()
	db := s.db
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return errors.New("memstore: not connected")
	}
	return db.Update(fn)
}
