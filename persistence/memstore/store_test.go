package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synckit/core/persistence"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.SaveDocument(ctx, &persistence.DocumentRecord{ID: "doc1", Kind: "lww", Payload: []byte("{}"), Version: 1})
	require.NoError(t, err)

	rec, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "doc1", rec.ID)
	require.Equal(t, "lww", rec.Kind)
	require.False(t, rec.UpdatedAt.IsZero())
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDocument(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListDocumentsPaginates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveDocument(ctx, &persistence.DocumentRecord{ID: id, Kind: "lww"}))
	}

	page, err := s.ListDocuments(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a", page[0].ID)

	page2, err := s.ListDocuments(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	require.Equal(t, "c", page2[0].ID)
}

func TestAppendDeltaOrderedByClock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendDelta(ctx, &persistence.DeltaRecord{ID: "d2", DocumentID: "doc1", LogicalClk: 2, Timestamp: time.Now()}))
	require.NoError(t, s.AppendDelta(ctx, &persistence.DeltaRecord{ID: "d1", DocumentID: "doc1", LogicalClk: 1, Timestamp: time.Now()}))
	require.NoError(t, s.AppendDelta(ctx, &persistence.DeltaRecord{ID: "d3", DocumentID: "doc1", LogicalClk: 3, Timestamp: time.Now()}))

	deltas, err := s.GetDeltasSince(ctx, "doc1", 1, 0)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	require.Equal(t, uint64(2), deltas[0].LogicalClk)
	require.Equal(t, uint64(3), deltas[1].LogicalClk)
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &persistence.SessionRecord{ID: "sess1", UserID: "u1", LastSeen: time.Now()}))
	sessions, err := s.GetSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	later := time.Now().Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, "sess1", later))

	require.NoError(t, s.DeleteSession(ctx, "sess1"))
	sessions, err = s.GetSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestSnapshotRetentionTrimsOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, &persistence.SnapshotRecord{ID: "snap" + string(rune('a'+i)), DocumentID: "doc1", CreatedAt: time.Now()}))
		time.Sleep(time.Millisecond)
	}

	result, err := s.Cleanup(ctx, persistence.CleanupOptions{MaxSnapshotsPerDoc: 2})
	require.NoError(t, err)
	require.Equal(t, 3, result.SnapshotsDeleted)

	remaining, err := s.ListSnapshots(ctx, "doc1", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestCleanupDeletesStaleSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, &persistence.SessionRecord{ID: "old", UserID: "u1", LastSeen: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, s.SaveSession(ctx, &persistence.SessionRecord{ID: "fresh", UserID: "u1", LastSeen: time.Now()}))

	result, err := s.Cleanup(ctx, persistence.CleanupOptions{OldSessionsOlderThan: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, result.SessionsDeleted)
}

func TestHealthCheckRequiresConnect(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.Error(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.HealthCheck(context.Background()))
}
