package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synckit/core/persistence/memstore"
)

type fakeSource struct {
	id      string
	payload []byte
}

func (f *fakeSource) DocumentID() string { return f.id }
func (f *fakeSource) SerializeState() ([]byte, map[string]uint64, error) {
	return f.payload, map[string]uint64{"r1": 1}, nil
}

func openAdapter(t *testing.T) *memstore.Store {
	t.Helper()
	s, err := memstore.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func TestOpCountTriggerCreatesSnapshot(t *testing.T) {
	adapter := openAdapter(t)
	src := &fakeSource{id: "doc1", payload: []byte("state")}
	sched := New(src, adapter, Triggers{MaxOpsSinceLast: 3}, 5, nil)

	sched.RecordOp(context.Background())
	sched.RecordOp(context.Background())
	sched.RecordOp(context.Background())

	require.Eventually(t, func() bool {
		snaps, _ := adapter.ListSnapshots(context.Background(), "doc1", 0)
		return len(snaps) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	adapter := openAdapter(t)
	src := &fakeSource{id: "doc1", payload: []byte("state")}
	sched := New(src, adapter, Triggers{MaxSizeBytes: 1}, 5, nil)

	sched.inFlight.Store(true) // simulate a run already in progress
	sched.runSnapshot(context.Background())
	sched.inFlight.Store(false)

	snaps, err := adapter.ListSnapshots(context.Background(), "doc1", 0)
	require.NoError(t, err)
	require.Empty(t, snaps, "coalesced call must not have created a snapshot")
}

func TestRetentionTrimsBeyondMax(t *testing.T) {
	adapter := openAdapter(t)
	src := &fakeSource{id: "doc1", payload: []byte("state")}
	sched := New(src, adapter, Triggers{}, 2, nil)

	for i := 0; i < 5; i++ {
		sched.runSnapshot(context.Background())
		time.Sleep(time.Millisecond)
	}

	snaps, err := adapter.ListSnapshots(context.Background(), "doc1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
}
