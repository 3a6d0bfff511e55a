package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synckit/core/document"
	"github.com/synckit/core/wire"
)

// fakeServerConn is an in-memory stand-in for a live server connection:
// everything WriteFrame sends to it is visible via Sent(), and Push
// enqueues a frame for the runtime's next ReadFrame.
type fakeServerConn struct {
	mu     sync.Mutex
	inbox  chan []byte
	sent   [][]byte
	closed bool
}

func newFakeServerConn() *fakeServerConn {
	return &fakeServerConn{inbox: make(chan []byte, 64)}
}

func (f *fakeServerConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeServerConn) WriteFrame(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return context.Canceled
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeServerConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeServerConn) push(frame wire.Frame) {
	f.inbox <- wire.Encode(frame)
}

func (f *fakeServerConn) Sent() []wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, 0, len(f.sent))
	for _, raw := range f.sent {
		frame, err := wire.Decode(raw)
		if err == nil {
			out = append(out, frame)
		}
	}
	return out
}

func sentOfType(frames []wire.Frame, typ wire.MessageType) []wire.Frame {
	var out []wire.Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// newTestRuntime wires a Runtime whose dialer hands back conn and
// immediately serves an AUTH_SUCCESS reply so Connect completes.
func newTestRuntime(t *testing.T, conn *fakeServerConn) *Runtime {
	t.Helper()
	dialer := func(ctx context.Context) (Conn, error) {
		return conn, nil
	}
	authPayload, err := wire.Marshal(wire.AuthSuccessPayload{
		UserID:      "u1",
		Permissions: wire.Permissions{CanWrite: []string{"*"}, CanRead: []string{"*"}},
	})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeAuthSuccess, Timestamp: time.Now(), Payload: authPayload})
	rt := New(dialer, Config{HeartbeatInterval: time.Hour, PongTimeout: 50 * time.Millisecond, MaxDrainElapsed: time.Second}, nil)
	require.NoError(t, rt.Connect(context.Background()))
	t.Cleanup(rt.Disconnect)
	return rt
}

func TestConnectTransitionsToConnectedOnAuthSuccess(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	require.Equal(t, StateConnected, rt.State())
}

func TestConnectFailsOnAuthError(t *testing.T) {
	conn := newFakeServerConn()
	dialer := func(ctx context.Context) (Conn, error) { return conn, nil }
	errPayload, _ := wire.Marshal(wire.AuthErrorPayload{Error: "bad token", Code: "INVALID_TOKEN"})
	conn.push(wire.Frame{Type: wire.TypeAuthError, Timestamp: time.Now(), Payload: errPayload})
	rt := New(dialer, Config{}, nil)
	err := rt.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, rt.State())
}

func TestSubscribeSendsSubscribeFrame(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	require.NoError(t, rt.Subscribe(context.Background(), "doc-1"))

	require.Eventually(t, func() bool {
		return len(sentOfType(conn.Sent(), wire.TypeSubscribe)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestApplyRemoteDeltaUpdatesRegisteredDocument(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	doc := document.NewLWW("doc-1")
	rt.RegisterDocument(doc)

	deltaPayload, err := wire.Marshal(wire.DeltaPayload{ID: "d1", DocID: "doc-1", Delta: map[string]interface{}{"title": "hello"}})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: deltaPayload})

	require.Eventually(t, func() bool {
		v, ok := doc.Lww.Get("title")
		return ok && v == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitDrainsQueueAndClearsOnAck(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)

	done := make(chan error, 1)
	go func() {
		done <- rt.Submit(context.Background(), "doc-1", map[string]interface{}{"title": "hi"})
	}()

	require.Eventually(t, func() bool {
		return len(sentOfType(conn.Sent(), wire.TypeDelta)) == 1
	}, time.Second, 5*time.Millisecond)

	sentDeltas := sentOfType(conn.Sent(), wire.TypeDelta)
	var delta wire.DeltaPayload
	require.NoError(t, wire.Unmarshal(sentDeltas[0].Payload, &delta))

	ackPayload, err := wire.Marshal(wire.AckPayload{MessageID: delta.ID})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeAck, Timestamp: time.Now(), Payload: ackPayload})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after ACK")
	}
	require.Equal(t, 0, rt.queue.Len())
}

func TestDisconnectStopsReaderAndClosesConn(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	rt.Disconnect()
	require.Equal(t, StateDisconnected, rt.State())
	require.True(t, conn.closed)
}

func TestInsertTextAppliesLocallyAndSubmitsOp(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	doc := document.NewText("doc-text", "u1")
	rt.RegisterDocument(doc)

	done := make(chan error, 1)
	go func() { done <- rt.InsertText(context.Background(), "doc-text", 0, "hi") }()

	// Local apply is synchronous, so the text is visible immediately,
	// before the ACK even arrives.
	require.Eventually(t, func() bool {
		return doc.Text.String() == "hi"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sentOfType(conn.Sent(), wire.TypeDelta)) >= 1
	}, time.Second, 5*time.Millisecond)

	// The queue sends the second InsertChar op only after the first one
	// is ACKed, so ACK each new DELTA as it appears until InsertText
	// returns.
	acked := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for {
		for _, frame := range sentOfType(conn.Sent(), wire.TypeDelta) {
			var delta wire.DeltaPayload
			require.NoError(t, wire.Unmarshal(frame.Payload, &delta))
			if acked[delta.ID] {
				continue
			}
			acked[delta.ID] = true
			ackPayload, err := wire.Marshal(wire.AckPayload{MessageID: delta.ID})
			require.NoError(t, err)
			conn.push(wire.Frame{Type: wire.TypeAck, Timestamp: time.Now(), Payload: ackPayload})
		}
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Len(t, acked, 2)
			return
		case <-deadline:
			t.Fatal("InsertText did not return after ACKs")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestApplyRemoteDeltaAppliesInsertCharToTextDocument(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	doc := document.NewText("doc-text", "u1")
	rt.RegisterDocument(doc)

	deltaPayload, err := wire.Marshal(wire.DeltaPayload{
		ID: "d1", DocID: "doc-text",
		Op: &wire.Operation{Kind: wire.OpInsertChar, CharID: &wire.CharID{Replica: "server", Counter: 1}, Value: "x"},
	})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: deltaPayload})

	require.Eventually(t, func() bool {
		return doc.Text.String() == "x"
	}, time.Second, 5*time.Millisecond)
}

func TestIncrementCounterDoesNotApplyLocallyBeforeEcho(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	doc := document.NewCounter("doc-counter")
	rt.RegisterDocument(doc)

	done := make(chan error, 1)
	go func() { done <- rt.IncrementCounter(context.Background(), "doc-counter", 3) }()

	require.Eventually(t, func() bool {
		return len(sentOfType(conn.Sent(), wire.TypeDelta)) == 1
	}, time.Second, 5*time.Millisecond)

	// The increment must not be reflected until the server echoes the
	// op back as a DELTA, since PN-Counter.Increment is not idempotent.
	require.Equal(t, int64(0), doc.Counter.Value())

	sentDeltas := sentOfType(conn.Sent(), wire.TypeDelta)
	var delta wire.DeltaPayload
	require.NoError(t, wire.Unmarshal(sentDeltas[0].Payload, &delta))

	ackPayload, err := wire.Marshal(wire.AckPayload{MessageID: delta.ID})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeAck, Timestamp: time.Now(), Payload: ackPayload})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("IncrementCounter did not return after ACK")
	}

	echoPayload, err := wire.Marshal(wire.DeltaPayload{ID: "echo1", DocID: "doc-counter", Op: &wire.Operation{Kind: wire.OpCounterInc, Amount: 3}})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: echoPayload})

	require.Eventually(t, func() bool {
		return doc.Counter.Value() == 3
	}, time.Second, 5*time.Millisecond)
}

func TestAddToSetSubmitsTaggedOpAndAppliesOnEcho(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	doc := document.NewSet("doc-set")
	rt.RegisterDocument(doc)

	done := make(chan error, 1)
	go func() { done <- rt.AddToSet(context.Background(), "doc-set", "apple") }()

	require.Eventually(t, func() bool {
		return len(sentOfType(conn.Sent(), wire.TypeDelta)) == 1
	}, time.Second, 5*time.Millisecond)

	sentDeltas := sentOfType(conn.Sent(), wire.TypeDelta)
	var delta wire.DeltaPayload
	require.NoError(t, wire.Unmarshal(sentDeltas[0].Payload, &delta))
	require.Equal(t, wire.OpSetAdd, delta.Op.Kind)
	require.NotEmpty(t, delta.Op.Tag)

	ackPayload, err := wire.Marshal(wire.AckPayload{MessageID: delta.ID})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeAck, Timestamp: time.Now(), Payload: ackPayload})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AddToSet did not return after ACK")
	}

	echoPayload, err := wire.Marshal(wire.DeltaPayload{ID: "echo1", DocID: "doc-set", Op: &wire.Operation{Kind: wire.OpSetAdd, Element: "apple", Tag: delta.Op.Tag}})
	require.NoError(t, err)
	conn.push(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: echoPayload})

	require.Eventually(t, func() bool {
		return doc.Set.Contains("apple")
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitToUnregisteredDocumentReturnsErrUnknownDocument(t *testing.T) {
	conn := newFakeServerConn()
	rt := newTestRuntime(t, conn)
	err := rt.InsertText(context.Background(), "missing-doc", 0, "x")
	require.ErrorIs(t, err, ErrUnknownDocument)
}
