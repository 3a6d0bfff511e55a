package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/synckit/core/persistence/memstore"
	"github.com/synckit/core/server"
	"github.com/synckit/core/wire"
)

func newTestServer(t *testing.T, authRequired bool) *httptest.Server {
	t.Helper()
	store, err := memstore.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { _ = store.Disconnect(context.Background()) })

	coord := server.NewCoordinator(store, nil, server.Config{CoalesceWindow: time.Millisecond}, nil)
	verifier := server.NewTokenVerifier([]byte("test-secret"))
	handler := NewWSHandler(coord, verifier, nil, authRequired)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), ts.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	frame, err := wire.Decode(data)
	require.NoError(t, err)
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame wire.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, wire.Encode(frame)))
}

// TestAuthRequiredRejectsNonAuthFirstFrame confirms the default
// (authRequired=true) behavior from spec.md §6: a connection that does
// not send AUTH first is rejected with AUTH_REQUIRED, not admitted.
func TestAuthRequiredRejectsNonAuthFirstFrame(t *testing.T) {
	ts := newTestServer(t, true)
	conn := dial(t, ts)

	subPayload, err := wire.Marshal(wire.SubscribePayload{DocID: "doc-1"})
	require.NoError(t, err)
	sendFrame(t, conn, wire.Frame{Type: wire.TypeSubscribe, Timestamp: time.Now(), Payload: subPayload})

	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeAuthError, frame.Type)
	var errPayload wire.AuthErrorPayload
	require.NoError(t, wire.Unmarshal(frame.Payload, &errPayload))
	require.Equal(t, server.CodeAuthRequired, errPayload.Code)
}

// TestAuthNotRequiredAdmitsAnonymousConnectionAndDispatchesFirstFrame
// confirms spec.md §6's authRequired=false escape hatch: a connection
// that sends a non-AUTH frame first is admitted anonymously, and that
// very first frame is still dispatched rather than dropped.
func TestAuthNotRequiredAdmitsAnonymousConnectionAndDispatchesFirstFrame(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dial(t, ts)

	reqPayload, err := wire.Marshal(wire.SyncRequestPayload{DocID: "doc-1"})
	require.NoError(t, err)
	sendFrame(t, conn, wire.Frame{Type: wire.TypeSyncRequest, Timestamp: time.Now(), Payload: reqPayload})

	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeSyncResponse, frame.Type)
	var resp wire.SyncResponsePayload
	require.NoError(t, wire.Unmarshal(frame.Payload, &resp))
}

// TestAuthNotRequiredStillHonorsAuthFrame confirms that even with
// authRequired=false, a client that does send AUTH first still gets
// its token verified: an invalid token is answered with AUTH_ERROR
// INVALID_TOKEN rather than being admitted with the anonymous grant.
func TestAuthNotRequiredStillHonorsAuthFrame(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dial(t, ts)

	authPayload, err := wire.Marshal(wire.AuthPayload{Token: "not-a-valid-token"})
	require.NoError(t, err)
	sendFrame(t, conn, wire.Frame{Type: wire.TypeAuth, Timestamp: time.Now(), Payload: authPayload})

	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeAuthError, frame.Type)
	var errPayload wire.AuthErrorPayload
	require.NoError(t, wire.Unmarshal(frame.Payload, &errPayload))
	require.Equal(t, server.CodeInvalidToken, errPayload.Code)
}

// TestAnonymousConnectionCanWriteAndReadBack exercises the full
// anonymous delta round trip: submit a DELTA with no AUTH frame at
// all, and confirm it lands by reading back the broadcast DELTA.
func TestAnonymousConnectionCanWriteAndReadBack(t *testing.T) {
	ts := newTestServer(t, false)
	conn := dial(t, ts)

	deltaPayload, err := wire.Marshal(wire.DeltaPayload{ID: "m1", DocID: "doc-1", Delta: map[string]interface{}{"title": "hello"}})
	require.NoError(t, err)
	sendFrame(t, conn, wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: deltaPayload})

	// The sender is auto-subscribed and the delta is broadcast back as
	// the authoritative value once the coalescing window elapses.
	frame := readFrame(t, conn)
	require.Equal(t, wire.TypeDelta, frame.Type)
	var delta wire.DeltaPayload
	require.NoError(t, wire.Unmarshal(frame.Payload, &delta))
	require.Equal(t, "hello", delta.Delta["title"])
}
