// Package transport provides the server's WebSocket upgrade handler,
// adapted from the teacher's hand-rolled RFC 6455 implementation onto
// coder/websocket, and from its WSHandler/Hub dispatch loop onto
// server.Coordinator's AuthGuard -> persist+apply -> broadcast
// pipeline.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/synckit/core/server"
	"github.com/synckit/core/wire"
)

// WSConn adapts a coder/websocket server connection to server.Conn.
type WSConn struct {
	id string
	c  *websocket.Conn
}

func (w *WSConn) ID() string { return w.id }

func (w *WSConn) Send(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageBinary, frame)
}

func (w *WSConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// anonymousUserID is the Claims.UserID assigned to a connection
// admitted without a token when authRequired is false.
const anonymousUserID = "anonymous"

// WSHandler upgrades HTTP requests to WebSocket connections and runs
// each one's read loop against a Coordinator.
type WSHandler struct {
	coord        *server.Coordinator
	verifier     *server.TokenVerifier
	logger       *slog.Logger
	authRequired bool
}

// NewWSHandler returns a WSHandler serving the sync protocol over
// coord. When authRequired is false, connections that don't send AUTH
// as their first frame are admitted anonymously with full read/write
// permissions, per spec.md §6; a frame does still need to arrive
// before the handler knows whether it's AUTH or something else, so an
// AUTH frame is still honored (and its claims used) if one is sent.
func NewWSHandler(coord *server.Coordinator, verifier *server.TokenVerifier, logger *slog.Logger, authRequired bool) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{coord: coord, verifier: verifier, logger: logger, authRequired: authRequired}
}

// ServeHTTP upgrades the connection, authenticates it, and runs its
// read loop until the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("transport: websocket accept failed", "error", err)
		return
	}
	c.SetReadLimit(32 << 20)
	conn := &WSConn{id: uuid.NewString(), c: c}
	defer conn.Close()

	ctx := r.Context()
	claims, firstFrame, ok := h.authenticate(ctx, conn)
	if !ok {
		return
	}
	defer h.coord.Disconnect(conn, claims.UserID)

	if firstFrame != nil {
		h.dispatch(ctx, conn, claims, *firstFrame)
	}
	h.readLoop(ctx, conn, claims)
}

// authenticate reads the connection's first frame. If it's AUTH, it
// verifies the token and returns the resulting claims. If it isn't,
// and h.authRequired is false, the connection is admitted anonymously
// (spec.md §6) and the already-consumed frame is returned so the
// caller can still dispatch it instead of dropping it. Otherwise the
// connection is rejected with AUTH_REQUIRED.
func (h *WSHandler) authenticate(ctx context.Context, conn *WSConn) (*server.Claims, *wire.Frame, bool) {
	_, data, err := conn.c.Read(ctx)
	if err != nil {
		return nil, nil, false
	}
	frame, err := wire.Decode(data)
	if err != nil {
		h.sendAuthError(conn, server.CodeAuthRequired, "expected AUTH as the first frame")
		return nil, nil, false
	}
	if frame.Type != wire.TypeAuth {
		if !h.authRequired {
			return anonymousClaims(), &frame, true
		}
		h.sendAuthError(conn, server.CodeAuthRequired, "expected AUTH as the first frame")
		return nil, nil, false
	}
	var auth wire.AuthPayload
	if err := wire.Unmarshal(frame.Payload, &auth); err != nil {
		h.sendAuthError(conn, server.CodeAuthRequired, "malformed AUTH payload")
		return nil, nil, false
	}
	claims, err := h.verifier.Verify(auth.Token)
	if err != nil {
		h.sendAuthError(conn, server.CodeInvalidToken, err.Error())
		return nil, nil, false
	}
	payload, err := wire.Marshal(wire.AuthSuccessPayload{UserID: claims.UserID, Permissions: claims.Permissions})
	if err != nil {
		return nil, nil, false
	}
	_ = conn.Send(wire.Encode(wire.Frame{Type: wire.TypeAuthSuccess, Timestamp: time.Now(), Payload: payload}))
	return claims, nil, true
}

// anonymousClaims grants full read/write access to a connection
// admitted without a token, per spec.md §6's authRequired=false path.
func anonymousClaims() *server.Claims {
	return &server.Claims{
		UserID:      anonymousUserID,
		Permissions: wire.Permissions{CanRead: []string{"*"}, CanWrite: []string{"*"}},
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *WSConn, claims *server.Claims) {
	for {
		_, data, err := conn.c.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			continue
		}
		h.dispatch(ctx, conn, claims, frame)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, conn *WSConn, claims *server.Claims, frame wire.Frame) {
	switch frame.Type {
	case wire.TypePing:
		_ = conn.Send(wire.Encode(wire.Frame{Type: wire.TypePong, Timestamp: time.Now()}))
	case wire.TypeSubscribe:
		var sub wire.SubscribePayload
		if wire.Unmarshal(frame.Payload, &sub) == nil {
			h.coord.Subscribe(sub.DocID, conn)
		}
	case wire.TypeUnsubscribe:
		var unsub wire.UnsubscribePayload
		if wire.Unmarshal(frame.Payload, &unsub) == nil {
			h.coord.Unsubscribe(unsub.DocID, conn)
		}
	case wire.TypeSyncRequest:
		var req wire.SyncRequestPayload
		if wire.Unmarshal(frame.Payload, &req) != nil {
			return
		}
		resp, err := h.coord.SyncResponse(ctx, req.DocID, h.coord.KindForDocument(ctx, req.DocID))
		if err != nil {
			h.sendError(conn, "SYNC_FAILED", err.Error())
			return
		}
		payload, err := wire.Marshal(resp)
		if err != nil {
			return
		}
		_ = conn.Send(wire.Encode(wire.Frame{Type: wire.TypeSyncResponse, Timestamp: time.Now(), Payload: payload}))
	case wire.TypeDelta:
		var delta wire.DeltaPayload
		if wire.Unmarshal(frame.Payload, &delta) != nil {
			return
		}
		kind := h.coord.KindForDocument(ctx, delta.DocID)
		if err := h.coord.HandleDelta(ctx, conn, claims, kind, delta); err != nil {
			h.sendError(conn, server.CodePermissionDenied, err.Error())
		}
	case wire.TypeAck:
		var ack wire.AckPayload
		if wire.Unmarshal(frame.Payload, &ack) == nil {
			h.coord.Ack(ack.MessageID)
		}
	case wire.TypeAwarenessSubscribe:
		var sub wire.AwarenessSubscribePayload
		if wire.Unmarshal(frame.Payload, &sub) == nil {
			h.coord.SubscribeAwareness(sub.DocID, conn)
		}
	case wire.TypeAwarenessUpdate:
		var upd wire.AwarenessUpdatePayload
		if wire.Unmarshal(frame.Payload, &upd) == nil {
			h.coord.UpdateAwareness(upd.DocID, claims.UserID, conn, upd.State, upd.Clock)
		}
	}
}

func (h *WSHandler) sendError(conn *WSConn, code, msg string) {
	payload, err := wire.Marshal(wire.ErrorPayload{Error: msg, Code: code})
	if err != nil {
		return
	}
	_ = conn.Send(wire.Encode(wire.Frame{Type: wire.TypeError, Timestamp: time.Now(), Payload: payload}))
}

func (h *WSHandler) sendAuthError(conn *WSConn, code, msg string) {
	payload, err := wire.Marshal(wire.AuthErrorPayload{Error: msg, Code: code})
	if err != nil {
		return
	}
	_ = conn.Send(wire.Encode(wire.Frame{Type: wire.TypeAuthError, Timestamp: time.Now(), Payload: payload}))
}
