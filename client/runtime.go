package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synckit/core/clock"
	"github.com/synckit/core/document"
	"github.com/synckit/core/fugue"
	"github.com/synckit/core/offlinequeue"
	"github.com/synckit/core/peritext"
	"github.com/synckit/core/wire"
)

// State is the connection lifecycle of spec.md §4.10.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that require an active
// connection when the runtime is not currently connected.
var ErrNotConnected = errors.New("client: not connected")

// ErrUnknownDocument is returned by the per-kind submit helpers when
// docID has no locally registered document, or the registered kind
// doesn't match the helper (e.g. InsertText on a counter document).
var ErrUnknownDocument = errors.New("client: unknown or wrong-kind document")

// Config tunes the runtime's timing policy; zero values fall back to
// spec.md §4.10 reference defaults.
type Config struct {
	Token              string
	HeartbeatInterval  time.Duration
	PongTimeout        time.Duration
	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectMultiplier float64
	MaxDrainElapsed    time.Duration
	OfflineQueueSize   int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 5 * time.Second
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMultiplier == 0 {
		c.ReconnectMultiplier = 2
	}
	if c.MaxDrainElapsed == 0 {
		c.MaxDrainElapsed = time.Minute
	}
	if c.OfflineQueueSize == 0 {
		c.OfflineQueueSize = 1000
	}
}

// Runtime is the client-side sync engine: one per connection to a
// server, owning every subscribed document's local state, the offline
// operation queue, and the reconnect state machine.
type Runtime struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	userID        string
	permissions   wire.Permissions
	documents     map[string]*document.Document
	subscriptions map[string]struct{}
	queue         *offlinequeue.Queue
	cancelReader  context.CancelFunc
	onStateChange func(State)
	formatClock   map[string]uint64 // per-document local Peritext writer sequence

	pendingAcks map[string]chan error
}

// New constructs a Runtime that dials via dialer on Connect.
func New(dialer Dialer, cfg Config, logger *slog.Logger) *Runtime {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:           cfg,
		dialer:        dialer,
		logger:        logger,
		state:         StateDisconnected,
		documents:     make(map[string]*document.Document),
		subscriptions: make(map[string]struct{}),
		queue:         offlinequeue.New(cfg.OfflineQueueSize),
		formatClock:   make(map[string]uint64),
		pendingAcks:   make(map[string]chan error),
	}
}

// OnStateChange registers a callback invoked whenever the connection
// state transitions.
func (r *Runtime) OnStateChange(fn func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// State reports the runtime's current connection state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	cb := r.onStateChange
	r.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Connect dials the server, authenticates, and starts the read and
// heartbeat loops. It blocks until AUTH_SUCCESS or AUTH_ERROR arrives.
func (r *Runtime) Connect(ctx context.Context) error {
	r.setState(StateConnecting)
	conn, err := r.dialer(ctx)
	if err != nil {
		r.setState(StateFailed)
		return errors.Wrap(err, "client: dial failed")
	}

	authPayload, err := wire.Marshal(wire.AuthPayload{Token: r.cfg.Token})
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(ctx, wire.Encode(wire.Frame{Type: wire.TypeAuth, Timestamp: time.Now(), Payload: authPayload})); err != nil {
		r.setState(StateFailed)
		return errors.Wrap(err, "client: auth send failed")
	}

	raw, err := conn.ReadFrame(ctx)
	if err != nil {
		r.setState(StateFailed)
		return errors.Wrap(err, "client: auth read failed")
	}
	frame, err := wire.Decode(raw)
	if err != nil {
		r.setState(StateFailed)
		return err
	}
	switch frame.Type {
	case wire.TypeAuthSuccess:
		var success wire.AuthSuccessPayload
		if err := wire.Unmarshal(frame.Payload, &success); err != nil {
			r.setState(StateFailed)
			return err
		}
		r.mu.Lock()
		r.userID = success.UserID
		r.permissions = success.Permissions
		r.conn = conn
		r.mu.Unlock()
	case wire.TypeAuthError:
		var authErr wire.AuthErrorPayload
		_ = wire.Unmarshal(frame.Payload, &authErr)
		r.setState(StateFailed)
		return errors.Errorf("client: auth rejected: %s (%s)", authErr.Error, authErr.Code)
	default:
		r.setState(StateFailed)
		return errors.Errorf("client: unexpected frame type %v during auth", frame.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelReader = cancel
	r.mu.Unlock()
	go r.readLoop(readCtx, conn)
	go r.heartbeatLoop(readCtx, conn)

	r.setState(StateConnected)
	r.resubscribeAll(ctx)
	_ = r.drainQueue(ctx)
	return nil
}

func (r *Runtime) resubscribeAll(ctx context.Context) {
	r.mu.Lock()
	docIDs := make([]string, 0, len(r.subscriptions))
	for id := range r.subscriptions {
		docIDs = append(docIDs, id)
	}
	r.mu.Unlock()
	for _, docID := range docIDs {
		_ = r.sendSubscribe(ctx, docID)
	}
}

// Subscribe sends SUBSCRIBE for docID and records it for resubscription
// on reconnect.
func (r *Runtime) Subscribe(ctx context.Context, docID string) error {
	r.mu.Lock()
	r.subscriptions[docID] = struct{}{}
	r.mu.Unlock()
	return r.sendSubscribe(ctx, docID)
}

func (r *Runtime) sendSubscribe(ctx context.Context, docID string) error {
	conn, ok := r.activeConn()
	if !ok {
		return nil // queued implicitly by subscriptions map; replayed on Connect
	}
	payload, err := wire.Marshal(wire.SubscribePayload{DocID: docID})
	if err != nil {
		return err
	}
	return conn.WriteFrame(ctx, wire.Encode(wire.Frame{Type: wire.TypeSubscribe, Timestamp: time.Now(), Payload: payload}))
}

func (r *Runtime) activeConn() (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected || r.conn == nil {
		return nil, false
	}
	return r.conn, true
}

// Submit enqueues a local LWW field mutation for docID and attempts
// immediate delivery; if disconnected, it stays queued for the next
// Drain.
func (r *Runtime) Submit(ctx context.Context, docID string, delta map[string]interface{}) error {
	return r.submit(ctx, wire.DeltaPayload{ID: uuid.NewString(), DocID: docID, Delta: delta})
}

// SubmitOp enqueues a non-LWW Operation for docID (InsertChar,
// DeleteChar, Format, Unformat, CounterInc, CounterDec, SetAdd, or
// SetRemove) and attempts immediate delivery, mirroring Submit's LWW
// path. InsertText/DeleteText/Format/Unformat/IncrementCounter/
// DecrementCounter/AddToSet/RemoveFromSet build ops for the common
// cases; call this directly for anything else.
func (r *Runtime) SubmitOp(ctx context.Context, docID string, op wire.Operation) error {
	return r.submit(ctx, wire.DeltaPayload{ID: uuid.NewString(), DocID: docID, Op: &op})
}

func (r *Runtime) submit(ctx context.Context, delta wire.DeltaPayload) error {
	payload, err := wire.Marshal(delta)
	if err != nil {
		return err
	}
	entry := offlinequeue.Entry{ID: uuid.NewString(), DocumentID: delta.DocID, Payload: payload}
	if err := r.queue.Enqueue(entry); err != nil {
		return err
	}
	return r.drainQueue(ctx)
}

// InsertText applies s at pos to the locally registered Fugue text
// document (assigning this replica's CharacterIDs) and submits one
// InsertChar op per codepoint, per spec.md §4.3.
func (r *Runtime) InsertText(ctx context.Context, docID string, pos int, s string) error {
	doc, ok := r.Document(docID)
	if !ok || doc.Kind != document.KindText {
		return errors.WithStack(ErrUnknownDocument)
	}
	for _, op := range doc.Text.Insert(pos, s) {
		wireOp := wire.Operation{
			Kind:   wire.OpInsertChar,
			CharID: charIDToWire(op.ID),
			Left:   charIDToWire(op.Left),
			Right:  charIDToWire(op.Right),
			Value:  string(op.Value),
		}
		if err := r.SubmitOp(ctx, docID, wireOp); err != nil {
			return err
		}
	}
	return nil
}

// DeleteText tombstones [pos, pos+length) in the locally registered
// Fugue text document and submits one DeleteChar op per character.
func (r *Runtime) DeleteText(ctx context.Context, docID string, pos, length int) error {
	doc, ok := r.Document(docID)
	if !ok || doc.Kind != document.KindText {
		return errors.WithStack(ErrUnknownDocument)
	}
	for _, op := range doc.Text.Delete(pos, length) {
		wireOp := wire.Operation{Kind: wire.OpDeleteChar, CharID: charIDToWire(op.ID)}
		if err := r.SubmitOp(ctx, docID, wireOp); err != nil {
			return err
		}
	}
	return nil
}

// Format anchors a new Peritext span over [start, end) setting attrs
// on the locally registered text document and submits it as a Format
// op. The server reassigns the span's (clock, writer) precedence pair
// when it echoes the operation back.
func (r *Runtime) Format(ctx context.Context, docID string, start, end int, attrs map[string]interface{}) error {
	return r.formatSpan(ctx, docID, start, end, attrs, false)
}

// Unformat anchors a new Peritext span over [start, end) clearing the
// named attrs (attrs' values are ignored; only keys matter).
func (r *Runtime) Unformat(ctx context.Context, docID string, start, end int, attrs map[string]interface{}) error {
	return r.formatSpan(ctx, docID, start, end, attrs, true)
}

func (r *Runtime) formatSpan(ctx context.Context, docID string, start, end int, attrs map[string]interface{}, remove bool) error {
	doc, ok := r.Document(docID)
	if !ok || doc.Kind != document.KindText {
		return errors.WithStack(ErrUnknownDocument)
	}
	r.mu.Lock()
	r.formatClock[docID]++
	clk := r.formatClock[docID]
	writer := r.userID
	r.mu.Unlock()

	opID := uuid.NewString()
	var span peritext.FormatSpan
	var err error
	if remove {
		span, err = doc.Format.Unformat(start, end, attrs, clock.ReplicaID(writer), clk, opID)
	} else {
		span, err = doc.Format.Format(start, end, attrs, clock.ReplicaID(writer), clk, opID)
	}
	if err != nil {
		return err
	}
	kind := wire.OpFormat
	if remove {
		kind = wire.OpUnformat
	}
	wireOp := wire.Operation{
		Kind:   kind,
		Start:  charIDToWire(span.Start.ID),
		End:    charIDToWire(span.End.ID),
		Attrs:  attrs,
		OpID:   opID,
		Clock:  clk,
		Writer: writer,
	}
	return r.SubmitOp(ctx, docID, wireOp)
}

// IncrementCounter submits a CounterInc op for docID's PN-Counter. The
// local value updates once the server's broadcast echo arrives,
// matching the no-optimistic-apply path LWW documents already use
// (Increment is not idempotent, so applying it twice would double-count).
func (r *Runtime) IncrementCounter(ctx context.Context, docID string, amount uint64) error {
	if doc, ok := r.Document(docID); !ok || doc.Kind != document.KindCounter {
		return errors.WithStack(ErrUnknownDocument)
	}
	return r.SubmitOp(ctx, docID, wire.Operation{Kind: wire.OpCounterInc, Amount: amount})
}

// DecrementCounter submits a CounterDec op for docID's PN-Counter.
func (r *Runtime) DecrementCounter(ctx context.Context, docID string, amount uint64) error {
	if doc, ok := r.Document(docID); !ok || doc.Kind != document.KindCounter {
		return errors.WithStack(ErrUnknownDocument)
	}
	return r.SubmitOp(ctx, docID, wire.Operation{Kind: wire.OpCounterDec, Amount: amount})
}

// AddToSet submits a SetAdd op for docID's OR-Set, generating a fresh
// add-tag for this add-instance.
func (r *Runtime) AddToSet(ctx context.Context, docID string, element string) error {
	if doc, ok := r.Document(docID); !ok || doc.Kind != document.KindSet {
		return errors.WithStack(ErrUnknownDocument)
	}
	return r.SubmitOp(ctx, docID, wire.Operation{Kind: wire.OpSetAdd, Element: element, Tag: uuid.NewString()})
}

// RemoveFromSet submits a SetRemove op for docID's OR-Set. The op
// names only the element; each replica that applies it (the server,
// and this runtime once the echo arrives) removes the add-tags of
// element that it has observed itself.
func (r *Runtime) RemoveFromSet(ctx context.Context, docID string, element string) error {
	if doc, ok := r.Document(docID); !ok || doc.Kind != document.KindSet {
		return errors.WithStack(ErrUnknownDocument)
	}
	return r.SubmitOp(ctx, docID, wire.Operation{Kind: wire.OpSetRemove, Element: element})
}

func (r *Runtime) drainQueue(ctx context.Context) error {
	conn, ok := r.activeConn()
	if !ok {
		return nil
	}
	return r.queue.Drain(ctx, func(ctx context.Context, entry offlinequeue.Entry) error {
		var delta wire.DeltaPayload
		if err := wire.Unmarshal(entry.Payload, &delta); err != nil {
			return err
		}
		frame := wire.Encode(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: entry.Payload})
		ch := make(chan error, 1)
		r.mu.Lock()
		r.pendingAcks[delta.ID] = ch
		r.mu.Unlock()
		if err := conn.WriteFrame(ctx, frame); err != nil {
			r.mu.Lock()
			delete(r.pendingAcks, delta.ID)
			r.mu.Unlock()
			return err
		}
		select {
		case <-ch:
			r.queue.Ack(entry.ID)
			return nil
		case <-time.After(r.cfg.PongTimeout * 3):
			return errors.New("client: ack timeout")
		case <-ctx.Done():
			return ctx.Err()
		}
	}, r.cfg.MaxDrainElapsed)
}

func (r *Runtime) readLoop(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.ReadFrame(ctx)
		if err != nil {
			r.handleDisconnect(ctx)
			return
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			r.logger.Warn("client: decode frame failed", "error", err)
			continue
		}
		r.dispatch(frame)
	}
}

func (r *Runtime) dispatch(frame wire.Frame) {
	switch frame.Type {
	case wire.TypeDelta:
		var delta wire.DeltaPayload
		if err := wire.Unmarshal(frame.Payload, &delta); err != nil {
			return
		}
		r.applyRemoteDelta(delta)
	case wire.TypeAck:
		var ack wire.AckPayload
		if err := wire.Unmarshal(frame.Payload, &ack); err != nil {
			return
		}
		r.mu.Lock()
		ch, ok := r.pendingAcks[ack.MessageID]
		delete(r.pendingAcks, ack.MessageID)
		r.mu.Unlock()
		if ok {
			ch <- nil
		}
	case wire.TypePing:
		// Ignored. heartbeatLoop only sends PINGs on its ticker and does
		// not wait for PONG replies, so a dead connection is noticed only
		// when a read or a PING write fails.
	}
}

func (r *Runtime) applyRemoteDelta(delta wire.DeltaPayload) {
	r.mu.Lock()
	doc, ok := r.documents[delta.DocID]
	r.mu.Unlock()
	if !ok {
		return
	}
	switch doc.Kind {
	case document.KindLWW:
		writer := "server"
		logicalClock := doc.Lww.VectorClock().Get(writer) + 1
		for field, value := range delta.Delta {
			doc.Lww.Set(field, value, writer, logicalClock)
		}
	case document.KindText:
		r.applyRemoteTextOp(doc, delta.Op)
	case document.KindCounter:
		r.applyRemoteCounterOp(doc, delta.Op)
	case document.KindSet:
		r.applyRemoteSetOp(doc, delta.Op)
	}
}

// applyRemoteTextOp integrates an InsertChar/DeleteChar op into the
// Fugue text CRDT or a Format/Unformat op into its Peritext layer.
// ApplyRemote is idempotent by CharacterID/OpID, so this is safe to
// call again for ops this replica already authored locally.
func (r *Runtime) applyRemoteTextOp(doc *document.Document, op *wire.Operation) {
	if op == nil {
		return
	}
	switch op.Kind {
	case wire.OpInsertChar:
		if op.CharID == nil {
			return
		}
		runes := []rune(op.Value)
		if len(runes) == 0 {
			return
		}
		fop := fugue.Op{
			Kind:  fugue.OpInsert,
			ID:    charIDFromWire(*op.CharID),
			Left:  charIDFromWirePtr(op.Left),
			Right: charIDFromWirePtr(op.Right),
			Value: runes[0],
		}
		if err := doc.Text.ApplyRemote(fop); err != nil {
			r.logger.Warn("client: apply remote insert failed", "document", doc.ID, "error", err)
		}
	case wire.OpDeleteChar:
		if op.CharID == nil {
			return
		}
		fop := fugue.Op{Kind: fugue.OpDelete, ID: charIDFromWire(*op.CharID)}
		if err := doc.Text.ApplyRemote(fop); err != nil {
			r.logger.Warn("client: apply remote delete failed", "document", doc.ID, "error", err)
		}
	case wire.OpFormat, wire.OpUnformat:
		if op.Start == nil || op.End == nil {
			return
		}
		doc.Format.ApplyRemote(peritext.FormatSpan{
			OpID:   op.OpID,
			Start:  peritext.Anchor{ID: charIDFromWire(*op.Start), Side: peritext.SideAfter},
			End:    peritext.Anchor{ID: charIDFromWire(*op.End), Side: peritext.SideBefore},
			Attrs:  op.Attrs,
			Remove: op.Kind == wire.OpUnformat,
			Clock:  op.Clock,
			Writer: clock.ReplicaID(op.Writer),
		})
	}
}

func (r *Runtime) applyRemoteCounterOp(doc *document.Document, op *wire.Operation) {
	if op == nil {
		return
	}
	switch op.Kind {
	case wire.OpCounterInc:
		doc.Counter.Increment("server", op.Amount)
	case wire.OpCounterDec:
		doc.Counter.Decrement("server", op.Amount)
	}
}

func (r *Runtime) applyRemoteSetOp(doc *document.Document, op *wire.Operation) {
	if op == nil {
		return
	}
	switch op.Kind {
	case wire.OpSetAdd:
		doc.Set.Add(op.Element, op.Tag)
	case wire.OpSetRemove:
		doc.Set.Remove(op.Element)
	}
}

func charIDToWire(id fugue.CharacterID) *wire.CharID {
	if id == (fugue.CharacterID{}) {
		return nil
	}
	return &wire.CharID{Counter: id.Counter, Replica: string(id.Replica)}
}

func charIDFromWire(c wire.CharID) fugue.CharacterID {
	return fugue.CharacterID{Counter: c.Counter, Replica: clock.ReplicaID(c.Replica)}
}

func charIDFromWirePtr(c *wire.CharID) fugue.CharacterID {
	if c == nil {
		return fugue.CharacterID{}
	}
	return charIDFromWire(*c)
}

func (r *Runtime) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := wire.Encode(wire.Frame{Type: wire.TypePing, Timestamp: time.Now()})
			if err := conn.WriteFrame(ctx, frame); err != nil {
				r.handleDisconnect(ctx)
				return
			}
		}
	}
}

func (r *Runtime) handleDisconnect(ctx context.Context) {
	if ctx.Err() != nil {
		return // the read context was cancelled by Disconnect, not by a dropped connection
	}
	r.mu.Lock()
	if r.state == StateReconnecting || r.state == StateFailed {
		r.mu.Unlock()
		return
	}
	if r.cancelReader != nil {
		r.cancelReader()
		r.cancelReader = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
	r.setState(StateReconnecting)
	// ctx here is the just-cancelled per-connection read context, not a
	// context reconnection attempts should inherit from.
	go r.reconnectLoop(context.Background())
}

// reconnectLoop retries Connect with exponential backoff bounded by
// ReconnectMinDelay/MaxDelay/Multiplier, per spec.md §4.10.
func (r *Runtime) reconnectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.ReconnectMinDelay
	bo.MaxInterval = r.cfg.ReconnectMaxDelay
	bo.Multiplier = r.cfg.ReconnectMultiplier
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.Connect(ctx)
	}, backoff.WithBackOff(bo))
}

// Disconnect closes the active connection and stops its read and
// heartbeat loops without starting a reconnect. A reconnect loop
// already running after an earlier dropped connection is not cancelled.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	if r.cancelReader != nil {
		r.cancelReader()
		r.cancelReader = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	r.setState(StateDisconnected)
}

// RegisterDocument attaches a local CRDT document that applyRemoteDelta
// and Submit operate on; callers build it via document.NewLWW/NewText/
// NewCounter/NewSet per the document's kind.
func (r *Runtime) RegisterDocument(doc *document.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[doc.ID] = doc
}

// Document returns the locally registered document for id, if any.
func (r *Runtime) Document(id string) (*document.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.documents[id]
	return doc, ok
}
