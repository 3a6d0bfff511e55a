// Package server implements the server sync coordinator of spec.md
// §4.11: per-document LWW/Fugue+Peritext/counter/set state, its
// VectorClock, and a subscription set, reached through AuthGuard ->
// auto-subscribe -> persist+apply -> authoritative-delta ->
// broadcast-to-all -> ACK -> pub/sub. Grounded on the teacher's
// session.Hub/session.Document registry-under-mutex shape
// (session/session.go), generalized from one RGA per document to the
// tagged-variant document.Document spec.md §9 calls for.
package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/synckit/core/awareness"
	"github.com/synckit/core/clock"
	"github.com/synckit/core/document"
	"github.com/synckit/core/fugue"
	"github.com/synckit/core/peritext"
	"github.com/synckit/core/persistence"
	"github.com/synckit/core/snapshot"
	"github.com/synckit/core/wire"
)

// ErrMissingOperation is returned when a non-LWW delta has no Op set.
var ErrMissingOperation = errors.New("server: delta missing operation for non-LWW document")

// ErrPermissionDenied is returned by AuthGuard when a connection's
// claims do not cover the requested document for write access.
var ErrPermissionDenied = errors.New("server: permission denied")

// ErrUnknownDocumentKind is returned when a delta's shape cannot be
// reconciled with the document's Kind.
var ErrUnknownDocumentKind = errors.New("server: unknown document kind")

// docActor owns one document's in-memory state plus its own
// exclusive lock, matching spec.md §5 option (a): a per-document
// exclusive lock around {persist, apply, build authoritative delta}.
type docActor struct {
	mu          sync.Mutex
	doc         *document.Document
	coalescer   *Coalescer
	scheduler   *snapshot.Scheduler
	writerClock map[string]uint64 // non-LWW writer sequence (Peritext Format precedence)
}

// nextWriterClock returns the next monotonic sequence number for
// writer on this actor. Caller must hold actor.mu.
func (a *docActor) nextWriterClock(writer string) uint64 {
	if a.writerClock == nil {
		a.writerClock = make(map[string]uint64)
	}
	a.writerClock[writer]++
	return a.writerClock[writer]
}

// Config tunes the coordinator's timing policy.
type Config struct {
	AckTimeout     time.Duration
	MaxAckRetries  int
	CoalesceWindow time.Duration
	AwarenessTTL   time.Duration
	PubSubPrefix   string

	// Snapshot scheduler tuning, per spec.md §4.12. Zero values fall
	// back to reference defaults; SnapshotMaxCount <= 0 disables
	// retention trimming (every snapshot is kept).
	SnapshotMaxSizeBytes int
	SnapshotMaxElapsed   time.Duration
	SnapshotMaxOps       int
	SnapshotMaxCount     int
}

func (c *Config) setDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 2 * time.Second
	}
	if c.MaxAckRetries == 0 {
		c.MaxAckRetries = 3
	}
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = 30 * time.Millisecond
	}
	if c.AwarenessTTL == 0 {
		c.AwarenessTTL = 30 * time.Second
	}
	if c.PubSubPrefix == "" {
		c.PubSubPrefix = "synckit:doc:"
	}
	if c.SnapshotMaxSizeBytes == 0 {
		c.SnapshotMaxSizeBytes = 512 * 1024
	}
	if c.SnapshotMaxElapsed == 0 {
		c.SnapshotMaxElapsed = 5 * time.Minute
	}
	if c.SnapshotMaxOps == 0 {
		c.SnapshotMaxOps = 200
	}
	if c.SnapshotMaxCount == 0 {
		c.SnapshotMaxCount = 10
	}
}

// Coordinator is the server-side actor registry: one docActor per
// document, reached through AuthGuard -> persist+apply -> broadcast.
type Coordinator struct {
	cfg       Config
	adapter   persistence.Adapter
	registry  *Registry
	acks      *AckTracker
	pubsub    *PubSub
	awareness *awareness.Store
	logger    *slog.Logger

	mu   sync.Mutex
	docs map[string]*docActor
}

// NewCoordinator wires a Coordinator over adapter (durable state) and
// pubsub (cross-instance fan-out; pass nil to run single-instance).
func NewCoordinator(adapter persistence.Adapter, pubsub *PubSub, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		adapter:   adapter,
		registry:  NewRegistry(),
		acks:      NewAckTracker(cfg.AckTimeout, cfg.MaxAckRetries),
		pubsub:    pubsub,
		awareness: awareness.New(cfg.AwarenessTTL),
		logger:    logger,
		docs:      make(map[string]*docActor),
	}
}

// SubscribeAwareness registers conn as a presence subscriber for docID.
func (c *Coordinator) SubscribeAwareness(docID string, conn Conn) {
	c.registry.SubscribeAwareness(docID, conn.ID())
}

// UpdateAwareness applies clientID's presence state for docID, and
// broadcasts it to every other awareness subscriber (not the updater
// itself, per spec.md §4.11's awareness fan-out rule).
func (c *Coordinator) UpdateAwareness(docID, clientID string, conn Conn, state interface{}, clk uint64) {
	entry, ok := c.awareness.Update(docID, clientID, state, clk)
	if !ok {
		return
	}
	payload, err := wire.Marshal(wire.AwarenessStatePayload{
		DocID: docID, ClientID: clientID, State: entry.State, Clock: entry.Clock,
	})
	if err != nil {
		return
	}
	frame := wire.Encode(wire.Frame{Type: wire.TypeAwarenessState, Timestamp: time.Now(), Payload: payload})
	excludeID := ""
	if conn != nil {
		excludeID = conn.ID()
	}
	for _, subscriber := range c.registry.AwarenessSubscribers(docID, excludeID) {
		_ = subscriber.Send(frame)
	}
}

// RunAwarenessSweeper starts the background TTL eviction loop,
// broadcasting a tombstone for every entry it evicts.
func (c *Coordinator) RunAwarenessSweeper(interval time.Duration, stop <-chan struct{}) {
	c.awareness.RunSweeper(interval, stop, func(ev awareness.Event) {
		c.broadcastAwarenessTombstone(ev.Entry)
	})
}

func (c *Coordinator) broadcastAwarenessTombstone(entry awareness.Entry) {
	payload, err := wire.Marshal(wire.AwarenessStatePayload{DocID: entry.DocumentID, ClientID: entry.ClientID, State: nil, Clock: entry.Clock})
	if err != nil {
		return
	}
	frame := wire.Encode(wire.Frame{Type: wire.TypeAwarenessState, Timestamp: time.Now(), Payload: payload})
	for _, subscriber := range c.registry.AwarenessSubscribers(entry.DocumentID, "") {
		_ = subscriber.Send(frame)
	}
}

func (c *Coordinator) actorFor(ctx context.Context, docID string, kind document.Kind) (*docActor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.docs[docID]; ok {
		return a, nil
	}
	doc, err := c.loadOrCreate(ctx, docID, kind)
	if err != nil {
		return nil, err
	}
	actor := &docActor{doc: doc}
	actor.coalescer = NewCoalescer(c.cfg.CoalesceWindow, func(fields map[string]interface{}) {
		c.broadcastCoalesced(ctx, docID, fields)
	})
	actor.scheduler = snapshot.New(&docSnapshotSource{docID: docID, actor: actor}, c.adapter, snapshot.Triggers{
		MaxSizeBytes:    c.cfg.SnapshotMaxSizeBytes,
		MaxElapsed:      c.cfg.SnapshotMaxElapsed,
		MaxOpsSinceLast: c.cfg.SnapshotMaxOps,
	}, c.cfg.SnapshotMaxCount, c.logger)
	c.docs[docID] = actor
	if c.pubsub != nil {
		c.pubsub.Subscribe(ctx, docID, func(delta wire.DeltaPayload) {
			c.applyPubSubDelta(ctx, docID, delta)
		})
	}
	return actor, nil
}

func (c *Coordinator) loadOrCreate(ctx context.Context, docID string, kind document.Kind) (*document.Document, error) {
	rec, err := c.adapter.GetDocument(ctx, docID)
	if err != nil {
		switch kind {
		case document.KindText:
			return document.NewText(docID, "server"), nil
		case document.KindCounter:
			return document.NewCounter(docID), nil
		case document.KindSet:
			return document.NewSet(docID), nil
		default:
			return document.NewLWW(docID), nil
		}
	}
	// A persisted record exists; its Kind governs reconstruction even
	// if the caller's hint differs (the server is the authority).
	switch document.Kind(rec.Kind) {
	case document.KindLWW:
		doc := document.NewLWW(docID)
		var fields map[string]persistedField
		if err := wire.Unmarshal(rec.Payload, &fields); err == nil {
			for field, pf := range fields {
				doc.Lww.Set(field, pf.Value, pf.Writer, pf.Clock)
			}
		}
		return doc, nil
	case document.KindCounter:
		doc := document.NewCounter(docID)
		var state struct {
			Incs map[string]uint64 `json:"incs"`
			Decs map[string]uint64 `json:"decs"`
		}
		if err := wire.Unmarshal(rec.Payload, &state); err == nil {
			doc.Counter.LoadState(state.Incs, state.Decs)
		}
		return doc, nil
	default:
		// Text and set documents are not rebuilt from the persisted
		// record: they start empty, and nothing replays their delta
		// history into them.
		if document.Kind(rec.Kind) == document.KindText {
			return document.NewText(docID, "server"), nil
		}
		return document.NewSet(docID), nil
	}
}

type persistedField struct {
	Value  interface{} `json:"value"`
	Clock  uint64      `json:"clock"`
	Writer string      `json:"writer"`
}

// KindForDocument resolves docID's CRDT kind so the transport layer
// can address any document kind over the wire instead of hardcoding
// document.KindLWW, per spec.md's dispatch-on-documentId-prefix-or-
// type-metadata convention: an already-active docActor's Kind is
// authoritative; failing that, the persisted record's Kind; failing
// that, a documentId prefix convention ("text:", "counter:", "set:"),
// defaulting to KindLWW for everything else.
func (c *Coordinator) KindForDocument(ctx context.Context, docID string) document.Kind {
	c.mu.Lock()
	actor, ok := c.docs[docID]
	c.mu.Unlock()
	if ok {
		actor.mu.Lock()
		kind := actor.doc.Kind
		actor.mu.Unlock()
		return kind
	}
	if rec, err := c.adapter.GetDocument(ctx, docID); err == nil {
		return document.Kind(rec.Kind)
	}
	switch {
	case strings.HasPrefix(docID, "text:"):
		return document.KindText
	case strings.HasPrefix(docID, "counter:"):
		return document.KindCounter
	case strings.HasPrefix(docID, "set:"):
		return document.KindSet
	default:
		return document.KindLWW
	}
}

// AuthGuard checks claims cover docID for write access. It mutates no
// state, per spec.md §4.11 step 1.
func (c *Coordinator) AuthGuard(claims *Claims, docID string) error {
	if !claims.Permissions.Allows(docID, claims.Permissions.CanWrite) {
		return errors.WithStack(ErrPermissionDenied)
	}
	return nil
}

// Subscribe registers conn as a subscriber of docID (an explicit
// SUBSCRIBE, or the auto-subscribe step of HandleDelta).
func (c *Coordinator) Subscribe(docID string, conn Conn) {
	c.registry.Subscribe(docID, conn)
}

// Unsubscribe removes conn from docID's subscriber set.
func (c *Coordinator) Unsubscribe(docID string, conn Conn) {
	c.registry.Unsubscribe(docID, conn.ID())
}

// Disconnect tears down every subscription conn held, drops its
// pending acks, and removes its awareness entry for every document it
// held a document subscription to, per spec.md §4.11's connection-close
// rule. Documents conn only subscribed to for awareness are not
// covered.
func (c *Coordinator) Disconnect(conn Conn, clientID string) {
	docIDs := c.registry.Disconnect(conn.ID())
	c.acks.DropConnection(conn.ID())
	for _, docID := range docIDs {
		if ev, ok := c.awareness.Remove(docID, clientID); ok {
			c.broadcastAwarenessTombstone(ev.Entry)
		}
	}
}

// HandleDelta runs the full spec.md §4.11 pipeline for one incoming
// DELTA: AuthGuard, auto-subscribe, persist+apply, authoritative
// delta construction, broadcast, ACK, and pub/sub publish.
func (c *Coordinator) HandleDelta(ctx context.Context, conn Conn, claims *Claims, kind document.Kind, delta wire.DeltaPayload) error {
	if err := c.AuthGuard(claims, delta.DocID); err != nil {
		return err
	}
	if !c.registry.IsSubscribed(delta.DocID, conn.ID()) {
		c.registry.Subscribe(delta.DocID, conn)
	}

	actor, err := c.actorFor(ctx, delta.DocID, kind)
	if err != nil {
		return err
	}

	actor.mu.Lock()
	resolvedFields, resolvedOp, logicalClock, err := c.applyDelta(actor, delta, claims.UserID)
	vc := actor.doc.VectorClock()
	kind := actor.doc.Kind
	actor.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.persistDelta(ctx, delta); err != nil {
		c.logger.Error("server: persist delta failed", "document", delta.DocID, "error", err)
	}
	actor.scheduler.RecordOp(ctx)

	var authoritative wire.DeltaPayload
	if kind == document.KindLWW {
		authoritative = wire.DeltaPayload{ID: delta.ID, DocID: delta.DocID, Delta: resolvedFields, VectorClock: vc}
		for field, value := range resolvedFields {
			actor.coalescer.Add(field, value, logicalClock, clock.ReplicaID(claims.UserID))
		}
	} else {
		// Fugue/Peritext/Counter/OR-Set ops are individually
		// commutative and idempotent by operation identity, unlike
		// LWW field writes, so each is broadcast immediately rather
		// than folded into the coalescing window.
		authoritative = wire.DeltaPayload{ID: delta.ID, DocID: delta.DocID, Op: resolvedOp, VectorClock: vc}
		c.broadcast(delta.DocID, authoritative, "")
	}
	c.acks.Track(delta.ID, conn.ID(), func() { c.resendAck(conn, delta.ID) })

	if payload, err := wire.Marshal(authoritative); err == nil {
		actor.scheduler.RecordSize(ctx, len(payload))
	}

	if c.pubsub != nil {
		c.pubsub.Publish(ctx, delta.DocID, authoritative)
	}
	return nil
}

// applyDelta applies an incoming delta to actor.doc using the
// appropriate CRDT rule for its Kind, and returns the resolved
// (authoritative) field values for LWW documents, or the operation to
// rebroadcast for every other kind — which may differ from what was
// submitted, per spec.md §4.11 step 4. Caller must hold actor.mu.
func (c *Coordinator) applyDelta(actor *docActor, delta wire.DeltaPayload, writer string) (map[string]interface{}, *wire.Operation, uint64, error) {
	doc := actor.doc
	switch doc.Kind {
	case document.KindLWW:
		resolved, logicalClock := c.applyLWWDelta(doc, delta, writer)
		return resolved, nil, logicalClock, nil
	case document.KindText:
		op, err := c.applyTextOp(actor, doc, delta, writer)
		return nil, op, 0, err
	case document.KindCounter:
		op, err := c.applyCounterOp(doc, delta, writer)
		return nil, op, 0, err
	case document.KindSet:
		op, err := c.applySetOp(doc, delta, writer)
		return nil, op, 0, err
	default:
		return nil, nil, 0, errors.WithStack(ErrUnknownDocumentKind)
	}
}

// applyLWWDelta applies delta.Delta's field mutations to an LWW
// document and returns the resolved values plus the logical clock
// they were written at, for the coalescer to fold forward.
func (c *Coordinator) applyLWWDelta(doc *document.Document, delta wire.DeltaPayload, writer string) (map[string]interface{}, uint64) {
	logicalClock := doc.Lww.VectorClock().Get(writer) + 1
	resolved := make(map[string]interface{}, len(delta.Delta))
	for field, value := range delta.Delta {
		if isTombstoneValue(value) {
			doc.Lww.Delete(field, writer, logicalClock)
		} else {
			doc.Lww.Set(field, value, writer, logicalClock)
		}
		current, ok := doc.Lww.Get(field)
		if !ok {
			resolved[field] = map[string]interface{}{"__deleted": true}
		} else {
			resolved[field] = current
		}
	}
	return resolved, logicalClock
}

// applyTextOp dispatches an InsertChar/DeleteChar op to the Fugue
// text CRDT or a Format/Unformat op to its Peritext layer.
func (c *Coordinator) applyTextOp(actor *docActor, doc *document.Document, delta wire.DeltaPayload, writer string) (*wire.Operation, error) {
	op := delta.Op
	if op == nil {
		return nil, errors.WithStack(ErrMissingOperation)
	}
	switch op.Kind {
	case wire.OpInsertChar:
		if op.CharID == nil {
			return nil, errors.New("server: insertChar missing charId")
		}
		runes := []rune(op.Value)
		if len(runes) == 0 {
			return nil, errors.New("server: insertChar missing value")
		}
		fop := fugue.Op{
			Kind:  fugue.OpInsert,
			ID:    charIDFromWire(*op.CharID),
			Left:  charIDFromWirePtr(op.Left),
			Right: charIDFromWirePtr(op.Right),
			Value: runes[0],
		}
		if err := doc.Text.ApplyRemote(fop); err != nil {
			return nil, err
		}
		return op, nil
	case wire.OpDeleteChar:
		if op.CharID == nil {
			return nil, errors.New("server: deleteChar missing charId")
		}
		fop := fugue.Op{Kind: fugue.OpDelete, ID: charIDFromWire(*op.CharID)}
		if err := doc.Text.ApplyRemote(fop); err != nil {
			return nil, err
		}
		return op, nil
	case wire.OpFormat, wire.OpUnformat:
		if op.Start == nil || op.End == nil {
			return nil, errors.New("server: format op missing anchors")
		}
		clk := actor.nextWriterClock(writer)
		span := peritext.FormatSpan{
			OpID:   op.OpID,
			Start:  peritext.Anchor{ID: charIDFromWire(*op.Start), Side: peritext.SideAfter},
			End:    peritext.Anchor{ID: charIDFromWire(*op.End), Side: peritext.SideBefore},
			Attrs:  op.Attrs,
			Remove: op.Kind == wire.OpUnformat,
			Clock:  clk,
			Writer: clock.ReplicaID(writer),
		}
		doc.Format.ApplyRemote(span)
		resolved := *op
		resolved.Clock = clk
		resolved.Writer = writer
		return &resolved, nil
	default:
		return nil, errors.WithStack(ErrUnknownDocumentKind)
	}
}

// applyCounterOp dispatches a CounterInc/CounterDec op to the
// PN-Counter.
func (c *Coordinator) applyCounterOp(doc *document.Document, delta wire.DeltaPayload, writer string) (*wire.Operation, error) {
	op := delta.Op
	if op == nil {
		return nil, errors.WithStack(ErrMissingOperation)
	}
	switch op.Kind {
	case wire.OpCounterInc:
		doc.Counter.Increment(writer, op.Amount)
	case wire.OpCounterDec:
		doc.Counter.Decrement(writer, op.Amount)
	default:
		return nil, errors.WithStack(ErrUnknownDocumentKind)
	}
	return op, nil
}

// applySetOp dispatches a SetAdd/SetRemove op to the OR-Set.
func (c *Coordinator) applySetOp(doc *document.Document, delta wire.DeltaPayload, writer string) (*wire.Operation, error) {
	op := delta.Op
	if op == nil {
		return nil, errors.WithStack(ErrMissingOperation)
	}
	switch op.Kind {
	case wire.OpSetAdd:
		doc.Set.Add(op.Element, op.Tag)
	case wire.OpSetRemove:
		doc.Set.Remove(op.Element)
	default:
		return nil, errors.WithStack(ErrUnknownDocumentKind)
	}
	return op, nil
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

func isTombstoneValue(v interface{}) bool {
	m, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	deleted, ok := m["__deleted"]
	return ok && deleted == true
}

func (c *Coordinator) persistDelta(ctx context.Context, delta wire.DeltaPayload) error {
	payload, err := wire.Marshal(delta)
	if err != nil {
		return err
	}
	id := delta.ID
	if id == "" {
		id = uuid.NewString()
	}
	return c.adapter.AppendDelta(ctx, &persistence.DeltaRecord{
		ID:         id,
		DocumentID: delta.DocID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
}

// applyPubSubDelta applies a delta received from another instance to
// this instance's local state and broadcasts it locally, but does
// NOT re-publish it (spec.md §4.11: pub/sub deltas are not
// re-published).
func (c *Coordinator) applyPubSubDelta(ctx context.Context, docID string, delta wire.DeltaPayload) {
	c.mu.Lock()
	actor, ok := c.docs[docID]
	c.mu.Unlock()
	if !ok {
		return
	}
	actor.mu.Lock()
	switch actor.doc.Kind {
	case document.KindLWW:
		for field, value := range delta.Delta {
			writer := "pubsub"
			clk := actor.doc.Lww.VectorClock().Get(writer) + 1
			if isTombstoneValue(value) {
				actor.doc.Lww.Delete(field, writer, clk)
			} else {
				actor.doc.Lww.Set(field, value, writer, clk)
			}
		}
	case document.KindText:
		if _, err := c.applyTextOp(actor, actor.doc, delta, "pubsub"); err != nil {
			c.logger.Warn("server: pubsub text op failed", "document", docID, "error", err)
		}
	case document.KindCounter:
		if _, err := c.applyCounterOp(actor.doc, delta, "pubsub"); err != nil {
			c.logger.Warn("server: pubsub counter op failed", "document", docID, "error", err)
		}
	case document.KindSet:
		if _, err := c.applySetOp(actor.doc, delta, "pubsub"); err != nil {
			c.logger.Warn("server: pubsub set op failed", "document", docID, "error", err)
		}
	}
	actor.mu.Unlock()
	c.broadcast(docID, delta, "")
}

func (c *Coordinator) broadcast(docID string, delta wire.DeltaPayload, excludeConnID string) {
	payload, err := wire.Marshal(delta)
	if err != nil {
		c.logger.Error("server: marshal broadcast failed", "document", docID, "error", err)
		return
	}
	frame := wire.Encode(wire.Frame{Type: wire.TypeDelta, Timestamp: time.Now(), Payload: payload})
	for _, conn := range c.registry.Subscribers(docID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Send(frame); err != nil {
			c.logger.Warn("server: broadcast send failed", "connection", conn.ID(), "error", err)
		}
	}
}

func (c *Coordinator) broadcastCoalesced(ctx context.Context, docID string, fields map[string]interface{}) {
	c.broadcast(docID, wire.DeltaPayload{DocID: docID, Delta: fields}, "")
}

func (c *Coordinator) resendAck(conn Conn, messageID string) {
	payload, _ := wire.Marshal(wire.AckPayload{MessageID: messageID})
	frame := wire.Encode(wire.Frame{Type: wire.TypeAck, Timestamp: time.Now(), Payload: payload})
	_ = conn.Send(frame)
}

// Ack clears the tracked PendingAck for messageID.
func (c *Coordinator) Ack(messageID string) {
	c.acks.Ack(messageID)
}

// SyncResponse builds the SYNC_RESPONSE payload for docID's current
// authoritative state.
func (c *Coordinator) SyncResponse(ctx context.Context, docID string, kind document.Kind) (wire.SyncResponsePayload, error) {
	actor, err := c.actorFor(ctx, docID, kind)
	if err != nil {
		return wire.SyncResponsePayload{}, err
	}
	actor.mu.Lock()
	defer actor.mu.Unlock()
	return wire.SyncResponsePayload{
		DocID:       docID,
		State:       actor.doc.State(),
		VectorClock: actor.doc.VectorClock(),
	}, nil
}
