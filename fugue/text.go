// Package fugue implements the Fugue sequence CRDT: a character-identifier
// sequence whose total order is a deterministic function of node
// identifiers and origins alone, independent of arrival order. It
// generalizes the teacher's single-predecessor RGA (crdt.RGA) to an
// origin-pair model, which is what makes split-to-match well defined
// for concurrent inserts sharing a boundary (see spec.md §4.3, §9 O1).
package fugue

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/core/clock"
)

// CharacterID uniquely and permanently identifies one character
// position. The zero value is reserved to mean "document boundary"
// (start when used as a left origin, end when used as a right origin)
// since real ids always have Counter >= 1.
type CharacterID struct {
	Counter uint64
	Replica clock.ReplicaID
}

func (id CharacterID) isBoundary() bool {
	return id.Counter == 0 && id.Replica == ""
}

// idLess implements the tie-break the spec pins down for nodes that
// share both origins: replicaId ascending, then counter ascending.
func idLess(a, b CharacterID) bool {
	if a.Replica != b.Replica {
		return a.Replica < b.Replica
	}
	return a.Counter < b.Counter
}

type node struct {
	ID      CharacterID
	Left    CharacterID
	Right   CharacterID
	Value   rune
	Deleted bool
}

// OpKind distinguishes the two operations Fugue emits.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is a single InsertChar or DeleteChar operation, the unit
// broadcast to remote replicas and passed to ApplyRemote.
type Op struct {
	Kind  OpKind
	ID    CharacterID
	Left  CharacterID
	Right CharacterID
	Value rune
}

// Subscriber receives a batch of ops emitted atomically — either a
// single local edit or everything between BeginBatch/EndBatch.
type Subscriber func(ops []Op)

// ErrUnknownCharacter is returned when an operation or anchor refers
// to a CharacterID this replica has never observed.
var ErrUnknownCharacter = errors.New("fugue: unknown character id")

// Text is a single collaborative text document.
type Text struct {
	mu      sync.RWMutex
	replica clock.ReplicaID
	counter uint64

	order []node
	index map[CharacterID]int

	batchDepth int
	pendingOps []Op

	subscribers []Subscriber
}

// New returns an empty Fugue text document owned by the given replica.
func New(replica clock.ReplicaID) *Text {
	return &Text{
		replica: replica,
		index:   make(map[CharacterID]int),
	}
}

// Subscribe registers fn to be called with every batch of ops applied
// locally (Insert, Delete) or flushed at the end of a batch.
func (t *Text) Subscribe(fn Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// BeginBatch defers emission of subsequent local ops until EndBatch,
// so a textual edit translated into (delete-range, insert) is observed
// atomically by remote sites.
func (t *Text) BeginBatch() {
	t.mu.Lock()
	t.batchDepth++
	t.mu.Unlock()
}

// EndBatch closes the most recent BeginBatch. When that brings the
// batch depth back to zero, it flushes the ops accumulated since the
// outermost BeginBatch to subscribers in one call.
func (t *Text) EndBatch() {
	t.mu.Lock()
	if t.batchDepth > 0 {
		t.batchDepth--
	}
	var flush []Op
	if t.batchDepth == 0 && len(t.pendingOps) > 0 {
		flush = t.pendingOps
		t.pendingOps = nil
	}
	t.mu.Unlock()
	if flush != nil {
		t.notify(flush)
	}
}

func (t *Text) notify(ops []Op) {
	t.mu.RLock()
	subs := make([]Subscriber, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.RUnlock()
	for _, fn := range subs {
		fn(ops)
	}
}

// emit must be called without the lock held.
func (t *Text) emit(ops []Op) {
	if len(ops) == 0 {
		return
	}
	t.mu.Lock()
	if t.batchDepth > 0 {
		t.pendingOps = append(t.pendingOps, ops...)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.notify(ops)
}

func (t *Text) nextCounter() uint64 {
	t.counter++
	return t.counter
}

// neighborsAtLocked returns the CharacterIDs immediately to the left
// and right of the pos-th visible character (0 == document start).
// Caller must hold t.mu.
func (t *Text) neighborsAtLocked(pos int) (left, right CharacterID) {
	count := 0
	for _, n := range t.order {
		if n.Deleted {
			continue
		}
		if count == pos {
			return left, n.ID
		}
		left = n.ID
		count++
	}
	return left, CharacterID{}
}

// Insert emits one InsertChar op per codepoint of s, each anchored to
// the visible neighbors at the instant of its insertion, and applies
// them to this replica's own state. Returns the ops to broadcast.
func (t *Text) Insert(pos int, s string) []Op {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(runes))
	t.mu.Lock()
	for i, r := range runes {
		left, right := t.neighborsAtLocked(pos + i)
		id := CharacterID{Replica: t.replica, Counter: t.nextCounter()}
		n := node{ID: id, Left: left, Right: right, Value: r}
		t.integrateLocked(n)
		ops = append(ops, Op{Kind: OpInsert, ID: id, Left: left, Right: right, Value: r})
	}
	t.mu.Unlock()
	t.emit(ops)
	return ops
}

// Delete emits one DeleteChar op per visible character in
// [pos, pos+length) and tombstones them locally.
func (t *Text) Delete(pos, length int) []Op {
	if length <= 0 {
		return nil
	}
	t.mu.Lock()
	var ids []CharacterID
	count := 0
	for i := range t.order {
		if t.order[i].Deleted {
			continue
		}
		if count >= pos && count < pos+length {
			ids = append(ids, t.order[i].ID)
		}
		count++
	}
	ops := make([]Op, 0, len(ids))
	for _, id := range ids {
		idx := t.index[id]
		t.order[idx].Deleted = true
		ops = append(ops, Op{Kind: OpDelete, ID: id})
	}
	t.mu.Unlock()
	t.emit(ops)
	return ops
}

// ApplyRemote integrates a remote op under the total order. Duplicate
// applies (by CharacterID) are no-ops.
func (t *Text) ApplyRemote(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Kind {
	case OpInsert:
		if _, exists := t.index[op.ID]; exists {
			return nil
		}
		if !op.Left.isBoundary() {
			if _, ok := t.index[op.Left]; !ok {
				return errors.WithStack(ErrUnknownCharacter)
			}
		}
		if !op.Right.isBoundary() {
			if _, ok := t.index[op.Right]; !ok {
				return errors.WithStack(ErrUnknownCharacter)
			}
		}
		n := node{ID: op.ID, Left: op.Left, Right: op.Right, Value: op.Value}
		t.integrateLocked(n)
		return nil
	case OpDelete:
		idx, ok := t.index[op.ID]
		if !ok {
			return errors.WithStack(ErrUnknownCharacter)
		}
		t.order[idx].Deleted = true
		return nil
	default:
		return errors.New("fugue: unknown op kind")
	}
}

// resolveLocked maps a CharacterID to its position in t.order, using
// -1 for the start boundary and len(t.order) for the end boundary.
// Caller must hold t.mu.
func (t *Text) resolveLocked(id CharacterID) int {
	if id.isBoundary() {
		return -1
	}
	idx, ok := t.index[id]
	if !ok {
		return len(t.order)
	}
	return idx
}

// resolveRightLocked is like resolveLocked but boundary resolves to
// len(t.order) (used for the right edge of a scan range).
func (t *Text) resolveRightLocked(id CharacterID) int {
	if id.isBoundary() {
		return len(t.order)
	}
	idx, ok := t.index[id]
	if !ok {
		return len(t.order)
	}
	return idx
}

// integrateLocked finds the unique, deterministic insertion point for
// n under the split-to-match total order and splices it into t.order,
// updating the index map. This is a YATA-style conflict scan: nodes
// sharing n's exact origin pair are ordered by idLess; nodes whose
// origin nests inside n's range are treated as already-placed and
// skipped over (the "split" half of split-to-match); nodes whose
// origin starts strictly before n's left origin end the scan.
// Caller must hold t.mu.
func (t *Text) integrateLocked(n node) {
	left := t.resolveLocked(n.Left)
	right := t.resolveRightLocked(n.Right)

	i := left + 1
	dest := i
	for i < right && i < len(t.order) {
		other := t.order[i]
		oLeft := t.resolveLocked(other.Left)
		oRight := t.resolveRightLocked(other.Right)

		switch {
		case oLeft < left:
			i = right // stop: other belongs to an earlier region
			continue
		case oLeft == left && oRight == right:
			if idLess(n.ID, other.ID) {
				i = right // n sorts before other; stop here
				continue
			}
			dest = i + 1
		default:
			// other's origin is nested inside [left,right): it was
			// split from within our range and precedes n.
			dest = i + 1
		}
		i++
	}

	t.order = append(t.order, node{})
	copy(t.order[dest+1:], t.order[dest:])
	t.order[dest] = n
	for id, idx := range t.index {
		if idx >= dest {
			t.index[id] = idx + 1
		}
	}
	t.index[n.ID] = dest
}

// String renders the visible (non-tombstoned) text in total order.
func (t *Text) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	runes := make([]rune, 0, len(t.order))
	for _, n := range t.order {
		if !n.Deleted {
			runes = append(runes, n.Value)
		}
	}
	return string(runes)
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, node := range t.order {
		if !node.Deleted {
			n++
		}
	}
	return n
}

// IndexOfCharacterID returns the visible-character index of id, or -1
// if id is unknown or tombstoned.
func (t *Text) IndexOfCharacterID(id CharacterID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[id]
	if !ok || t.order[idx].Deleted {
		return -1
	}
	visible := 0
	for i := 0; i < idx; i++ {
		if !t.order[i].Deleted {
			visible++
		}
	}
	return visible
}

// CharacterIDAtIndex returns the CharacterID of the i-th visible
// character, used for anchor resolution by the Peritext layer.
func (t *Text) CharacterIDAtIndex(i int) (CharacterID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, n := range t.order {
		if n.Deleted {
			continue
		}
		if count == i {
			return n.ID, nil
		}
		count++
	}
	return CharacterID{}, errors.WithStack(ErrUnknownCharacter)
}

// Known reports whether id has ever been observed by this replica,
// tombstoned or not — used by Peritext to validate span anchors.
func (t *Text) Known(id CharacterID) bool {
	if id.isBoundary() {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

// ResolveAnchor maps id to the nearest surviving visible-character
// index, used by the Peritext layer to resolve format-span anchors
// after the character they were anchored to may have been deleted.
// When after is true it scans forward (the anchor's "binds to the
// character after the gap to its left" rule); otherwise it scans
// backward ("binds to the character before the gap to its right").
// Returns -1 if no such character exists in that direction.
func (t *Text) ResolveAnchor(id CharacterID, after bool) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.index[id]
	if !ok {
		return -1
	}
	if after {
		for i := idx; i < len(t.order); i++ {
			if !t.order[i].Deleted {
				return t.visibleIndexAtOrderPosLocked(i)
			}
		}
		return -1
	}
	for i := idx; i >= 0; i-- {
		if !t.order[i].Deleted {
			return t.visibleIndexAtOrderPosLocked(i)
		}
	}
	return -1
}

// visibleIndexAtOrderPosLocked assumes t.order[pos] is visible and
// returns its 0-based index among visible characters.
func (t *Text) visibleIndexAtOrderPosLocked(pos int) int {
	count := 0
	for i := 0; i < pos; i++ {
		if !t.order[i].Deleted {
			count++
		}
	}
	return count
}
