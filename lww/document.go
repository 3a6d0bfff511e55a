// Package lww implements a keyed collection of last-write-wins
// registers over arbitrary JSON values, with tombstones, generalized
// from the teacher's single-field LWWRegister[T].
package lww

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/synckit/core/clock"
)

// FieldPath is an opaque dotted path inside the document; the LWW
// layer treats it as a plain string key.
type FieldPath = string

// Tombstone is the sentinel value distinguishable from any user value.
// On the wire it serializes as {"__deleted": true}; see wire.IsTombstone.
type Tombstone struct{}

// MalformedOperation is returned when a remote op's field path or
// value cannot be accepted without mutating state.
var MalformedOperation = errors.New("lww: malformed operation")

// Register is a single last-write-wins cell: a value (or Tombstone),
// tagged with the logical clock and writer that produced it. Ordering
// across replicas is lexicographic over (Clock, Writer) and identical
// everywhere.
type Register struct {
	Value  interface{}
	Clock  uint64
	Writer clock.ReplicaID
}

func (r Register) isTombstone() bool {
	_, ok := r.Value.(Tombstone)
	return ok
}

// precedes reports whether r's (Clock, Writer) pair is strictly less
// than other's.
func (r Register) precedes(other Register) bool {
	if r.Clock != other.Clock {
		return r.Clock < other.Clock
	}
	return r.Writer < other.Writer
}

// Document is a mapping FieldPath -> Register plus the document's
// vector clock. The zero value is not usable; use New.
type Document struct {
	mu     sync.RWMutex
	fields map[FieldPath]Register
	vc     clock.Vector
}

// New returns an empty LWW document.
func New() *Document {
	return &Document{
		fields: make(map[FieldPath]Register),
		vc:     clock.New(),
	}
}

// Set installs a register for field if (logicalClock, writer) strictly
// exceeds whatever is already there; otherwise it is a silent no-op,
// which is the convergence guarantee rather than an error.
func (d *Document) Set(field FieldPath, value interface{}, writer clock.ReplicaID, logicalClock uint64) {
	d.apply(field, Register{Value: value, Clock: logicalClock, Writer: writer})
}

// Delete installs a tombstone register for field under the same
// ordering rule as Set.
func (d *Document) Delete(field FieldPath, writer clock.ReplicaID, logicalClock uint64) {
	d.apply(field, Register{Value: Tombstone{}, Clock: logicalClock, Writer: writer})
}

func (d *Document) apply(field FieldPath, candidate Register) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.fields[field]
	if ok && !current.precedes(candidate) {
		return false
	}
	d.fields[field] = candidate
	if candidate.Clock > d.vc[candidate.Writer] {
		d.vc[candidate.Writer] = candidate.Clock
	}
	return true
}

// Get returns the current value for field, or (nil, false) if the
// field is absent or tombstoned.
func (d *Document) Get(field FieldPath) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.fields[field]
	if !ok || r.isTombstone() {
		return nil, false
	}
	return r.Value, true
}

// VectorClock returns a copy of the document's causal clock.
func (d *Document) VectorClock() clock.Vector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vc.Clone()
}

// State returns the rendered, non-tombstoned view of the document.
func (d *Document) State() map[FieldPath]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[FieldPath]interface{}, len(d.fields))
	for field, r := range d.fields {
		if r.isTombstone() {
			continue
		}
		out[field] = r.Value
	}
	return out
}

// Registers returns a clone of every field's full Register (value,
// clock, writer — tombstoned or not), used to persist a snapshot that
// can rehydrate a document with its precedence state intact rather
// than just its rendered values.
func (d *Document) Registers() map[FieldPath]Register {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[FieldPath]Register, len(d.fields))
	for field, r := range d.fields {
		out[field] = r
	}
	return out
}

// Fields returns the sorted set of field paths that currently have any
// register, tombstoned or not (used by the server to compute the
// authoritative delta for every field an incoming delta touched).
func (d *Document) Fields() []FieldPath {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]FieldPath, 0, len(d.fields))
	for f := range d.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Merge folds other's registers into d: for every field in the union,
// the register with the lexicographically greater (Clock, Writer) is
// kept. Merge is commutative and idempotent.
func (d *Document) Merge(other *Document) {
	other.mu.RLock()
	snapshot := make(map[FieldPath]Register, len(other.fields))
	for k, v := range other.fields {
		snapshot[k] = v
	}
	otherVC := other.vc.Clone()
	other.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for field, candidate := range snapshot {
		current, ok := d.fields[field]
		if !ok || current.precedes(candidate) {
			d.fields[field] = candidate
		}
	}
	d.vc.Merge(otherVC)
}

// RemoteOp is a single field mutation arriving from another replica,
// either a Set (Value non-nil, Delete false) or a Delete.
type RemoteOp struct {
	Field        FieldPath
	Value        interface{}
	Delete       bool
	Writer       clock.ReplicaID
	LogicalClock uint64
	SenderClock  clock.Vector
}

// ApplyRemote rejects an op with an empty field as MalformedOperation,
// then applies the Set/Delete under the LWW rule (a write whose
// (clock, writer) pair is lower than the register's is ignored) and
// folds the sender's vector clock in via pointwise max. It does not
// compare op's writer clock against the document clock.
func (d *Document) ApplyRemote(op RemoteOp) error {
	if op.Field == "" {
		return errors.WithStack(MalformedOperation)
	}
	if op.Delete {
		d.Delete(op.Field, op.Writer, op.LogicalClock)
	} else {
		d.Set(op.Field, op.Value, op.Writer, op.LogicalClock)
	}
	if op.SenderClock != nil {
		d.mu.Lock()
		d.vc.Merge(op.SenderClock)
		d.mu.Unlock()
	}
	return nil
}
