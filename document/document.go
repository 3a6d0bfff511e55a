// Package document implements the tagged-variant CRDT document that
// the server coordinator and client runtime both operate on: every
// document is exactly one of an LWW register map, a Fugue+Peritext
// text document, a PN-Counter, or an OR-Set, generalized from the
// teacher's single-kind RGA-per-document model (spec.md §9 calls for
// the tagged union; the other_examples CRDT interface
// (Update/Merge/State/Clone/Serialize/Deserialize) is the grounding
// shape for the common surface every kind exposes).
package document

import (
	"github.com/pkg/errors"

	"github.com/synckit/core/clock"
	"github.com/synckit/core/counter"
	"github.com/synckit/core/fugue"
	"github.com/synckit/core/lww"
	"github.com/synckit/core/orset"
	"github.com/synckit/core/peritext"
)

// Kind tags which CRDT variant a Document wraps.
type Kind string

const (
	KindLWW     Kind = "lww"
	KindText    Kind = "text"
	KindCounter Kind = "counter"
	KindSet     Kind = "set"
)

// ErrWrongKind is returned when an operation addresses a Document
// whose Kind does not match what the operation requires.
var ErrWrongKind = errors.New("document: operation does not match document kind")

// Document is the tagged union every server/client operation
// ultimately dispatches against; exactly one of the Lww/Text/Counter/Set
// fields is populated, matching Kind.
type Document struct {
	ID      string
	Kind    Kind
	Lww     *lww.Document
	Text    *fugue.Text
	Format  *peritext.Layer // nil unless Kind == KindText
	Counter *counter.Counter
	Set     *orset.Set[string]
}

// NewLWW constructs an empty LWW-kind document.
func NewLWW(id string) *Document {
	return &Document{ID: id, Kind: KindLWW, Lww: lww.New()}
}

// NewText constructs an empty text-kind document with its Peritext
// formatting layer attached.
func NewText(id string, replica clock.ReplicaID) *Document {
	text := fugue.New(replica)
	return &Document{ID: id, Kind: KindText, Text: text, Format: peritext.New(text)}
}

// NewCounter constructs an empty PN-Counter-kind document.
func NewCounter(id string) *Document {
	return &Document{ID: id, Kind: KindCounter, Counter: counter.New()}
}

// NewSet constructs an empty OR-Set-kind document over string elements.
func NewSet(id string) *Document {
	return &Document{ID: id, Kind: KindSet, Set: orset.New[string]()}
}

// VectorClock returns the document's causal clock. Only LWW documents
// track one; for text, counter and set documents this returns an
// empty clock.
func (d *Document) VectorClock() clock.Vector {
	if d.Kind == KindLWW {
		return d.Lww.VectorClock()
	}
	return clock.New()
}

// State renders the document's current value for a SYNC_RESPONSE,
// shaped per kind so the client can reconstruct local state.
func (d *Document) State() map[string]interface{} {
	switch d.Kind {
	case KindLWW:
		return d.Lww.State()
	case KindText:
		return map[string]interface{}{
			"text":   d.Text.String(),
			"ranges": d.Format.GetRanges(),
		}
	case KindCounter:
		return map[string]interface{}{"value": d.Counter.Value()}
	case KindSet:
		return map[string]interface{}{"values": d.Set.Values()}
	default:
		return nil
	}
}
