// Package peritext implements the rich-text formatting layer anchored
// to Fugue character identifiers (spec.md §4.4), so concurrent
// insert/format operations converge regardless of delivery order.
package peritext

import (
	"github.com/synckit/core/clock"
	"github.com/synckit/core/fugue"
)

// AnchorSide selects which side of a character gap an anchor binds to.
type AnchorSide int

const (
	// SideAfter binds to the character after the gap to its left —
	// used for a span's start anchor.
	SideAfter AnchorSide = iota
	// SideBefore binds to the character before the gap to its right —
	// used for a span's end anchor.
	SideBefore
)

// Anchor pins a span boundary to a Fugue character id.
type Anchor struct {
	ID   fugue.CharacterID
	Side AnchorSide
}

// FormatSpan is a format or unformat operation anchored to character
// ids instead of indices, so it survives renumbering from concurrent
// inserts/deletes elsewhere in the document.
type FormatSpan struct {
	OpID   string
	Start  Anchor
	End    Anchor
	Attrs  map[string]interface{}
	Remove bool // true for Unformat: Attrs' keys name removed attributes
	Clock  uint64
	Writer clock.ReplicaID
}

func greaterPrecedence(clockA uint64, writerA clock.ReplicaID, clockB uint64, writerB clock.ReplicaID) bool {
	if clockA != clockB {
		return clockA > clockB
	}
	return writerA > writerB
}

// Layer wraps a fugue.Text with a set of format spans.
type Layer struct {
	text  *fugue.Text
	spans []FormatSpan
}

// New wraps text with an empty set of format spans.
func New(text *fugue.Text) *Layer {
	return &Layer{text: text}
}

// Format anchors a new span covering the visible range [start, end)
// that sets attrs, and returns it for broadcast.
func (l *Layer) Format(start, end int, attrs map[string]interface{}, writer clock.ReplicaID, logicalClock uint64, opID string) (FormatSpan, error) {
	return l.newSpan(start, end, attrs, false, writer, logicalClock, opID)
}

// Unformat anchors a new span covering [start, end) that removes the
// named attributes (the values in attrs are ignored; only keys name
// the attributes to clear).
func (l *Layer) Unformat(start, end int, attrs map[string]interface{}, writer clock.ReplicaID, logicalClock uint64, opID string) (FormatSpan, error) {
	return l.newSpan(start, end, attrs, true, writer, logicalClock, opID)
}

func (l *Layer) newSpan(start, end int, attrs map[string]interface{}, remove bool, writer clock.ReplicaID, logicalClock uint64, opID string) (FormatSpan, error) {
	startID, err := l.text.CharacterIDAtIndex(start)
	if err != nil {
		return FormatSpan{}, err
	}
	endID, err := l.text.CharacterIDAtIndex(end - 1)
	if err != nil {
		return FormatSpan{}, err
	}
	span := FormatSpan{
		OpID:   opID,
		Start:  Anchor{ID: startID, Side: SideAfter},
		End:    Anchor{ID: endID, Side: SideBefore},
		Attrs:  attrs,
		Remove: remove,
		Clock:  logicalClock,
		Writer: writer,
	}
	l.ApplyRemote(span)
	return span, nil
}

// ApplyRemote integrates a span from any replica (local or remote);
// spans are append-only so this is always idempotent by OpID.
func (l *Layer) ApplyRemote(span FormatSpan) {
	for _, existing := range l.spans {
		if existing.OpID != "" && existing.OpID == span.OpID {
			return
		}
	}
	l.spans = append(l.spans, span)
}

type attrWinner struct {
	clock  uint64
	writer clock.ReplicaID
	remove bool
	value  interface{}
}

// GetFormats returns the attribute set active at visible index i,
// resolved by, for each attribute name, keeping the value from the
// covering span with the lexicographically greatest (clock, writer).
func (l *Layer) GetFormats(i int) map[string]interface{} {
	best := make(map[string]attrWinner)
	for _, span := range l.spans {
		startIdx := l.text.ResolveAnchor(span.Start.ID, true)
		endIdx := l.text.ResolveAnchor(span.End.ID, false)
		if startIdx < 0 || endIdx < 0 || i < startIdx || i > endIdx {
			continue
		}
		for attr, val := range span.Attrs {
			cur, ok := best[attr]
			if !ok || greaterPrecedence(span.Clock, span.Writer, cur.clock, cur.writer) {
				best[attr] = attrWinner{clock: span.Clock, writer: span.Writer, remove: span.Remove, value: val}
			}
		}
	}
	out := make(map[string]interface{}, len(best))
	for attr, w := range best {
		if w.remove {
			continue
		}
		out[attr] = w.value
	}
	return out
}

// Range is one maximal run of characters sharing the exact same
// resolved attribute set.
type Range struct {
	Text  string
	Attrs map[string]interface{}
}

func attrsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valueEqual(v, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return a == b
	}
}

// GetRanges flattens the document into an ordered list of (text,
// attrs) runs, where consecutive ranges never share the exact same
// attribute set.
func (l *Layer) GetRanges() []Range {
	runes := []rune(l.text.String())
	var ranges []Range
	var curText []rune
	var curAttrs map[string]interface{}
	started := false

	flush := func() {
		if !started {
			return
		}
		ranges = append(ranges, Range{Text: string(curText), Attrs: curAttrs})
		curText = nil
	}

	for i, ch := range runes {
		attrs := l.GetFormats(i)
		if !started || !attrsEqual(attrs, curAttrs) {
			flush()
			curAttrs = attrs
			started = true
		}
		curText = append(curText, ch)
	}
	flush()
	return ranges
}
