package server

import (
	"github.com/synckit/core/document"
	"github.com/synckit/core/wire"
)

// docSnapshotSource adapts a docActor to snapshot.Source so the
// Scheduler can serialize its current state without reaching into
// server internals, per spec.md §4.12.
type docSnapshotSource struct {
	docID string
	actor *docActor
}

func (s *docSnapshotSource) DocumentID() string { return s.docID }

// SerializeState renders actor.doc's current state per its Kind.
// LWW serializes full Registers (value, clock, writer) so a restored
// snapshot keeps its precedence history; Text and Set serialize their
// rendered State(), which loadOrCreate does not rebuild those kinds
// from.
func (s *docSnapshotSource) SerializeState() ([]byte, map[string]uint64, error) {
	s.actor.mu.Lock()
	defer s.actor.mu.Unlock()

	doc := s.actor.doc
	vc := doc.VectorClock()

	var payload []byte
	var err error
	switch doc.Kind {
	case document.KindLWW:
		fields := make(map[string]persistedField, 0)
		for field, reg := range doc.Lww.Registers() {
			fields[field] = persistedField{Value: reg.Value, Clock: reg.Clock, Writer: reg.Writer}
		}
		payload, err = wire.Marshal(fields)
	case document.KindCounter:
		incs, decs := doc.Counter.State()
		payload, err = wire.Marshal(struct {
			Incs map[string]uint64 `json:"incs"`
			Decs map[string]uint64 `json:"decs"`
		}{Incs: incs, Decs: decs})
	default:
		payload, err = wire.Marshal(doc.State())
	}
	if err != nil {
		return nil, nil, err
	}
	return payload, vc, nil
}
