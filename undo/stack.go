// Package undo implements the per-document undo/redo stack of
// spec.md §4.14: merge-window coalescing and a bounded size. Stack
// does no cross-tab propagation itself; Snapshot and ApplyRemoteState
// let a caller copy its state between tabs. No teacher or pack
// precedent models undo specifically; this is new code kept in the
// same mutex-guarded-struct idiom as the rest of the repo.
package undo

import (
	"sync"
	"time"
)

// Op is one undoable operation.
type Op struct {
	Type      string
	UserID    string
	Payload   interface{} // scalar payloads concatenate on merge; non-scalar keeps the later one
	Timestamp time.Time
}

func (o Op) sameGroup(other Op, mergeWindow time.Duration) bool {
	return o.Type == other.Type &&
		o.UserID == other.UserID &&
		other.Timestamp.Sub(o.Timestamp) <= mergeWindow
}

// scalar reports whether v is a type this package knows how to
// concatenate for merge purposes.
func scalar(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Stack holds one document's undo history plus its redo stack.
type Stack struct {
	mu          sync.Mutex
	maxSize     int
	mergeWindow time.Duration
	undoStack   []Op
	redoStack   []Op
}

// New returns an empty Stack bounded to maxSize entries, coalescing
// same-type same-user ops arriving within mergeWindow of each other.
func New(maxSize int, mergeWindow time.Duration) *Stack {
	return &Stack{maxSize: maxSize, mergeWindow: mergeWindow}
}

// Add pushes op onto the undo stack, merging with the top entry if it
// qualifies (sameType, sameUserId, withinMergeWindow), and discards
// the redo stack — any new add invalidates previously undone history.
func (s *Stack) Add(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redoStack = nil

	if n := len(s.undoStack); n > 0 {
		top := s.undoStack[n-1]
		if top.sameGroup(op, s.mergeWindow) {
			s.undoStack[n-1] = mergeOps(top, op)
			return
		}
	}

	s.undoStack = append(s.undoStack, op)
	if s.maxSize > 0 && len(s.undoStack) > s.maxSize {
		s.undoStack = s.undoStack[len(s.undoStack)-s.maxSize:]
	}
}

// mergeOps concatenates scalar string payloads (the common case: a
// run of keystrokes in a text document); for any other payload shape
// it keeps the later, non-scalar op's payload, per spec.md §4.14.
func mergeOps(top, next Op) Op {
	if topStr, ok1 := scalar(top.Payload); ok1 {
		if nextStr, ok2 := scalar(next.Payload); ok2 {
			return Op{Type: top.Type, UserID: top.UserID, Payload: topStr + nextStr, Timestamp: next.Timestamp}
		}
	}
	return Op{Type: top.Type, UserID: top.UserID, Payload: next.Payload, Timestamp: next.Timestamp}
}

// Undo pops the most recent op off the undo stack onto the redo
// stack and returns it for the caller to invert and apply.
func (s *Stack) Undo() (Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.undoStack)
	if n == 0 {
		return Op{}, false
	}
	op := s.undoStack[n-1]
	s.undoStack = s.undoStack[:n-1]
	s.redoStack = append(s.redoStack, op)
	return op, true
}

// Redo pops the most recently undone op back onto the undo stack and
// returns it for the caller to re-apply.
func (s *Stack) Redo() (Op, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.redoStack)
	if n == 0 {
		return Op{}, false
	}
	op := s.redoStack[n-1]
	s.redoStack = s.redoStack[:n-1]
	s.undoStack = append(s.undoStack, op)
	return op, true
}

// ApplyRemoteState replaces this stack's contents wholesale; the
// caller (the leader tab only, per spec.md §4.14) is responsible for
// gating this to leadership via crosstab.Coordinator.Role.
func (s *Stack) ApplyRemoteState(undoOps, redoOps []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undoStack = append([]Op(nil), undoOps...)
	s.redoStack = append([]Op(nil), redoOps...)
}

// Snapshot returns copies of both stacks, for a caller that propagates
// this tab's state to followers.
func (s *Stack) Snapshot() (undoOps, redoOps []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	undoOps = append([]Op(nil), s.undoStack...)
	redoOps = append([]Op(nil), s.redoStack...)
	return undoOps, redoOps
}

// Len returns the current undo stack depth.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undoStack)
}
