// Package offlinequeue implements the client's FIFO of
// not-yet-acknowledged operations (spec.md §4.7), generalized from the
// teacher's mutex-guarded session/document bookkeeping into an
// ordered in-memory structure with bounded size and backoff-driven
// redelivery. The queue itself writes nothing to storage;
// Snapshot/Restore let a caller persist and rehydrate it.
package offlinequeue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

// Entry is one operation awaiting delivery to the server.
type Entry struct {
	ID         string
	DocumentID string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Attempts   int
}

// persistedState is what Queue persists so it can rehydrate across a
// process restart; see Queue.Snapshot/Restore.
type persistedState struct {
	Entries   []Entry
	DroppedAt uint64
}

// ErrClosed is returned by operations on a Queue after Close.
var ErrClosed = errors.New("offlinequeue: closed")

// Queue is a bounded, ordered FIFO of Entry. On overflow the oldest
// entry is dropped and DroppedAt advances, which the caller must
// treat as "force a fresh SYNC_REQUEST on next connect" per spec.md
// §4.7 invariant 3.
type Queue struct {
	mu        sync.Mutex
	maxSize   int
	entries   []Entry
	droppedAt uint64
	closed    bool
}

// New returns a Queue that holds at most maxSize entries.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue appends entry to the tail. If the queue is already at
// maxSize, the oldest entry is dropped first and DroppedAt advances.
func (q *Queue) Enqueue(entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
		q.droppedAt++
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Peek returns the oldest entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Ack removes the entry with the given id, wherever it sits in the
// queue (an ACK can arrive out of order relative to later enqueues
// during a batched drain).
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// MarkAttempt increments the retry counter for id, used by the
// redelivery loop before each resend.
func (q *Queue) MarkAttempt(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Attempts++
			return
		}
	}
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DroppedAt returns the monotonically increasing overflow marker; a
// value greater than what the client last observed means a full
// SYNC_REQUEST is required before trusting incremental replay.
func (q *Queue) DroppedAt() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedAt
}

// Snapshot returns every queued entry in FIFO order, for durable
// persistence via a persistence.Adapter or local storage.
func (q *Queue) Snapshot() persistedState {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return persistedState{Entries: out, DroppedAt: q.droppedAt}
}

// Restore replaces the queue's contents with a previously captured
// Snapshot, used to rehydrate after a process restart.
func (q *Queue) Restore(state persistedState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry(nil), state.Entries...)
	q.droppedAt = state.DroppedAt
}

// Close marks the queue closed; further Enqueue calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Sender delivers one entry to the server and returns nil once the
// server has accepted it (not necessarily ACKed — redelivery is keyed
// on ACK arriving separately via Ack).
type Sender func(ctx context.Context, entry Entry) error

// Drain sends the head entry via send, retrying with exponential
// backoff (bounded by maxElapsed) until send succeeds or ctx is
// cancelled. It moves on to the next entry only if the head was
// already removed via Ack by the time send returned; otherwise it
// returns nil with the entry still at the head. An entry that fails
// after backoff gives up stops the drain with an error, leaving the
// remainder queued for the next Drain call — this preserves
// per-document ordering (spec.md §4.7 invariant 1).
func (q *Queue) Drain(ctx context.Context, send Sender, maxElapsed time.Duration) error {
	for {
		entry, ok := q.Peek()
		if !ok {
			return nil
		}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			q.MarkAttempt(entry.ID)
			return struct{}{}, send(ctx, entry)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxElapsed))
		if err != nil {
			return errors.Wrapf(err, "offlinequeue: drain entry %s", entry.ID)
		}
		// A successful send still waits for the server's ACK before
		// the entry is removed; the caller's Sender is expected to
		// call Ack once ACK arrives. If it already did (e.g. a
		// synchronous test double), Peek now returns the next entry.
		next, ok := q.Peek()
		if ok && next.ID == entry.ID {
			// No external Ack arrived synchronously; caller owns
			// removal via Ack once the real ACK frame arrives.
			return nil
		}
	}
}
