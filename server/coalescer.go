package server

import (
	"sync"
	"time"

	"github.com/synckit/core/clock"
)

// fieldUpdate is one field's pending resolved value inside a
// coalescing window.
type fieldUpdate struct {
	value        interface{}
	logicalClock uint64
	writer       clock.ReplicaID
}

func (f fieldUpdate) supersedes(other fieldUpdate) bool {
	if f.logicalClock != other.logicalClock {
		return f.logicalClock > other.logicalClock
	}
	return f.writer > other.writer
}

// Coalescer batches authoritative field updates for one document
// over a short window before flushing a single merged broadcast,
// per spec.md §4.11: "merging two updates to the same field keeps the
// one with higher (logicalClock, writerReplicaId)".
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	fields  map[string]fieldUpdate
	timer   *time.Timer
	onFlush func(map[string]interface{})
}

// NewCoalescer returns a Coalescer that flushes onFlush at most once
// per window after the first update arrives.
func NewCoalescer(window time.Duration, onFlush func(map[string]interface{})) *Coalescer {
	return &Coalescer{window: window, fields: make(map[string]fieldUpdate), onFlush: onFlush}
}

// Add folds one resolved field value into the current window,
// scheduling a flush if this is the window's first update.
func (c *Coalescer) Add(field string, value interface{}, logicalClock uint64, writer clock.ReplicaID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := fieldUpdate{value: value, logicalClock: logicalClock, writer: writer}
	if existing, ok := c.fields[field]; !ok || candidate.supersedes(existing) {
		c.fields[field] = candidate
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if len(c.fields) == 0 {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	out := make(map[string]interface{}, len(c.fields))
	for field, upd := range c.fields {
		out[field] = upd.value
	}
	c.fields = make(map[string]fieldUpdate)
	c.timer = nil
	onFlush := c.onFlush
	c.mu.Unlock()
	onFlush(out)
}

// Stop cancels any pending flush timer without flushing.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
