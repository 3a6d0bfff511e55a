// Package counter implements a PN-Counter: a grow/shrink counter CRDT
// that converges under concurrent increment and decrement from any
// number of replicas, generalized from the teacher's crdt.PNCounter.
package counter

import "sync"

// Counter tracks per-replica increment and decrement totals so that
// merging two counters is always the pointwise max of each half.
type Counter struct {
	mu   sync.RWMutex
	incs map[string]uint64
	decs map[string]uint64
}

// New returns a zero-valued counter.
func New() *Counter {
	return &Counter{
		incs: make(map[string]uint64),
		decs: make(map[string]uint64),
	}
}

// Increment adds delta to replica's increment total. delta must be
// non-negative; Decrement is the inverse operation.
func (c *Counter) Increment(replica string, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incs[replica] += delta
}

// Decrement adds delta to replica's decrement total.
func (c *Counter) Decrement(replica string, delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decs[replica] += delta
}

// Value returns sum(incs) - sum(decs) across all replicas.
func (c *Counter) Value() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, v := range c.incs {
		total += int64(v)
	}
	for _, v := range c.decs {
		total -= int64(v)
	}
	return total
}

// Merge folds other's per-replica totals into c by taking the
// pointwise max of each replica's increment and decrement counters.
// Merge is commutative, associative, and idempotent.
func (c *Counter) Merge(other *Counter) {
	other.mu.RLock()
	incSnapshot := make(map[string]uint64, len(other.incs))
	for k, v := range other.incs {
		incSnapshot[k] = v
	}
	decSnapshot := make(map[string]uint64, len(other.decs))
	for k, v := range other.decs {
		decSnapshot[k] = v
	}
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for replica, v := range incSnapshot {
		if v > c.incs[replica] {
			c.incs[replica] = v
		}
	}
	for replica, v := range decSnapshot {
		if v > c.decs[replica] {
			c.decs[replica] = v
		}
	}
}

// State returns a snapshot of the per-replica increment and decrement
// totals, used to serialize the counter on the wire.
func (c *Counter) State() (incs, decs map[string]uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	incs = make(map[string]uint64, len(c.incs))
	for k, v := range c.incs {
		incs[k] = v
	}
	decs = make(map[string]uint64, len(c.decs))
	for k, v := range c.decs {
		decs[k] = v
	}
	return incs, decs
}

// LoadState replaces c's per-replica totals wholesale, used when
// hydrating a counter from a persisted snapshot.
func (c *Counter) LoadState(incs, decs map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incs = make(map[string]uint64, len(incs))
	for k, v := range incs {
		c.incs[k] = v
	}
	c.decs = make(map[string]uint64, len(decs))
	for k, v := range decs {
		c.decs[k] = v
	}
}
