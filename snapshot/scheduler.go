// Package snapshot implements the background snapshot scheduler of
// spec.md §4.12: OR-composed triggers, a single in-flight latch so
// concurrent triggers coalesce, and retention that trims everything
// beyond maxSnapshots. Grounded on ruvnet/alienator's size/count
// threshold compaction trigger, adapted from compaction to the
// spec's point-in-time snapshot semantics, and on aistore's xaction
// pattern of a non-blocking background task latch.
package snapshot

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/synckit/core/persistence"
)

// Source is whatever the scheduler snapshots: it must be able to
// serialize its current state. The byte-threshold trigger's size
// estimate is fed separately through Scheduler.RecordSize.
type Source interface {
	DocumentID() string
	SerializeState() ([]byte, map[string]uint64, error) // payload, vectorClock
}

// Triggers configures the OR-composed conditions that request a
// snapshot; any one firing is sufficient.
type Triggers struct {
	MaxSizeBytes   int
	MaxElapsed     time.Duration
	MaxOpsSinceLast int
}

// Scheduler owns the snapshot cadence for one document.
type Scheduler struct {
	source   Source
	adapter  persistence.Adapter
	triggers Triggers
	maxSnapshots int
	logger   *slog.Logger

	inFlight    atomic.Bool
	lastSnap    time.Time
	opsSince    atomic.Int64
	lastSizeEst atomic.Int64
}

// New returns a Scheduler for source, persisting snapshots via
// adapter and retaining at most maxSnapshots per document.
func New(source Source, adapter persistence.Adapter, triggers Triggers, maxSnapshots int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		source:       source,
		adapter:      adapter,
		triggers:     triggers,
		maxSnapshots: maxSnapshots,
		lastSnap:     time.Now(),
		logger:       logger,
	}
}

// RecordOp notifies the scheduler that one more operation has been
// applied to the source, feeding the op-count trigger, and evaluates
// triggers immediately in the background.
func (s *Scheduler) RecordOp(ctx context.Context) {
	s.opsSince.Add(1)
	if s.shouldTrigger() {
		go s.runSnapshot(ctx)
	}
}

// RecordSize feeds the byte-size trigger with the document's latest
// estimated serialized size, and evaluates triggers in the background.
func (s *Scheduler) RecordSize(ctx context.Context, sizeBytes int) {
	s.lastSizeEst.Store(int64(sizeBytes))
	if s.shouldTrigger() {
		go s.runSnapshot(ctx)
	}
}

func (s *Scheduler) shouldTrigger() bool {
	if s.triggers.MaxSizeBytes > 0 && int(s.lastSizeEst.Load()) >= s.triggers.MaxSizeBytes {
		return true
	}
	if s.triggers.MaxOpsSinceLast > 0 && s.opsSince.Load() >= int64(s.triggers.MaxOpsSinceLast) {
		return true
	}
	if s.triggers.MaxElapsed > 0 && time.Since(s.lastSnap) >= s.triggers.MaxElapsed {
		return true
	}
	return false
}

// runSnapshot performs one snapshot-and-retain pass, coalescing with
// any concurrently-triggered run via the inFlight latch. The
// scheduler never blocks foreground operations: callers invoke this
// via go s.runSnapshot(ctx), and all failures are logged, not
// returned.
func (s *Scheduler) runSnapshot(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return // another trigger's run is already in flight; coalesce
	}
	defer s.inFlight.Store(false)

	payload, vc, err := s.source.SerializeState()
	if err != nil {
		s.logger.Error("snapshot: serialize failed", "document", s.source.DocumentID(), "error", err)
		return
	}

	rec := &persistence.SnapshotRecord{
		ID:         s.source.DocumentID() + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		DocumentID: s.source.DocumentID(),
		Payload:    payload,
		VectorClk:  vc,
		SizeBytes:  len(payload),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.adapter.SaveSnapshot(ctx, rec); err != nil {
		s.logger.Error("snapshot: save failed", "document", s.source.DocumentID(), "error", err)
		return
	}

	s.lastSnap = time.Now()
	s.opsSince.Store(0)

	if err := s.retain(ctx); err != nil {
		s.logger.Error("snapshot: retention sweep failed", "document", s.source.DocumentID(), "error", err)
	}
}

// retain lists this document's snapshots newest-first and deletes
// everything beyond maxSnapshots.
func (s *Scheduler) retain(ctx context.Context) error {
	if s.maxSnapshots <= 0 {
		return nil
	}
	snaps, err := s.adapter.ListSnapshots(ctx, s.source.DocumentID(), 0)
	if err != nil {
		return err
	}
	if len(snaps) <= s.maxSnapshots {
		return nil
	}
	for _, stale := range snaps[s.maxSnapshots:] {
		if err := s.adapter.DeleteSnapshot(ctx, stale.ID); err != nil {
			return err
		}
	}
	return nil
}
