// Pub/sub bridge: authoritative deltas are published to a Redis
// channel per document so other server instances apply (but do not
// re-publish) them to their own local subscribers, per spec.md
// §4.11. Grounded on edirooss-zmux-server's StringStore use of
// redis/go-redis/v9 as the system of record behind an in-memory
// cache — here Redis carries cross-instance fan-out instead of
// durable storage, which memstore/buntdb already covers.
package server

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/synckit/core/wire"
)

// PubSub bridges locally-resolved deltas to every other server
// instance subscribed to the same Redis channel prefix.
type PubSub struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewPubSub wraps an existing Redis client; prefix namespaces the
// channel per deployment (e.g. "synckit:doc:").
func NewPubSub(rdb *redis.Client, prefix string, logger *slog.Logger) *PubSub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSub{rdb: rdb, prefix: prefix, logger: logger}
}

func (p *PubSub) channel(docID string) string {
	return p.prefix + docID
}

// Publish broadcasts delta to every other instance's subscribers.
func (p *PubSub) Publish(ctx context.Context, docID string, delta wire.DeltaPayload) {
	data, err := wire.Marshal(delta)
	if err != nil {
		p.logger.Error("pubsub: marshal failed", "document", docID, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel(docID), data).Err(); err != nil {
		p.logger.Error("pubsub: publish failed", "document", docID, "error", err)
	}
}

// Subscribe listens on docID's channel and invokes onDelta for every
// message on it, including this instance's own publishes (Redis does
// not tell them apart), so callers MUST apply received deltas without
// re-publishing them (spec.md §4.11: "applied ... but NOT
// re-published").
func (p *PubSub) Subscribe(ctx context.Context, docID string, onDelta func(wire.DeltaPayload)) func() {
	sub := p.rdb.Subscribe(ctx, p.channel(docID))
	msgs := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var delta wire.DeltaPayload
				if err := wire.Unmarshal([]byte(msg.Payload), &delta); err != nil {
					p.logger.Error("pubsub: unmarshal failed", "document", docID, "error", err)
					continue
				}
				onDelta(delta)
			}
		}
	}()
	return func() {
		close(done)
		_ = sub.Close()
	}
}
