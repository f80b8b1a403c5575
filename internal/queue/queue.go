// Package queue provides durable storage for events awaiting delivery.
package queue

import (
	"context"
	"log"
	"sort"

	"helix/api/internal/replica"
	"helix/api/internal/util"
)

// KV is the minimal key-value contract the queue needs from a backend.
// Keys carry no ordering; drain order comes from the stored events.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	GetAll(ctx context.Context) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
}

// OfflineQueue persists locally-generated events while the transport is
// down and hands them back in creation order on reconnect. It implements
// replica.PendingQueue.
type OfflineQueue struct {
	kv KV
}

func New(kv KV) *OfflineQueue {
	return &OfflineQueue{kv: kv}
}

// Enqueue stores one event in its wire form. The key is an opaque id;
// creation time lives inside the serialized event.
func (q *OfflineQueue) Enqueue(ctx context.Context, e replica.Event) error {
	raw, err := replica.EncodeEvent(e)
	if err != nil {
		return err
	}
	return q.kv.Put(ctx, util.NewID("pending"), raw)
}

// DrainPending removes and returns all stored events ordered by creation
// time, regardless of insertion order. Entries that fail to decode are
// poison: logged, deleted, and skipped so one corrupt record cannot wedge
// the whole queue.
func (q *OfflineQueue) DrainPending(ctx context.Context) []replica.Event {
	entries, err := q.kv.GetAll(ctx)
	if err != nil {
		log.Printf("queue: reading pending entries: %v", err)
		return nil
	}
	events := make([]replica.Event, 0, len(entries))
	for key, raw := range entries {
		ev, err := replica.DecodeEvent(raw)
		if derr := q.kv.Delete(ctx, key); derr != nil {
			log.Printf("queue: deleting entry %s: %v", key, derr)
		}
		if err != nil {
			log.Printf("queue: dropping poison entry %s: %v", key, err)
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		// Same wall instant: the originating author's clock counter fixes
		// the creation order.
		return events[i].Clock.Counter(events[i].AuthorID) < events[j].Clock.Counter(events[j].AuthorID)
	})
	return events
}

// Clear discards all pending entries.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	entries, err := q.kv.GetAll(ctx)
	if err != nil {
		return err
	}
	for key := range entries {
		if err := q.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// PendingCount reports how many events await delivery.
func (q *OfflineQueue) PendingCount(ctx context.Context) (int, error) {
	entries, err := q.kv.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
