package store

import (
	"context"
	"log/slog"
	"sync"
)

// fetchFunc loads the current matching ordered snapshot for a query.
// Each adapter supplies its own implementation.
type fetchFunc func(ctx context.Context, q Query) ([]Document, error)

// notifier bridges backend change events into the snapshot-callback contract
// shared by every adapter.
//
// Guarantees:
//   - One initial snapshot is delivered synchronously on subscribe.
//   - Deliveries for a single subscription are serialized under a
//     per-subscriber mutex, so a subscriber never observes an older snapshot
//     after a newer one.
//   - Unsubscribe is idempotent and stops future deliveries; a delivery
//     already in flight may still complete.
type notifier struct {
	log     *slog.Logger
	backend string

	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
}

type subscriber struct {
	query Query
	fn    SnapshotFunc

	// deliver serializes snapshot callbacks for this subscriber.
	deliver sync.Mutex

	done chan struct{}
	once sync.Once
}

func newNotifier(log *slog.Logger, backend string) *notifier {
	return &notifier{
		log:     log,
		backend: backend,
		subs:    make(map[int64]*subscriber),
	}
}

// subscribe registers fn and synchronously delivers the initial snapshot.
func (n *notifier) subscribe(ctx context.Context, q Query, fn SnapshotFunc, fetch fetchFunc) (Unsubscribe, error) {
	if q.Collection == "" || fn == nil {
		return nil, ErrInvalidInput
	}

	sub := &subscriber{
		query: q,
		fn:    fn,
		done:  make(chan struct{}),
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = sub
	n.mu.Unlock()
	metricSubscriptions.WithLabelValues(n.backend).Inc()

	unsub := func() {
		sub.once.Do(func() {
			close(sub.done)
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			metricSubscriptions.WithLabelValues(n.backend).Dec()
		})
	}

	if err := n.deliverTo(ctx, sub, fetch); err != nil {
		unsub()
		return nil, err
	}
	return unsub, nil
}

// broadcast re-evaluates every subscription scoped to collection.
// Fetch errors are logged, never swallowed into a dropped listener: the
// subscription stays registered and is retried on the next mutation.
func (n *notifier) broadcast(ctx context.Context, collection string, fetch fetchFunc) {
	for _, sub := range n.snapshotSubs(collection) {
		if err := n.deliverTo(ctx, sub, fetch); err != nil {
			n.log.Warn("store.notify.fetch_fail", "collection", collection, "err", err)
		}
	}
}

func (n *notifier) deliverTo(ctx context.Context, sub *subscriber, fetch fetchFunc) error {
	sub.deliver.Lock()
	defer sub.deliver.Unlock()

	select {
	case <-sub.done:
		return nil
	default:
	}

	docs, err := fetch(ctx, sub.query)
	if err != nil {
		return err
	}
	sub.fn(docs)
	metricSnapshots.WithLabelValues(n.backend).Inc()
	return nil
}

func (n *notifier) snapshotSubs(collection string) []*subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		if s.query.Collection == collection {
			out = append(out, s)
		}
	}
	return out
}

// collections returns the set of collections with at least one live
// subscription. Pollers use it to bound their scan surface.
func (n *notifier) collections() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[string]struct{}, len(n.subs))
	for _, s := range n.subs {
		seen[s.query.Collection] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}
