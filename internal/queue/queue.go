// Package queue implements the per-function work lane: a FIFO buffer of
// WorkItems with lost-wakeup-safe long-poll semantics (spec.md §4.2).
//
// # Design rationale
//
// A naive long-poll ("check queue; if empty, wait on a condition
// variable") races: an item can be pushed between the empty-check and
// the wait call, and the waiter sleeps forever. This package avoids the
// race by giving every waiter its own one-shot hand-off channel,
// allocated and registered in the lane's waiter list under the same
// lock used to append items. Push, under that lock, either appends to
// the backing slice (no waiters) or hands the item directly to the
// oldest waiter without ever touching the slice — "item appended" and
// "waiter woken" are therefore a single atomic event, never two.
//
// # Locking discipline
//
// Each lane has its own mutex. Queues holds a single map from
// FunctionKey to *lane, guarded by its own mutex for structural changes
// (creating a lane on first push/pop). Lock order when both are needed:
// Queues.mu before lane.mu. Never hold a lane lock across anything that
// can block indefinitely other than the hand-off itself.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

// ErrCancelled is returned by PopOrWait when the supplied context is
// cancelled before an item becomes available. No item is consumed.
var ErrCancelled = errors.New("queue: wait cancelled")

type waiter struct {
	deliver chan *domain.WorkItem
}

// lane is the FIFO buffer and waiter list for one FunctionKey.
type lane struct {
	mu      sync.Mutex
	items   []*domain.WorkItem
	waiters []*waiter
}

// FanoutNotifier is an optional observer told about every successful
// Push, so an external dashboard or CLI can watch lane activity without
// polling or touching the dispatch-critical hand-off path itself
// (spec.md Non-goals keeps the core single-process and in-memory; this
// is observability layered on top, never consulted by PopOrWait).
type FanoutNotifier interface {
	NotifyPush(key domain.FunctionKey, depth int)
}

// Queues is the map of FunctionKey to FIFO lane. The zero value is ready
// to use.
type Queues struct {
	mu     sync.Mutex
	lanes  map[domain.FunctionKey]*lane
	fanout FanoutNotifier
}

// New creates an empty lane store.
func New() *Queues {
	return &Queues{lanes: make(map[domain.FunctionKey]*lane)}
}

// SetFanout installs (or, with nil, removes) the optional fanout
// notifier. Safe to call at any time; takes effect on the next Push.
func (q *Queues) SetFanout(n FanoutNotifier) {
	q.mu.Lock()
	q.fanout = n
	q.mu.Unlock()
}

func (q *Queues) fanoutNotifier() FanoutNotifier {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fanout
}

func (q *Queues) laneFor(key domain.FunctionKey) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		if q.lanes == nil {
			q.lanes = make(map[domain.FunctionKey]*lane)
		}
		l = &lane{}
		q.lanes[key] = l
	}
	return l
}

// Push enqueues an item on the lane identified by the item's own
// FunctionKey. It never blocks and never drops the item: if a waiter is
// present it is woken with a direct hand-off; otherwise the item is
// appended for the next PopOrWait to find.
func (q *Queues) Push(item *domain.WorkItem) {
	key := item.Key()
	l := q.laneFor(key)

	l.mu.Lock()
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		// The channel is buffered (capacity 1), so this send cannot block
		// even if the waiter is mid-cancellation; see PopOrWait's cleanup.
		w.deliver <- item
		q.notifyFanout(key)
		return
	}
	l.items = append(l.items, item)
	depth := len(l.items)
	l.mu.Unlock()
	q.notifyFanoutDepth(key, depth)
}

// notifyFanout tells the fanout notifier, if any, about a push that was
// handed directly to a waiter (so the lane's buffered depth is 0).
func (q *Queues) notifyFanout(key domain.FunctionKey) {
	q.notifyFanoutDepth(key, 0)
}

func (q *Queues) notifyFanoutDepth(key domain.FunctionKey, depth int) {
	if f := q.fanoutNotifier(); f != nil {
		f.NotifyPush(key, depth)
	}
}

// PopOrWait returns the head of the lane for key, or suspends until an
// item is pushed to that exact lane or ctx is cancelled. Multiple
// concurrent waiters on the same lane are served in FIFO arrival order.
func (q *Queues) PopOrWait(ctx context.Context, key domain.FunctionKey) (*domain.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	l := q.laneFor(key)

	l.mu.Lock()
	if len(l.items) > 0 {
		item := l.items[0]
		l.items = l.items[1:]
		l.mu.Unlock()
		return item, nil
	}

	w := &waiter{deliver: make(chan *domain.WorkItem, 1)}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case item := <-w.deliver:
		return item, nil
	case <-ctx.Done():
		l.mu.Lock()
		// Remove w from the waiter list if it is still there. If a
		// concurrent Push already claimed it (removed it from l.waiters
		// and is about to send, or has sent), the buffered channel holds
		// the item; drain it and requeue at the head so it is not lost.
		removed := false
		for i, cand := range l.waiters {
			if cand == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// Push already claimed this waiter and is committed to sending,
			// whether or not the send has happened yet. Block for it (it
			// cannot be long: Push never does I/O between claiming a waiter
			// and sending) and requeue the item at the head so cancellation
			// never silently swallows work.
			item := <-w.deliver
			l.mu.Lock()
			l.items = append([]*domain.WorkItem{item}, l.items...)
			l.mu.Unlock()
		}
		return nil, ErrCancelled
	}
}

// Depth returns the number of items currently buffered (not counting
// waiters) for key. Used by the autoscaler and metrics; approximate
// under concurrent modification, as documented by its callers.
func (q *Queues) Depth(key domain.FunctionKey) int {
	q.mu.Lock()
	l, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Waiters returns the number of goroutines currently blocked in
// PopOrWait for key.
func (q *Queues) Waiters(key domain.FunctionKey) int {
	q.mu.Lock()
	l, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Keys returns every FunctionKey that currently has a lane, in no
// particular order. A lane is created lazily on first Push or
// PopOrWait and is never removed, so this is a superset of keys with
// buffered items right now.
func (q *Queues) Keys() []domain.FunctionKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.FunctionKey, 0, len(q.lanes))
	for key := range q.lanes {
		out = append(out, key)
	}
	return out
}
