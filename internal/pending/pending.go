// Package pending implements the one-shot result registry that bridges
// a synchronous Dispatcher.Invoke caller to the asynchronous RuntimeAPI
// (spec.md §4.3).
//
// # First-writer-wins
//
// Exactly one of Complete or FailIfWaiting may succeed for a given
// request id; the entry is removed atomically with delivery so a second
// call always observes "no waiter" and returns false. This is what lets
// the RuntimeAPI answer a late POST with 404 instead of racing the
// Dispatcher's timeout path.
package pending

import (
	"sync"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

// Waiter is the consumer handle returned by Register. At most one value
// is ever sent on Result, and the channel is closed right after it; an
// entry dropped by Remove gets neither a value nor a close.
type Waiter struct {
	Result <-chan domain.Result
}

type entry struct {
	ch chan domain.Result
}

// Registry is the map from request id to pending entry. The zero value
// is ready to use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register creates a pending entry for requestID and returns the
// consumer handle. Must be called before the corresponding WorkItem is
// enqueued, so that a worker racing ahead of registration cannot deliver
// into a registry that doesn't know about the request yet.
func (r *Registry) Register(requestID string) Waiter {
	e := &entry{ch: make(chan domain.Result, 1)}
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	r.entries[requestID] = e
	r.mu.Unlock()
	return Waiter{Result: e.ch}
}

// Complete delivers result to the waiter for requestID and removes the
// entry. Returns false if no entry exists (already delivered, already
// timed out, or never registered) — the caller should treat this as a
// late/duplicate delivery.
func (r *Registry) Complete(requestID string, result domain.Result) bool {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.ch <- result
	close(e.ch)
	return true
}

// FailIfWaiting is the idempotent variant used by the Dispatcher on
// timeout: it behaves exactly like Complete, but is named distinctly so
// call sites read as "I am giving up on this request", not "the runtime
// answered".
func (r *Registry) FailIfWaiting(requestID string, result domain.Result) bool {
	return r.Complete(requestID, result)
}

// Remove deletes the entry for requestID without delivering a result,
// for cleanup paths that bypass Complete/FailIfWaiting (e.g. abandoning
// on a context cancellation upstream of the wait). Returns false if no
// entry existed.
func (r *Registry) Remove(requestID string) bool {
	r.mu.Lock()
	_, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
	}
	r.mu.Unlock()
	return ok
}

// Count returns the number of currently pending entries, for metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
