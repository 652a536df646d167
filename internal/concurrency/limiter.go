// Package concurrency implements the per-function reserved-slot
// semaphore (spec.md §4.4): a policy cap on concurrent in-flight
// invocations, independent of the WarmPool's physical instance count.
package concurrency

import (
	"sync"

	"github.com/fearlessfara/lambdahome/internal/lambdaerr"
)

// Token is a scoped acquisition handle. Release must be called exactly
// once on every exit path (success, error, cancel, panic); callers
// should defer it immediately after Acquire succeeds.
type Token struct {
	release func()
	once    sync.Once
}

// Release decrements the held count. Safe to call more than once; only
// the first call has effect, matching a defer-at-acquire-site idiom that
// might also be invoked explicitly on an early-return path.
func (t *Token) Release() {
	t.once.Do(t.release)
}

type counter struct {
	mu       sync.Mutex
	limit    *int // nil = unlimited
	held     int
}

// Limiter tracks, per function id, an optional reserved concurrency
// limit and the current count of outstanding tokens.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// New creates an empty limiter; every function starts unlimited.
func New() *Limiter {
	return &Limiter{counters: make(map[string]*counter)}
}

func (l *Limiter) counterFor(functionID string) *counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[functionID]
	if !ok {
		c = &counter{}
		l.counters[functionID] = c
	}
	return c
}

// SetReserved updates the reserved limit for functionID (nil = unlimited).
// If reducing below the current outstanding count, the change takes
// effect immediately for future Acquire calls; existing tokens are
// unaffected and continue to count toward the (now exceeded) limit until
// released.
func (l *Limiter) SetReserved(functionID string, limit *int) {
	c := l.counterFor(functionID)
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

// Acquire attempts to take one reserved slot for functionID. Returns
// lambdaerr.ErrTooManyRequests if the reserved limit (when set) is
// already exhausted.
func (l *Limiter) Acquire(functionID string) (*Token, error) {
	c := l.counterFor(functionID)
	c.mu.Lock()
	if c.limit != nil && c.held >= *c.limit {
		c.mu.Unlock()
		return nil, lambdaerr.ErrTooManyRequests
	}
	c.held++
	c.mu.Unlock()

	return &Token{release: func() {
		c.mu.Lock()
		c.held--
		c.mu.Unlock()
	}}, nil
}

// Outstanding returns the current held-token count for functionID, for
// tests and metrics.
func (l *Limiter) Outstanding(functionID string) int {
	c := l.counterFor(functionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
