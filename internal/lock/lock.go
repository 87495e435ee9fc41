// Package lock maintains the set of currently-locked ARK keys (spec.md
// §4.C). It serializes every operation the coordinator (internal/coordinator)
// performs against a given identifier: acquire blocks until the key is free,
// release wakes the oldest waiter. Scope never exceeds one identifier
// operation, so the coordinator never holds two keys at once and deadlock
// cannot occur (spec.md §4.C, §5).
//
// This is adapted from the connected-agent registry pattern: a map guarded
// by sync.Mutex, with per-key wait channels standing in for the dispatch
// stream a connected agent would have held.
package lock

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// waiter is a channel closed exactly once, when the key becomes free.
type waiter chan struct{}

// Registry is the in-memory, process-wide registry of locked ARK keys. It
// is safe for concurrent use by every request-handling goroutine plus the
// registration daemon.
//
// active and waiting additionally group the same counts by the acting
// user's local name, feeding the status reporter's "active identifier
// operations grouped by user" and "waiting-request count by user" gauges
// (spec.md §4.K). Keys with owner "" (reads, which carry no acting user)
// are counted in NumLocked but not broken out by user.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu      sync.Mutex
	locked  map[string]struct{}
	waiters map[string][]waiter
	active  map[string]int // owner -> count of locks currently held
	waiting map[string]int // owner -> count of goroutines blocked in Acquire
	logger  *zap.Logger
}

// New creates a new Registry instance.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		locked:  make(map[string]struct{}),
		waiters: make(map[string][]waiter),
		active:  make(map[string]int),
		waiting: make(map[string]int),
		logger:  logger.Named("lock"),
	}
}

// Acquire blocks until key is not held, then marks it held and returns. If
// ctx is cancelled while waiting, Acquire returns ctx.Err() and the key is
// not acquired. It does not attribute the hold to any user; callers that
// need per-user status-reporter gauges should use AcquireFor instead.
func (r *Registry) Acquire(ctx context.Context, key string) error {
	return r.AcquireFor(ctx, key, "")
}

// AcquireFor is Acquire, additionally attributing the hold (and any time
// spent waiting for it) to owner for the status reporter's per-user gauges
// (spec.md §4.K). owner is typically the acting local username; pass "" for
// operations with no acting user (e.g. anonymous reads).
func (r *Registry) AcquireFor(ctx context.Context, key, owner string) error {
	for {
		r.mu.Lock()
		if _, held := r.locked[key]; !held {
			r.locked[key] = struct{}{}
			if owner != "" {
				r.active[owner]++
			}
			r.mu.Unlock()
			return nil
		}
		w := make(waiter)
		r.waiters[key] = append(r.waiters[key], w)
		if owner != "" {
			r.waiting[owner]++
		}
		r.mu.Unlock()

		select {
		case <-w:
			// woken by Release; loop to retry the acquire.
			if owner != "" {
				r.mu.Lock()
				r.waiting[owner]--
				if r.waiting[owner] <= 0 {
					delete(r.waiting, owner)
				}
				r.mu.Unlock()
			}
		case <-ctx.Done():
			if owner != "" {
				r.mu.Lock()
				r.waiting[owner]--
				if r.waiting[owner] <= 0 {
					delete(r.waiting, owner)
				}
				r.mu.Unlock()
			}
			return fmt.Errorf("lock: acquiring %q: %w", key, ctx.Err())
		}
	}
}

// Release marks key as free and wakes the single oldest waiter, if any.
// Release on a key not currently held is a no-op — it can happen if a caller
// double-releases after an error path, and silently ignoring it is safer
// than panicking in request-handling code.
func (r *Registry) Release(key string) {
	r.ReleaseFor(key, "")
}

// ReleaseFor is Release, decrementing owner's active count. owner must
// match the value passed to the corresponding AcquireFor call.
func (r *Registry) ReleaseFor(key, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locked[key]; !held {
		return
	}
	delete(r.locked, key)
	if owner != "" {
		r.active[owner]--
		if r.active[owner] <= 0 {
			delete(r.active, owner)
		}
	}

	ws := r.waiters[key]
	if len(ws) == 0 {
		delete(r.waiters, key)
		return
	}
	next := ws[0]
	r.waiters[key] = ws[1:]
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
	close(next)
}

// NumLocked reports the number of ARK keys currently held (spec.md §4.C
// numLocked, consumed by the status reporter, component K).
func (r *Registry) NumLocked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locked)
}

// ActiveByUser reports the number of locks currently held per owner
// (spec.md §4.K "active identifier operations grouped by user").
func (r *Registry) ActiveByUser() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.active))
	for k, v := range r.active {
		out[k] = v
	}
	return out
}

// WaitingByUser reports the number of goroutines blocked in AcquireFor per
// owner (spec.md §4.K "waiting-request count by user").
func (r *Registry) WaitingByUser() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.waiting))
	for k, v := range r.waiting {
		out[k] = v
	}
	return out
}

// WithLock acquires key, runs fn, and releases key regardless of fn's
// outcome. This is the shape every coordinator operation uses to bound its
// critical section (spec.md §4.F: "acquire lock ... release lock").
func (r *Registry) WithLock(ctx context.Context, key string, fn func() error) error {
	return r.WithLockFor(ctx, key, "", fn)
}

// WithLockFor is WithLock, attributing the hold to owner (spec.md §4.K).
func (r *Registry) WithLockFor(ctx context.Context, key, owner string, fn func() error) error {
	if err := r.AcquireFor(ctx, key, owner); err != nil {
		return err
	}
	defer r.ReleaseFor(key, owner)
	return fn()
}
