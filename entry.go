package livecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// entry is the internal record binding a key to a value plus its
// expiration state (§3, §4.2). An entry's key and value are immutable:
// replacing a value always means constructing a new entry, never
// mutating this one in place.
//
// The fields below guarded by mu form the "per-entry critical section"
// the concurrency model requires: arm/re-arm/cancel/fire never calls
// user code while mu is held.
type entry[K comparable, V any] struct {
	key   K
	value V

	policy         ExpirationPolicy
	originalExpiry time.Duration // Infinite sentinel, or >= 0

	mu          sync.Mutex
	infinite    bool
	expiresAt   time.Time
	cancel      func() bool
	hasExpired  atomic.Bool
	updateCount uint64

	keyUnsub   func()
	valueUnsub func()
}

// newEntry constructs an entry without arming any timer; callers arm it
// via arm(). Add and AddRange arm it only once it is in the store, while
// Update and the Refresh path arm a replacement before swapping it in.
// Neither built-in Clock (systemClock, VirtualClock) runs a timer
// synchronously inside AfterFunc, so with them a zero-duration expiry
// never fires inside the call that arms it.
func newEntry[K comparable, V any](key K, value V, policy ExpirationPolicy) *entry[K, V] {
	return &entry[K, V]{key: key, value: value, policy: policy}
}

// arm schedules (or reschedules) the entry's one-shot expiration timer.
// Re-arming cancels any currently-armed timer first; the cancel is
// best-effort, as documented in §4.2 — a timer that already fired but
// whose handler has not yet run will still invoke onFire, and it is the
// Expiration Pipeline's "still expired and still present" filter (§4.3)
// that suppresses the resulting stale notification.
func (e *entry[K, V]) arm(clock Clock, d time.Duration, onFire func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	e.originalExpiry = d
	e.hasExpired.Store(false)

	if d == Infinite {
		e.infinite = true
		e.expiresAt = time.Time{}

		return
	}

	e.infinite = false
	e.expiresAt = clock.Now().Add(d)
	e.cancel = clock.AfterFunc(d, func() {
		e.hasExpired.Store(true)
		onFire()
	})
}

// disarm cancels any armed timer without running onFire, used on
// removal/disposal.
func (e *entry[K, V]) disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// expired reports whether the entry is currently past its expiry. An
// infinite entry is never expired; a DoNothing entry that has fired stays
// expired until re-armed.
func (e *entry[K, V]) expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.infinite {
		return false
	}

	return now.After(e.expiresAt) || e.hasExpired.Load()
}

func (e *entry[K, V]) expiresAtSnapshot() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.expiresAt, e.infinite
}

func (e *entry[K, V]) hasExpiredFlag() bool {
	return e.hasExpired.Load()
}

// clearExpired resets the hasExpired flag without rearming a timer; used
// when a concurrent update resurrects the entry before the pipeline gets
// to process its expiration.
func (e *entry[K, V]) clearExpired() {
	e.hasExpired.Store(false)
}

// updateCountSnapshot reports how many times the logical entry this one
// descends from has had its value replaced (by Update or a value-changing
// Refresh).
func (e *entry[K, V]) updateCountSnapshot() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.updateCount
}

// carryUpdateCountFrom sets e's updateCount to one more than prev's,
// wiring the replacement chain together. Called right after
// construction, before e is visible to any other goroutine, so no lock
// is needed on e itself.
func (e *entry[K, V]) carryUpdateCountFrom(prev *entry[K, V]) {
	e.updateCount = prev.updateCountSnapshot() + 1
}

// subscribeForwarders wires the entry's key/value property-change
// forwarding (§4.2) using the explicit capability parameters from
// config; it is a no-op for either side whose notifier is nil.
func (e *entry[K, V]) subscribeForwarders(cfg *config[K, V], onKeyChanged, onValueChanged func(property string)) {
	if cfg.keyNotifier != nil && cfg.keyNotifier.Subscribe != nil {
		e.keyUnsub = cfg.keyNotifier.Subscribe(e.key, onKeyChanged)
	}

	if cfg.valueNotifier != nil && cfg.valueNotifier.Subscribe != nil {
		e.valueUnsub = cfg.valueNotifier.Subscribe(e.value, onValueChanged)
	}
}

// unsubscribeForwarders tears down any forwarding subscriptions. Safe to
// call multiple times and on an entry that never subscribed.
func (e *entry[K, V]) unsubscribeForwarders() {
	if e.keyUnsub != nil {
		e.keyUnsub()
		e.keyUnsub = nil
	}

	if e.valueUnsub != nil {
		e.valueUnsub()
		e.valueUnsub = nil
	}
}
