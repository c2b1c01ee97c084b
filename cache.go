package livecache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cache is the public facade (§4.6) tying the Keyed Store, the Change
// Multiplexer, the Expiration Pipeline, and the Observer-Exception
// Channel into one generic, concurrency-safe key/value cache.
//
// A Cache is created with New and must eventually be closed with
// Dispose. After Dispose, every method with an error result (other than
// Dispose itself) returns ErrObjectDisposed; methods without one
// (Contains, Count, the snapshots, the stream subscriptions and the
// suppression scopes) keep working against the emptied store and the
// closed streams.
type Cache[K comparable, V any] struct {
	cfg        *config[K, V]
	store      *store[K, V]
	mux        *multiplexer[K, V]
	exceptions *exceptionChannel
	pipeline   *pipeline[K, V]

	disposed atomic.Bool
}

// New constructs a Cache configured by opts. With no options, value
// equality is structural, the expiration batch window is one second, and
// dispatch runs inline on the calling goroutine.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	cfg := defaultConfig[K, V]()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Cache[K, V]{cfg: cfg}
	c.mux = newMultiplexer[K, V](cfg.notificationScheduler, cfg.resetCoalesceThreshold, func() int { return c.store.count() })
	c.exceptions = newExceptionChannel()
	c.store = newStore[K, V](cfg.keyEqual, c.mux.ingestStorageChange)
	c.pipeline = newPipeline[K, V](cfg, c.store, c.mux, c.exceptions, cfg.clock, c.wireNewEntry, c.rearmExisting)

	return c
}

// wireNewEntry arms a brand-new entry's timer and subscribes its
// key/value forwarders. Used by Add, AddRange, Update, and the pipeline
// when Refresh constructs a replacement entry.
func (c *Cache[K, V]) wireNewEntry(key K, e *entry[K, V], d time.Duration) {
	e.arm(c.cfg.clock, d, func() { c.pipeline.enqueue(key, e) })
	e.subscribeForwarders(c.cfg,
		func(property string) { c.publishPropertyChange(ItemKeyChanged, key, e, property) },
		func(property string) { c.publishPropertyChange(ItemValueChanged, key, e, property) },
	)
}

// rearmExisting re-arms an already-wired entry without touching its
// forwarder subscriptions. Used by UpdateExpiration(Range) and by the
// pipeline when a Refresh finds the loaded value unchanged.
func (c *Cache[K, V]) rearmExisting(key K, e *entry[K, V], d time.Duration) {
	e.arm(c.cfg.clock, d, func() { c.pipeline.enqueue(key, e) })
}

func (c *Cache[K, V]) publishPropertyChange(kind ChangeKind, key K, e *entry[K, V], property string) {
	expiresAt, infinite := e.expiresAtSnapshot()
	ch := Change[K, V]{Kind: kind, Key: key, HasKey: true, Value: e.value, Policy: e.policy, ChangedProperty: property}

	if !infinite {
		ch.ExpiresAt = expiresAt
	}

	c.mux.publish(ch)
}

// Add inserts value under key with the given expiration duration (pass
// Infinite for no expiry) and policy. It fails if key already exists, or
// if policy is Refresh but no loader is configured.
func (c *Cache[K, V]) Add(key K, value V, expiry time.Duration, policy ExpirationPolicy) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	if policy == Refresh && c.cfg.singleLoader == nil && c.cfg.bulkLoader == nil {
		return keyErr("add", key, ErrInvalidConfig)
	}

	e := newEntry[K, V](key, value, policy)
	if !c.store.tryAdd(key, e) {
		return keyErr("add", key, ErrKeyAlreadyExists)
	}

	c.wireNewEntry(key, e, expiry)

	return nil
}

// AddRange inserts every (key, value) pair in items under a shared
// expiry/policy, rejecting the whole batch up front if policy is Refresh
// without a configured loader. Keys already present are reported in
// rejected rather than aborting the rest of the batch.
func (c *Cache[K, V]) AddRange(items map[K]V, expiry time.Duration, policy ExpirationPolicy) (added, rejected []K, err error) {
	if c.disposed.Load() {
		return nil, nil, ErrObjectDisposed
	}

	if policy == Refresh && c.cfg.singleLoader == nil && c.cfg.bulkLoader == nil {
		return nil, nil, ErrInvalidConfig
	}

	entries := make(map[K]*entry[K, V], len(items))
	for k, v := range items {
		entries[k] = newEntry[K, V](k, v, policy)
	}

	added, rejected = c.store.tryAddRange(entries)
	for _, k := range added {
		c.wireNewEntry(k, entries[k], expiry)
	}

	return added, rejected, nil
}

// Contains reports whether key is currently present, regardless of
// whether it has expired under a DoNothing policy.
func (c *Cache[K, V]) Contains(key K) bool {
	return c.store.contains(key)
}

// ContainsAll reports whether every key in keys is present, checking
// concurrently with at most maxConcurrent keys in flight at once. A
// maxConcurrent of zero or less means unbounded concurrency.
func (c *Cache[K, V]) ContainsAll(ctx context.Context, keys []K, maxConcurrent int) (bool, error) {
	results, err := c.containsEach(ctx, keys, maxConcurrent)
	if err != nil {
		return false, err
	}

	for _, ok := range results {
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// ContainsWhich reports, per key, whether it is present.
func (c *Cache[K, V]) ContainsWhich(ctx context.Context, keys []K, maxConcurrent int) (map[K]bool, error) {
	return c.containsEach(ctx, keys, maxConcurrent)
}

func (c *Cache[K, V]) containsEach(ctx context.Context, keys []K, maxConcurrent int) (map[K]bool, error) {
	if c.disposed.Load() {
		return nil, ErrObjectDisposed
	}

	results := make(map[K]bool, len(keys))

	var mu boundedMutex

	sem := newBoundedSemaphore(maxConcurrent, len(keys))
	g, gctx := errgroup.WithContext(ctx)

	for _, k := range keys {
		k := k

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			ok := c.store.contains(k)

			mu.Lock()
			results[k] = ok
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// ExpiresAt reports the absolute instant key is scheduled to expire.
// infinite is true for entries created with Infinite as their expiry.
func (c *Cache[K, V]) ExpiresAt(key K) (at time.Time, infinite bool, err error) {
	if c.disposed.Load() {
		return time.Time{}, false, ErrObjectDisposed
	}

	e, ok := c.store.tryGet(key)
	if !ok {
		return time.Time{}, false, keyErr("expiresAt", key, ErrKeyNotFound)
	}

	at, infinite = e.expiresAtSnapshot()

	return at, infinite, nil
}

// ExpiresIn reports the duration remaining until key expires. It may be
// negative if the entry has already expired but not yet been processed
// by the Expiration Pipeline. Infinite is returned for entries with no
// expiry.
func (c *Cache[K, V]) ExpiresIn(key K) (time.Duration, error) {
	at, infinite, err := c.ExpiresAt(key)
	if err != nil {
		return 0, err
	}

	if infinite {
		return Infinite, nil
	}

	return at.Sub(c.cfg.clock.Now()), nil
}

// Get returns the value stored under key. If the entry has expired and
// throwIfExpired is true, it returns an error wrapping ExpiredError
// instead of the stale value.
func (c *Cache[K, V]) Get(key K, throwIfExpired bool) (V, error) {
	var zero V

	if c.disposed.Load() {
		return zero, ErrObjectDisposed
	}

	e, ok := c.store.tryGet(key)
	if !ok {
		return zero, keyErr("get", key, ErrKeyNotFound)
	}

	now := c.cfg.clock.Now()
	if throwIfExpired && e.expired(now) {
		expiresAt, _ := e.expiresAtSnapshot()
		return zero, keyErr("get", key, &ExpiredError{Key: key, ExpiredAt: expiresAt})
	}

	return e.value, nil
}

// GetResult is one key's outcome from GetRange.
type GetResult[V any] struct {
	Value V
	Err   error
}

// GetRange resolves every key in keys independently, at most
// maxConcurrent at a time (zero or less means unbounded), never failing
// the whole call because one key was missing or expired.
func (c *Cache[K, V]) GetRange(ctx context.Context, keys []K, throwIfExpired bool, maxConcurrent int) (map[K]GetResult[V], error) {
	if c.disposed.Load() {
		return nil, ErrObjectDisposed
	}

	results := make(map[K]GetResult[V], len(keys))

	var mu boundedMutex

	sem := newBoundedSemaphore(maxConcurrent, len(keys))
	g, gctx := errgroup.WithContext(ctx)

	for _, k := range keys {
		k := k

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			v, err := c.Get(k, throwIfExpired)

			mu.Lock()
			results[k] = GetResult[V]{Value: v, Err: err}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Remove deletes key, canceling its timer and unsubscribing any property
// forwarders. It fails if key is not present.
func (c *Cache[K, V]) Remove(key K) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	e, ok := c.store.tryRemove(key)
	if !ok {
		return keyErr("remove", key, ErrKeyNotFound)
	}

	e.disarm()
	e.unsubscribeForwarders()

	return nil
}

// RemoveRange removes every key in keys that is present, returning which
// keys were actually removed. Missing keys are reported as failures via
// the returned aggregate error (combineErrors), but never prevent the
// other keys from being removed.
func (c *Cache[K, V]) RemoveRange(keys []K) (removed []K, err error) {
	if c.disposed.Load() {
		return nil, ErrObjectDisposed
	}

	expected := make(map[K]*entry[K, V])

	var missing []error

	for _, k := range keys {
		e, ok := c.store.tryGet(k)
		if !ok {
			missing = append(missing, keyErr("remove", k, ErrKeyNotFound))
			continue
		}

		expected[k] = e
	}

	removedEntries, _ := c.store.tryRemoveRange(expected)

	removed = make([]K, 0, len(removedEntries))
	for k, e := range removedEntries {
		e.disarm()
		e.unsubscribeForwarders()
		removed = append(removed, k)
	}

	return removed, combineErrors(missing...)
}

// Update replaces the value stored under key, preserving its remaining
// time-to-live and policy. It fails if key is absent or has already
// expired.
func (c *Cache[K, V]) Update(key K, value V) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	e, ok := c.store.tryGet(key)
	if !ok {
		return keyErr("update", key, ErrKeyNotFound)
	}

	now := c.cfg.clock.Now()
	if e.expired(now) {
		expiresAt, _ := e.expiresAtSnapshot()
		return keyErr("update", key, &ExpiredError{Key: key, ExpiredAt: expiresAt})
	}

	remaining := c.remainingTTL(e, now)

	replacement := newEntry[K, V](key, value, e.policy)
	replacement.carryUpdateCountFrom(e)
	c.wireNewEntry(key, replacement, remaining)

	if _, updated := c.store.tryUpdate(key, replacement); !updated {
		replacement.disarm()
		replacement.unsubscribeForwarders()

		return keyErr("update", key, ErrKeyNotFound)
	}

	e.disarm()
	e.unsubscribeForwarders()

	return nil
}

func (c *Cache[K, V]) remainingTTL(e *entry[K, V], now time.Time) time.Duration {
	expiresAt, infinite := e.expiresAtSnapshot()
	if infinite {
		return Infinite
	}

	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	return remaining
}

// UpdateRange replaces the values for every key in items. The
// missing/expired pre-check is all-or-nothing: if any key fails it, no
// key is updated and the combined pre-check errors are returned. Once
// the pre-check passes, each key is applied independently; a late race
// on an individual key is reported in the returned aggregate error but
// does not roll back the others.
func (c *Cache[K, V]) UpdateRange(items map[K]V) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	now := c.cfg.clock.Now()

	var precheck []error

	for k := range items {
		e, ok := c.store.tryGet(k)
		if !ok {
			precheck = append(precheck, keyErr("update", k, ErrKeyNotFound))
			continue
		}

		if e.expired(now) {
			expiresAt, _ := e.expiresAtSnapshot()
			precheck = append(precheck, keyErr("update", k, &ExpiredError{Key: k, ExpiredAt: expiresAt}))
		}
	}

	if len(precheck) > 0 {
		return combineErrors(precheck...)
	}

	var applyErrs []error

	for k, v := range items {
		if err := c.Update(k, v); err != nil {
			applyErrs = append(applyErrs, err)
		}
	}

	return combineErrors(applyErrs...)
}

// UpdateExpiration re-arms key's timer with a new duration, clearing any
// expired state — the documented way to resurrect a DoNothing-expired
// entry. It fails only if key is absent.
func (c *Cache[K, V]) UpdateExpiration(key K, expiry time.Duration) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	e, ok := c.store.tryGet(key)
	if !ok {
		return keyErr("updateExpiration", key, ErrKeyNotFound)
	}

	c.rearmExisting(key, e, expiry)

	return nil
}

// UpdateExpirationRange re-arms every key in keys with expiry, reporting
// missing keys in the returned aggregate error without affecting keys
// that were found.
func (c *Cache[K, V]) UpdateExpirationRange(keys []K, expiry time.Duration) error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	var errs []error

	for _, k := range keys {
		if err := c.UpdateExpiration(k, expiry); err != nil {
			errs = append(errs, err)
		}
	}

	return combineErrors(errs...)
}

// Clear removes every entry, canceling timers and forwarders, and emits
// a single Reset rather than one ItemRemoved per entry.
func (c *Cache[K, V]) Clear() error {
	if c.disposed.Load() {
		return ErrObjectDisposed
	}

	entries := c.store.clear()
	for _, e := range entries {
		e.disarm()
		e.unsubscribeForwarders()
	}

	c.mux.publish(resetChange[K, V]())
	c.mux.publishCount()

	return nil
}

// Count reports the number of entries currently stored, including
// entries that have expired under a DoNothing policy.
func (c *Cache[K, V]) Count() int {
	return c.store.count()
}

// SnapshotKeys returns every currently-stored key, in no particular
// order.
func (c *Cache[K, V]) SnapshotKeys() []K {
	return c.store.snapshotKeys()
}

// SnapshotValues returns every currently-stored value, in no particular
// order, including DoNothing-expired entries.
func (c *Cache[K, V]) SnapshotValues() []V {
	return c.store.snapshotValues()
}

// Changes subscribes to every change on every stream, in publish order.
func (c *Cache[K, V]) Changes() (<-chan Change[K, V], func()) { return c.mux.all.Subscribe() }

// KeyChanges subscribes to ItemKeyChanged events only.
func (c *Cache[K, V]) KeyChanges() (<-chan Change[K, V], func()) { return c.mux.keyChanges.Subscribe() }

// ValueChanges subscribes to ItemValueChanged and ItemValueReplaced
// events only.
func (c *Cache[K, V]) ValueChanges() (<-chan Change[K, V], func()) {
	return c.mux.valueChanges.Subscribe()
}

// Expirations subscribes to ItemExpired events only.
func (c *Cache[K, V]) Expirations() (<-chan Change[K, V], func()) { return c.mux.expirations.Subscribe() }

// Resets subscribes to Reset events only.
func (c *Cache[K, V]) Resets() (<-chan Change[K, V], func()) { return c.mux.resets.Subscribe() }

// CountChanges subscribes to the live entry count, published after every
// structural mutation unless suppressed.
func (c *Cache[K, V]) CountChanges() (<-chan int, func()) { return c.mux.countChanges.Subscribe() }

// Exceptions registers handler on the Observer-Exception Channel (§4.5).
// handler is invoked synchronously, on whatever goroutine raised the
// exception, for every exception published while it remains subscribed;
// it must call Handle() before returning to mark the exception handled.
// The returned unsubscribe function may be called at most once.
func (c *Cache[K, V]) Exceptions(handler func(*ObserverException)) (unsubscribe func()) {
	return c.exceptions.Subscribe(handler)
}

// SuppressChanges suppresses every change stream (including Resets and
// CountChanges) until the returned scope is released.
func (c *Cache[K, V]) SuppressChanges(signalReset bool) *suppressionScope[K, V] {
	return c.mux.suppress(categoryOverall, signalReset)
}

// SuppressItemChanges suppresses per-item change events (everything
// except Reset) until the returned scope is released.
func (c *Cache[K, V]) SuppressItemChanges(signalReset bool) *suppressionScope[K, V] {
	return c.mux.suppress(categoryItemChanges, signalReset)
}

// SuppressResets suppresses Reset events until the returned scope is
// released.
func (c *Cache[K, V]) SuppressResets() *suppressionScope[K, V] {
	return c.mux.suppress(categoryResets, false)
}

// SuppressCountChanges suppresses CountChanges events until the returned
// scope is released.
func (c *Cache[K, V]) SuppressCountChanges() *suppressionScope[K, V] {
	return c.mux.suppress(categoryCountChanges, false)
}

// Dispose permanently shuts the cache down: it stops the Expiration
// Pipeline, cancels every entry's timer, unsubscribes every forwarder,
// clears the store without emitting a Reset, and completes every change
// and exception stream with a normal close. Dispose is idempotent; every
// other method with an error result returns ErrObjectDisposed after it.
func (c *Cache[K, V]) Dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}

	c.pipeline.stop()

	entries := c.store.clear()
	for _, e := range entries {
		e.disarm()
		e.unsubscribeForwarders()
	}

	c.mux.close()
	c.exceptions.close()

	return nil
}
