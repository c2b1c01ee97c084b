package livecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// defaultRefreshConcurrency bounds how many single-key loader calls a
// Refresh batch runs at once when no bulk loader is configured.
const defaultRefreshConcurrency = 8

// pipeline is the Expiration Pipeline (§4.3): entries whose timer fires
// are accumulated over a chill window (cfg.batchWindow) and then, as one
// batch, filtered for staleness, announced on the Expirations stream,
// grouped by policy, and resolved — removed, left alone, or refreshed.
type pipeline[K comparable, V any] struct {
	cfg        *config[K, V]
	store      *store[K, V]
	mux        *multiplexer[K, V]
	exceptions *exceptionChannel
	clock      Clock

	// wireNewEntry arms a freshly constructed entry (Refresh replacing a
	// value) and subscribes its key/value forwarders.
	wireNewEntry func(key K, e *entry[K, V], d time.Duration)
	// rearmExisting re-arms an already-wired entry (its forwarders stay
	// subscribed) after a Refresh finds the value unchanged.
	rearmExisting func(key K, e *entry[K, V], d time.Duration)

	mu          sync.Mutex
	pending     map[K]*entry[K, V]
	timerArmed  bool
	cancelTimer func() bool

	sf singleflight.Group

	stopped atomic.Bool
}

func newPipeline[K comparable, V any](
	cfg *config[K, V],
	st *store[K, V],
	mux *multiplexer[K, V],
	exceptions *exceptionChannel,
	clock Clock,
	wireNewEntry func(K, *entry[K, V], time.Duration),
	rearmExisting func(K, *entry[K, V], time.Duration),
) *pipeline[K, V] {
	return &pipeline[K, V]{
		cfg:           cfg,
		store:         st,
		mux:           mux,
		exceptions:    exceptions,
		clock:         clock,
		wireNewEntry:  wireNewEntry,
		rearmExisting: rearmExisting,
		pending:       make(map[K]*entry[K, V]),
	}
}

// enqueue is the onFire callback armed on every entry's timer. It never
// calls user code and never blocks the firing goroutine beyond a short
// mutex hold.
func (p *pipeline[K, V]) enqueue(key K, e *entry[K, V]) {
	if p.stopped.Load() {
		return
	}

	p.mu.Lock()
	p.pending[key] = e

	if !p.timerArmed {
		p.timerArmed = true
		p.cancelTimer = p.clock.AfterFunc(p.cfg.batchWindow, p.flush)
	}
	p.mu.Unlock()
}

func (p *pipeline[K, V]) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[K]*entry[K, V])
	p.timerArmed = false
	p.cancelTimer = nil
	p.mu.Unlock()

	if p.stopped.Load() || len(batch) == 0 {
		return
	}

	p.process(batch)
}

// process applies the §4.3 algorithm to one fired batch: drop stale
// signals, emit ItemExpired for every survivor, then resolve by policy.
func (p *pipeline[K, V]) process(batch map[K]*entry[K, V]) {
	now := p.clock.Now()
	survivors := make(map[K]*entry[K, V], len(batch))

	for key, e := range batch {
		cur, ok := p.store.tryGet(key)
		if !ok || cur != e {
			// removed, or replaced by a concurrent Update/Refresh since
			// this timer fired: this signal is stale.
			continue
		}

		if !e.expired(now) {
			// resurrected (UpdateExpiration re-armed it) between firing
			// and batch processing.
			e.clearExpired()
			continue
		}

		survivors[key] = e
	}

	if len(survivors) == 0 {
		return
	}

	for key, e := range survivors {
		p.mux.publish(p.expiredChange(key, e))
	}

	var doNothing, remove, refresh []K

	for key, e := range survivors {
		switch e.policy {
		case DoNothing:
			doNothing = append(doNothing, key)
		case Remove:
			remove = append(remove, key)
		case Refresh:
			refresh = append(refresh, key)
		}
	}

	if len(remove) > 0 {
		p.applyRemove(remove, survivors)
	}

	if len(refresh) > 0 {
		p.applyRefresh(refresh, survivors)
	}

	// doNothing: the entry stays in the store, expired, untouched, until
	// a later Update/UpdateExpiration/Remove changes it.
}

func (p *pipeline[K, V]) expiredChange(key K, e *entry[K, V]) Change[K, V] {
	expiresAt, infinite := e.expiresAtSnapshot()
	c := Change[K, V]{Kind: ItemExpired, Key: key, HasKey: true, Value: e.value, Policy: e.policy}

	if !infinite {
		c.ExpiresAt = expiresAt
	}

	return c
}

func (p *pipeline[K, V]) applyRemove(keys []K, byKey map[K]*entry[K, V]) {
	expected := make(map[K]*entry[K, V], len(keys))
	for _, k := range keys {
		expected[k] = byKey[k]
	}

	removed, _ := p.store.tryRemoveRange(expected)
	for _, e := range removed {
		e.disarm()
		e.unsubscribeForwarders()
	}
}

// applyRefresh resolves every Refresh-policy survivor in the batch,
// preferring the bulk loader when more than one key needs a fresh value
// (or when no single-key loader is configured at all), and otherwise
// fanning out to the single-key loader with bounded concurrency and
// singleflight dedup against any identical concurrent load.
func (p *pipeline[K, V]) applyRefresh(keys []K, byKey map[K]*entry[K, V]) {
	ctx := context.Background()

	results := make(map[K]V)
	var resultsMu sync.Mutex

	var loadErrs []error
	var errsMu sync.Mutex

	recordErr := func(message string, cause error) {
		if guardErr := p.exceptions.guard(ctx, message, func() error { return cause }); guardErr != nil {
			errsMu.Lock()
			loadErrs = append(loadErrs, guardErr)
			errsMu.Unlock()
		}
	}

	useBulk := p.cfg.bulkLoader != nil && (len(keys) > 1 || p.cfg.singleLoader == nil)

	switch {
	case useBulk:
		v, err := p.cfg.bulkLoader(ctx, keys)
		if err != nil {
			recordErr("bulk refresh loader failed", err)
		} else {
			results = v
		}
	case p.cfg.singleLoader != nil:
		sem := semaphore.NewWeighted(defaultRefreshConcurrency)

		var wg sync.WaitGroup

		for _, k := range keys {
			k := k

			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := sem.Acquire(ctx, 1); err != nil {
					recordErr("refresh loader failed", err)
					return
				}
				defer sem.Release(1)

				v, err, _ := p.sf.Do(fmt.Sprintf("%v", k), func() (any, error) {
					return p.cfg.singleLoader(ctx, k)
				})
				if err != nil {
					recordErr("refresh loader failed", keyErr("refresh", k, err))
					return
				}

				resultsMu.Lock()
				results[k] = v.(V)
				resultsMu.Unlock()
			}()
		}

		wg.Wait()
	}

	if len(loadErrs) > 0 && p.cfg.throwOnExpirationErrors {
		p.stopped.Store(true)
	}

	for _, k := range keys {
		p.applyRefreshResult(k, byKey[k], results)
	}
}

func (p *pipeline[K, V]) applyRefreshResult(k K, e *entry[K, V], results map[K]V) {
	newVal, ok := results[k]
	if !ok {
		// loader either didn't return this key or failed (whether or not
		// the error was handled): leave the stale value in place, disarmed.
		e.disarm()
		return
	}

	if p.cfg.valueEqual(e.value, newVal) {
		p.rearmExisting(k, e, e.originalExpiry)
		return
	}

	replacement := newEntry[K, V](k, newVal, e.policy)
	replacement.carryUpdateCountFrom(e)
	p.wireNewEntry(k, replacement, e.originalExpiry)

	if _, updated := p.store.tryUpdate(k, replacement); !updated {
		replacement.disarm()
		replacement.unsubscribeForwarders()

		return
	}

	e.disarm()
	e.unsubscribeForwarders()
}

// stop cancels any pending batch timer and permanently disables further
// processing, used by Cache.Dispose.
func (p *pipeline[K, V]) stop() {
	p.mu.Lock()
	if p.cancelTimer != nil {
		p.cancelTimer()
		p.cancelTimer = nil
	}

	p.timerArmed = false
	p.mu.Unlock()

	p.stopped.Store(true)
}
