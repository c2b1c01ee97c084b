package livecache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/caerulea/livecache/internal/bus"
)

// suppressionCategory names one of the four independent suppression
// switches described in §4.4.
type suppressionCategory int

const (
	categoryOverall suppressionCategory = iota
	categoryItemChanges
	categoryResets
	categoryCountChanges
)

// multiplexer is the Change Multiplexer (§4.4): it merges storage-level
// changes, entry-forwarded key/value property changes, and expiration
// pipeline output into one ordered Changes stream, plus filtered
// sub-streams, suppression scopes, and coalescing.
type multiplexer[K comparable, V any] struct {
	all          *bus.Bus[Change[K, V]]
	keyChanges   *bus.Bus[Change[K, V]]
	valueChanges *bus.Bus[Change[K, V]]
	expirations  *bus.Bus[Change[K, V]]
	resets       *bus.Bus[Change[K, V]]
	countChanges *bus.Bus[int]

	scheduler Scheduler

	resetCoalesceThreshold int
	liveCount              func() int

	mu     sync.Mutex
	scopes map[uuid.UUID]*suppressionScope[K, V]
}

func newMultiplexer[K comparable, V any](scheduler Scheduler, resetCoalesceThreshold int, liveCount func() int) *multiplexer[K, V] {
	return &multiplexer[K, V]{
		all:                    bus.New[Change[K, V]](),
		keyChanges:             bus.New[Change[K, V]](),
		valueChanges:           bus.New[Change[K, V]](),
		expirations:            bus.New[Change[K, V]](),
		resets:                 bus.New[Change[K, V]](),
		countChanges:           bus.New[int](),
		scheduler:              scheduler,
		resetCoalesceThreshold: resetCoalesceThreshold,
		liveCount:              liveCount,
		scopes:                 make(map[uuid.UUID]*suppressionScope[K, V]),
	}
}

// suppressionScope is the token returned by a Suppress* call. It must be
// released exactly once (via Release); while held, it both suppresses
// matching events and — whatever its category — counts the storage
// mutations that occur during its lifetime, for coalescing.
type suppressionScope[K comparable, V any] struct {
	id          uuid.UUID
	category    suppressionCategory
	signalReset bool
	mux         *multiplexer[K, V]
	mutations   atomic.Int64
	released    atomic.Bool
}

// Release ends the suppression scope. If the scope accumulated at least
// the configured resetCoalesceThreshold storage mutations, a single Reset
// is emitted unconditionally; otherwise a Reset is emitted only if the
// scope was created with signalReset=true. Release is idempotent.
func (s *suppressionScope[K, V]) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}

	s.mux.mu.Lock()
	delete(s.mux.scopes, s.id)
	s.mux.mu.Unlock()

	coalesced := s.mutations.Load() >= int64(s.mux.resetCoalesceThreshold)
	if coalesced || s.signalReset {
		s.mux.publish(resetChange[K, V]())
	}
}

func categoryFor(kind ChangeKind) suppressionCategory {
	if kind == Reset {
		return categoryResets
	}

	return categoryItemChanges
}

// suppressed reports whether events of category should currently be
// dropped: true if the overall switch is held, or if the category's own
// switch is held.
func (m *multiplexer[K, V]) suppressed(category suppressionCategory) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.scopes {
		if s.category == categoryOverall || s.category == category {
			return true
		}
	}

	return false
}

// countMutation records a storage mutation against every currently-held
// suppression scope, for coalescing purposes.
func (m *multiplexer[K, V]) countMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.scopes {
		s.mutations.Add(1)
	}
}

// suppress starts a new suppression scope for category.
func (m *multiplexer[K, V]) suppress(category suppressionCategory, signalReset bool) *suppressionScope[K, V] {
	s := &suppressionScope[K, V]{id: uuid.New(), category: category, signalReset: signalReset, mux: m}

	m.mu.Lock()
	m.scopes[s.id] = s
	m.mu.Unlock()

	return s
}

// publish dispatches change to the unified stream and its matching
// sub-stream, respecting active suppression. Dispatch runs via the
// configured notification scheduler so the caller's mutation path is
// never the one that has to wait on a slow subscriber directly (the bus
// itself already decouples per-subscriber delivery).
func (m *multiplexer[K, V]) publish(change Change[K, V]) {
	category := categoryFor(change.Kind)
	if m.suppressed(category) {
		return
	}

	m.scheduler.Run(func() {
		m.all.Publish(change)

		switch change.Kind {
		case ItemKeyChanged:
			m.keyChanges.Publish(change)
		case ItemValueChanged, ItemValueReplaced:
			m.valueChanges.Publish(change)
		case ItemExpired:
			m.expirations.Publish(change)
		case Reset:
			m.resets.Publish(change)
		}
	})
}

// publishCount emits the current entry count on the CountChanges stream,
// subject to the count-changes (and overall) suppression switches.
func (m *multiplexer[K, V]) publishCount() {
	if m.suppressed(categoryCountChanges) {
		return
	}

	n := m.liveCount()
	m.scheduler.Run(func() {
		m.countChanges.Publish(n)
	})
}

// close completes every change and count-change stream, used when the
// owning cache is disposed.
func (m *multiplexer[K, V]) close() {
	m.all.Close()
	m.keyChanges.Close()
	m.valueChanges.Close()
	m.expirations.Close()
	m.resets.Close()
	m.countChanges.Close()
}

// ingestStorageChange translates a storage-level mutation into a Change
// and publishes it, also feeding the coalescing counters. Reset is never
// produced here — callers that clear the store publish a Reset directly.
func (m *multiplexer[K, V]) ingestStorageChange(sc storageChange[K, V]) {
	m.countMutation()

	switch sc.kind {
	case ItemAdded:
		expiresAt, infinite := sc.entry.expiresAtSnapshot()
		c := Change[K, V]{Kind: ItemAdded, Key: sc.key, HasKey: true, Value: sc.entry.value, Policy: sc.entry.policy}
		if !infinite {
			c.ExpiresAt = expiresAt
		}

		m.publish(c)
		m.publishCount()
	case ItemRemoved:
		expiresAt, infinite := sc.entry.expiresAtSnapshot()
		c := Change[K, V]{Kind: ItemRemoved, Key: sc.key, HasKey: true, Value: sc.entry.value, Policy: sc.entry.policy}
		if !infinite {
			c.ExpiresAt = expiresAt
		}

		m.publish(c)
		m.publishCount()
	case ItemValueReplaced:
		expiresAt, infinite := sc.entry.expiresAtSnapshot()
		c := Change[K, V]{
			Kind: ItemValueReplaced, Key: sc.key, HasKey: true,
			Value: sc.entry.value, Policy: sc.entry.policy,
			OldValue: sc.old.value, HasOldValue: true,
		}
		if !infinite {
			c.ExpiresAt = expiresAt
		}

		m.publish(c)
	}
}
