package livecache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// orderCapacity bounds the ordered key index used for deterministic
// snapshotKeys iteration. It is sized so no realistic cache ever fills
// it; the index is never used for size-based eviction, which remains
// out of scope for this cache.
const orderCapacity = 1 << 31

// storageChange reports one structural mutation the Keyed Store itself
// produced; its kind is the subset of ChangeKind the store can emit.
// ItemValueChanged/ItemKeyChanged (entry-forwarded), ItemExpired
// (pipeline-originated) and Reset (facade-emitted around Clear) are
// translated and emitted by the components that own them, not by the store.
type storageChange[K comparable, V any] struct {
	kind  ChangeKind // ItemAdded, ItemRemoved, or ItemValueReplaced
	key   K
	entry *entry[K, V]
	old   *entry[K, V]
}

// store is the Keyed Store (§4.1): a concurrent key→entry map with
// single-key and bulk try-* primitives that report which keys succeeded.
// All operations are synchronous and thread-safe; the store never calls
// user code and never blocks on a subscriber.
type store[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]*entry[K, V]

	// order tracks key insertion/update order so snapshotKeys is
	// deterministic; it holds no value of its own and is never allowed to
	// evict (orderCapacity is effectively unreachable).
	order *simplelru.LRU[K, struct{}]

	keyEqual func(a, b K) bool

	onChange func(storageChange[K, V])
}

func newStore[K comparable, V any](keyEqual func(a, b K) bool, onChange func(storageChange[K, V])) *store[K, V] {
	order, err := simplelru.NewLRU[K, struct{}](orderCapacity, nil)
	if err != nil {
		// orderCapacity is a positive constant; NewLRU only rejects size <= 0.
		panic(err)
	}

	return &store[K, V]{
		data:     make(map[K]*entry[K, V]),
		order:    order,
		keyEqual: keyEqual,
		onChange: onChange,
	}
}

// tryAdd inserts e under key iff key is absent.
func (s *store[K, V]) tryAdd(key K, e *entry[K, V]) bool {
	s.mu.Lock()
	_, exists := s.data[key]
	if exists {
		s.mu.Unlock()
		return false
	}

	s.data[key] = e
	s.order.Add(key, struct{}{})
	s.mu.Unlock()

	s.onChange(storageChange[K, V]{kind: ItemAdded, key: key, entry: e})

	return true
}

// tryAddRange inserts every (key, entry) pair whose key is absent,
// reporting which keys were added and which were rejected because they
// already existed.
func (s *store[K, V]) tryAddRange(items map[K]*entry[K, V]) (added, rejected []K) {
	type pending struct {
		key K
		e   *entry[K, V]
	}

	var toNotify []pending

	s.mu.Lock()
	for key, e := range items {
		if _, exists := s.data[key]; exists {
			rejected = append(rejected, key)
			continue
		}

		s.data[key] = e
		s.order.Add(key, struct{}{})
		added = append(added, key)
		toNotify = append(toNotify, pending{key, e})
	}
	s.mu.Unlock()

	for _, p := range toNotify {
		s.onChange(storageChange[K, V]{kind: ItemAdded, key: p.key, entry: p.e})
	}

	return added, rejected
}

func (s *store[K, V]) tryGet(key K) (*entry[K, V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]

	return e, ok
}

func (s *store[K, V]) contains(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[key]

	return ok
}

// tryUpdate replaces the entry stored under key with newEntry iff key is
// present, emitting ItemValueReplaced.
func (s *store[K, V]) tryUpdate(key K, newEntry *entry[K, V]) (old *entry[K, V], updated bool) {
	s.mu.Lock()
	old, exists := s.data[key]
	if !exists {
		s.mu.Unlock()
		return nil, false
	}

	s.data[key] = newEntry
	s.order.Add(key, struct{}{})
	s.mu.Unlock()

	s.onChange(storageChange[K, V]{kind: ItemValueReplaced, key: key, entry: newEntry, old: old})

	return old, true
}

func (s *store[K, V]) tryRemove(key K) (*entry[K, V], bool) {
	s.mu.Lock()
	e, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}

	delete(s.data, key)
	s.order.Remove(key)
	s.mu.Unlock()

	s.onChange(storageChange[K, V]{kind: ItemRemoved, key: key, entry: e})

	return e, true
}

// tryRemoveRange removes every key in expected whose currently-stored
// entry is identical (by pointer) to the expected one, so a concurrent
// replacement between scheduling and application is never clobbered.
// Returns the entries actually removed (keyed so callers can disarm/
// unsubscribe them) and which keys were kept because they no longer
// matched.
func (s *store[K, V]) tryRemoveRange(expected map[K]*entry[K, V]) (removed map[K]*entry[K, V], kept []K) {
	removed = make(map[K]*entry[K, V])

	s.mu.Lock()
	for key, want := range expected {
		got, ok := s.data[key]
		if !ok || got != want {
			kept = append(kept, key)
			continue
		}

		delete(s.data, key)
		s.order.Remove(key)
		removed[key] = got
	}
	s.mu.Unlock()

	for key, e := range removed {
		s.onChange(storageChange[K, V]{kind: ItemRemoved, key: key, entry: e})
	}

	return removed, kept
}

// clear atomically empties the store, returning a snapshot of every
// entry removed. Per §9's resolved open question, clear only ever
// triggers a single Reset on the change streams — callers emit that
// Reset themselves; clear never emits a per-entry ItemRemoved.
func (s *store[K, V]) clear() []*entry[K, V] {
	s.mu.Lock()
	snapshot := make([]*entry[K, V], 0, len(s.data))
	for _, e := range s.data {
		snapshot = append(snapshot, e)
	}

	s.data = make(map[K]*entry[K, V])
	s.order.Purge()
	s.mu.Unlock()

	return snapshot
}

func (s *store[K, V]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// snapshotKeys returns every currently-stored key in least-to-most-
// recently-added/updated order. §4.1 only promises *some* deterministic
// order, not insertion order specifically — this is the order the
// underlying ordered index happens to track.
func (s *store[K, V]) snapshotKeys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.order.Keys()

	return keys
}

// snapshotValues returns every currently-stored value, including values
// whose entry has a DoNothing policy and has already expired — per the
// resolved open question in §9, DoNothing-expired entries are not
// excluded from snapshots.
func (s *store[K, V]) snapshotValues() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]V, 0, len(s.data))
	for _, e := range s.data {
		values = append(values, e.value)
	}

	return values
}
