package livecache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, clock *VirtualClock, opts ...Option[string, int]) *Cache[string, int] {
	t.Helper()

	all := append([]Option[string, int]{WithClock[string, int](clock)}, opts...)
	c := New[string, int](all...)
	t.Cleanup(func() { _ = c.Dispose() })

	return c
}

// Scenario 1 (§8): expiry-removes.
func TestCacheExpiryRemoves(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock, WithExpirationBatchWindow[string, int](10*time.Millisecond))

	changes, stop := c.Changes()
	defer stop()

	require.NoError(t, c.Add("a", 1, 50*time.Millisecond, Remove))

	added := <-changes
	assert.Equal(t, ItemAdded, added.Kind)
	assert.Equal(t, 1, added.Value)

	clock.Advance(50 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	expired := <-changes
	assert.Equal(t, ItemExpired, expired.Kind)
	assert.Equal(t, 1, expired.Value)

	removed := <-changes
	assert.Equal(t, ItemRemoved, removed.Kind)
	assert.Equal(t, 1, removed.Value)

	assert.False(t, c.Contains("a"))

	_, err := c.Get("a", true)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// Scenario 2 (§8): expiry-refreshes, then re-arms for another window.
func TestCacheExpiryRefreshes(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock,
		WithExpirationBatchWindow[string, int](10*time.Millisecond),
		WithSingleLoader[string, int](func(ctx context.Context, key string) (int, error) {
			return len(key), nil
		}),
	)

	changes, stop := c.Changes()
	defer stop()

	require.NoError(t, c.Add("xyz", 999, 50*time.Millisecond, Refresh))
	<-changes // ItemAdded

	clock.Advance(50 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	expired := <-changes
	assert.Equal(t, ItemExpired, expired.Kind)

	replaced := <-changes
	assert.Equal(t, ItemValueReplaced, replaced.Kind)
	assert.Equal(t, 999, replaced.OldValue)
	assert.Equal(t, 3, replaced.Value)

	v, err := c.Get("xyz", true)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	remaining, err := c.ExpiresIn("xyz")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 50*time.Millisecond)
}

// Scenario 3 (§8): DoNothing leaves the entry readable-but-expired.
func TestCacheDoNothingLeavesEntryInPlace(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock, WithExpirationBatchWindow[string, int](10*time.Millisecond))

	require.NoError(t, c.Add("k", 1, 10*time.Millisecond, DoNothing))

	clock.Advance(100 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	v, err := c.Get("k", false)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = c.Get("k", true)
	assert.ErrorIs(t, err, ErrKeyHasExpired)

	assert.True(t, c.Contains("k"))
}

// Scenario 4 (§8): bulk refresh coalescing — one batch, all ItemExpired
// before any ItemValueReplaced.
func TestCacheBulkRefreshCoalescing(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock,
		WithExpirationBatchWindow[string, int](100*time.Millisecond),
		WithBulkLoader[string, int](func(ctx context.Context, keys []string) (map[string]int, error) {
			out := make(map[string]int, len(keys))
			for _, k := range keys {
				out[k] = len(k) + 1000
			}

			return out, nil
		}),
	)

	changes, stop := c.Changes()
	defer stop()

	require.NoError(t, c.Add("a", 1, 50*time.Millisecond, Refresh))
	require.NoError(t, c.Add("b", 2, 50*time.Millisecond, Refresh))
	require.NoError(t, c.Add("c", 3, 50*time.Millisecond, Refresh))

	<-changes // ItemAdded a
	<-changes // ItemAdded b
	<-changes // ItemAdded c

	clock.Advance(50 * time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	var kinds []ChangeKind
	for i := 0; i < 6; i++ {
		kinds = append(kinds, (<-changes).Kind)
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, ItemExpired, kinds[i], "expected ItemExpired events first, got %v", kinds)
	}

	for i := 3; i < 6; i++ {
		assert.Equal(t, ItemValueReplaced, kinds[i], "expected ItemValueReplaced events last, got %v", kinds)
	}
}

// Scenario 5 (§8): an always-failing Refresh loader is isolated by the
// Observer-Exception Channel once the exception is marked handled.
func TestCacheObserverErrorIsolation(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock,
		WithExpirationBatchWindow[string, int](10*time.Millisecond),
		WithThrowOnExpirationErrors[string, int](false),
		WithSingleLoader[string, int](func(ctx context.Context, key string) (int, error) {
			return 0, assert.AnError
		}),
	)

	var handled atomic.Int64

	stop := c.Exceptions(func(exc *ObserverException) {
		handled.Add(1)
		exc.Handle()
	})
	defer stop()

	require.NoError(t, c.Add("a", 1, 10*time.Millisecond, Refresh))
	require.NoError(t, c.Add("b", 2, 10*time.Millisecond, Refresh))

	clock.Advance(10 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	assert.False(t, c.pipeline.stopped.Load())
	assert.Equal(t, int64(2), handled.Load())

	require.NoError(t, c.Add("c", 3, Infinite, DoNothing))
	v, err := c.Get("c", true)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

// Scenario 6 (§8): suppression scope with signalReset delivers exactly one
// Reset and no ItemAdded events for mutations made inside the scope.
func TestCacheSuppressionScopeSignalsSingleReset(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	changes, stop := c.Changes()
	defer stop()

	resets, stopResets := c.Resets()
	defer stopResets()

	scope := c.SuppressChanges(true)

	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		require.NoError(t, c.Add(key, i, Infinite, DoNothing))
	}

	scope.Release()

	gotReset := <-resets
	assert.Equal(t, Reset, gotReset.Kind)

	// The single Reset is also delivered on the unified stream; nothing
	// else (no ItemAdded for the 5 suppressed mutations) precedes or
	// follows it there.
	gotAll := <-changes
	assert.Equal(t, Reset, gotAll.Kind)

	select {
	case ch := <-changes:
		t.Fatalf("expected no further changes delivered from the suppressed scope, got %+v", ch)
	default:
	}

	assert.Equal(t, 5, c.Count())
}

// Round-trip / idempotence properties (§8).
func TestCacheRoundTripProperties(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	require.NoError(t, c.Add("k", 1, Infinite, DoNothing))
	v, err := c.Get("k", true)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, c.Update("k", 2))
	v, err = c.Get("k", true)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	require.NoError(t, c.UpdateExpiration("k", 10*time.Second))

	remaining, err := c.ExpiresIn("k")
	require.NoError(t, err)
	assert.LessOrEqual(t, remaining, 10*time.Second)
	assert.Greater(t, remaining, 9*time.Second)

	require.NoError(t, c.Remove("k"))
	assert.False(t, c.Contains("k"))

	err = c.Remove("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCacheAddRejectsDuplicateKey(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	require.NoError(t, c.Add("k", 1, Infinite, DoNothing))

	err := c.Add("k", 2, Infinite, DoNothing)
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)
}

func TestCacheAddRefreshWithoutLoaderIsInvalidConfig(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	err := c.Add("k", 1, time.Second, Refresh)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCacheUpdateOnExpiredEntryFails(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock, WithExpirationBatchWindow[string, int](10*time.Millisecond))

	require.NoError(t, c.Add("k", 1, 10*time.Millisecond, DoNothing))
	clock.Advance(20 * time.Millisecond)

	err := c.Update("k", 2)
	assert.ErrorIs(t, err, ErrKeyHasExpired)
}

func TestCacheOperationsFailAfterDispose(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := New[string, int](WithClock[string, int](clock))

	require.NoError(t, c.Add("k", 1, Infinite, DoNothing))
	require.NoError(t, c.Dispose())

	assert.ErrorIs(t, c.Add("k2", 1, Infinite, DoNothing), ErrObjectDisposed)
	assert.ErrorIs(t, c.Remove("k"), ErrObjectDisposed)
	_, err := c.Get("k", true)
	assert.ErrorIs(t, err, ErrObjectDisposed)

	// Dispose is idempotent.
	assert.NoError(t, c.Dispose())
}

func TestCacheClearEmitsResetNotPerEntryRemovals(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	changes, stop := c.Changes()
	defer stop()

	require.NoError(t, c.Add("a", 1, Infinite, DoNothing))
	require.NoError(t, c.Add("b", 2, Infinite, DoNothing))

	<-changes // ItemAdded a
	<-changes // ItemAdded b

	require.NoError(t, c.Clear())

	got := <-changes
	assert.Equal(t, Reset, got.Kind)
	assert.Equal(t, 0, c.Count())
}

func TestCacheAddRangePartitionsAddedAndRejected(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	require.NoError(t, c.Add("a", 1, Infinite, DoNothing))

	added, rejected, err := c.AddRange(map[string]int{"a": 10, "b": 2, "c": 3}, Infinite, DoNothing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, added)
	assert.ElementsMatch(t, []string{"a"}, rejected)

	v, err := c.Get("a", true)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "rejected key must keep its original value")
}

func TestCacheSnapshotValuesIncludesDoNothingExpiredEntries(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock, WithExpirationBatchWindow[string, int](10*time.Millisecond))

	require.NoError(t, c.Add("k", 1, 10*time.Millisecond, DoNothing))
	clock.Advance(20 * time.Millisecond)
	clock.Advance(10 * time.Millisecond)

	assert.Contains(t, c.SnapshotValues(), 1)
}

func TestCacheContainsWhichReportsPerKeyPresence(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	c := newTestCache(t, clock)

	require.NoError(t, c.Add("a", 1, Infinite, DoNothing))

	results, err := c.ContainsWhich(context.Background(), []string{"a", "missing"}, 0)
	require.NoError(t, err)
	assert.True(t, results["a"])
	assert.False(t, results["missing"])
}
