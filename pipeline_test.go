package livecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineHarness struct {
	cfg   *config[string, int]
	store *store[string, int]
	mux   *multiplexer[string, int]
	exc   *exceptionChannel
	pipe  *pipeline[string, int]
	clock *VirtualClock
}

func newPipelineHarness(t *testing.T, configure func(*config[string, int])) *pipelineHarness {
	t.Helper()

	h := &pipelineHarness{clock: NewVirtualClockAt(time.Unix(0, 0))}
	h.cfg = defaultConfig[string, int]()
	h.cfg.clock = h.clock
	h.cfg.batchWindow = 0

	if configure != nil {
		configure(h.cfg)
	}

	h.mux = newMultiplexer[string, int](InlineScheduler{}, h.cfg.resetCoalesceThreshold, func() int { return h.store.count() })
	h.exc = newExceptionChannel()
	h.store = newStore[string, int](h.cfg.keyEqual, h.mux.ingestStorageChange)
	h.pipe = newPipeline[string, int](h.cfg, h.store, h.mux, h.exc, h.clock, h.wireNewEntry, h.rearmExisting)

	return h
}

func (h *pipelineHarness) wireNewEntry(key string, e *entry[string, int], d time.Duration) {
	e.arm(h.clock, d, func() { h.pipe.enqueue(key, e) })
}

func (h *pipelineHarness) rearmExisting(key string, e *entry[string, int], d time.Duration) {
	e.arm(h.clock, d, func() { h.pipe.enqueue(key, e) })
}

func (h *pipelineHarness) add(key string, value int, d time.Duration, policy ExpirationPolicy) *entry[string, int] {
	e := newEntry[string, int](key, value, policy)
	h.store.tryAdd(key, e)
	h.wireNewEntry(key, e, d)

	return e
}

func TestPipelineRemovesExpiredEntry(t *testing.T) {
	h := newPipelineHarness(t, nil)

	expirations, stop := h.mux.expirations.Subscribe()
	defer stop()

	h.add("a", 1, time.Second, Remove)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	got := <-expirations
	assert.Equal(t, ItemExpired, got.Kind)
	assert.Equal(t, "a", got.Key)

	assert.False(t, h.store.contains("a"))
}

func TestPipelineDoNothingLeavesEntryInPlace(t *testing.T) {
	h := newPipelineHarness(t, nil)

	h.add("a", 1, time.Second, DoNothing)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	require.True(t, h.store.contains("a"))

	e, _ := h.store.tryGet("a")
	assert.True(t, e.expired(h.clock.Now()))
}

func TestPipelineRefreshesWithSingleLoader(t *testing.T) {
	h := newPipelineHarness(t, func(cfg *config[string, int]) {
		cfg.singleLoader = func(ctx context.Context, key string) (int, error) {
			return 42, nil
		}
	})

	replaced, stop := h.mux.valueChanges.Subscribe()
	defer stop()

	h.add("a", 1, time.Second, Refresh)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	got := <-replaced
	assert.Equal(t, ItemValueReplaced, got.Kind)
	assert.Equal(t, 1, got.OldValue)
	assert.Equal(t, 42, got.Value)

	e, ok := h.store.tryGet("a")
	require.True(t, ok)
	assert.Equal(t, 42, e.value)
	assert.False(t, e.expired(h.clock.Now()))
}

func TestPipelineRefreshUnchangedValueRearmsWithoutEvent(t *testing.T) {
	h := newPipelineHarness(t, func(cfg *config[string, int]) {
		cfg.singleLoader = func(ctx context.Context, key string) (int, error) {
			return 1, nil
		}
	})

	replaced, stop := h.mux.valueChanges.Subscribe()
	defer stop()

	original := h.add("a", 1, time.Second, Refresh)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	select {
	case got := <-replaced:
		t.Fatalf("unexpected replace event for unchanged value: %+v", got)
	default:
	}

	e, ok := h.store.tryGet("a")
	require.True(t, ok)
	assert.Same(t, original, e) // same entry object, just re-armed
	assert.False(t, e.expired(h.clock.Now()))
}

func TestPipelineRefreshPrefersBulkLoaderForMultipleKeys(t *testing.T) {
	var gotKeys []string

	h := newPipelineHarness(t, func(cfg *config[string, int]) {
		cfg.bulkLoader = func(ctx context.Context, keys []string) (map[string]int, error) {
			gotKeys = append(gotKeys, keys...)

			out := make(map[string]int, len(keys))
			for _, k := range keys {
				out[k] = 100
			}

			return out, nil
		}
	})

	h.add("a", 1, time.Second, Refresh)
	h.add("b", 2, time.Second, Refresh)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	assert.ElementsMatch(t, []string{"a", "b"}, gotKeys)

	ea, _ := h.store.tryGet("a")
	eb, _ := h.store.tryGet("b")
	assert.Equal(t, 100, ea.value)
	assert.Equal(t, 100, eb.value)
}

func TestPipelineStaleFireIsIgnoredAfterRemoval(t *testing.T) {
	h := newPipelineHarness(t, nil)

	h.add("a", 1, time.Second, Remove)
	h.store.tryRemove("a") // removed out from under the pending timer

	h.clock.Advance(time.Second) // must not panic or re-add "a"
	assert.False(t, h.store.contains("a"))
}

func TestPipelineUnhandledRefreshErrorStopsPipelineWhenConfigured(t *testing.T) {
	h := newPipelineHarness(t, func(cfg *config[string, int]) {
		cfg.singleLoader = func(ctx context.Context, key string) (int, error) {
			return 0, assert.AnError
		}
		cfg.throwOnExpirationErrors = true
	})

	h.add("a", 1, time.Second, Refresh)
	h.clock.Advance(time.Second)
	h.clock.Advance(0)

	assert.True(t, h.pipe.stopped.Load())
}
