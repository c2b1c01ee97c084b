package livecache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// boundedMutex is a plain mutex; it exists only so the bulk read paths
// below read as "guard the shared results map" without importing sync
// directly into every call site.
type boundedMutex = sync.Mutex

// unboundedWeight is large enough that acquiring it never actually
// blocks, used when a caller passes maxConcurrent <= 0 for "no limit".
const unboundedWeight = 1 << 30

// boundedSemaphore wraps golang.org/x/sync/semaphore so GetRange,
// ContainsAll, and ContainsWhich can share one bounded-concurrency
// fan-out helper regardless of whether the caller asked for a limit.
type boundedSemaphore struct {
	sem *semaphore.Weighted
}

func newBoundedSemaphore(maxConcurrent, itemCount int) *boundedSemaphore {
	n := int64(maxConcurrent)
	if maxConcurrent <= 0 {
		n = unboundedWeight
	}

	if int64(itemCount) < n {
		n = int64(itemCount)
	}

	if n <= 0 {
		n = 1
	}

	return &boundedSemaphore{sem: semaphore.NewWeighted(n)}
}

func (b *boundedSemaphore) Acquire(ctx context.Context, n int64) error {
	return b.sem.Acquire(ctx, n)
}

func (b *boundedSemaphore) Release(n int64) {
	b.sem.Release(n)
}
