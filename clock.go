package livecache

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts "now" and one-shot scheduling so the expiration timing
// properties in this package's tests can be driven deterministically by a
// VirtualClock instead of wall-clock time.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run once after d elapses and returns a
	// cancel function. Calling cancel after f has already started has no
	// effect on the already-running call; it only prevents a call that
	// has not yet started.
	AfterFunc(d time.Duration, f func()) func() bool
}

// systemClock is the default Clock, backed by the standard library.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// VirtualClock is a manually-advanced Clock for deterministic tests. Now()
// starts at the instant the clock is created (or at a time supplied via
// NewVirtualClockAt) and only moves forward when Advance is called.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending map[uint64]*virtualTimer
}

type virtualTimer struct {
	at        time.Time
	f         func()
	cancelled bool
}

// NewVirtualClock creates a VirtualClock whose current time is the real
// wall-clock time at creation.
func NewVirtualClock() *VirtualClock {
	return NewVirtualClockAt(time.Now())
}

// NewVirtualClockAt creates a VirtualClock starting at a fixed instant.
func NewVirtualClockAt(start time.Time) *VirtualClock {
	return &VirtualClock{now: start, pending: make(map[uint64]*virtualTimer)}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *VirtualClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++

	t := &virtualTimer{at: c.now.Add(d), f: f}
	c.pending[id] = t

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		if t.cancelled {
			return false
		}

		t.cancelled = true
		delete(c.pending, id)

		return true
	}
}

// Advance moves the virtual clock forward by d, synchronously running (in
// the order their deadlines fall) every timer pending at the start of the
// call whose deadline is now at or before the new time. Timers scheduled
// by those callbacks are not run by this call, even when already due; a
// later Advance (Advance(0) suffices) runs them.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	type due struct {
		id uint64
		t  *virtualTimer
	}

	var fire []due

	for id, t := range c.pending {
		if !t.at.After(target) {
			fire = append(fire, due{id, t})
		}
	}

	sort.Slice(fire, func(i, j int) bool { return fire[i].t.at.Before(fire[j].t.at) })

	for _, d := range fire {
		delete(c.pending, d.id)
	}

	c.mu.Unlock()

	for _, d := range fire {
		c.mu.Lock()
		cancelled := d.t.cancelled
		c.mu.Unlock()

		if !cancelled {
			d.t.f()
		}
	}
}
