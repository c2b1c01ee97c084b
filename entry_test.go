package livecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntryArmAndExpire(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	e := newEntry[string, int]("k", 1, Remove)

	fired := false
	e.arm(clock, time.Second, func() { fired = true })

	assert.False(t, e.expired(clock.Now()))

	clock.Advance(time.Second)
	assert.True(t, fired)
	assert.True(t, e.expired(clock.Now()))
	assert.True(t, e.hasExpiredFlag())
}

func TestEntryInfiniteNeverExpires(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	e := newEntry[string, int]("k", 1, DoNothing)

	e.arm(clock, Infinite, func() { t.Fatal("infinite entry must never fire") })

	clock.Advance(24 * time.Hour)
	assert.False(t, e.expired(clock.Now()))

	at, infinite := e.expiresAtSnapshot()
	assert.True(t, infinite)
	assert.True(t, at.IsZero())
}

func TestEntryReArmCancelsPreviousTimer(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	e := newEntry[string, int]("k", 1, Remove)

	firstFired := false
	e.arm(clock, time.Second, func() { firstFired = true })

	secondFired := false
	e.arm(clock, 5*time.Second, func() { secondFired = true })

	clock.Advance(time.Second)
	assert.False(t, firstFired)
	assert.False(t, secondFired)

	clock.Advance(4 * time.Second)
	assert.True(t, secondFired)
}

func TestEntryDisarmPreventsFire(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	e := newEntry[string, int]("k", 1, Remove)

	e.arm(clock, time.Second, func() { t.Fatal("disarmed entry must never fire") })
	e.disarm()

	clock.Advance(time.Minute)
}

func TestEntryForwarders(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))
	e := newEntry[string, int]("k", 1, DoNothing)
	e.arm(clock, Infinite, func() {})

	unsubscribed := false
	cfg := defaultConfig[string, int]()
	cfg.valueNotifier = &PropertyNotifier[int]{
		Subscribe: func(item int, onChange func(string)) func() {
			return func() { unsubscribed = true }
		},
	}

	var gotProperty string
	e.subscribeForwarders(cfg, nil, func(p string) { gotProperty = p })
	e.unsubscribeForwarders()

	assert.True(t, unsubscribed)
	assert.Empty(t, gotProperty)
}
