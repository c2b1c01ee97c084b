package livecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClockFiresDueTimers(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))

	var fired []string

	clock.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestVirtualClockCancel(t *testing.T) {
	clock := NewVirtualClockAt(time.Unix(0, 0))

	fired := false
	cancel := clock.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, cancel())
	assert.False(t, cancel())

	clock.Advance(time.Minute)
	assert.False(t, fired)
}

func TestVirtualClockNowAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewVirtualClockAt(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), clock.Now())
}
