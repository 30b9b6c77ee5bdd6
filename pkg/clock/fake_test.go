package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeClock_ChainedTimers(t *testing.T) {
	c := Fake(epoch)
	var stamps []time.Time
	var tick func()
	tick = func() {
		stamps = append(stamps, c.Now())
		if len(stamps) < 5 {
			c.AfterFunc(100*time.Millisecond, tick)
		}
	}
	c.AfterFunc(100*time.Millisecond, tick)
	c.Advance(time.Second)

	assert.Len(t, stamps, 5)
	for i, s := range stamps {
		assert.Equal(t, epoch.Add(time.Duration(i+1)*100*time.Millisecond), s)
	}
	assert.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeClock_Order(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "b") })
	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
