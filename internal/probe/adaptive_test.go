package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestController(conc int, timeout time.Duration) (*Controller, *time.Time) {
	c := NewController(conc, timeout)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

func fillWindow(c *Controller, successes, failures int) {
	for i := 0; i < successes; i++ {
		c.Record(true)
	}
	for i := 0; i < failures; i++ {
		c.Record(false)
	}
}

func TestControllerHoldsBeforeFullWindow(t *testing.T) {
	c, _ := newTestController(100, time.Second)
	fillWindow(c, windowSize-1, 0)
	assert.Equal(t, 100, c.MaxConcurrent())
	assert.Equal(t, time.Second, c.Timeout())
}

func TestControllerRaisesOnHighSuccess(t *testing.T) {
	c, _ := newTestController(50, time.Second)
	// Grow the ceiling so the raise is visible.
	c.ceiling = 200

	fillWindow(c, windowSize, 0)
	assert.Greater(t, c.MaxConcurrent(), 50, "concurrency should rise about 10%%")
	assert.Less(t, c.Timeout(), time.Second, "timeout should fall about 5%%")
}

func TestControllerCapsAtCeiling(t *testing.T) {
	c, now := newTestController(100, time.Second)
	for i := 0; i < 10; i++ {
		fillWindow(c, windowSize, 0)
		*now = now.Add(time.Second)
	}
	assert.Equal(t, 100, c.MaxConcurrent())
	assert.GreaterOrEqual(t, c.Timeout(), c.minTimeout)
}

func TestControllerDropsOnLowSuccess(t *testing.T) {
	c, _ := newTestController(100, time.Second)
	fillWindow(c, 20, 30) // ratio 0.4
	assert.Equal(t, 80, c.MaxConcurrent())
	assert.Equal(t, 1200*time.Millisecond, c.Timeout())
}

func TestControllerHoldsInMiddleBand(t *testing.T) {
	c, _ := newTestController(100, time.Second)
	fillWindow(c, 35, 15) // ratio 0.7
	assert.Equal(t, 100, c.MaxConcurrent())
	assert.Equal(t, time.Second, c.Timeout())
}

func TestControllerAllFailureFloor(t *testing.T) {
	c, _ := newTestController(100, time.Second)
	fillWindow(c, 0, windowSize)
	assert.Equal(t, 1, c.MaxConcurrent())
	assert.Equal(t, 4*time.Second, c.Timeout(), "all-failure window drops to max timeout")
}

func TestControllerMinAdjustInterval(t *testing.T) {
	c, now := newTestController(100, time.Second)
	c.ceiling = 1000

	fillWindow(c, windowSize, 0)
	first := c.MaxConcurrent()
	assert.Greater(t, first, 100)

	// More successes inside the interval must not re-adjust.
	fillWindow(c, 10, 0)
	assert.Equal(t, first, c.MaxConcurrent())

	// After the interval passes, the next outcome re-adjusts.
	*now = now.Add(minAdjustInterval + time.Millisecond)
	c.Record(true)
	assert.Greater(t, c.MaxConcurrent(), first)
}
