package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestCache_ClearsOnMatch(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[string, string](time.Minute).WithClock(clock.Now)

	c.Set("r1", "accepted")
	assert.Equal(t, "accepted", c.Resolve("r1", "pending"), "override wins while upstream lags")
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, "accepted", c.Resolve("r1", "accepted"))
	assert.Zero(t, c.Len(), "matching upstream clears the override")
	assert.Equal(t, "pending", c.Resolve("r1", "pending"))
}

func TestCache_Expires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[string, string](time.Minute).WithClock(clock.Now)

	c.Set("r1", "accepted")
	clock.now = clock.now.Add(time.Minute)

	assert.Equal(t, "pending", c.Resolve("r1", "pending"))
	assert.Zero(t, c.Len())
}

func TestCache_Clear(t *testing.T) {
	c := New[int, bool](time.Minute)
	c.Set(1, true)
	c.Clear(1)
	assert.False(t, c.Resolve(1, false))
	assert.Equal(t, "x", New[string, string](time.Minute).Resolve("missing", "x"))
}
