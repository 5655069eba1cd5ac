package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGuard(ttl time.Duration, max int) (*Guard, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	g := NewGuard(ttl, max)
	g.now = clock.Now
	return g, clock
}

func TestShouldProcessRejectsRedeliveryWithinTTL(t *testing.T) {
	t.Parallel()

	g, clock := newTestGuard(time.Minute, 10)
	key := Key("wamid.1", "5215550000000", "hola")

	assert.True(t, g.ShouldProcess(key))
	assert.False(t, g.ShouldProcess(key))

	clock.Advance(59 * time.Second)
	assert.False(t, g.ShouldProcess(key))

	clock.Advance(2 * time.Second)
	assert.True(t, g.ShouldProcess(key), "expired key is processed again")
}

func TestKeyDistinguishesEditedResend(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("wamid.1", "", "Hola  mundo"), Key("wamid.1", "other", "hola mundo"))
	assert.NotEqual(t, Key("wamid.1", "", "hola"), Key("wamid.1", "", "hola, ¿tienen citas?"))
	// sender stands in for a missing id
	assert.Equal(t, Key("", "5215550000000", "hola"), Key(" ", "5215550000000", "hola"))
	assert.NotEqual(t, Key("", "5215550000000", "hola"), Key("", "5215550000001", "hola"))
}

func TestEvictDropsOnlyExpired(t *testing.T) {
	t.Parallel()

	g, clock := newTestGuard(time.Minute, 10)
	g.ShouldProcess("a")
	clock.Advance(30 * time.Second)
	g.ShouldProcess("b")

	assert.Equal(t, 1, g.Evict(clock.Now().Add(31*time.Second)))
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 1, g.Evict(clock.Now().Add(time.Hour)))
	assert.Equal(t, 0, g.Len())
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	t.Parallel()

	g, _ := newTestGuard(time.Minute, 2)
	g.ShouldProcess("a")
	g.ShouldProcess("b")
	g.ShouldProcess("c")

	assert.Equal(t, 2, g.Len())
	assert.True(t, g.ShouldProcess("a"), "oldest key was pushed out")
}

func TestShouldProcessConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	g := NewGuard(time.Minute, 100)
	key := Key("wamid.race", "", "hola")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.ShouldProcess(key) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), fmt.Sprintf("len=%d", g.Len()))
}
