package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflux/apprt/event"
	"github.com/coreflux/apprt/rtclock"
	"github.com/coreflux/apprt/rtlog"
)

// TestCoverage_SetLimitsNegativeMeansUnbounded covers the normalizeLimit
// path in SetLimits (cache.go), where a negative limit is a request for
// "no limit" rather than a literal cap of -1.
func TestCoverage_SetLimitsNegativeMeansUnbounded(t *testing.T) {
	clk := rtclock.NewSystem()
	events := event.NewService(clk)
	c := New(events, clk, rtlog.Discard())

	c.SetLimits(-1, 0, -1, 0)
	require.Equal(t, int64(Unbounded), c.maxKeys)
	require.Equal(t, int64(Unbounded), c.maxMem)

	for i := 0; i < 100; i++ {
		_, err := c.Write(string(rune('a'+i%26))+string(rune(i)), []byte("v"), WriteOptions{})
		require.NoError(t, err)
	}
	numKeys, _ := c.Stats()
	assert.Equal(t, 100, numKeys, "an unbounded cache must never evict for capacity")
}

// TestCoverage_WriteRejectsStaleVersionAgainstExpiredEntry covers the
// live-vs-present distinction in Write's ExpectedVersion check: an entry
// that is still in the map but logically expired must behave like an
// absent key (ExpectedVersion 0), not like a live key at its stale version.
func TestCoverage_WriteRejectsStaleVersionAgainstExpiredEntry(t *testing.T) {
	clk := rtclock.NewSystem()
	events := event.NewService(clk)
	c := New(events, clk, rtlog.Discard())

	_, err := c.Write("k", []byte("v"), WriteOptions{LifespanMs: 1})
	require.NoError(t, err)

	clk2 := &fixedAdvanceClock{Clock: clk, advanceMs: 50}
	c.clk = clk2

	_, err = c.Write("k", []byte("v2"), WriteOptions{ExpectedVersion: 1})
	assert.Error(t, err, "a write expecting version 1 against an expired entry must fail like a fresh key")
}

type fixedAdvanceClock struct {
	rtclock.Clock
	advanceMs int64
}

func (f *fixedAdvanceClock) Ticks() int64 { return f.Clock.Ticks() + f.advanceMs }
