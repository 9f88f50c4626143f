package channel

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDFactoryLexicographicOrder(t *testing.T) {
	f := newIDFactory("proj/room/default")

	ids := make([]string, 1000)
	for i := range ids {
		ids[i] = f.Next()
	}

	require.True(t, sort.StringsAreSorted(ids), "ids must be sorted by generation order")
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "ids must be unique")
		seen[id] = struct{}{}
	}
}

func TestIDFactorySameMillisecondOrdering(t *testing.T) {
	f := newIDFactory("seed")
	fixed := time.Now()
	f.nowFn = func() time.Time { return fixed }

	prev := f.Next()
	for i := 0; i < 100; i++ {
		next := f.Next()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestIDFactoryDeterministicSeed(t *testing.T) {
	fixed := time.Now()

	a := newIDFactory("same-key")
	a.nowFn = func() time.Time { return fixed }
	b := newIDFactory("same-key")
	b.nowFn = func() time.Time { return fixed }

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestMonotonicClockNeverRegresses(t *testing.T) {
	c := newMonotonicClock()

	prev := c.NowMillis()
	for i := 0; i < 100; i++ {
		now := c.NowMillis()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
	assert.GreaterOrEqual(t, prev, 0.0)
}
