package channel

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// monotonicClock produces the t_* instrumentation readings. Values are
// milliseconds with fractional precision since the clock was created, taken
// from the runtime monotonic source so wall-clock adjustments never move them
// backwards. sentAt is the only wall-clock field on a message.
type monotonicClock struct {
	base time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{base: time.Now()}
}

func (c *monotonicClock) NowMillis() float64 {
	return float64(time.Since(c.base).Nanoseconds()) / 1e6
}

// idFactory mints server message IDs: ULIDs from a monotonic entropy source,
// so IDs requested within the same millisecond stay lexicographically ordered
// by generation order. The entropy is seeded from the channel identity, which
// makes ID streams reproducible for a fixed publish sequence.
type idFactory struct {
	entropy *ulid.MonotonicEntropy
	nowFn   func() time.Time
}

func newIDFactory(seedKey string) *idFactory {
	h := fnv.New64a()
	h.Write([]byte(seedKey))
	src := rand.New(rand.NewSource(int64(h.Sum64())))

	return &idFactory{
		entropy: ulid.Monotonic(src, 0),
		nowFn:   time.Now,
	}
}

// Next returns the next message ID. Strictly increasing lexicographically
// within this factory.
func (f *idFactory) Next() string {
	now := f.nowFn()
	id, err := ulid.New(ulid.Timestamp(now), f.entropy)
	if err != nil {
		// Monotonic entropy overflowed within this millisecond; the next
		// millisecond restarts the counter.
		id = ulid.MustNew(ulid.Timestamp(now.Add(time.Millisecond)), f.entropy)
	}
	return id.String()
}
