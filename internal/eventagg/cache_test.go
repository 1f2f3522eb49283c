package eventagg

import (
	"sync"
	"testing"
	"time"
)

func TestCacheIncrementAccumulates(t *testing.T) {
	c := NewCache()
	k := CounterKey{UserID: 1, EventType: "click"}

	if got := c.Increment(k, 3); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := c.Increment(k, 2); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	v, ok := c.Get(k)
	if !ok || v != 5 {
		t.Fatalf("expected (5, true), got (%d, %v)", v, ok)
	}
}

func TestCacheGetByUserReturnsOnlyThatUsersCounters(t *testing.T) {
	c := NewCache()
	c.Increment(CounterKey{UserID: 1, EventType: "click"}, 3)
	c.Increment(CounterKey{UserID: 1, EventType: "hover"}, 2)
	c.Increment(CounterKey{UserID: 2, EventType: "click"}, 1)

	counts := c.GetByUser(1)
	if len(counts) != 2 || counts["click"] != 3 || counts["hover"] != 2 {
		t.Fatalf("unexpected counts for u1: %+v", counts)
	}

	if counts := c.GetByUser(2); len(counts) != 1 || counts["click"] != 1 {
		t.Fatalf("unexpected counts for u2: %+v", counts)
	}
}

// TestCacheDrainThenIncrementIsNeverLost checks that Drain leaves no
// residual count behind and that an increment made after a Drain lands in
// a fresh entry that the next Drain returns.
func TestCacheDrainThenIncrementIsNeverLost(t *testing.T) {
	c := NewCache()
	k := CounterKey{UserID: 1, EventType: "click"}
	c.Increment(k, 10)

	drained := c.Drain()
	if drained[k] != 10 {
		t.Fatalf("expected drained value 10, got %d", drained[k])
	}

	if v, ok := c.Get(k); ok && v != 0 {
		t.Fatalf("expected no residual count after drain, got %d", v)
	}

	c.Increment(k, 4)
	v, ok := c.Get(k)
	if !ok || v != 4 {
		t.Fatalf("expected post-drain increment to land cleanly, got (%d, %v)", v, ok)
	}

	drained = c.Drain()
	if drained[k] != 4 {
		t.Fatalf("expected second drain to see 4, got %d", drained[k])
	}
}

func TestCacheDrainOnEmptyCacheReturnsEmptyMap(t *testing.T) {
	c := NewCache()
	drained := c.Drain()
	if len(drained) != 0 {
		t.Fatalf("expected empty drain, got %+v", drained)
	}
}

// TestCacheConcurrentIncrementsConserveTotal is the quantified invariant
// from the spec: for any interleaving of increments, no increment is lost
// or double-counted. Many goroutines hammer a small set of keys
// concurrently; the final drained total must equal the exact sum of every
// delta applied.
func TestCacheConcurrentIncrementsConserveTotal(t *testing.T) {
	c := NewCache()
	keys := []CounterKey{
		{UserID: 1, EventType: "click"},
		{UserID: 1, EventType: "hover"},
		{UserID: 2, EventType: "click"},
	}

	const goroutines = 51
	const incrementsPerGoroutine = 200

	goroutinesPerKey := goroutines / len(keys)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			k := keys[g%len(keys)]
			for i := 0; i < incrementsPerGoroutine; i++ {
				c.Increment(k, 1)
			}
		}(g)
	}
	wg.Wait()

	drained := c.Drain()
	perKeyExpected := int64(goroutinesPerKey * incrementsPerGoroutine)
	for _, k := range keys {
		if drained[k] != perKeyExpected {
			t.Fatalf("key %+v: expected %d, got %d", k, perKeyExpected, drained[k])
		}
	}
}

func TestCacheLenCountsDistinctKeys(t *testing.T) {
	c := NewCache()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache to have len 0, got %d", c.Len())
	}
	c.Increment(CounterKey{UserID: 1, EventType: "click"}, 1)
	c.Increment(CounterKey{UserID: 1, EventType: "hover"}, 1)
	c.Increment(CounterKey{UserID: 2, EventType: "click"}, 1)
	if c.Len() != 3 {
		t.Fatalf("expected 3 distinct keys, got %d", c.Len())
	}
}

func TestStatsAtStampsTimestampAndKey(t *testing.T) {
	counters := map[CounterKey]int64{
		{UserID: 1, EventType: "click"}: 3,
	}
	rows := StatsAt(counters, time.Now())
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].UserID != 1 || rows[0].EventType != "click" || rows[0].Count != 3 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}
