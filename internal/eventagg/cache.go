package eventagg

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// numShards is the number of cache shards. Sharding by user_id avoids the
// single coarse lock the increment-heavy hot path would otherwise contend
// on; 16 is a middle ground between lock fan-out and per-shard map
// overhead, and is a power of two so the hash mask is a cheap AND.
const numShards = 16

type shard struct {
	mu     sync.Mutex
	counts map[CounterKey]int64
}

// Cache is the Aggregation Cache: a concurrent, sharded map of
// (user_id, event_type) -> running count. All entries for a given user_id
// land in the same shard, so per-user lookups and drains only ever lock
// one shard.
type Cache struct {
	shards [numShards]*shard
}

// NewCache creates an empty Aggregation Cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{counts: make(map[CounterKey]int64)}
	}
	return c
}

func shardIndex(userID int64) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(userID, 10)))
	return int(h.Sum32() & (numShards - 1))
}

func (c *Cache) shardFor(userID int64) *shard {
	return c.shards[shardIndex(userID)]
}

// Increment adds delta to the counter for key and returns the new total.
// Concurrent increments to different users proceed without contention;
// increments to the same user serialize on that user's shard.
func (c *Cache) Increment(key CounterKey, delta int64) int64 {
	s := c.shardFor(key.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] += delta
	return s.counts[key]
}

// Get returns the current count for key and whether it has ever been
// incremented (a zero count after a drain is indistinguishable from never
// having existed, so callers should treat both the same way).
func (c *Cache) Get(key CounterKey) (int64, bool) {
	s := c.shardFor(key.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counts[key]
	return v, ok
}

// GetByUser returns a snapshot of every event_type counter for userID.
// This is one of the two read paths the store's non-goals still permit:
// an observability lookup, not a query API.
func (c *Cache) GetByUser(userID int64) map[string]int64 {
	s := c.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for k, v := range s.counts {
		if k.UserID == userID {
			out[k.EventType] = v
		}
	}
	return out
}

// Len returns the number of distinct (user_id, event_type) counters
// currently held, for the cache-size gauge.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.counts)
		s.mu.Unlock()
	}
	return total
}

// Drain removes and returns every non-zero counter, one shard at a time:
// each entry is read and removed under its shard's lock, so no increment
// can land between the two. An increment that arrives after its shard has
// been drained starts a fresh entry that the next Drain picks up.
//
// Drain runs before the store write, not after it. From the Drain until
// the flush ends, the drained counts are held only by the flush: they are
// in neither the cache nor the store. Aggregator.Flush adds back the
// counts of rows whose write failed.
func (c *Cache) Drain() map[CounterKey]int64 {
	out := make(map[CounterKey]int64)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.counts {
			if v == 0 {
				delete(s.counts, k)
				continue
			}
			out[k] = v
			s.counts[k] -= v
			if s.counts[k] == 0 {
				delete(s.counts, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Snapshot returns a point-in-time copy of every non-zero counter without
// removing anything. Used by health/debug endpoints, never by the flush
// path (which must use Drain to avoid double-counting on the next flush).
func (c *Cache) Snapshot() map[CounterKey]int64 {
	out := make(map[CounterKey]int64)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, v := range s.counts {
			out[k] = v
		}
		s.mu.Unlock()
	}
	return out
}

// StatsAt converts a drained or snapshotted counter map into
// UserEventStats rows stamped with the given timestamp, ready for the
// durable store's upsert.
func StatsAt(counters map[CounterKey]int64, at time.Time) []UserEventStats {
	rows := make([]UserEventStats, 0, len(counters))
	for k, v := range counters {
		rows = append(rows, UserEventStats{
			UserID:      k.UserID,
			EventType:   k.EventType,
			Count:       v,
			LastUpdated: at,
		})
	}
	return rows
}
