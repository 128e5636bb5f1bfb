package kvstore

import (
	"sort"
	"time"
)

// Keyspace holds the full set of numbered databases plus store-wide
// counters used by INFO and the autosave/active-expire background
// loop.
type Keyspace struct {
	dbs []*DB

	// Dirty counts mutations since the last successful snapshot, for
	// the autosave rule evaluator.
	Dirty uint64

	ExpiredKeys       uint64
	ExpiredKeysActive uint64
	EvictedKeys       uint64
}

// NewKeyspace creates a keyspace with n numbered databases.
func NewKeyspace(n int) *Keyspace {
	dbs := make([]*DB, n)
	for i := range dbs {
		dbs[i] = NewDB()
	}
	return &Keyspace{dbs: dbs}
}

// DB returns the database at index i.
func (k *Keyspace) DB(i int) *DB { return k.dbs[i] }

// NumDB returns the configured database count.
func (k *Keyspace) NumDB() int { return len(k.dbs) }

// FlushAll clears every database.
func (k *Keyspace) FlushAll() {
	for _, db := range k.dbs {
		db.Flush()
	}
}

// SwapDB exchanges the contents of two databases by index.
func (k *Keyspace) SwapDB(a, b int) bool {
	if a < 0 || b < 0 || a >= len(k.dbs) || b >= len(k.dbs) {
		return false
	}
	k.dbs[a], k.dbs[b] = k.dbs[b], k.dbs[a]
	return true
}

// DBSizes implements metric.StatsSource.
func (k *Keyspace) DBSizes() map[int]int64 {
	out := make(map[int]int64, len(k.dbs))
	for i, db := range k.dbs {
		out[i] = int64(db.Size())
	}
	return out
}

// ExpiresSizes implements metric.StatsSource.
func (k *Keyspace) ExpiresSizes() map[int]int64 {
	out := make(map[int]int64, len(k.dbs))
	for i, db := range k.dbs {
		out[i] = int64(db.ExpiresCount())
	}
	return out
}

// ActiveExpireCycle runs active expiration across every database,
// bounded by a per-call deadline, and folds the counts into the
// store-wide counters.
func (k *Keyspace) ActiveExpireCycle(budget time.Duration) int {
	deadline := time.Now().Add(budget)
	total := 0
	for _, db := range k.dbs {
		n := db.ActiveExpireCycle(deadline)
		total += n
	}
	k.ExpiredKeys += uint64(total)
	k.ExpiredKeysActive += uint64(total)
	k.drainLazyExpired()
	return total
}

func (k *Keyspace) drainLazyExpired() {
	for _, db := range k.dbs {
		k.ExpiredKeys += db.lazyExpired
		db.lazyExpired = 0
	}
}

// EstimatedMemory sums the estimated footprint of every database.
func (k *Keyspace) EstimatedMemory() int64 {
	var total int64
	for _, db := range k.dbs {
		total += db.EstimatedMemory()
	}
	return total
}

// EvictUntil runs policy-driven eviction on db until its estimated
// footprint is at or below maxBytes or no victim remains, reporting
// the number of keys evicted.
func (k *Keyspace) EvictUntil(dbIndex int, policy EvictionPolicy, maxBytes int64) int {
	if maxBytes <= 0 {
		return 0
	}
	db := k.dbs[dbIndex]
	evicted := 0
	for db.EstimatedMemory() > maxBytes {
		if !db.EvictOne(policy) {
			break
		}
		evicted++
	}
	k.EvictedKeys += uint64(evicted)
	return evicted
}

// ScanCursor is an opaque cursor for cursor-based SCAN iteration: a
// sorted key snapshot indexed by position, stable across calls as long
// as no keys are added (matching SCAN's "no guarantee new keys are
// seen, but all keys present for the whole scan are eventually
// returned" contract for the common case).
type ScanCursor = int

// Scan returns up to count keys starting at cursor, filtered by an
// optional glob pattern and/or type name, along with the cursor to
// resume from (0 when the scan is complete). Expired keys are skipped
// and left in place; Scan does not remove them.
func (d *DB) Scan(cursor ScanCursor, pattern string, typeFilter string, count int) (ScanCursor, []string) {
	if count <= 0 {
		count = 10
	}
	now := nowMs()

	keys := make([]string, 0, len(d.data))
	for key, e := range d.data {
		if e.HasExpiry() && e.ExpireAtMs <= now {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	total := len(keys)
	if total == 0 || cursor >= total {
		return 0, nil
	}

	var out []string
	i := cursor
	scanned := 0
	for i < total && scanned < count {
		key := keys[i]
		if pattern != "" && !GlobMatch(pattern, key) {
			i++
			scanned++
			continue
		}
		if typeFilter != "" {
			if e, ok := d.data[key]; !ok || e.Value.Type().String() != typeFilter {
				i++
				scanned++
				continue
			}
		}
		out = append(out, key)
		i++
		scanned++
	}

	next := i
	if next >= total {
		next = 0
	}
	return next, out
}
