// Package table implements the fixed-capacity shared tables every worker
// reads and writes: channel memberships and authenticated sessions. Tables
// are sharded maps sized at startup; insertions beyond capacity fail with
// ErrCapacityExhausted rather than grow.
package table

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/chanbridge/chanbridge-server/internal/metrics"
)

// ErrCapacityExhausted is returned when an insertion would exceed the
// table's configured capacity. It is distinct from an already-present key,
// which is a successful no-op.
var ErrCapacityExhausted = errors.New("shared table capacity exhausted")

// shardCount trades lock contention for memory. Power of two so the shard
// selector reduces to a mask.
const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// Table is a fixed-capacity concurrent string-keyed map. Values are opaque
// byte slices replaced atomically under the shard lock, so readers may see a
// stale row but never a torn one.
type Table struct {
	name     string
	capacity int
	size     atomic.Int64
	shards   [shardCount]shard
}

// New creates a table with the given capacity. The name labels the table's
// metrics.
func New(name string, capacity int) *Table {
	t := &Table{name: name, capacity: capacity}
	for i := range t.shards {
		t.shards[i].entries = make(map[string][]byte)
	}
	return t
}

// fnv1a is inlined here rather than importing hash/fnv to avoid allocating a
// hasher per operation.
func fnv1a(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

func (t *Table) shardFor(key string) *shard {
	return &t.shards[fnv1a(key)&(shardCount-1)]
}

// reserve claims one capacity slot with a CAS loop. The shard locks are
// per-shard, so the claim must be atomic on the global counter or two
// inserts landing on different shards could both pass a plain check.
func (t *Table) reserve() bool {
	for {
		n := t.size.Load()
		if int(n) >= t.capacity {
			return false
		}
		if t.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Insert adds key with the given value. Returns (false, nil) when the key is
// already present (value untouched) and ErrCapacityExhausted when the table
// is full.
func (t *Table) Insert(key string, value []byte) (bool, error) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	if !t.reserve() {
		metrics.CapacityExhausted.WithLabelValues(t.name).Inc()
		return false, ErrCapacityExhausted
	}
	s.entries[key] = value
	metrics.TableOccupancy.WithLabelValues(t.name).Set(float64(t.size.Load()))
	return true, nil
}

// Put inserts or replaces key. Last writer wins; capacity applies only to
// new keys.
func (t *Table) Put(key string, value []byte) error {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		s.entries[key] = value
		return nil
	}
	if !t.reserve() {
		metrics.CapacityExhausted.WithLabelValues(t.name).Inc()
		return ErrCapacityExhausted
	}
	s.entries[key] = value
	metrics.TableOccupancy.WithLabelValues(t.name).Set(float64(t.size.Load()))
	return nil
}

// Get returns the value stored under key.
func (t *Table) Get(key string) ([]byte, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (t *Table) Delete(key string) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	t.size.Add(-1)
	metrics.TableOccupancy.WithLabelValues(t.name).Set(float64(t.size.Load()))
	return true
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// Scan visits every entry until fn returns false. Each shard is visited under
// its read lock; entries inserted in other shards during the scan may or may
// not be observed.
func (t *Table) Scan(fn func(key string, value []byte) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for k, v := range s.entries {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// ScanPrefix visits every entry whose key starts with prefix until fn
// returns false. Keys hash across shards, so this is a filtered full scan.
func (t *Table) ScanPrefix(prefix string, fn func(key string, value []byte) bool) {
	t.Scan(func(k string, v []byte) bool {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			return fn(k, v)
		}
		return true
	})
}
