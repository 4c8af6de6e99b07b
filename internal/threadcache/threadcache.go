// Package threadcache implements the per-goroutine, two-level L0/L1 cache
// in front of a master pool.Bucket: a tiny inline L0 array backed by a
// larger heap-allocated L1 array, optionally pre-populated at creation and
// with a batched return to the master on overflow, so a goroutine doing
// steady allocate/free traffic rarely needs to touch the lock-free master
// freelist at all. A miss is not refilled: Pull just reports it and the
// caller goes to the master bucket.
//
// A Cache takes no locks: it is built, used, and torn down by exactly one
// goroutine, the same single-owner discipline the teacher's per-shard state
// relies on inside one cache_engine shard. Only Registry locks.
package threadcache

import (
	"unsafe"

	"github.com/abiolaogu/smalloc/internal/gls"
	"github.com/abiolaogu/smalloc/internal/pool"
	"github.com/abiolaogu/smalloc/internal/sizeclass"
)

// Warmup selects how aggressively a newly created per-bucket cache is
// pre-populated from its master bucket's freelist.
type Warmup int

const (
	// Cold leaves L0 and L1 empty; every allocation is an initial miss.
	Cold Warmup = iota
	// Warm pre-populates half of L1 by popping from the master freelist.
	Warm
	// Hot pre-populates L1 fully.
	Hot
)

// l0Capacity is the inline L0 array's fixed size: 10 entries on 64-bit
// machine words, 7 on 32-bit, matching spec.md's data model.
var l0Capacity = func() int {
	if sizeclass.WordBits() >= 64 {
		return 10
	}
	return 7
}()

// bucketCache is the per-bucket state of one goroutine's cache.
type bucketCache struct {
	master *pool.Bucket

	l0     [10]uint32 // only the first l0Capacity entries are used
	l0Len  int
	l1     []uint32 // heap-backed, capacity fixed at creation
	l1Len  int
}

func (c *bucketCache) pull() (uint32, bool) {
	if c.l0Len > 0 {
		c.l0Len--
		return c.l0[c.l0Len], true
	}
	if c.l1Len > 0 {
		c.l1Len--
		return c.l1[c.l1Len], true
	}
	return 0, false
}

func (c *bucketCache) push(offset uint32) bool {
	if c.l0Len < l0Capacity {
		c.l0[c.l0Len] = offset
		c.l0Len++
		return true
	}
	if c.l1Len < cap(c.l1) {
		c.l1 = c.l1[:c.l1Len+1]
		c.l1[c.l1Len] = offset
		c.l1Len++
		return true
	}
	if cap(c.l1) == 0 {
		// L1 disabled for this bucket; caller must free_interval directly.
		return false
	}
	c.returnHalfL1()
	c.l1 = c.l1[:c.l1Len+1]
	c.l1[c.l1Len] = offset
	c.l1Len++
	return true
}

// returnHalfL1 batches half of L1 back to the master bucket in one
// free_interval call, minimizing CAS traffic when a goroutine has entered a
// pure-free phase.
func (c *bucketCache) returnHalfL1() {
	n := c.l1Len / 2
	if n == 0 {
		n = c.l1Len
	}
	if n == 0 {
		return
	}
	c.chainAndReturn(c.l1[c.l1Len-n : c.l1Len])
	c.l1Len -= n
	c.l1 = c.l1[:c.l1Len]
}

// chainAndReturn writes tagged-next links across the given offsets (in
// order: offsets[0] -> offsets[1] -> ... -> offsets[len-1]) then pushes the
// whole run back to the master bucket in a single free_interval.
func (c *bucketCache) chainAndReturn(offsets []uint32) {
	if len(offsets) == 0 {
		return
	}
	for i := 0; i < len(offsets)-1; i++ {
		head := c.master.PtrAt(offsets[i])
		next := c.master.PtrAt(offsets[i+1])
		writeNext(head, next, c.master.Base(), c.master.SlotSize())
	}
	headPtr := c.master.PtrAt(offsets[0])
	tailPtr := c.master.PtrAt(offsets[len(offsets)-1])
	c.master.FreeInterval(headPtr, tailPtr)
}

// writeNext encodes slot's freelist link as if it were about to become the
// master freelist's next head after `next`'s offset, mirroring the tag
// convention pool.Bucket.FreeInterval uses internally. The tag value here
// is irrelevant to correctness (FreeInterval only inspects the head slot's
// link, never an interior one, until the next CAS re-tags it), so 0 is
// used; what matters is the offset.
func writeNext(slot, next, base unsafe.Pointer, slotSize uintptr) {
	offset := uint32((uintptr(next) - uintptr(base)) / slotSize)
	*(*uint64)(slot) = uint64(offset)
}

// Cache is one goroutine's full set of per-bucket caches, created by
// CreateThreadCache and torn down by Destroy.
type Cache struct {
	buckets []bucketCache
	l1Store []uint32 // single contiguous backing array, sliced per bucket
}

// Create builds a Cache over masters, one bucketCache per master bucket,
// with L1 capacities taken from capacities (missing trailing entries
// default to zero, meaning that bucket is uncached) and pre-populated per
// warmup.
func Create(masters []*pool.Bucket, warmup Warmup, capacities []int) *Cache {
	total := 0
	caps := make([]int, len(masters))
	for i := range masters {
		if i < len(capacities) {
			caps[i] = capacities[i]
		}
		total += caps[i]
	}

	c := &Cache{
		buckets: make([]bucketCache, len(masters)),
		l1Store: make([]uint32, total),
	}

	offset := 0
	for i, m := range masters {
		bc := &c.buckets[i]
		bc.master = m
		n := caps[i]
		bc.l1 = c.l1Store[offset : offset : offset+n]
		offset += n

		if warmup == Cold || n == 0 {
			continue
		}
		target := n
		if warmup == Warm {
			target = n / 2
		}
		for j := 0; j < target; j++ {
			slot, ok := m.Allocate()
			if !ok {
				break
			}
			off := m.OffsetOf(slot)
			bc.l1 = bc.l1[:bc.l1Len+1]
			bc.l1[bc.l1Len] = off
			bc.l1Len++
		}
	}
	return c
}

// Pull drains bucket i's L0 first (LIFO), then L1 (LIFO). It reports
// (0, false) on a cache miss, in which case the caller falls through to the
// master bucket directly.
func (c *Cache) Pull(i int) (uint32, bool) {
	if i < 0 || i >= len(c.buckets) {
		return 0, false
	}
	return c.buckets[i].pull()
}

// Push stores offset in bucket i's cache, returning true if it was stored.
// It returns false only when i is out of range or bucket i's cache is
// disabled (zero L1 capacity and a full L0); the caller must then
// free_interval directly against the master bucket.
func (c *Cache) Push(i int, offset uint32) bool {
	if i < 0 || i >= len(c.buckets) {
		return false
	}
	return c.buckets[i].push(offset)
}

// Destroy returns every offset still held in every bucket's L0 and L1 to
// its corresponding master bucket, via chained free_interval pushes, then
// releases the L1 backing storage.
func (c *Cache) Destroy() {
	for i := range c.buckets {
		bc := &c.buckets[i]
		if bc.master == nil {
			continue
		}
		all := make([]uint32, 0, bc.l0Len+bc.l1Len)
		for j := 0; j < bc.l0Len; j++ {
			all = append(all, bc.l0[j])
		}
		for j := 0; j < bc.l1Len; j++ {
			all = append(all, bc.l1[j])
		}
		bc.chainAndReturn(all)
		bc.l0Len = 0
		bc.l1Len = 0
		bc.l1 = nil
	}
	c.l1Store = nil
}

// registry is the process-wide map from (allocator identity, goroutine id)
// to that goroutine's Cache, realizing spec.md section 9's suggested
// "thread-local map from allocator-handle to cache-table".
type registry struct {
	caches map[uint64]map[uint64]*Cache // allocatorKey -> goroutineID -> Cache
	mu     registryLock
}

// registryLock is a tiny exclusive lock built on a one-slot channel, kept
// in its own type so package pool never has to import sync. The registry
// takes it on Bind, Unbind and UnbindAll, and also on every Lookup, which
// the facade performs on each Allocate and Free.
type registryLock struct {
	inner chan struct{}
}

func newRegistryLock() registryLock {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	return registryLock{inner: ch}
}

func (l registryLock) Lock()   { <-l.inner }
func (l registryLock) Unlock() { l.inner <- struct{}{} }

// Registry is the process-wide cache registry, keyed by an opaque
// allocator identity the facade supplies (a 64-bit FNV hash of the
// allocator's UUID).
var Registry = newRegistryInstance()

func newRegistryInstance() *registry {
	return &registry{caches: make(map[uint64]map[uint64]*Cache), mu: newRegistryLock()}
}

// Bind registers cache as the calling goroutine's cache for the given
// allocator key, replacing any previous binding.
func (r *registry) Bind(allocatorKey uint64, cache *Cache) {
	gid := gls.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.caches[allocatorKey]
	if !ok {
		m = make(map[uint64]*Cache)
		r.caches[allocatorKey] = m
	}
	m[gid] = cache
}

// Lookup returns the calling goroutine's cache for the given allocator key,
// or nil if none was ever bound (a goroutine that never called
// CreateThreadCache falls through to the master bucket on every access).
func (r *registry) Lookup(allocatorKey uint64) *Cache {
	gid := gls.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.caches[allocatorKey]
	if !ok {
		return nil
	}
	return m[gid]
}

// Unbind removes the calling goroutine's cache binding for the given
// allocator key, without destroying it; the caller is expected to have
// already called Cache.Destroy.
func (r *registry) Unbind(allocatorKey uint64) {
	gid := gls.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.caches[allocatorKey]; ok {
		delete(m, gid)
	}
}

// UnbindAll drops every goroutine's binding for the given allocator key,
// used by the facade at Destroy time so bindings to a destroyed
// allocator do not linger in the registry.
func (r *registry) UnbindAll(allocatorKey uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, allocatorKey)
}
