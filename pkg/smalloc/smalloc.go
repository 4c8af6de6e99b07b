// Package smalloc is the allocator facade: it owns the arena, the bucket
// array, and the fallback allocator instance, and routes every request to
// the proper bucket or to fallback, enforcing alignment and the zero-size
// convention described in spec.md section 4.4.
//
// An Allocator is safe for concurrent Allocate/Free/Reallocate/UsableSize
// calls from any number of goroutines, but must not be constructed or torn
// down concurrently with any in-flight call.
package smalloc

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"

	"github.com/abiolaogu/smalloc/internal/assert"
	"github.com/abiolaogu/smalloc/internal/fallback"
	"github.com/abiolaogu/smalloc/internal/pool"
	"github.com/abiolaogu/smalloc/internal/sizeclass"
	"github.com/abiolaogu/smalloc/internal/telemetry"
	"github.com/abiolaogu/smalloc/internal/threadcache"
)

// GlobalStats holds the allocator-wide counters from spec.md section 6's
// statistics table that have no natural per-bucket home. They are plain
// atomics rather than OpenTelemetry instruments because OTel counters are
// write-only: nothing can read one back to build a statslog snapshot. When
// EnableMetrics is also on, every Add here has a matching OTel Add so the
// same numbers reach both a local snapshot and an external metrics backend.
type GlobalStats struct {
	Attempts     atomic.Uint64
	FromArena    atomic.Uint64
	ToFallback   atomic.Uint64
	BySize       atomic.Uint64
	BySaturation atomic.Uint64
}

// Allocator is an opaque handle over one arena and its bucket array,
// corresponding to spec.md's entry-point table's handle A.
type Allocator struct {
	id  string
	key uint64 // process-wide unique key, used for thread-cache registry lookups

	arena     []byte
	arenaBase unsafe.Pointer
	subSlab   uintptr

	buckets []*pool.Bucket
	scheme  sizeclass.Scheme

	fallback    fallback.Allocator
	poisonStyle PoisonStyle

	global   GlobalStats
	counters *telemetry.Counters
}

// Create constructs a new Allocator per cfg, or returns an error if cfg is
// invalid or the fallback allocator cannot satisfy the arena request.
func Create(cfg Config) (*Allocator, error) {
	if cfg.Buckets <= 0 || cfg.Buckets > sizeclass.MaxClasses {
		return nil, fmt.Errorf("smalloc: buckets must be in (0, %d], got %d", sizeclass.MaxClasses, cfg.Buckets)
	}
	if cfg.SubSlabBytes == 0 {
		return nil, fmt.Errorf("smalloc: sub_slab_bytes must be > 0")
	}

	fb := cfg.Fallback
	if fb == nil {
		fb = fallback.NewGoHeap()
	}
	scheme := schemeFor(cfg.Scheme)

	// The arena is page-aligned (4096, the largest alignment Allocate
	// accepts), so a slot whose offset from its sub-slab base is a multiple
	// of align is itself align-aligned whenever SubSlabBytes is too.
	total := uintptr(cfg.Buckets) * cfg.SubSlabBytes
	arenaPtr := fb.Alloc(total, 4096)
	if arenaPtr == nil {
		return nil, fmt.Errorf("smalloc: fallback could not satisfy arena of %d bytes", total)
	}
	arena := unsafe.Slice((*byte)(arenaPtr), total)

	id := uuid.NewString()
	a := &Allocator{
		id:          id,
		key:         fnvKey(id),
		arena:       arena,
		arenaBase:   arenaPtr,
		subSlab:     cfg.SubSlabBytes,
		scheme:      scheme,
		fallback:    fb,
		poisonStyle: cfg.Poison,
	}

	a.buckets = make([]*pool.Bucket, cfg.Buckets)
	for i := 0; i < cfg.Buckets; i++ {
		start := uintptr(i) * cfg.SubSlabBytes
		sub := arena[start : start+cfg.SubSlabBytes]
		b := pool.New(sub, scheme.Size(i))
		b.Init()
		a.buckets[i] = b
	}

	if cfg.EnableMetrics {
		if counters, err := telemetry.NewCounters(id); err == nil {
			a.counters = counters
		}
	}
	if cfg.JaegerEndpoint != "" {
		_ = telemetry.InitTracing(cfg.JaegerEndpoint)
	}

	return a, nil
}

func fnvKey(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// ID returns the allocator's process-unique identity, used to correlate
// telemetry spans, metrics, and stats-log snapshots across multiple
// concurrently live allocators.
func (a *Allocator) ID() string { return a.id }

// Destroy tears down a: it returns the calling goroutine's thread cache to
// its master buckets, drops every goroutine's cache binding for a, and
// releases the arena via the fallback allocator. Destroy must
// not race with any in-flight Allocate/Free/Reallocate/UsableSize call.
func (a *Allocator) Destroy() {
	a.DestroyThreadCache()
	threadcache.Registry.UnbindAll(a.key)
	a.fallback.Free(a.arenaBase)
}

// CreateThreadCache builds a per-goroutine cache for the calling goroutine,
// pre-populated according to warmup, with per-bucket L1 capacities taken
// from capacities (trailing entries default to zero: that bucket is
// uncached).
func (a *Allocator) CreateThreadCache(warmup threadcache.Warmup, capacities []int) {
	tc := threadcache.Create(a.buckets, warmup, capacities)
	threadcache.Registry.Bind(a.key, tc)
}

// DestroyThreadCache returns every offset held by the calling goroutine's
// cache to its master buckets and drops the binding. It is a no-op if the
// calling goroutine never called CreateThreadCache.
func (a *Allocator) DestroyThreadCache() {
	tc := threadcache.Registry.Lookup(a.key)
	if tc == nil {
		return
	}
	tc.Destroy()
	threadcache.Registry.Unbind(a.key)
}

func (a *Allocator) threadCache() *threadcache.Cache {
	return threadcache.Registry.Lookup(a.key)
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func isPoisonOrNil(p unsafe.Pointer) bool {
	return p == nil || uintptr(p) <= 4096
}

func (a *Allocator) poisonFor(align uintptr) unsafe.Pointer {
	if a.poisonStyle == PoisonSentinel {
		return unsafe.Pointer(sentinelPoison)
	}
	return unsafe.Pointer(align)
}

// locate returns the bucket index and slot offset for a pointer that falls
// inside the arena. Division by the (equal) sub-slab size is what makes
// this O(1): a pointer outside the arena always divides out to an index
// outside [0, len(buckets)), whether by underflow wraparound or plain
// overshoot, per spec.md section 4.4.
func (a *Allocator) locate(p unsafe.Pointer) (idx int, offset uint32, ok bool) {
	rel := (uintptr(p) - uintptr(a.arenaBase)) / a.subSlab
	if rel >= uintptr(len(a.buckets)) {
		return 0, 0, false
	}
	idx = int(rel)
	return idx, a.buckets[idx].OffsetOf(p), true
}

// Allocate returns a pointer to at least n bytes aligned to align (a power
// of two in [4, 4096]), or nil if both the arena and the fallback allocator
// are exhausted. n == 0 returns a poison pointer per a's configured
// PoisonStyle; it is never nil and is never safe to dereference.
func (a *Allocator) Allocate(n, align uintptr) unsafe.Pointer {
	assert.True(align >= 4 && align <= 4096 && align&(align-1) == 0, "smalloc: invalid alignment %d", align)

	a.global.Attempts.Add(1)
	if a.counters != nil {
		a.counters.AllocAttempts.Add(context.Background(), 1)
	}

	if n == 0 {
		return a.poisonFor(align)
	}

	eff := roundUp(n, align)
	i := a.scheme.Idx(eff)
	startedInRange := i < len(a.buckets)

	if startedInRange {
		if cache := a.threadCache(); cache != nil {
			if off, ok := cache.Pull(i); ok {
				a.buckets[i].Stats.CacheHit.Add(1)
				a.global.FromArena.Add(1)
				if a.counters != nil {
					ctx := context.Background()
					a.counters.BucketCacheHit.Add(ctx, 1, telemetry.WithBucket(i))
					a.counters.AllocServedFromArena.Add(ctx, 1)
				}
				return a.buckets[i].PtrAt(off)
			}
		}

		for i < len(a.buckets) {
			if p, ok := a.buckets[i].Allocate(); ok {
				a.global.FromArena.Add(1)
				if a.counters != nil {
					ctx := context.Background()
					a.counters.AllocServedFromArena.Add(ctx, 1)
				}
				return p
			}
			next, ok := sizeclass.NextAligned(a.scheme, i+1, align)
			if !ok {
				break
			}
			i = next
		}
	}

	a.global.ToFallback.Add(1)
	if startedInRange {
		a.global.BySaturation.Add(1)
	} else {
		a.global.BySize.Add(1)
	}
	if a.counters != nil {
		ctx := context.Background()
		a.counters.AllocRoutedFallback.Add(ctx, 1)
		if startedInRange {
			a.counters.RoutedBySaturation.Add(ctx, 1)
		} else {
			a.counters.RoutedBySize.Add(ctx, 1)
		}
	}

	tracer := telemetry.Tracer("facade")
	ctx, span := telemetry.StartSpan(context.Background(), tracer, "smalloc.fallback.alloc")
	defer span.End()
	p := a.fallback.Alloc(n, align)
	if p == nil {
		telemetry.RecordError(ctx, fmt.Errorf("smalloc: fallback allocation of %d bytes failed", n))
	}
	return p
}

// Free releases p, which must have been returned by a's Allocate or
// Reallocate (or be a poison pointer, in which case Free is a no-op).
// Freeing a foreign pointer, or double-freeing, is undefined behavior; Free
// does not check for either, not even under the smalloc_debug build tag.
func (a *Allocator) Free(p unsafe.Pointer) {
	if isPoisonOrNil(p) {
		return
	}

	if idx, off, ok := a.locate(p); ok {
		if cache := a.threadCache(); cache != nil {
			if cache.Push(idx, off) {
				return
			}
		}
		slot := a.buckets[idx].PtrAt(off)
		a.buckets[idx].FreeInterval(slot, slot)
		return
	}

	tracer := telemetry.Tracer("facade")
	_, span := telemetry.StartSpan(context.Background(), tracer, "smalloc.fallback.free")
	defer span.End()
	a.fallback.Free(p)
}

// Reallocate resizes the block at p to n bytes aligned to align. p may be
// nil or a poison pointer (treated identically to nil). n == 0 frees p and
// returns nil; for a nil or poison p, n == 0 returns a's zero-size poison
// value instead.
func (a *Allocator) Reallocate(p unsafe.Pointer, n, align uintptr) unsafe.Pointer {
	if isPoisonOrNil(p) {
		if n == 0 {
			return a.poisonFor(align)
		}
		return a.Allocate(n, align)
	}
	if n == 0 {
		a.Free(p)
		return nil
	}

	if idx, _, ok := a.locate(p); ok {
		slotSize := a.buckets[idx].SlotSize()
		eff := roundUp(n, align)
		if eff <= slotSize {
			return p
		}

		newP := a.Allocate(n, align)
		if newP == nil {
			return nil
		}
		copySize := slotSize
		if n < copySize {
			copySize = n
		}
		copy(unsafe.Slice((*byte)(newP), copySize), unsafe.Slice((*byte)(p), copySize))
		a.Free(p)
		return newP
	}

	eff := roundUp(n, align)
	if a.scheme.Idx(eff) < len(a.buckets) {
		usable := a.fallback.UsableSize(p)
		newP := a.Allocate(n, align)
		if newP == nil {
			return nil
		}
		copySize := usable
		if n < copySize {
			copySize = n
		}
		copy(unsafe.Slice((*byte)(newP), copySize), unsafe.Slice((*byte)(p), copySize))
		a.fallback.Free(p)
		return newP
	}

	tracer := telemetry.Tracer("facade")
	_, span := telemetry.StartSpan(context.Background(), tracer, "smalloc.fallback.realloc")
	defer span.End()
	return a.fallback.Realloc(p, n, align)
}

// UsableSize returns the number of bytes usable at p without reallocating.
// It is 0 for nil and poison pointers.
func (a *Allocator) UsableSize(p unsafe.Pointer) uintptr {
	if isPoisonOrNil(p) {
		return 0
	}
	if idx, _, ok := a.locate(p); ok {
		return a.buckets[idx].SlotSize()
	}
	return a.fallback.UsableSize(p)
}

// BucketOf reports which bucket owns p, or -1 if p is not an arena
// pointer. Diagnostic only.
func (a *Allocator) BucketOf(p unsafe.Pointer) int {
	if isPoisonOrNil(p) {
		return -1
	}
	if idx, _, ok := a.locate(p); ok {
		return idx
	}
	return -1
}

// BucketCount returns the number of active size classes a was created
// with.
func (a *Allocator) BucketCount() int { return len(a.buckets) }

// Stats returns pointers to every bucket's live counters, for
// internal/statslog to read and serialize.
func (a *Allocator) Stats() []*pool.Stats {
	out := make([]*pool.Stats, len(a.buckets))
	for i, b := range a.buckets {
		out[i] = &b.Stats
	}
	return out
}

// SlotSize exposes bucket i's slot size, for callers building a stats
// snapshot or choosing thread-cache capacities.
func (a *Allocator) SlotSize(i int) uintptr { return a.buckets[i].SlotSize() }

// GlobalStats returns a's allocator-wide counters, for internal/statslog to
// serialize alongside the per-bucket Stats.
func (a *Allocator) GlobalStats() *GlobalStats { return &a.global }
