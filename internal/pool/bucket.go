// Package pool implements the master, process-wide freelist for one size
// class: a lock-free, intrusive, ABA-safe LIFO stack of free slots carved
// out of a fixed sub-slab of the allocator's arena.
//
// The CAS retry loop below follows the same shape as the teacher's
// LockFreeRingBuffer.Push/Pop (cache_engine_v3.go): load the shared atomic,
// compute the next value, CompareAndSwap, retry on failure. The freelist
// head additionally carries a tag to defeat ABA, which a ring buffer's
// monotonic head/tail counters never needed.
package pool

import (
	"sync/atomic"
	"unsafe"
)

// sentinel marks an empty freelist: every bit set, so it can never collide
// with a real tagged index (offsets are bounded by sub-slab size).
const sentinel uint64 = ^uint64(0)

// taggedIndex packs a 32-bit ABA-guard tag and a 32-bit sub-slab-relative
// slot offset into one 64-bit word, so the freelist head fits in a single
// atomic.
type taggedIndex uint64

func pack(tag, offset uint32) taggedIndex {
	return taggedIndex(uint64(tag)<<32 | uint64(offset))
}

func (t taggedIndex) tag() uint32    { return uint32(uint64(t) >> 32) }
func (t taggedIndex) offset() uint32 { return uint32(uint64(t)) }

// Stats holds the per-bucket counters. They are always present and always
// incremented (no build tag gates them), so telemetry and statslog can read
// them unconditionally.
type Stats struct {
	CacheHit atomic.Uint64
	Hit      atomic.Uint64
	Miss     atomic.Uint64
	Free     atomic.Uint64
}

// Bucket is the master pool for one size class: a contiguous sub-slab split
// into equal-size slots, threaded into a lock-free freelist.
type Bucket struct {
	base     unsafe.Pointer // first byte of the sub-slab
	end      unsafe.Pointer // one past the last byte
	slotSize uintptr
	slots    uint32

	head atomic.Uint64 // packed taggedIndex
	tag  atomic.Uint32

	Stats Stats
}

// New carves a Bucket's bookkeeping out of a pre-sized sub-slab. It does
// not initialize the freelist; call Init for that once the sub-slab's
// backing memory is ready.
func New(subSlab []byte, slotSize uintptr) *Bucket {
	if len(subSlab) == 0 || slotSize == 0 {
		b := &Bucket{}
		b.head.Store(sentinel)
		return b
	}
	base := unsafe.Pointer(&subSlab[0])
	b := &Bucket{
		base:     base,
		end:      unsafe.Add(base, len(subSlab)),
		slotSize: slotSize,
		slots:    uint32(uintptr(len(subSlab)) / slotSize),
	}
	b.head.Store(sentinel)
	return b
}

// SlotCount returns the number of slots the sub-slab was partitioned into.
func (b *Bucket) SlotCount() uint32 { return b.slots }

// SlotSize returns this bucket's fixed slot size in bytes.
func (b *Bucket) SlotSize() uintptr { return b.slotSize }

// slotAt returns the address of the slot at the given sub-slab-relative
// offset (offset is a slot index, not a byte offset).
func (b *Bucket) slotAt(offset uint32) unsafe.Pointer {
	return unsafe.Add(b.base, uintptr(offset)*b.slotSize)
}

func slotNext(p unsafe.Pointer) *uint64 {
	return (*uint64)(p)
}

// Init threads every slot into the freelist (slot 0 -> slot 1 -> ... ->
// sentinel) and publishes head = (tag=0, offset=0). Buckets may be
// initialized in any order relative to one another.
func (b *Bucket) Init() {
	if b.slots == 0 {
		return
	}
	for i := uint32(0); i < b.slots; i++ {
		var next taggedIndex
		if i+1 == b.slots {
			next = taggedIndex(sentinel)
		} else {
			next = pack(0, i+1)
		}
		*slotNext(b.slotAt(i)) = uint64(next)
	}
	b.head.Store(uint64(pack(0, 0)))
}

// Allocate pops one slot from the freelist. It returns (nil, false) if the
// freelist is empty.
func (b *Bucket) Allocate() (unsafe.Pointer, bool) {
	for {
		head := b.head.Load()
		if head == sentinel {
			b.Stats.Miss.Add(1)
			return nil, false
		}
		cur := taggedIndex(head)
		slot := b.slotAt(cur.offset())
		next := atomic.LoadUint64(slotNext(slot))
		if b.head.CompareAndSwap(head, next) {
			b.Stats.Hit.Add(1)
			return slot, true
		}
	}
}

// FreeInterval pushes an already-chained run of slots, from headPtr to
// tailPtr, back onto the freelist in one CAS. The caller must have already
// written tagged-next links into every node except tailPtr; tailPtr's link
// is written here, pointing at whatever the freelist's head currently is.
// headPtr == tailPtr is the single-slot degenerate case.
func (b *Bucket) FreeInterval(headPtr, tailPtr unsafe.Pointer) {
	newTag := b.tag.Add(1)
	headOffset := uint32((uintptr(headPtr) - uintptr(b.base)) / b.slotSize)
	newHead := uint64(pack(newTag, headOffset))
	for {
		head := b.head.Load()
		atomic.StoreUint64(slotNext(tailPtr), head)
		if b.head.CompareAndSwap(head, newHead) {
			b.Stats.Free.Add(1)
			return
		}
	}
}

// Belongs reports whether ptr falls inside this bucket's sub-slab.
func (b *Bucket) Belongs(ptr unsafe.Pointer) bool {
	if b.base == nil {
		return false
	}
	return uintptr(ptr) >= uintptr(b.base) && uintptr(ptr) < uintptr(b.end)
}

// OffsetOf returns ptr's slot offset within this bucket's sub-slab. The
// caller must have already verified Belongs(ptr).
func (b *Bucket) OffsetOf(ptr unsafe.Pointer) uint32 {
	return uint32((uintptr(ptr) - uintptr(b.base)) / b.slotSize)
}

// Base returns the sub-slab's first byte, for callers (the thread cache)
// that need to translate offsets back into pointers themselves.
func (b *Bucket) Base() unsafe.Pointer { return b.base }

// PtrAt is the exported counterpart of slotAt, used by the thread cache to
// turn a cached offset back into a pointer.
func (b *Bucket) PtrAt(offset uint32) unsafe.Pointer { return b.slotAt(offset) }
