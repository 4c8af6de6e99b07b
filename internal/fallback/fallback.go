// Package fallback provides the collaborator the facade delegates to when a
// request doesn't fit any arena bucket, or a bucket is saturated: a thin
// capability set over the platform allocator, exactly as spec.md section 9
// describes it ("a small trait/interface or a function-pointer table, not
// inheritance... called only on the slow path").
//
// Go has no exposed raw malloc, so GoHeap wraps make([]byte, n) with the
// same oversized-header trick the reference allocator uses: a small header
// stored immediately before the user pointer records the requested size and
// the usable size, which is what makes Free, Realloc, and UsableSize
// possible without a side-table mapping pointers to metadata.
package fallback

import "unsafe"

// Allocator is the fallback capability set: create/destroy are the facade's
// responsibility (one GoHeap per smalloc.Allocator), the remaining four are
// the per-request operations.
type Allocator interface {
	Alloc(size, align uintptr) unsafe.Pointer
	Free(p unsafe.Pointer)
	Realloc(p unsafe.Pointer, size, align uintptr) unsafe.Pointer
	UsableSize(p unsafe.Pointer) uintptr
}

// MinAlignment is the minimum alignment GoHeap ever actually allocates at,
// regardless of what the caller requested, matching spec.md's fallback
// interface description.
const MinAlignment = 16

type header struct {
	size    uintptr // bytes requested by the caller
	usable  uintptr // bytes available from the user pointer to the end of the backing allocation
}

var headerSize = unsafe.Sizeof(header{})

// GoHeap is the reference fallback: it wraps Go's own runtime allocator.
type GoHeap struct{}

// NewGoHeap constructs the reference fallback allocator.
func NewGoHeap() *GoHeap { return &GoHeap{} }

func effectiveAlign(align uintptr) uintptr {
	if align < MinAlignment {
		return MinAlignment
	}
	return align
}

// Alloc requests size bytes aligned to align (raised to MinAlignment if
// smaller), returning nil if the request cannot be satisfied. A recovered
// panic from an oversized or otherwise invalid make() stands in for the
// platform allocator's own out-of-memory signal.
func (g *GoHeap) Alloc(size, align uintptr) (p unsafe.Pointer) {
	align = effectiveAlign(align)
	defer func() {
		if recover() != nil {
			p = nil
		}
	}()

	raw := make([]byte, size+align+headerSize)
	base := unsafe.Pointer(&raw[0])

	// Pure integer arithmetic to find the aligned offset from base; no
	// Pointer<->uintptr round trip happens until unsafe.Add below.
	baseAddr := uintptr(base)
	userOffset := (baseAddr+headerSize+align-1)&^(align-1) - baseAddr

	userPtr := unsafe.Add(base, userOffset)
	hdr := (*header)(unsafe.Add(userPtr, -headerSize))
	hdr.size = size
	hdr.usable = uintptr(len(raw)) - userOffset

	return userPtr
}

func headerOf(p unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(p) - headerSize))
}

// Free releases p. Go's garbage collector, not this call, reclaims the
// backing array once the caller's last reference to p is dropped; Free's
// role here is purely to satisfy the fallback contract's shape so the
// facade never special-cases "fallback that doesn't need freeing".
func (g *GoHeap) Free(p unsafe.Pointer) {
	_ = headerOf(p) // computes the header address only; nothing is read or written
}

// Realloc grows or shrinks the allocation at p to size bytes aligned to
// align, copying min(old usable size, size) bytes and releasing the old
// block. p may be nil (equivalent to Alloc); size may be 0 (equivalent to
// Free, returning nil).
func (g *GoHeap) Realloc(p unsafe.Pointer, size, align uintptr) unsafe.Pointer {
	if p == nil {
		if size == 0 {
			return nil
		}
		return g.Alloc(size, align)
	}
	if size == 0 {
		g.Free(p)
		return nil
	}

	hdr := headerOf(p)
	newP := g.Alloc(size, align)
	if newP == nil {
		return nil
	}
	n := hdr.usable
	if size < n {
		n = size
	}
	copy(unsafe.Slice((*byte)(newP), n), unsafe.Slice((*byte)(p), n))
	g.Free(p)
	return newP
}

// UsableSize returns the number of bytes available at p without
// reallocating, which may exceed the originally requested size due to the
// alignment padding GoHeap rounds up to.
func (g *GoHeap) UsableSize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	return headerOf(p).usable
}
