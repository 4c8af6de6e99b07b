package smalloc

import (
	"github.com/abiolaogu/smalloc/internal/fallback"
	"github.com/abiolaogu/smalloc/internal/sizeclass"
)

// SchemeKind selects one of the three interchangeable size-class
// partitioning schemes described in spec.md section 3. Exactly one is
// chosen per Allocator at Create time.
type SchemeKind int

const (
	// SchemePiecewiseLinear is the default: three segments of increasing
	// step size, the best general-purpose tradeoff between class count
	// and internal fragmentation.
	SchemePiecewiseLinear SchemeKind = iota
	// SchemeLinear steps every class by 16 bytes; fastest to compute,
	// wasteful once the largest class grows past a few KB.
	SchemeLinear
	// SchemeFloating is the 2-bit-mantissa/6-bit-exponent scheme; keeps
	// overhead percentage roughly constant across the whole range. Idx is
	// computed with a few bit operations, no scan.
	SchemeFloating
)

func schemeFor(k SchemeKind) sizeclass.Scheme {
	switch k {
	case SchemeLinear:
		return sizeclass.Linear{}
	case SchemeFloating:
		return sizeclass.Floating{}
	default:
		return sizeclass.PiecewiseLinear{}
	}
}

// PoisonStyle selects how Allocate represents a zero-size request, per
// spec.md section 9's open question; tests must accept either.
type PoisonStyle int

const (
	// PoisonAlign returns the literal alignment value as the poison
	// pointer: cheap, distinguishable from a real slot, but fragile if a
	// caller asserts every non-nil pointer lies within the arena.
	PoisonAlign PoisonStyle = iota
	// PoisonSentinel returns a single process-wide sentinel address (1)
	// regardless of the requested alignment.
	PoisonSentinel
)

// sentinelPoison is the fixed address PoisonSentinel returns.
const sentinelPoison = uintptr(1)

// Config configures a new Allocator. Buckets and SubSlabBytes correspond
// exactly to spec.md's create(buckets, sub_slab_bytes) entry point.
type Config struct {
	// Buckets is the number of active size classes, 1..sizeclass.MaxClasses.
	Buckets int
	// SubSlabBytes is the byte size of each bucket's sub-slab; the arena
	// is Buckets*SubSlabBytes bytes in total. Must be large enough to
	// hold at least one slot of the largest configured bucket.
	SubSlabBytes uintptr

	// Scheme selects the size-class partitioning function.
	Scheme SchemeKind

	// Fallback is the collaborator invoked when a request doesn't fit any
	// bucket or every candidate bucket is saturated. Defaults to
	// fallback.NewGoHeap() when nil.
	Fallback fallback.Allocator

	// Poison selects the zero-size-allocation convention.
	Poison PoisonStyle

	// EnableMetrics turns on the OpenTelemetry counters from spec.md
	// section 6's statistics table. Off by default: every Allocate/Free
	// otherwise pays zero telemetry cost.
	EnableMetrics bool

	// JaegerEndpoint, if non-empty, turns on span tracing for the
	// fallback-delegation slow path via a Jaeger exporter.
	JaegerEndpoint string
}
