// Package assert provides the allocator's only precondition checks:
// compiled in under the smalloc_debug build tag, elided entirely otherwise,
// matching spec.md section 7's "detected by assertions in debug builds
// only... no exceptions, no panics, no result codes in the hot path" (the
// hot path stays panic-free in release builds; debug builds trade that for
// earlier, louder failures).
package assert
