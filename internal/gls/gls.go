// Package gls provides a goroutine-local-storage substitute for the
// thread-local thread cache described in spec.md section 9: "an equivalent
// clean design: a thread-local map from allocator-handle to cache-table;
// cost is one indirection per hot call, usually acceptable."
//
// Go has no public thread-local or goroutine-local storage, so this package
// reports the calling goroutine's runtime-assigned id, extracted from a
// runtime.Stack dump of the current goroutine; threadcache.Registry keys
// its process-wide map by that id. This is the
// same technique used by the wider Go ecosystem (e.g. goroutine-id
// extraction libraries) wherever code needs per-goroutine affinity without
// threading an explicit handle through every call.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns the runtime-assigned id of the calling goroutine. It is only
// stable for the lifetime of the goroutine; ids are reused after a
// goroutine exits, which is fine for a cache keyed by "the goroutine
// currently running this code", not by any longer-lived identity.
func ID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

// parseGoroutineID extracts the decimal id from a line of the form
// "goroutine 123 [running]:", which is always the first line runtime.Stack
// produces.
func parseGoroutineID(stack []byte) uint64 {
	const prefix = "goroutine "
	stack = bytes.TrimPrefix(stack, []byte(prefix))
	end := bytes.IndexByte(stack, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(stack[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
