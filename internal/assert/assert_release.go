//go:build !smalloc_debug

package assert

// True is a no-op in release builds; args are never evaluated for
// formatting cost beyond what the caller already pays to construct them.
func True(cond bool, msg string, args ...any) {}

// Enabled reports whether debug assertions are compiled in.
const Enabled = false
