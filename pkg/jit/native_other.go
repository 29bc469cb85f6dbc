//go:build !amd64 || !(linux || darwin || freebsd || windows)

package jit

// Supported reports whether compiled code can be executed on this platform.
func Supported() bool { return false }

// Call is never reached when Supported is false
func Call(entry uintptr, state *StateBlock) int64 {
	panic("jit: native execution not supported on this platform")
}

// NewTrampoline returns 0; no runtime calls can be made from native code here.
func NewTrampoline(fn func(state, callee uintptr) uintptr) uintptr {
	return 0
}
