//go:build amd64 && (linux || darwin || freebsd || windows)

package jit

import (
	"unsafe"

	"github.com/ebitengine/purego"
)

// Supported reports whether compiled code can be executed on this platform.
func Supported() bool { return true }

// Call runs the compiled routine at entry with the state block as its only
// argument and returns the value left in rax.
func Call(entry uintptr, state *StateBlock) int64 {
	r1, _, _ := purego.SyscallN(entry, uintptr(unsafe.Pointer(state)))
	return int64(r1)
}

// NewTrampoline turns fn into a native function pointer with the C
// signature uint64 (*state, uint64 callee). Callbacks are a finite process
// resource; create one and share it.
func NewTrampoline(fn func(state, callee uintptr) uintptr) uintptr {
	return purego.NewCallback(fn)
}
