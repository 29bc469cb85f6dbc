package jit

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// ExecutableMemory is one page-rounded RWX mapping holding the code of a
// single compiled unit.
type ExecutableMemory struct {
	buffer []byte
	used   int
	mu     sync.Mutex
}

// Allocator hands out executable memory. The compiler allocates through it
// so tests can substitute failures.
type Allocator interface {
	Alloc(size int) (*ExecutableMemory, error)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func(size int) (*ExecutableMemory, error)

func (f AllocatorFunc) Alloc(size int) (*ExecutableMemory, error) { return f(size) }

// PageAllocator maps fresh pages for every request.
var PageAllocator Allocator = AllocatorFunc(AllocExecutable)

func roundToPage(size int) int {
	page := os.Getpagesize()
	return (size + page - 1) &^ (page - 1)
}

// AllocExecutable maps at least size bytes of read/write/execute memory
func AllocExecutable(size int) (*ExecutableMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc executable: invalid size %d", size)
	}
	buffer, err := mapExecutable(roundToPage(size))
	if err != nil {
		return nil, fmt.Errorf("failed to map executable memory: %w", err)
	}
	return &ExecutableMemory{buffer: buffer}, nil
}

// Write copies code to the start of the mapping
func (em *ExecutableMemory) Write(code []byte) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.buffer == nil {
		return fmt.Errorf("write to freed executable memory")
	}
	if len(code) > len(em.buffer) {
		return fmt.Errorf("code of %d bytes does not fit %d byte mapping", len(code), len(em.buffer))
	}
	copy(em.buffer, code)
	em.used = len(code)
	return nil
}

// FlushICache makes written code visible to instruction fetch. amd64 keeps
// the instruction cache coherent with stores, so there is nothing to do
// beyond the call boundary that follows.
func (em *ExecutableMemory) FlushICache() {}

// Entry returns the address of the first byte of code
func (em *ExecutableMemory) Entry() uintptr {
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&em.buffer[0]))
}

// Size returns the number of code bytes written
func (em *ExecutableMemory) Size() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.used
}

// Capacity returns the size of the mapping
func (em *ExecutableMemory) Capacity() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.buffer)
}

// Bytes returns a copy of the written code
func (em *ExecutableMemory) Bytes() []byte {
	em.mu.Lock()
	defer em.mu.Unlock()
	return append([]byte(nil), em.buffer[:em.used]...)
}

// Free releases the mapping. Calling Free twice is a no-op.
func (em *ExecutableMemory) Free() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.buffer == nil {
		return nil
	}
	err := unmapExecutable(em.buffer)
	em.buffer = nil
	em.used = 0
	return err
}
