package vm

import (
	"unsafe"

	"mplx/pkg/jit"
)

// arena is the off-heap block holding the state block followed by the
// operand stack slots. Neither moves for the lifetime of the VM, so
// compiled code may keep raw addresses into it.
type arena struct {
	mem   []byte
	state *jit.StateBlock
	slots []int64
}

func newArena(slots int) (*arena, error) {
	mem, err := mapArena(jit.StateBlockSize + slots*8)
	if err != nil {
		return nil, err
	}
	a := &arena{
		mem:   mem,
		state: (*jit.StateBlock)(unsafe.Pointer(&mem[0])),
		slots: unsafe.Slice((*int64)(unsafe.Pointer(&mem[jit.StateBlockSize])), slots),
	}
	a.state.StackBase = uintptr(unsafe.Pointer(&a.slots[0]))
	return a, nil
}

func (a *arena) free() error {
	if a.mem == nil {
		return nil
	}
	err := unmapArena(a.mem)
	a.mem, a.state, a.slots = nil, nil, nil
	return err
}
