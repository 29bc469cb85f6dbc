package jit

// StateBlock is the VM state compiled code reads and writes. The layout is
// fixed: compiled code addresses the fields by the offsets below.
type StateBlock struct {
	StackBase uintptr // address of operand stack slot 0
	Top       uint64  // index of the first free slot
	Base      uint64  // frame base index of the running function
}

const (
	StateStackBaseOffset = 0
	StateTopOffset       = 8
	StateBaseOffset      = 16

	// StateBlockSize is the size of StateBlock in bytes
	StateBlockSize = 24
)

// FaultTop is stored into StateBlock.Top to unwind compiled frames after a
// fault. Compiled code checks for it after every runtime call.
const FaultTop = ^uint64(0)
