package bytecode

import (
	"encoding/binary"
	"fmt"

	"mplx/pkg/errors"
)

// Instr is one decoded instruction.
type Instr struct {
	IP   uint32
	Op   Op     // as encoded
	Kind Op     // canonical operation
	Arg  uint32 // operand, or the implied slot of LD0..ST3
	Len  uint32
}

// Next is the offset of the following instruction.
func (in Instr) Next() uint32 { return in.IP + in.Len }

func (in Instr) String() string {
	if in.Len == 1 {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %d", in.Op, in.Arg)
}

// Decode reads the instruction at ip. The interpreter, both JIT passes and
// the disassembler all decode through here.
func Decode(code []byte, ip uint32) (Instr, error) {
	if uint64(ip) >= uint64(len(code)) {
		return Instr{}, fmt.Errorf("%w: %d", errors.ErrIPOutOfRange, ip)
	}
	op := Op(code[ip])
	if !op.Valid() {
		return Instr{}, fmt.Errorf("%w: 0x%02x at %d", errors.ErrUnknownOpcode, byte(op), ip)
	}

	info := ops[op]
	in := Instr{IP: ip, Op: op, Kind: info.kind, Arg: info.slot, Len: 1 + info.width}
	if uint64(ip)+uint64(in.Len) > uint64(len(code)) {
		return Instr{}, fmt.Errorf("%w: %s at %d", errors.ErrTruncated, op, ip)
	}

	switch info.width {
	case 1:
		in.Arg = uint32(code[ip+1])
	case 4:
		in.Arg = binary.LittleEndian.Uint32(code[ip+1:])
	}
	return in, nil
}
