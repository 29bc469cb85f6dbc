package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Label is a jump target inside a Builder.
type Label int

type jumpFixup struct {
	pos   int // offset of the 4-byte operand
	label Label
}

type callFixup struct {
	pos  int
	name string
}

// Builder assembles a Module. Jump targets are symbolic labels resolved in
// Build; calls are resolved by name so callees may be defined later.
type Builder struct {
	code     []byte
	consts   []int64
	constIdx map[int64]uint32
	funcs    []Function
	names    map[string]int

	labels []int // bound offset per label, -1 if unbound
	jumps  []jumpFixup
	calls  []callFixup

	err error
}

func NewBuilder() *Builder {
	return &Builder{
		constIdx: make(map[int64]uint32),
		names:    make(map[string]int),
	}
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

// Func starts a new function at the current code offset.
func (b *Builder) Func(name string, arity int, locals int) *Builder {
	if _, dup := b.names[name]; dup {
		b.fail("duplicate function %q", name)
		return b
	}
	if arity < 0 || arity > math.MaxUint8 {
		b.fail("function %q: arity %d out of range", name, arity)
		return b
	}
	if locals < arity || locals > math.MaxUint16 {
		b.fail("function %q: %d locals for %d arguments", name, locals, arity)
		return b
	}
	b.names[name] = len(b.funcs)
	b.funcs = append(b.funcs, Function{
		Name:   name,
		Entry:  uint32(len(b.code)),
		Arity:  uint8(arity),
		Locals: uint16(locals),
	})
	return b
}

// Offset is the current end of the code.
func (b *Builder) Offset() uint32 { return uint32(len(b.code)) }

// NewLabel creates an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Mark binds l to the current offset.
func (b *Builder) Mark(l Label) *Builder {
	if b.labels[l] >= 0 {
		b.fail("label %d bound twice", l)
		return b
	}
	b.labels[l] = len(b.code)
	return b
}

// Emit appends op with its operand in the encoded width, without choosing
// a short form.
func (b *Builder) Emit(op Op, arg uint32) *Builder {
	if !op.Valid() {
		b.fail("emit: invalid opcode 0x%02x", byte(op))
		return b
	}
	b.code = append(b.code, byte(op))
	switch op.Width() - 1 {
	case 1:
		if arg > math.MaxUint8 {
			b.fail("emit %s: operand %d does not fit a byte", op, arg)
		}
		b.code = append(b.code, byte(arg))
	case 4:
		b.code = binary.LittleEndian.AppendUint32(b.code, arg)
	}
	return b
}

// Op appends operand-less instructions.
func (b *Builder) Op(list ...Op) *Builder {
	for _, op := range list {
		if op.Width() != 1 {
			b.fail("op %s needs an operand", op)
			continue
		}
		b.Emit(op, 0)
	}
	return b
}

// Const interns v in the constant pool.
func (b *Builder) Const(v int64) uint32 {
	if idx, ok := b.constIdx[v]; ok {
		return idx
	}
	idx := uint32(len(b.consts))
	b.consts = append(b.consts, v)
	b.constIdx[v] = idx
	return idx
}

// Push pushes the constant v using the shortest encoding.
func (b *Builder) Push(v int64) *Builder {
	idx := b.Const(v)
	if idx <= math.MaxUint8 {
		return b.Emit(OpPushConst8, idx)
	}
	return b.Emit(OpPushConst, idx)
}

// Load pushes local slot using the shortest encoding.
func (b *Builder) Load(slot uint32) *Builder {
	switch {
	case slot < 4:
		return b.Emit(OpLoad0+Op(slot), 0)
	case slot <= math.MaxUint8:
		return b.Emit(OpLoadLocal8, slot)
	default:
		return b.Emit(OpLoadLocal, slot)
	}
}

// Store writes the top of stack to slot using the shortest encoding.
func (b *Builder) Store(slot uint32) *Builder {
	switch {
	case slot < 4:
		return b.Emit(OpStore0+Op(slot), 0)
	case slot <= math.MaxUint8:
		return b.Emit(OpStoreLocal8, slot)
	default:
		return b.Emit(OpStoreLocal, slot)
	}
}

func (b *Builder) jump(op Op, l Label) *Builder {
	if int(l) < 0 || int(l) >= len(b.labels) {
		b.fail("%s: unknown label %d", op, l)
		return b
	}
	b.code = append(b.code, byte(op))
	b.jumps = append(b.jumps, jumpFixup{pos: len(b.code), label: l})
	b.code = append(b.code, 0, 0, 0, 0)
	return b
}

// Jmp jumps to l unconditionally.
func (b *Builder) Jmp(l Label) *Builder { return b.jump(OpJmp, l) }

// Jz pops a condition and jumps to l when it is zero.
func (b *Builder) Jz(l Label) *Builder { return b.jump(OpJmpIfFalse, l) }

// Jnz pops a condition and jumps to l when it is nonzero.
func (b *Builder) Jnz(l Label) *Builder { return b.jump(OpJmpIfTrue, l) }

// Call calls the named function, which may be defined later.
func (b *Builder) Call(name string) *Builder {
	b.code = append(b.code, byte(OpCall))
	b.calls = append(b.calls, callFixup{pos: len(b.code), name: name})
	b.code = append(b.code, 0, 0, 0, 0)
	return b
}

// Build resolves labels and calls and returns the module.
func (b *Builder) Build() (*Module, error) {
	if b.err != nil {
		return nil, b.err
	}
	code := append([]byte(nil), b.code...)
	for _, j := range b.jumps {
		target := b.labels[j.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d never bound", j.label)
		}
		binary.LittleEndian.PutUint32(code[j.pos:], uint32(target))
	}
	for _, c := range b.calls {
		idx, ok := b.names[c.name]
		if !ok {
			return nil, fmt.Errorf("call to undefined function %q", c.name)
		}
		binary.LittleEndian.PutUint32(code[c.pos:], uint32(idx))
	}

	m := &Module{
		Code:      code,
		Consts:    append([]int64(nil), b.consts...),
		Functions: append([]Function(nil), b.funcs...),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// MustBuild is Build for tests and static tables.
func (b *Builder) MustBuild() *Module {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}
