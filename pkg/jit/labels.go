package jit

import (
	"encoding/binary"
	"fmt"

	"mplx/pkg/errors"
)

// Label is a symbolic jump target, bound to a code offset once known.
type Label int

// FixupKind is the jump form a fixup patches.
type FixupKind byte

const (
	FixupJMP FixupKind = iota // jmp rel32
	FixupJZ                   // je rel32
	FixupJNZ                  // jne rel32
)

func (k FixupKind) String() string {
	switch k {
	case FixupJMP:
		return "jmp"
	case FixupJZ:
		return "jz"
	case FixupJNZ:
		return "jnz"
	}
	return fmt.Sprintf("fixup(%d)", byte(k))
}

// Fixup is a pending rel32 patch: Pos is the offset of the 4 displacement
// bytes.
type Fixup struct {
	Pos   int
	Label Label
	Kind  FixupKind
}

// NewLabel creates an unbound label
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind anchors l at the current offset
func (a *Assembler) Bind(l Label) error {
	if int(l) < 0 || int(l) >= len(a.labels) {
		return fmt.Errorf("bind: unknown label %d", l)
	}
	if a.labels[l] >= 0 {
		return fmt.Errorf("bind: label %d already bound at %d", l, a.labels[l])
	}
	a.labels[l] = len(a.buf)
	return nil
}

// Bound reports the offset of l, if bound
func (a *Assembler) Bound(l Label) (int, bool) {
	if int(l) < 0 || int(l) >= len(a.labels) || a.labels[l] < 0 {
		return 0, false
	}
	return a.labels[l], true
}

// Jmp: jmp rel32 to l
func (a *Assembler) Jmp(l Label) {
	a.emit(0xE9)
	a.addFixup(l, FixupJMP)
}

// Jz: je rel32 to l
func (a *Assembler) Jz(l Label) {
	a.emit(0x0F, 0x80|byte(CondE))
	a.addFixup(l, FixupJZ)
}

// Jnz: jne rel32 to l
func (a *Assembler) Jnz(l Label) {
	a.emit(0x0F, 0x80|byte(CondNE))
	a.addFixup(l, FixupJNZ)
}

func (a *Assembler) addFixup(l Label, kind FixupKind) {
	a.fixups = append(a.fixups, Fixup{Pos: len(a.buf), Label: l, Kind: kind})
	a.emitInt32(0) // placeholder
}

// Fixups returns the pending patches, in emission order
func (a *Assembler) Fixups() []Fixup {
	return a.fixups
}

// Finalize patches every fixup with target - (pos + 4). Any label that
// was created but never bound fails the whole buffer; nothing is patched
// in that case.
func (a *Assembler) Finalize() ([]byte, error) {
	for l, off := range a.labels {
		if off < 0 {
			return nil, errors.Wrap(errors.StaticReject, errors.ErrUnboundLabel, fmt.Sprintf("label %d", l))
		}
	}

	code := append([]byte(nil), a.buf...)
	for _, f := range a.fixups {
		if int(f.Label) < 0 || int(f.Label) >= len(a.labels) {
			return nil, errors.Wrap(errors.StaticReject, errors.ErrUnboundLabel, fmt.Sprintf("label %d", f.Label))
		}
		rel := int32(a.labels[f.Label] - (f.Pos + 4))
		binary.LittleEndian.PutUint32(code[f.Pos:], uint32(rel))
	}
	return code, nil
}
