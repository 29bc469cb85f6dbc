package jit

import (
	"encoding/binary"
)

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

var regNames = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (r Reg) String() string { return regNames[r&15] }

// Assembler emits x86-64 machine code into a growable buffer. Jumps to
// labels are recorded as fixups and patched by Finalize.
type Assembler struct {
	buf    []byte
	labels []int // bound offset per label, -1 while unbound
	fixups []Fixup
}

// NewAssembler creates an assembler with room for sizeHint bytes
func NewAssembler(sizeHint int) *Assembler {
	return &Assembler{buf: make([]byte, 0, sizeHint)}
}

// Offset returns current write position
func (a *Assembler) Offset() int {
	return len(a.buf)
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// emit appends bytes to the buffer
func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

// emitUint64 appends a little-endian uint64
func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// emitInt32 appends a little-endian int32
func (a *Assembler) emitInt32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexW returns REX.W prefix for 64-bit operations
func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

func isDisp8(disp int32) bool { return disp >= -128 && disp <= 127 }

// emitMemOperand emits ModR/M and displacement for [base + disp]
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	if base == RSP || base == R12 {
		// rm=100 means SIB follows; SIB 0x24 = no index, base rsp/r12
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if isDisp8(disp) {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	} else if base == RBP || base == R13 {
		// mod=00 with rbp/r13 would mean rip-relative, so always carry a displacement
		if isDisp8(disp) {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	} else if disp == 0 {
		a.emit(modRM(0x00, reg, base))
	} else if isDisp8(disp) {
		a.emit(modRM(0x40, reg, base), byte(disp))
	} else {
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// emitIndexedOperand emits ModR/M, SIB and displacement for [base + index*8 + disp]
func (a *Assembler) emitIndexedOperand(reg, base, index Reg, disp int32) {
	sib := byte(0xC0) | ((byte(index) & 7) << 3) | (byte(base) & 7) // scale=3 for *8
	switch {
	case disp == 0 && base != RBP && base != R13:
		a.emit(modRM(0x00, reg, RSP), sib)
	case isDisp8(disp):
		a.emit(modRM(0x40, reg, RSP), sib, byte(disp))
	default:
		a.emit(modRM(0x80, reg, RSP), sib)
		a.emitInt32(disp)
	}
}

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x89, modRM(0xC0, src, dst))
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	// REX.W + B8+rd + imm64
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegImm32SignExt: mov reg, imm32 (sign-extended to 64-bit)
func (a *Assembler) MovRegImm32SignExt(reg Reg, imm int32) {
	// REX.W + C7 /0 + imm32
	a.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// MovRegImm: picks the shorter of the sign-extended imm32 and imm64 forms
func (a *Assembler) MovRegImm(reg Reg, imm int64) {
	if imm >= -1<<31 && imm < 1<<31 {
		a.MovRegImm32SignExt(reg, int32(imm))
		return
	}
	a.MovRegImm64(reg, uint64(imm))
}

// MovRegMem64: mov reg, [base + disp] (64-bit load)
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg64: mov [base + disp], reg (64-bit store)
func (a *Assembler) MovMemReg64(base Reg, disp int32, reg Reg) {
	a.emit(rexW(reg, base), 0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMemImm32: mov qword [base + disp], imm32 (sign-extended)
func (a *Assembler) MovMemImm32(base Reg, disp int32, imm int32) {
	a.emit(rexW(0, base), 0xC7)
	a.emitMemOperand(0, base, disp)
	a.emitInt32(imm)
}

// MovRegMemIdx64: mov reg, [base + index*8 + disp] (64-bit load with index)
func (a *Assembler) MovRegMemIdx64(reg, base, index Reg, disp int32) {
	a.emit(rex(true, reg >= 8, index >= 8, base >= 8), 0x8B)
	a.emitIndexedOperand(reg, base, index, disp)
}

// MovMemIdxReg64: mov [base + index*8 + disp], reg (64-bit store with index)
func (a *Assembler) MovMemIdxReg64(base, index Reg, disp int32, reg Reg) {
	a.emit(rex(true, reg >= 8, index >= 8, base >= 8), 0x89)
	a.emitIndexedOperand(reg, base, index, disp)
}

// AddRegReg: add dst, src (64-bit)
func (a *Assembler) AddRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x01, modRM(0xC0, src, dst))
}

// AddRegImm32: add reg, imm32 (64-bit, sign-extended)
func (a *Assembler) AddRegImm32(reg Reg, imm int32) {
	if isDisp8(imm) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 0, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 0, reg))
		a.emitInt32(imm)
	}
}

// SubRegReg: sub dst, src (64-bit)
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x29, modRM(0xC0, src, dst))
}

// SubRegImm32: sub reg, imm32 (64-bit, sign-extended)
func (a *Assembler) SubRegImm32(reg Reg, imm int32) {
	if isDisp8(imm) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 5, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 5, reg))
		a.emitInt32(imm)
	}
}

// IMulRegReg: imul dst, src (64-bit signed multiply)
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xAF, modRM(0xC0, dst, src))
}

// AndRegReg: and dst, src (64-bit)
func (a *Assembler) AndRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x21, modRM(0xC0, src, dst))
}

// OrRegReg: or dst, src (64-bit)
func (a *Assembler) OrRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x09, modRM(0xC0, src, dst))
}

// XorRegReg: xor dst, src (64-bit)
func (a *Assembler) XorRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x31, modRM(0xC0, src, dst))
}

// NegReg: neg reg (64-bit)
func (a *Assembler) NegReg(reg Reg) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 3, reg))
}

// IncReg: inc reg (64-bit)
func (a *Assembler) IncReg(reg Reg) {
	a.emit(rexW(0, reg), 0xFF, modRM(0xC0, 0, reg))
}

// DecReg: dec reg (64-bit)
func (a *Assembler) DecReg(reg Reg) {
	a.emit(rexW(0, reg), 0xFF, modRM(0xC0, 1, reg))
}

// CmpRegReg: cmp left, right (64-bit)
func (a *Assembler) CmpRegReg(left, right Reg) {
	a.emit(rexW(right, left), 0x39, modRM(0xC0, right, left))
}

// CmpRegImm32: cmp reg, imm32 (64-bit, sign-extended)
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) {
	if isDisp8(imm) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 7, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 7, reg))
		a.emitInt32(imm)
	}
}

// TestRegReg: test left, right (64-bit)
func (a *Assembler) TestRegReg(left, right Reg) {
	a.emit(rexW(right, left), 0x85, modRM(0xC0, right, left))
}

// Cond is the low nibble shared by setcc (0F 9x) and jcc (0F 8x).
type Cond byte

const (
	CondE  Cond = 0x4 // ZF=1
	CondNE Cond = 0x5 // ZF=0
	CondL  Cond = 0xC // SF!=OF
	CondGE Cond = 0xD // SF=OF
	CondLE Cond = 0xE // ZF=1 or SF!=OF
	CondG  Cond = 0xF // ZF=0 and SF=OF
)

// Setcc: set byte reg on condition
func (a *Assembler) Setcc(cc Cond, reg Reg) {
	// REX needed for r8b-r15b and to address spl/bpl/sil/dil instead of ah..bh
	if reg >= RSP {
		a.emit(rex(false, false, false, reg >= 8))
	}
	a.emit(0x0F, 0x90|byte(cc), modRM(0xC0, 0, reg))
}

// MovzxRegReg8: movzx dst, src8 (zero-extend byte to 64-bit)
func (a *Assembler) MovzxRegReg8(dst, src Reg) {
	a.emit(rex(true, dst >= 8, false, src >= 8), 0x0F, 0xB6, modRM(0xC0, dst, src))
}

// Cqo: cqo (sign-extend RAX to RDX:RAX)
func (a *Assembler) Cqo() {
	a.emit(0x48, 0x99)
}

// IDiv: idiv reg (signed divide RDX:RAX by reg)
func (a *Assembler) IDiv(reg Reg) {
	a.emit(rexW(0, reg), 0xF7, modRM(0xC0, 7, reg))
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 | byte(reg&7))
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 | byte(reg&7))
}
