package jit

import (
	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
)

// Code generation for each bytecode operation. Every lowering reads and
// writes the operand stack through [R13 + R12*8] and keeps R12 equal to the
// interpreter's top index after each logical push or pop.

// emitPush: stack[top] = reg; top++
func (c *Compiler) emitPush(reg Reg) {
	c.asm.MovMemIdxReg64(StackReg, TopReg, 0, reg)
	c.asm.IncReg(TopReg)
}

// emitPop: top--; reg = stack[top]
func (c *Compiler) emitPop(reg Reg) {
	c.asm.DecReg(TopReg)
	c.asm.MovRegMemIdx64(reg, StackReg, TopReg, 0)
}

// emitPop2 pops b then a, leaving a in RAX and b in RCX
func (c *Compiler) emitPop2() {
	c.emitPop(ScratchReg2)
	c.emitPop(ScratchReg1)
}

func localDisp(slot uint32) int32 { return int32(slot) * 8 }

func (c *Compiler) emitInstr(in bytecode.Instr) error {
	switch in.Kind {
	case bytecode.OpPushConst:
		c.asm.MovRegImm(ScratchReg1, c.mod.Consts[in.Arg])
		c.emitPush(ScratchReg1)
	case bytecode.OpLoadLocal:
		c.asm.MovRegMemIdx64(ScratchReg1, StackReg, BaseReg, localDisp(in.Arg))
		c.emitPush(ScratchReg1)
	case bytecode.OpStoreLocal:
		// the stored value stays on the stack
		c.asm.MovRegMemIdx64(ScratchReg1, StackReg, TopReg, -8)
		c.asm.MovMemIdxReg64(StackReg, BaseReg, localDisp(in.Arg), ScratchReg1)
	case bytecode.OpPop:
		c.asm.DecReg(TopReg)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpAnd, bytecode.OpOr:
		c.emitBinary(in.Kind)
	case bytecode.OpDiv, bytecode.OpMod:
		c.emitDivMod(in.Kind == bytecode.OpMod)
	case bytecode.OpNeg:
		c.emitNeg()
	case bytecode.OpNot:
		c.emitNot()
	case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		c.emitCompare(in.Kind)

	case bytecode.OpJmp:
		c.asm.Jmp(c.labels[in.Arg])
	case bytecode.OpJmpIfFalse:
		c.emitPop(ScratchReg1)
		c.asm.TestRegReg(ScratchReg1, ScratchReg1)
		c.asm.Jz(c.labels[in.Arg])
	case bytecode.OpJmpIfTrue:
		c.emitPop(ScratchReg1)
		c.asm.TestRegReg(ScratchReg1, ScratchReg1)
		c.asm.Jnz(c.labels[in.Arg])

	case bytecode.OpCall:
		c.emitCall(in.Arg)
	case bytecode.OpRet:
		c.emitReturn()

	default:
		return errors.Wrap(errors.StaticReject, errors.ErrUnknownOpcode, in.Op.String()).At(c.an.name, in.IP)
	}
	return nil
}
