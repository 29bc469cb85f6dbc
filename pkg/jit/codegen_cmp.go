package jit

import "mplx/pkg/bytecode"

var compareConds = map[bytecode.Op]Cond{
	bytecode.OpEq: CondE,
	bytecode.OpNe: CondNE,
	bytecode.OpLt: CondL,
	bytecode.OpLe: CondLE,
	bytecode.OpGt: CondG,
	bytecode.OpGe: CondGE,
}

// emitCompare: push (a cc b) as 0/1
func (c *Compiler) emitCompare(op bytecode.Op) {
	c.emitPop2()
	c.asm.XorRegReg(ScratchReg3, ScratchReg3)
	c.asm.CmpRegReg(ScratchReg1, ScratchReg2)
	c.asm.Setcc(compareConds[op], ScratchReg3)
	c.asm.MovzxRegReg8(ScratchReg1, ScratchReg3)
	c.emitPush(ScratchReg1)
}
