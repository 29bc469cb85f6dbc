package jit

import "mplx/pkg/bytecode"

// emitBinary: a op b for the operations that map to one instruction
func (c *Compiler) emitBinary(op bytecode.Op) {
	c.emitPop2()
	switch op {
	case bytecode.OpAdd:
		c.asm.AddRegReg(ScratchReg1, ScratchReg2)
	case bytecode.OpSub:
		c.asm.SubRegReg(ScratchReg1, ScratchReg2)
	case bytecode.OpMul:
		c.asm.IMulRegReg(ScratchReg1, ScratchReg2)
	case bytecode.OpAnd, bytecode.OpOr:
		// truthiness of each side, then combine
		c.asm.TestRegReg(ScratchReg1, ScratchReg1)
		c.asm.Setcc(CondNE, ScratchReg1)
		c.asm.MovzxRegReg8(ScratchReg1, ScratchReg1)
		c.asm.TestRegReg(ScratchReg2, ScratchReg2)
		c.asm.Setcc(CondNE, ScratchReg2)
		c.asm.MovzxRegReg8(ScratchReg2, ScratchReg2)
		if op == bytecode.OpAnd {
			c.asm.AndRegReg(ScratchReg1, ScratchReg2)
		} else {
			c.asm.OrRegReg(ScratchReg1, ScratchReg2)
		}
	}
	c.emitPush(ScratchReg1)
}

// emitDivMod: a / b or a % b, truncating.
// A zero divisor leaves through the division fault path. A divisor of -1 is
// handled without idiv, which would trap on MinInt64 / -1.
func (c *Compiler) emitDivMod(mod bool) {
	c.emitPop2()

	doDiv := c.asm.NewLabel()
	done := c.asm.NewLabel()

	c.asm.TestRegReg(ScratchReg2, ScratchReg2)
	c.asm.Jz(c.divZeroLabel())
	c.asm.CmpRegImm32(ScratchReg2, -1)
	c.asm.Jnz(doDiv)
	if mod {
		c.asm.XorRegReg(ScratchReg1, ScratchReg1)
	} else {
		c.asm.NegReg(ScratchReg1)
	}
	c.asm.Jmp(done)

	c.asm.Bind(doDiv)
	c.asm.Cqo()
	c.asm.IDiv(ScratchReg2)
	if mod {
		c.asm.MovRegReg(ScratchReg1, ScratchReg3)
	}

	c.asm.Bind(done)
	c.emitPush(ScratchReg1)
}

// emitNeg: top = -top, in place
func (c *Compiler) emitNeg() {
	c.asm.MovRegMemIdx64(ScratchReg1, StackReg, TopReg, -8)
	c.asm.NegReg(ScratchReg1)
	c.asm.MovMemIdxReg64(StackReg, TopReg, -8, ScratchReg1)
}

// emitNot: top = top == 0, in place
func (c *Compiler) emitNot() {
	c.asm.MovRegMemIdx64(ScratchReg1, StackReg, TopReg, -8)
	c.asm.TestRegReg(ScratchReg1, ScratchReg1)
	c.asm.Setcc(CondE, ScratchReg1)
	c.asm.MovzxRegReg8(ScratchReg1, ScratchReg1)
	c.asm.MovMemIdxReg64(StackReg, TopReg, -8, ScratchReg1)
}
