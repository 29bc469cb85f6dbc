package jit

// emitCall calls the runtime trampoline with (state, callee). The runtime
// consumes the callee's arguments from the shared stack, so after the call
// R12 is reloaded rather than adjusted. A fault anywhere below leaves
// FaultTop in the state block and this routine unwinds too.
func (c *Compiler) emitCall(callee uint32) {
	abi := c.opts.ABI
	c.asm.MovMemReg64(StateReg, StateTopOffset, TopReg)
	c.asm.MovRegReg(abi.Arg0, StateReg)
	c.asm.MovRegImm(abi.Arg1, int64(callee))
	c.asm.MovRegImm64(ScratchReg1, uint64(c.opts.Trampoline))
	c.asm.CallReg(ScratchReg1)

	c.asm.MovRegMem64(TopReg, StateReg, StateTopOffset)
	c.asm.CmpRegImm32(TopReg, -1)
	c.asm.Jz(c.abortLabel())
	// the runtime may have run interpreted frames over the same arena
	c.asm.MovRegMem64(StackReg, StateReg, StateStackBaseOffset)
	c.emitPush(ScratchReg1)
}

// emitReturn: rax = pop; persist top; leave through the shared epilogue
func (c *Compiler) emitReturn() {
	c.emitPop(ScratchReg1)
	c.asm.MovMemReg64(StateReg, StateTopOffset, TopReg)
	c.asm.Jmp(c.exit)
}
