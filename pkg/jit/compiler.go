package jit

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
)

// Register roles shared by every compiled routine. All four live in
// callee-saved registers so they survive the runtime call.
//
//	R13 = operand stack base (StateBlock.StackBase)
//	R12 = stack top index    (StateBlock.Top)
//	RBX = frame base index   (StateBlock.Base)
//	R14 = state block pointer
//
// RAX, RCX and RDX are scratch.
const (
	StackReg = R13
	TopReg   = R12
	BaseReg  = RBX
	StateReg = R14

	ScratchReg1 = RAX
	ScratchReg2 = RCX
	ScratchReg3 = RDX
)

// Options configures a Compiler.
type Options struct {
	ABI        CallingConvention
	Trampoline uintptr   // native address called for CALL
	Alloc      Allocator // defaults to PageAllocator
	Dump       io.Writer // receives a listing of every compiled unit
	Logger     *log.Logger
}

// Program is the output of translation: finalized machine code that has
// not been placed in executable memory yet.
type Program struct {
	Fn       uint32
	Name     string
	Code     []byte
	Offsets  map[uint32]int // bytecode ip -> native offset
	MaxStack int            // operand slots used above the locals
}

// CompiledUnit is a Program living in its own executable mapping.
type CompiledUnit struct {
	Program
	mem *ExecutableMemory
}

// Entry returns the native entry point
func (u *CompiledUnit) Entry() uintptr { return u.mem.Entry() }

// Size returns the code size in bytes
func (u *CompiledUnit) Size() int { return u.mem.Size() }

// Free releases the unit's executable memory
func (u *CompiledUnit) Free() error { return u.mem.Free() }

// Compiler translates bytecode functions of one module into x86-64.
type Compiler struct {
	mod  *bytecode.Module
	opts Options
	log  *log.Logger

	// per-translation state
	asm     *Assembler
	an      *analysis
	labels  map[uint32]Label
	exit    Label
	abort   Label
	divZero Label

	hasAbort, hasDivZero bool
}

// NewCompiler creates a compiler for m
func NewCompiler(m *bytecode.Module, opts Options) *Compiler {
	if opts.Alloc == nil {
		opts.Alloc = PageAllocator
	}
	if opts.ABI.Name == "" {
		opts.ABI = HostABI
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Compiler{mod: m, opts: opts, log: logger}
}

// Check runs pass 1 only and reports why fn cannot be compiled, if it cannot.
func (c *Compiler) Check(fn uint32) error {
	_, err := analyze(c.mod, fn)
	return err
}

// Translate runs both passes and finalizes the jump fixups. Every failure
// is a StaticReject and nothing partial is returned.
func (c *Compiler) Translate(fn uint32) (*Program, error) {
	an, err := analyze(c.mod, fn)
	if err != nil {
		return nil, err
	}

	c.an = an
	c.asm = NewAssembler(64 + 24*len(an.order))
	c.labels = make(map[uint32]Label, len(an.leaders))
	c.hasAbort, c.hasDivZero = false, false
	defer func() { c.asm, c.an, c.labels = nil, nil, nil }()

	for ip := range an.leaders {
		c.labels[ip] = c.asm.NewLabel()
	}
	c.exit = c.asm.NewLabel()

	offsets := make(map[uint32]int, len(an.order))
	c.emitPrologue()
	for i, ip := range an.order {
		if l, ok := c.labels[ip]; ok {
			if err := c.asm.Bind(l); err != nil {
				return nil, errors.Wrap(errors.StaticReject, err, "bind").At(an.name, ip)
			}
		}
		offsets[ip] = c.asm.Offset()

		in := an.instrs[ip]
		if err := c.emitInstr(in); err != nil {
			return nil, err
		}
		if in.Kind != bytecode.OpJmp && in.Kind != bytecode.OpRet && !an.fallsThrough(i) {
			c.asm.Jmp(c.labels[in.Next()])
		}
	}
	c.emitExits()

	code, err := c.asm.Finalize()
	if err != nil {
		return nil, errors.Wrap(errors.StaticReject, err, "finalize").At(an.name, an.start)
	}
	return &Program{
		Fn:       fn,
		Name:     an.name,
		Code:     code,
		Offsets:  offsets,
		MaxStack: an.maxStack,
	}, nil
}

// Compile translates fn and places the code in fresh executable memory.
func (c *Compiler) Compile(fn uint32) (*CompiledUnit, error) {
	p, err := c.Translate(fn)
	if err != nil {
		return nil, err
	}

	mem, err := c.opts.Alloc.Alloc(len(p.Code))
	if err != nil {
		return nil, errors.Wrap(errors.AllocationFailure, err, fmt.Sprintf("%d bytes for %s", len(p.Code), p.Name))
	}
	if err := mem.Write(p.Code); err != nil {
		mem.Free()
		return nil, errors.Wrap(errors.AllocationFailure, err, "write code")
	}
	mem.FlushICache()

	unit := &CompiledUnit{Program: *p, mem: mem}
	c.log.Debug("compiled", "fn", p.Name, "bytes", len(p.Code), "max_stack", p.MaxStack)
	if c.opts.Dump != nil {
		if err := Dump(c.opts.Dump, c.mod, unit); err != nil {
			c.log.Warn("dump failed", "fn", p.Name, "err", err)
		}
	}
	return unit, nil
}

// emitPrologue saves the callee-saved registers the body uses and loads the
// register roles from the state block.
func (c *Compiler) emitPrologue() {
	c.asm.Push(RBP)
	c.asm.MovRegReg(RBP, RSP)
	c.asm.Push(RBX)
	c.asm.Push(R12)
	c.asm.Push(R13)
	c.asm.Push(R14)
	// return address + 5 pushes keeps rsp 16-byte aligned here
	if c.opts.ABI.ShadowSpace > 0 {
		c.asm.SubRegImm32(RSP, c.opts.ABI.ShadowSpace)
	}
	c.asm.MovRegReg(StateReg, c.opts.ABI.Arg0)
	c.asm.MovRegMem64(StackReg, StateReg, StateStackBaseOffset)
	c.asm.MovRegMem64(TopReg, StateReg, StateTopOffset)
	c.asm.MovRegMem64(BaseReg, StateReg, StateBaseOffset)
}

// emitExits binds the fault paths that were used and the shared epilogue.
func (c *Compiler) emitExits() {
	if c.hasDivZero {
		c.asm.Bind(c.divZero)
		c.asm.MovMemImm32(StateReg, StateTopOffset, -1)
		if !c.hasAbort {
			c.abortLabel()
		}
	}
	if c.hasAbort {
		// the fault sentinel is already in the state block
		c.asm.Bind(c.abort)
		c.asm.XorRegReg(RAX, RAX)
	}

	c.asm.Bind(c.exit)
	if c.opts.ABI.ShadowSpace > 0 {
		c.asm.AddRegImm32(RSP, c.opts.ABI.ShadowSpace)
	}
	c.asm.Pop(R14)
	c.asm.Pop(R13)
	c.asm.Pop(R12)
	c.asm.Pop(RBX)
	c.asm.Pop(RBP)
	c.asm.Ret()
}

func (c *Compiler) abortLabel() Label {
	if !c.hasAbort {
		c.abort = c.asm.NewLabel()
		c.hasAbort = true
	}
	return c.abort
}

func (c *Compiler) divZeroLabel() Label {
	if !c.hasDivZero {
		c.divZero = c.asm.NewLabel()
		c.hasDivZero = true
	}
	return c.divZero
}
