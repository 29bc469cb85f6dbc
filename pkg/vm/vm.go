// Package vm runs bytecode modules: an interpreter over an off-heap operand
// stack shared with JIT-compiled code, and the tiering controller that
// decides which of the two runs each function.
package vm

import (
	"fmt"
	"io"
	"strings"
	"unsafe"

	"github.com/charmbracelet/log"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
	"mplx/pkg/jit"
)

// Mode selects when functions are compiled.
type Mode int

const (
	// ModeOff never compiles.
	ModeOff Mode = iota
	// ModeOn compiles every function before its first execution.
	ModeOn
	// ModeAuto compiles a function once it has been invoked Threshold times.
	ModeAuto
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	case ModeAuto:
		return "auto"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts off, on and auto
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return ModeOff, nil
	case "on":
		return ModeOn, nil
	case "auto":
		return ModeAuto, nil
	}
	return 0, fmt.Errorf("invalid jit mode %q (want off, on or auto)", s)
}

const (
	DefaultThreshold  = 100
	DefaultStackSlots = 1 << 16

	// MaxNativeDepth bounds how many compiled units may be active on the
	// native stack at once. Calls made deeper than this are interpreted.
	MaxNativeDepth = 1024
)

// Options configures a VM. The zero value interprets everything.
type Options struct {
	Mode          Mode
	Threshold     uint64    // invocations before ModeAuto compiles; 0 means DefaultThreshold
	Verify        bool      // Run checks the compiled entry against the interpreter
	Dump          io.Writer // listing of every compiled unit
	FusePopReturn bool      // run POP;RET as one step

	Trace      bool // log every interpreted step
	TraceCalls bool // log calls, returns and tiering decisions
	TraceLimit int  // maximum trace records, 0 for no limit

	StackSlots int // operand stack capacity; 0 means DefaultStackSlots
	Logger     *log.Logger
	Alloc      jit.Allocator // executable memory; nil for fresh pages
}

// frame is one active call.
type frame struct {
	retIP  uint32
	fn     uint32
	base   uint64
	arity  uint8
	locals uint16
}

// Stats counts what a VM did since it was created.
type Stats struct {
	Steps           uint64 // interpreted instructions
	Interpreted     uint64 // invocations run by the interpreter
	Compiled        uint64 // invocations run as native code
	TrampolineCalls uint64 // calls from native code back into the VM
	FusedReturns    uint64
	CacheHits       uint64
	DepthFallbacks  uint64 // calls interpreted because of MaxNativeDepth
	JIT             jit.Stats
}

// VM executes one module. A VM is not safe for concurrent use.
type VM struct {
	mod  *bytecode.Module
	opts Options
	log  *log.Logger

	arena  *arena
	state  *jit.StateBlock
	stack  []int64
	frames []frame
	ip     uint32

	jit         *jit.Runtime // nil when native code cannot run here
	counts      []uint64
	nativeDepth int // compiled units currently running

	fault       error // set by a runtime call that failed under native code
	interpreted bool  // compiled units are ignored while set
	traced      int
	stats       Stats
	closed      bool
}

// New validates m and prepares a VM for it.
func New(m *bytecode.Module, opts Options) (*VM, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid module: %w", err)
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.StackSlots <= 0 {
		opts.StackSlots = DefaultStackSlots
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	a, err := newArena(opts.StackSlots)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate operand stack: %w", err)
	}
	v := &VM{
		mod:    m,
		opts:   opts,
		log:    logger,
		arena:  a,
		state:  a.state,
		stack:  a.slots,
		counts: make([]uint64, len(m.Functions)),
	}

	if jit.Supported() {
		v.jit = jit.NewRuntime(m, jit.Options{
			ABI:        jit.HostABI,
			Trampoline: trampoline(),
			Alloc:      opts.Alloc,
			Dump:       opts.Dump,
			Logger:     logger,
		})
		register(v)
	} else if opts.Mode != ModeOff {
		logger.Warn("native code not supported on this platform, interpreting", "mode", opts.Mode)
	}
	return v, nil
}

// Module returns the module the VM runs
func (v *VM) Module() *bytecode.Module { return v.mod }

func (v *VM) stateAddr() uintptr { return uintptr(unsafe.Pointer(v.state)) }

// Run calls the named function with args and returns its result. On
// success the operand stack holds exactly that one value.
func (v *VM) Run(name string, args ...int64) (int64, error) {
	fn, err := v.mod.Lookup(name)
	if err != nil {
		return 0, errors.Wrap(errors.RuntimeFault, err, "lookup")
	}
	return v.RunIndex(fn, args...)
}

// RunIndex is Run by function index.
func (v *VM) RunIndex(fn uint32, args ...int64) (int64, error) {
	if v.opts.Verify {
		res, err := v.VerifyIndex(fn, args...)
		if err != nil {
			return 0, err
		}
		return res.Interpreted, nil
	}
	return v.run(fn, args, v.invoke)
}

// run resets the stack, pushes args and lets enter run fn.
func (v *VM) run(fn uint32, args []int64, enter func(uint32) (int64, error)) (int64, error) {
	if v.closed {
		return 0, errors.Wrap(errors.RuntimeFault, errors.ErrClosed, "run")
	}
	if uint64(fn) >= uint64(len(v.mod.Functions)) {
		return 0, errors.Wrap(errors.RuntimeFault, errors.ErrFunctionIndex, fmt.Sprintf("function %d", fn))
	}
	if f := v.mod.Functions[fn]; len(args) != int(f.Arity) {
		return 0, errors.Wrap(errors.RuntimeFault, errors.ErrArity,
			fmt.Sprintf("%s takes %d arguments, got %d", f.Name, f.Arity, len(args)))
	}

	v.reset()
	for _, a := range args {
		if err := v.push(a); err != nil {
			return 0, err
		}
	}
	result, err := enter(fn)
	if err != nil {
		var h *haltError
		if !errors.As(err, &h) {
			v.reset()
			return 0, err
		}
		result = h.value
		v.reset()
	}
	v.push(result)
	return result, nil
}

func (v *VM) reset() {
	v.frames = v.frames[:0]
	v.state.Top = 0
	v.state.Base = 0
	v.ip = 0
	v.fault = nil
}

// Height is the current operand stack height
func (v *VM) Height() uint64 { return v.state.Top }

// Stats returns a snapshot of the VM's counters
func (v *VM) Stats() Stats {
	s := v.stats
	if v.jit != nil {
		s.JIT = v.jit.Stats()
	}
	return s
}

// Invocations reports how often fn has been invoked
func (v *VM) Invocations(fn uint32) uint64 {
	if uint64(fn) >= uint64(len(v.counts)) {
		return 0
	}
	return v.counts[fn]
}

// Check reports, per function, why the JIT would reject it (nil when it
// compiles). Nothing is compiled or cached.
func (v *VM) Check() []error {
	out := make([]error, len(v.mod.Functions))
	c := jit.NewCompiler(v.mod, jit.Options{Logger: v.log})
	for i := range v.mod.Functions {
		out[i] = c.Check(uint32(i))
	}
	return out
}

// Close frees compiled code and the operand stack. The VM is unusable
// afterwards.
func (v *VM) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	var first error
	if v.jit != nil {
		unregister(v)
		first = v.jit.Free()
	}
	if err := v.arena.free(); err != nil && first == nil {
		first = err
	}
	v.state, v.stack = nil, nil
	return first
}
