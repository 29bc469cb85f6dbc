package jit

import (
	"github.com/charmbracelet/log"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
)

// Runtime owns the compiled units of one VM: a cache keyed by function
// index plus the set of functions that failed to compile. A failed
// function is never retried.
type Runtime struct {
	compiler   *Compiler
	units      map[uint32]*CompiledUnit
	ineligible map[uint32]error
	stats      Stats
	log        *log.Logger
}

// Stats returns JIT compilation statistics
type Stats struct {
	Compilations int            // successful compiles
	Rejects      int            // failed compiles, static or allocation
	RejectCauses map[string]int // keyed by cause
	Units        int            // units currently cached
	CodeBytes    int            // bytes of code currently cached
}

// NewRuntime creates a runtime compiling functions of m
func NewRuntime(m *bytecode.Module, opts Options) *Runtime {
	c := NewCompiler(m, opts)
	return &Runtime{
		compiler:   c,
		units:      make(map[uint32]*CompiledUnit),
		ineligible: make(map[uint32]error),
		stats:      Stats{RejectCauses: make(map[string]int)},
		log:        c.log,
	}
}

// Compiler returns the compiler used by the runtime
func (r *Runtime) Compiler() *Compiler { return r.compiler }

// Lookup returns the cached unit for fn, or nil
func (r *Runtime) Lookup(fn uint32) *CompiledUnit {
	return r.units[fn]
}

// Ineligible reports whether fn failed to compile, and why
func (r *Runtime) Ineligible(fn uint32) (bool, error) {
	err, ok := r.ineligible[fn]
	return ok, err
}

// Compile returns the unit for fn, compiling it on a miss. A failure marks
// fn ineligible; later calls return the same error without recompiling.
func (r *Runtime) Compile(fn uint32) (*CompiledUnit, error) {
	if u := r.units[fn]; u != nil {
		return u, nil
	}
	if err, ok := r.ineligible[fn]; ok {
		return nil, err
	}

	u, err := r.compiler.Compile(fn)
	if err != nil {
		r.ineligible[fn] = err
		r.stats.Rejects++
		r.stats.RejectCauses[rejectCause(err)]++
		r.log.Debug("not compiled", "fn", r.compiler.mod.Name(fn), "err", err)
		return nil, err
	}
	r.units[fn] = u
	r.stats.Compilations++
	return u, nil
}

var rejectSentinels = []error{
	errors.ErrUnknownOpcode, errors.ErrTruncated, errors.ErrConstIndex, errors.ErrLocalIndex,
	errors.ErrFunctionIndex, errors.ErrStackUnderflow, errors.ErrStackMismatch, errors.ErrJumpOutOfRange,
	errors.ErrFallsOffEnd, errors.ErrHalt, errors.ErrConstZeroDivide, errors.ErrUnboundLabel,
}

func rejectCause(err error) string {
	if kind, ok := errors.KindOf(err); ok && kind == errors.AllocationFailure {
		return kind.String()
	}
	for _, s := range rejectSentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "other"
}

// Evict drops and frees the unit for fn. fn may compile again later.
func (r *Runtime) Evict(fn uint32) error {
	u := r.units[fn]
	if u == nil {
		return nil
	}
	delete(r.units, fn)
	return u.Free()
}

// Free releases every cached unit
func (r *Runtime) Free() error {
	var first error
	for fn, u := range r.units {
		if err := u.Free(); err != nil && first == nil {
			first = err
		}
		delete(r.units, fn)
	}
	return first
}

func (r *Runtime) Stats() Stats {
	s := r.stats
	s.RejectCauses = make(map[string]int, len(r.stats.RejectCauses))
	for k, v := range r.stats.RejectCauses {
		s.RejectCauses[k] = v
	}
	s.Units = len(r.units)
	for _, u := range r.units {
		s.CodeBytes += u.Size()
	}
	return s
}
