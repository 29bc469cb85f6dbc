package vm

import (
	"mplx/pkg/errors"
	"mplx/pkg/jit"
)

// invoke runs fn with its arguments on top of the stack and returns its
// result with the arguments consumed: on return the stack top is where
// the first argument was.
func (v *VM) invoke(fn uint32) (int64, error) {
	if unit := v.tier(fn); unit != nil {
		return v.runCompiled(fn, unit)
	}

	depth := len(v.frames)
	savedIP := v.ip
	if err := v.enterFrame(fn, 0); err != nil {
		return 0, err
	}
	res, err := v.execute(depth)
	if err != nil {
		v.frames = v.frames[:depth]
		return 0, err
	}
	v.ip = savedIP
	return res, nil
}

// tier counts an invocation of fn and returns the compiled unit to run,
// or nil to interpret. Compilation happens here: before the first run
// under ModeOn, on reaching the threshold under ModeAuto. Beyond
// MaxNativeDepth nested units everything is interpreted, since the
// interpreter keeps its frames off the native stack.
func (v *VM) tier(fn uint32) *jit.CompiledUnit {
	if uint64(fn) >= uint64(len(v.counts)) {
		return nil
	}
	v.counts[fn]++
	if v.jit == nil || v.interpreted || v.opts.Mode == ModeOff {
		return nil
	}
	if v.nativeDepth >= MaxNativeDepth {
		v.stats.DepthFallbacks++
		return nil
	}
	if u := v.jit.Lookup(fn); u != nil {
		v.stats.CacheHits++
		return u
	}
	if ineligible, _ := v.jit.Ineligible(fn); ineligible {
		return nil
	}

	if v.opts.Mode == ModeAuto && v.counts[fn] < v.opts.Threshold {
		return nil
	}

	u, err := v.jit.Compile(fn)
	if err != nil {
		if v.opts.TraceCalls {
			v.traceTier(fn, "rejected", "err", err)
		}
		return nil
	}
	if v.opts.TraceCalls {
		v.traceTier(fn, "compiled", "bytes", u.Size(), "after", v.counts[fn])
	}
	return u
}

// runCompiled calls unit for fn with the arguments on top of the stack.
// The frame is set up exactly as the interpreter would: locals zeroed,
// Base at the first argument, Top above the locals.
func (v *VM) runCompiled(fn uint32, unit *jit.CompiledUnit) (int64, error) {
	f := v.mod.Functions[fn]
	top := v.state.Top
	if top < v.floor()+uint64(f.Arity) {
		return 0, v.faultAt(v.ip, errors.ErrStackUnderflow, "%s takes %d arguments", f.Name, f.Arity)
	}
	base := top - uint64(f.Arity)
	end := base + uint64(f.Locals)
	if end+uint64(unit.MaxStack) > uint64(len(v.stack)) {
		return 0, v.faultAt(v.ip, errors.ErrStackOverflow, "calling %s", f.Name)
	}
	clear(v.stack[top:end])

	depth := len(v.frames)
	savedBase := v.state.Base
	savedIP := v.ip
	v.frames = append(v.frames, frame{fn: fn, base: base, arity: f.Arity, locals: f.Locals})
	v.state.Base = base
	v.state.Top = end
	v.stats.Compiled++
	v.traceCall(fn, "native", base)

	v.nativeDepth++
	res := jit.Call(unit.Entry(), v.state)
	v.nativeDepth--

	v.frames = v.frames[:depth]
	v.ip = savedIP
	faulted := v.state.Top == jit.FaultTop
	v.state.Top = base
	v.state.Base = savedBase
	if faulted {
		err := v.fault
		v.fault = nil
		if err == nil {
			err = errors.Wrap(errors.RuntimeFault, errors.ErrDivisionByZero, "native code").At(f.Name, f.Entry)
		}
		return 0, err
	}
	v.traceReturn(fn, res)
	return res, nil
}
