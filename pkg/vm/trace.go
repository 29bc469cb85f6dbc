package vm

import (
	"fmt"

	"mplx/pkg/bytecode"
)

// allowTrace spends one record of the trace budget.
func (v *VM) allowTrace() bool {
	if v.opts.TraceLimit > 0 && v.traced >= v.opts.TraceLimit {
		if v.traced == v.opts.TraceLimit {
			v.log.Info("trace limit reached", "limit", v.opts.TraceLimit)
			v.traced++
		}
		return false
	}
	v.traced++
	return true
}

func (v *VM) currentName() string {
	if n := len(v.frames); n > 0 {
		return v.mod.Name(v.frames[n-1].fn)
	}
	return "-"
}

func (v *VM) traceStep(in bytecode.Instr) {
	if !v.allowTrace() {
		return
	}
	v.log.Info("step",
		"fn", v.currentName(),
		"ip", fmt.Sprintf("%04x", in.IP),
		"op", bytecode.FormatInstr(v.mod, in),
		"top", v.state.Top)
}

func (v *VM) traceCall(fn uint32, how string, base uint64) {
	if !v.opts.TraceCalls || !v.allowTrace() {
		return
	}
	v.log.Info("call", "fn", v.mod.Name(fn), "via", how, "base", base, "depth", len(v.frames))
}

func (v *VM) traceReturn(fn uint32, val int64) {
	if !v.opts.TraceCalls || !v.allowTrace() {
		return
	}
	v.log.Info("return", "fn", v.mod.Name(fn), "value", val, "top", v.state.Top)
}

func (v *VM) traceHalt(val int64) {
	if !v.opts.TraceCalls || !v.allowTrace() {
		return
	}
	v.log.Info("halt", "fn", v.currentName(), "value", val)
}

func (v *VM) traceTier(fn uint32, what string, kv ...any) {
	if !v.allowTrace() {
		return
	}
	v.log.Info(what, append([]any{"fn", v.mod.Name(fn), "mode", v.opts.Mode}, kv...)...)
}
