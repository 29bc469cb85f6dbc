package vm

import (
	"fmt"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
)

// haltError carries the result of HALT out through every active call,
// native frames included.
type haltError struct {
	value int64
}

func (h *haltError) Error() string { return fmt.Sprintf("halt with %d", h.value) }

// faultAt builds a RuntimeFault located at ip in the current function
func (v *VM) faultAt(ip uint32, cause error, format string, args ...any) error {
	f := errors.Wrap(errors.RuntimeFault, cause, fmt.Sprintf(format, args...))
	if n := len(v.frames); n > 0 {
		return f.At(v.mod.Name(v.frames[n-1].fn), ip)
	}
	return f
}

// floor is the lowest operand slot the current frame may pop.
func (v *VM) floor() uint64 {
	if n := len(v.frames); n > 0 {
		f := v.frames[n-1]
		return f.base + uint64(f.locals)
	}
	return 0
}

func (v *VM) push(x int64) error {
	if v.state.Top >= uint64(len(v.stack)) {
		return v.faultAt(v.ip, errors.ErrStackOverflow, "%d slots", len(v.stack))
	}
	v.stack[v.state.Top] = x
	v.state.Top++
	return nil
}

func (v *VM) pop() (int64, error) {
	if v.state.Top <= v.floor() {
		return 0, v.faultAt(v.ip, errors.ErrStackUnderflow, "pop")
	}
	v.state.Top--
	return v.stack[v.state.Top], nil
}

func (v *VM) pop2() (a, b int64, err error) {
	if v.state.Top < v.floor()+2 {
		return 0, 0, v.faultAt(v.ip, errors.ErrStackUnderflow, "binary operation")
	}
	v.state.Top -= 2
	return v.stack[v.state.Top], v.stack[v.state.Top+1], nil
}

// enterFrame starts an interpreted call of fn with its arguments already on
// the stack. The remaining locals are zeroed.
func (v *VM) enterFrame(fn uint32, retIP uint32) error {
	if uint64(fn) >= uint64(len(v.mod.Functions)) {
		return v.faultAt(v.ip, errors.ErrFunctionIndex, "callee %d", fn)
	}
	f := v.mod.Functions[fn]
	top := v.state.Top
	if top < v.floor()+uint64(f.Arity) {
		return v.faultAt(v.ip, errors.ErrStackUnderflow, "%s takes %d arguments", f.Name, f.Arity)
	}
	base := top - uint64(f.Arity)
	end := base + uint64(f.Locals)
	if end > uint64(len(v.stack)) {
		return v.faultAt(v.ip, errors.ErrStackOverflow, "calling %s", f.Name)
	}
	clear(v.stack[top:end])

	v.frames = append(v.frames, frame{retIP: retIP, fn: fn, base: base, arity: f.Arity, locals: f.Locals})
	v.state.Base = base
	v.state.Top = end
	v.ip = f.Entry
	v.stats.Interpreted++
	v.traceCall(fn, "interp", base)
	return nil
}

// leaveFrame pops the current frame and truncates the stack to its base.
// It reports whether the frame was the last one above stop; otherwise val
// is pushed for the caller and execution resumes at the return address.
func (v *VM) leaveFrame(val int64, stop int) (bool, error) {
	n := len(v.frames)
	f := v.frames[n-1]
	v.frames = v.frames[:n-1]
	v.state.Top = f.base
	if n > 1 {
		v.state.Base = v.frames[n-2].base
	} else {
		v.state.Base = 0
	}
	v.traceReturn(f.fn, val)

	if n-1 <= stop {
		return true, nil
	}
	v.ip = f.retIP
	return false, v.push(val)
}

func arith(op bytecode.Op, a, b int64) (int64, bool) {
	switch op {
	case bytecode.OpAdd:
		return a + b, true
	case bytecode.OpSub:
		return a - b, true
	case bytecode.OpMul:
		return a * b, true
	case bytecode.OpDiv:
		if b == 0 {
			return 0, false
		}
		// MinInt64 / -1 wraps to MinInt64
		return a / b, true
	case bytecode.OpMod:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case bytecode.OpEq:
		return b2i(a == b), true
	case bytecode.OpNe:
		return b2i(a != b), true
	case bytecode.OpLt:
		return b2i(a < b), true
	case bytecode.OpLe:
		return b2i(a <= b), true
	case bytecode.OpGt:
		return b2i(a > b), true
	case bytecode.OpGe:
		return b2i(a >= b), true
	case bytecode.OpAnd:
		return b2i(a != 0 && b != 0), true
	case bytecode.OpOr:
		return b2i(a != 0 || b != 0), true
	}
	return 0, false
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// execute interprets from v.ip until the frame count drops to stop and
// returns the value of that last RET. The value is not pushed.
func (v *VM) execute(stop int) (int64, error) {
	code := v.mod.Code
	for {
		in, err := bytecode.Decode(code, v.ip)
		if err != nil {
			return 0, v.faultAt(v.ip, err, "decode")
		}
		v.stats.Steps++
		if v.opts.Trace {
			v.traceStep(in)
		}
		next := in.Next()

		switch in.Kind {
		case bytecode.OpPushConst:
			if uint64(in.Arg) >= uint64(len(v.mod.Consts)) {
				return 0, v.faultAt(in.IP, errors.ErrConstIndex, "constant %d", in.Arg)
			}
			if err := v.push(v.mod.Consts[in.Arg]); err != nil {
				return 0, err
			}

		case bytecode.OpLoadLocal:
			f := v.frames[len(v.frames)-1]
			if in.Arg >= uint32(f.locals) {
				return 0, v.faultAt(in.IP, errors.ErrLocalIndex, "local %d of %d", in.Arg, f.locals)
			}
			if err := v.push(v.stack[f.base+uint64(in.Arg)]); err != nil {
				return 0, err
			}

		case bytecode.OpStoreLocal:
			f := v.frames[len(v.frames)-1]
			if in.Arg >= uint32(f.locals) {
				return 0, v.faultAt(in.IP, errors.ErrLocalIndex, "local %d of %d", in.Arg, f.locals)
			}
			if v.state.Top <= v.floor() {
				return 0, v.faultAt(in.IP, errors.ErrStackUnderflow, "store")
			}
			// the value stays on the stack
			v.stack[f.base+uint64(in.Arg)] = v.stack[v.state.Top-1]

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe,
			bytecode.OpAnd, bytecode.OpOr:
			a, b, err := v.pop2()
			if err != nil {
				return 0, err
			}
			r, ok := arith(in.Kind, a, b)
			if !ok {
				return 0, v.faultAt(in.IP, errors.ErrDivisionByZero, "%d %s 0", a, in.Op)
			}
			v.push(r)

		case bytecode.OpNeg, bytecode.OpNot:
			if v.state.Top <= v.floor() {
				return 0, v.faultAt(in.IP, errors.ErrStackUnderflow, "%s", in.Op)
			}
			x := &v.stack[v.state.Top-1]
			if in.Kind == bytecode.OpNeg {
				*x = -*x
			} else {
				*x = b2i(*x == 0)
			}

		case bytecode.OpJmp:
			next = in.Arg
		case bytecode.OpJmpIfFalse, bytecode.OpJmpIfTrue:
			c, err := v.pop()
			if err != nil {
				return 0, err
			}
			if (c != 0) == (in.Kind == bytecode.OpJmpIfTrue) {
				next = in.Arg
			}

		case bytecode.OpCall:
			unit := v.tier(in.Arg)
			if unit == nil {
				if err := v.enterFrame(in.Arg, next); err != nil {
					return 0, err
				}
				continue
			}
			r, err := v.runCompiled(in.Arg, unit)
			if err != nil {
				return 0, err
			}
			if err := v.push(r); err != nil {
				return 0, err
			}

		case bytecode.OpRet:
			val, err := v.pop()
			if err != nil {
				return 0, err
			}
			done, err := v.leaveFrame(val, stop)
			if done || err != nil {
				return val, err
			}
			continue

		case bytecode.OpPop:
			if v.opts.FusePopReturn {
				if nx, err := bytecode.Decode(code, next); err == nil && nx.Kind == bytecode.OpRet {
					// POP;RET returns the value under the top
					if v.state.Top < v.floor()+2 {
						return 0, v.faultAt(in.IP, errors.ErrStackUnderflow, "pop before ret")
					}
					val := v.stack[v.state.Top-2]
					v.stats.FusedReturns++
					v.stats.Steps++
					done, err := v.leaveFrame(val, stop)
					if done || err != nil {
						return val, err
					}
					continue
				}
			}
			if _, err := v.pop(); err != nil {
				return 0, err
			}

		case bytecode.OpHalt:
			val, err := v.pop()
			if err != nil {
				return 0, err
			}
			v.traceHalt(val)
			return 0, &haltError{value: val}

		default:
			return 0, v.faultAt(in.IP, errors.ErrUnknownOpcode, "%s", in.Op)
		}
		v.ip = next
	}
}
