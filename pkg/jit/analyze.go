package jit

import (
	"fmt"
	"sort"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
)

// slot is one abstract operand-stack entry: a value known at compile time
// or unknown.
type slot struct {
	known bool
	val   int64
}

// analysis is the result of pass 1 over one function.
type analysis struct {
	fn         uint32
	name       string
	start, end uint32

	instrs   map[uint32]bytecode.Instr // reachable instructions
	order    []uint32                  // reachable ips, ascending
	leaders  map[uint32]bool           // ips that need a bound label
	maxStack int
}

func (a *analysis) reject(ip uint32, cause error, format string, args ...any) error {
	f := errors.Wrap(errors.StaticReject, cause, fmt.Sprintf(format, args...))
	return f.At(a.name, ip)
}

// analyze is pass 1: it walks every path from the entry with the shared
// decoder, finds the leaders and decides whether the function is eligible.
func analyze(m *bytecode.Module, fn uint32) (*analysis, error) {
	if uint64(fn) >= uint64(len(m.Functions)) {
		return nil, errors.Wrap(errors.StaticReject, errors.ErrFunctionIndex, fmt.Sprintf("function %d", fn))
	}
	start, end := m.Extent(fn)
	f := m.Functions[fn]
	a := &analysis{
		fn:      fn,
		name:    m.Name(fn),
		start:   start,
		end:     end,
		instrs:  make(map[uint32]bytecode.Instr),
		leaders: map[uint32]bool{start: true},
	}
	states := map[uint32][]slot{start: nil}
	work := []uint32{start}

	// merge joins the abstract stack st into the state recorded at ip and
	// queues ip again when that state changed.
	merge := func(from, ip uint32, st []slot) error {
		if ip < start || ip >= end {
			return a.reject(from, errors.ErrJumpOutOfRange, "target %d outside [%d, %d)", ip, start, end)
		}
		prev, seen := states[ip]
		if !seen {
			states[ip] = append([]slot(nil), st...)
			work = append(work, ip)
			return nil
		}
		if len(prev) != len(st) {
			return a.reject(from, errors.ErrStackMismatch, "depth %d meets %d at %d", len(st), len(prev), ip)
		}
		changed := false
		for i := range prev {
			if prev[i].known && (!st[i].known || st[i].val != prev[i].val) {
				prev[i] = slot{}
				changed = true
			}
		}
		if changed {
			work = append(work, ip)
		}
		return nil
	}

	for len(work) > 0 {
		ip := work[len(work)-1]
		work = work[:len(work)-1]

		in, err := bytecode.Decode(m.Code[:end], ip)
		if err != nil {
			return nil, a.reject(ip, err, "decode")
		}
		a.instrs[ip] = in
		st := append([]slot(nil), states[ip]...)

		need := func(n int) error {
			if len(st) < n {
				return a.reject(ip, errors.ErrStackUnderflow, "%s needs %d operands, have %d", in.Op, n, len(st))
			}
			return nil
		}
		pop := func(n int) { st = st[:len(st)-n] }

		terminal := false
		switch in.Kind {
		case bytecode.OpPushConst:
			if uint64(in.Arg) >= uint64(len(m.Consts)) {
				return nil, a.reject(ip, errors.ErrConstIndex, "constant %d of %d", in.Arg, len(m.Consts))
			}
			st = append(st, slot{known: true, val: m.Consts[in.Arg]})
		case bytecode.OpLoadLocal:
			if in.Arg >= uint32(f.Locals) {
				return nil, a.reject(ip, errors.ErrLocalIndex, "local %d of %d", in.Arg, f.Locals)
			}
			st = append(st, slot{})
		case bytecode.OpStoreLocal:
			if in.Arg >= uint32(f.Locals) {
				return nil, a.reject(ip, errors.ErrLocalIndex, "local %d of %d", in.Arg, f.Locals)
			}
			if err := need(1); err != nil {
				return nil, err
			}
		case bytecode.OpDiv, bytecode.OpMod:
			if err := need(2); err != nil {
				return nil, err
			}
			if d := st[len(st)-1]; d.known && d.val == 0 {
				return nil, a.reject(ip, errors.ErrConstZeroDivide, "%s by literal zero", in.Op)
			}
			pop(2)
			st = append(st, slot{})
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe,
			bytecode.OpAnd, bytecode.OpOr:
			if err := need(2); err != nil {
				return nil, err
			}
			pop(2)
			st = append(st, slot{})
		case bytecode.OpNeg, bytecode.OpNot:
			if err := need(1); err != nil {
				return nil, err
			}
			st[len(st)-1] = slot{}
		case bytecode.OpPop:
			if err := need(1); err != nil {
				return nil, err
			}
			pop(1)
		case bytecode.OpCall:
			if uint64(in.Arg) >= uint64(len(m.Functions)) {
				return nil, a.reject(ip, errors.ErrFunctionIndex, "callee %d of %d", in.Arg, len(m.Functions))
			}
			if err := need(int(m.Functions[in.Arg].Arity)); err != nil {
				return nil, err
			}
			pop(int(m.Functions[in.Arg].Arity))
			st = append(st, slot{})
		case bytecode.OpJmp:
			target := in.Arg
			a.leaders[target] = true
			if err := merge(ip, target, st); err != nil {
				return nil, err
			}
			terminal = true
		case bytecode.OpJmpIfFalse, bytecode.OpJmpIfTrue:
			if err := need(1); err != nil {
				return nil, err
			}
			pop(1)
			a.leaders[in.Arg] = true
			a.leaders[in.Next()] = true
			if err := merge(ip, in.Arg, st); err != nil {
				return nil, err
			}
		case bytecode.OpRet:
			if err := need(1); err != nil {
				return nil, err
			}
			terminal = true
		case bytecode.OpHalt:
			return nil, a.reject(ip, errors.ErrHalt, "halt is not a function return")
		default:
			return nil, a.reject(ip, errors.ErrUnknownOpcode, "%s", in.Op)
		}

		if len(st) > a.maxStack {
			a.maxStack = len(st)
		}
		if terminal {
			continue
		}
		if in.Next() >= end {
			return nil, a.reject(ip, errors.ErrFallsOffEnd, "%s at end of function", in.Op)
		}
		if err := merge(ip, in.Next(), st); err != nil {
			return nil, err
		}
	}

	a.order = make([]uint32, 0, len(a.instrs))
	for ip := range a.instrs {
		a.order = append(a.order, ip)
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })

	// Dead code and overlapping decodes are skipped in emission, so any
	// fallthrough that does not land on the next emitted instruction needs
	// an explicit jump and a label to go with it.
	for i, ip := range a.order {
		in := a.instrs[ip]
		if in.Kind == bytecode.OpJmp || in.Kind == bytecode.OpRet {
			continue
		}
		if i+1 == len(a.order) || a.order[i+1] != in.Next() {
			a.leaders[in.Next()] = true
		}
	}
	return a, nil
}

// fallsThrough reports whether the instruction at order[i] continues into
// order[i+1] without an explicit jump.
func (a *analysis) fallsThrough(i int) bool {
	in := a.instrs[a.order[i]]
	if in.Kind == bytecode.OpJmp || in.Kind == bytecode.OpRet {
		return false
	}
	return i+1 < len(a.order) && a.order[i+1] == in.Next()
}
