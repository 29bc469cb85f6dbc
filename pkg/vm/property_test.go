package vm

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"unsafe"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"
	"mplx/pkg/jit"
)

var leaves = []int64{1, -1, 2, 7, -13, math.MaxInt64, math.MinInt64, 1 << 40}

var binaryOps = []bytecode.Op{
	bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
	bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe,
	bytecode.OpAnd, bytecode.OpOr,
}

// exprGen writes random expressions over main's two arguments. Every
// expression leaves exactly one value on the stack.
type exprGen struct {
	r *rand.Rand
	b *bytecode.Builder
}

func (g *exprGen) expr(depth int) {
	if depth == 0 {
		g.leaf()
		return
	}
	switch g.r.IntN(8) {
	case 0:
		g.leaf()
	case 1:
		g.expr(depth - 1)
		if g.r.IntN(2) == 0 {
			g.b.Op(bytecode.OpNeg)
		} else {
			g.b.Op(bytecode.OpNot)
		}
	case 2:
		other, end := g.b.NewLabel(), g.b.NewLabel()
		g.expr(depth - 1)
		if g.r.IntN(2) == 0 {
			g.b.Jz(other)
		} else {
			g.b.Jnz(other)
		}
		g.expr(depth - 1)
		g.b.Jmp(end)
		g.b.Mark(other)
		g.expr(depth - 1)
		g.b.Mark(end)
	case 3:
		g.expr(depth - 1)
		g.b.Store(2)
	case 4:
		g.expr(depth - 1)
		g.expr(depth - 1)
		g.b.Call("g")
	default:
		g.expr(depth - 1)
		g.expr(depth - 1)
		g.b.Op(binaryOps[g.r.IntN(len(binaryOps))])
	}
}

func (g *exprGen) leaf() {
	if g.r.IntN(2) == 0 {
		g.b.Load(uint32(g.r.IntN(3)))
		return
	}
	g.b.Push(leaves[g.r.IntN(len(leaves))])
}

// randomModule builds main(a, b) from a random expression; tail is emitted
// between the expression and the final RET.
func randomModule(r *rand.Rand, tail func(b *bytecode.Builder)) *bytecode.Module {
	b := bytecode.NewBuilder()
	b.Func("main", 2, 3)
	g := &exprGen{r: r, b: b}
	g.expr(4)
	if tail != nil {
		tail(b)
	}
	b.Op(bytecode.OpRet)
	// g(a, b) = a*3 - b
	b.Func("g", 2, 2).Load(0).Push(3).Op(bytecode.OpMul).Load(1).Op(bytecode.OpSub, bytecode.OpRet)
	return b.MustBuild()
}

func randomArgs(r *rand.Rand) []int64 {
	pick := func() int64 {
		if r.IntN(3) == 0 {
			return leaves[r.IntN(len(leaves))]
		}
		return r.Int64N(41) - 20
	}
	return []int64{pick(), pick()}
}

type outcome struct {
	val     int64
	divZero bool
}

func runOnce(t *testing.T, m *bytecode.Module, opts Options, args []int64) outcome {
	t.Helper()
	v := newVM(t, m, opts)
	got, err := v.Run("main", args...)
	switch {
	case err == nil:
		return outcome{val: got}
	case errors.Is(err, errors.ErrDivisionByZero):
		return outcome{divZero: true}
	}
	t.Fatalf("Run(%v): unexpected error %v", args, err)
	return outcome{}
}

func TestInterpreterMatchesCompiled(t *testing.T) {
	needNative(t)
	r := rand.New(rand.NewPCG(1, 2))
	verified := 0
	for i := 0; i < 300; i++ {
		m := randomModule(r, nil)
		args := randomArgs(r)

		want := runOnce(t, m, Options{Mode: ModeOff}, args)
		got := runOnce(t, m, Options{Mode: ModeOn}, args)
		if got != want {
			var listing strings.Builder
			bytecode.Disassemble(m, &listing)
			t.Fatalf("program %d main%v: interpreted %+v, compiled %+v\n%s", i, args, want, got, listing.String())
		}

		v := newVM(t, m, Options{})
		res, err := v.Verify("main", args...)
		if errors.IsVerificationMismatch(err) {
			t.Fatalf("program %d main%v: %v", i, args, err)
		}
		if res.Verified {
			verified++
		}
	}
	if verified == 0 {
		t.Error("no random program was compiled")
	}
	t.Logf("%d of 300 programs verified natively", verified)
}

func TestFusedPopReturn(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 200; i++ {
		k := leaves[r.IntN(len(leaves))]
		m := randomModule(r, func(b *bytecode.Builder) {
			b.Push(k).Op(bytecode.OpPop)
		})
		args := randomArgs(r)

		plain := runOnce(t, m, Options{Mode: ModeOff}, args)

		v := newVM(t, m, Options{Mode: ModeOff, FusePopReturn: true})
		got, err := v.Run("main", args...)
		fused := outcome{val: got, divZero: errors.Is(err, errors.ErrDivisionByZero)}
		if err != nil && !fused.divZero {
			t.Fatalf("program %d: fused run: %v", i, err)
		}
		if fused != plain {
			t.Fatalf("program %d main%v: fused %+v, unfused %+v", i, args, fused, plain)
		}
		if err == nil && v.Stats().FusedReturns != 1 {
			t.Errorf("program %d: fused returns = %d, want 1", i, v.Stats().FusedReturns)
		}

		for _, mode := range modes()[1:] {
			if native := runOnce(t, m, Options{Mode: mode, Threshold: 1}, args); native != plain {
				t.Fatalf("program %d main%v: %s %+v, interpreted %+v", i, args, mode, native, plain)
			}
		}
	}
}

func TestVerifyUnverified(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Func("main", 0, 0).Push(5).Op(bytecode.OpHalt)
	v := newVM(t, b.MustBuild(), Options{Verify: true})

	got, err := v.Run("main")
	if err != nil || got != 5 {
		t.Fatalf("main() = %d, %v; want 5", got, err)
	}
	res, err := v.Verify("main")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Verified || res.Reject == nil {
		t.Errorf("verification = %+v, want unverified with a reason", res)
	}
}

func TestVerifyMatches(t *testing.T) {
	needNative(t)
	v := newVM(t, callerCallee(), Options{Verify: true})
	res, err := v.Verify("main", 5)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || res.Interpreted != 12 || res.Compiled != 12 {
		t.Errorf("verification = %+v, want both 12", res)
	}
}

// TestVerifyMismatch replaces the compiled body of main with one that
// returns 99 and expects Verify to report the disagreement.
func TestVerifyMismatch(t *testing.T) {
	needNative(t)
	v := newVM(t, callerCallee(), Options{Verify: true})
	unit, err := v.jit.Compile(0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	a := jit.NewAssembler(16)
	a.MovRegImm(jit.RAX, 99)
	a.Ret()
	stub := a.Bytes()
	if len(stub) > unit.Size() {
		t.Fatalf("stub of %d bytes does not fit unit of %d", len(stub), unit.Size())
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(unit.Entry())), len(stub)), stub)

	res, err := v.Verify("main", 5)
	if !errors.IsVerificationMismatch(err) {
		t.Fatalf("Verify error = %v, want a verification mismatch", err)
	}
	if !res.Verified || res.Interpreted != 12 || res.Compiled != 99 {
		t.Errorf("verification = %+v, want interpreted 12 and compiled 99", res)
	}
}

// divThenWide divides 10 by its argument and then needs ten stack slots
func divThenWide() *bytecode.Module {
	b := bytecode.NewBuilder()
	f := b.Func("main", 1, 1).Push(10).Load(0).Op(bytecode.OpDiv)
	for i := 0; i < 9; i++ {
		f.Push(1)
	}
	for i := 0; i < 9; i++ {
		f.Op(bytecode.OpAdd)
	}
	f.Op(bytecode.OpRet)
	return b.MustBuild()
}

func TestVerifyFaultCauses(t *testing.T) {
	needNative(t)

	// same cause on both paths: the program's own fault
	v := newVM(t, divThenWide(), Options{Verify: true})
	_, err := v.Verify("main", 0)
	if !errors.IsRuntimeFault(err) || !errors.Is(err, errors.ErrDivisionByZero) {
		t.Errorf("Verify error = %v, want a division by zero fault", err)
	}

	// the interpreter divides by zero before the stack fills, while the
	// compiled entry cannot reserve its stack
	v = newVM(t, divThenWide(), Options{Verify: true, StackSlots: 8})
	_, err = v.Verify("main", 0)
	if !errors.IsVerificationMismatch(err) {
		t.Errorf("Verify error = %v, want a verification mismatch", err)
	}
}
