package jit

import (
	"bytes"
	"strings"
	"testing"

	"mplx/pkg/bytecode"
	"mplx/pkg/errors"

	"github.com/google/go-cmp/cmp"
)

// addOne: f(x) = x + 1
func addOne() *bytecode.Module {
	b := bytecode.NewBuilder()
	b.Func("f", 1, 1).Load(0).Push(1).Op(bytecode.OpAdd, bytecode.OpRet)
	return b.MustBuild()
}

func TestProloguePerABI(t *testing.T) {
	saves := []byte{0x55, 0x48, 0x89, 0xe5, 0x53, 0x41, 0x54, 0x41, 0x55, 0x41, 0x56}
	tests := []struct {
		abi  CallingConvention
		want []byte
	}{
		{SysV, append(append([]byte{}, saves...), 0x49, 0x89, 0xfe)},
		{Win64, append(append([]byte{}, saves...), 0x48, 0x83, 0xec, 0x20, 0x49, 0x89, 0xce)},
	}
	for _, tt := range tests {
		c := NewCompiler(addOne(), Options{ABI: tt.abi})
		p, err := c.Translate(0)
		if err != nil {
			t.Fatalf("%s: Translate: %v", tt.abi.Name, err)
		}
		if !bytes.HasPrefix(p.Code, tt.want) {
			t.Errorf("%s: prologue = % x, want prefix % x", tt.abi.Name, p.Code[:len(tt.want)], tt.want)
		}
		// the epilogue undoes the shadow space before restoring registers
		tail := []byte{0x41, 0x5e, 0x41, 0x5d, 0x41, 0x5c, 0x5b, 0x5d, 0xc3}
		if tt.abi.ShadowSpace > 0 {
			tail = append([]byte{0x48, 0x83, 0xc4, 0x20}, tail...)
		}
		if !bytes.HasSuffix(p.Code, tail) {
			t.Errorf("%s: epilogue = % x, want suffix % x", tt.abi.Name, p.Code[len(p.Code)-len(tail):], tail)
		}
	}
}

// TestCallUsesArgumentRegisters checks the call sequence is written
// against Arg0/Arg1 of the selected convention
func TestCallUsesArgumentRegisters(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Func("main", 0, 0).Push(3).Call("g").Op(bytecode.OpRet)
	b.Func("g", 1, 1).Load(0).Op(bytecode.OpRet)
	m := b.MustBuild()

	tests := []struct {
		abi       CallingConvention
		stateArg  []byte // mov arg0, r14
		calleeArg []byte // mov arg1, 1
	}{
		{SysV, []byte{0x4c, 0x89, 0xf7}, []byte{0x48, 0xc7, 0xc6, 0x01, 0x00, 0x00, 0x00}},
		{Win64, []byte{0x4c, 0x89, 0xf1}, []byte{0x48, 0xc7, 0xc2, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		c := NewCompiler(m, Options{ABI: tt.abi, Trampoline: 0x1122334455667788})
		p, err := c.Translate(0)
		if err != nil {
			t.Fatalf("%s: Translate: %v", tt.abi.Name, err)
		}
		seq := append(append([]byte{}, tt.stateArg...), tt.calleeArg...)
		if !bytes.Contains(p.Code, seq) {
			t.Errorf("%s: call sequence % x not found in % x", tt.abi.Name, seq, p.Code)
		}
		if !bytes.Contains(p.Code, []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0xff, 0xd0}) {
			t.Errorf("%s: mov rax, trampoline; call rax not found", tt.abi.Name)
		}
	}
}

func TestRejects(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *bytecode.Builder)
		cause error
	}{
		{"falls off end", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Push(1)
		}, errors.ErrFallsOffEnd},
		{"halt", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Push(1).Op(bytecode.OpHalt)
		}, errors.ErrHalt},
		{"literal zero divisor", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Push(1).Push(0).Op(bytecode.OpDiv, bytecode.OpRet)
		}, errors.ErrConstZeroDivide},
		{"literal zero modulus through store", func(b *bytecode.Builder) {
			b.Func("f", 0, 1).Push(7).Push(0).Store(0).Op(bytecode.OpMod, bytecode.OpRet)
		}, errors.ErrConstZeroDivide},
		{"local out of range", func(b *bytecode.Builder) {
			b.Func("f", 1, 1).Load(3).Op(bytecode.OpRet)
		}, errors.ErrLocalIndex},
		{"constant out of range", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Emit(bytecode.OpPushConst, 99).Op(bytecode.OpRet)
		}, errors.ErrConstIndex},
		{"callee out of range", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Emit(bytecode.OpCall, 9).Op(bytecode.OpRet)
		}, errors.ErrFunctionIndex},
		{"underflow", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Push(1).Op(bytecode.OpAdd, bytecode.OpRet)
		}, errors.ErrStackUnderflow},
		{"call underflow", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Call("g").Op(bytecode.OpRet)
			b.Func("g", 2, 2).Load(0).Op(bytecode.OpRet)
		}, errors.ErrStackUnderflow},
		{"depth mismatch at join", func(b *bytecode.Builder) {
			join := b.NewLabel()
			b.Func("f", 1, 1).Push(5).Load(0).Jz(join).Push(6)
			b.Mark(join).Op(bytecode.OpRet)
		}, errors.ErrStackMismatch},
		{"jump outside function", func(b *bytecode.Builder) {
			other := b.NewLabel()
			b.Func("f", 0, 0).Jmp(other)
			b.Func("g", 0, 0).Mark(other).Push(1).Op(bytecode.OpRet)
		}, errors.ErrJumpOutOfRange},
		{"unreachable trailing bytes", func(b *bytecode.Builder) {
			b.Func("f", 0, 0).Push(1).Op(bytecode.OpRet).Emit(bytecode.OpJmp, 0)
			b.Func("g", 0, 0).Push(1).Op(bytecode.OpRet)
		}, nil},
	}

	for _, tt := range tests {
		b := bytecode.NewBuilder()
		tt.build(b)
		m, err := b.Build()
		if err != nil {
			t.Fatalf("%s: Build: %v", tt.name, err)
		}
		c := NewCompiler(m, Options{})
		_, err = c.Translate(0)
		if tt.cause == nil {
			// unreachable trailing bytes are never decoded
			if err != nil {
				t.Errorf("%s: Translate: %v", tt.name, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s: Translate succeeded, want %v", tt.name, tt.cause)
			continue
		}
		if !errors.IsStaticReject(err) || !errors.Is(err, tt.cause) {
			t.Errorf("%s: err = %v, want static reject caused by %v", tt.name, err, tt.cause)
		}
		if c.Check(0) == nil {
			t.Errorf("%s: Check passed a rejected function", tt.name)
		}
	}
}

// TestRuntimeDivisorIsGuarded checks a divisor only known at run time is
// compiled with a zero test rather than rejected
func TestRuntimeDivisorIsGuarded(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Func("f", 2, 2).Load(0).Load(1).Op(bytecode.OpDiv, bytecode.OpRet)
	c := NewCompiler(b.MustBuild(), Options{ABI: SysV})
	p, err := c.Translate(0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// test rcx, rcx; jz divzero
	if !bytes.Contains(p.Code, []byte{0x48, 0x85, 0xc9, 0x0f, 0x84}) {
		t.Error("zero divisor check not found")
	}
	// mov qword [r14+8], -1 on the fault path
	if !bytes.Contains(p.Code, []byte{0x49, 0xc7, 0x46, 0x08, 0xff, 0xff, 0xff, 0xff}) {
		t.Error("fault sentinel store not found")
	}
}

func TestTranslateDoesNotMutateModule(t *testing.T) {
	b := bytecode.NewBuilder()
	loop := b.NewLabel()
	done := b.NewLabel()
	b.Func("sum", 1, 2).
		Push(0).Store(1).Op(bytecode.OpPop).
		Mark(loop).Load(0).Jz(done).
		Load(1).Load(0).Op(bytecode.OpAdd).Store(1).Op(bytecode.OpPop).
		Load(0).Push(1).Op(bytecode.OpSub).Store(0).Op(bytecode.OpPop).
		Jmp(loop).
		Mark(done).Load(1).Op(bytecode.OpRet)
	m := b.MustBuild()
	before := m.Clone()

	c := NewCompiler(m, Options{})
	p, err := c.Translate(0)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if diff := cmp.Diff(before, m); diff != "" {
		t.Errorf("module changed by Translate (-before +after):\n%s", diff)
	}
	if p.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", p.MaxStack)
	}
	if _, ok := p.Offsets[m.Functions[0].Entry]; !ok {
		t.Error("entry has no native offset")
	}
	t.Logf("sum: %d bytes, %d mapped instructions", len(p.Code), len(p.Offsets))
}

func TestAllocationFailure(t *testing.T) {
	calls := 0
	alloc := AllocatorFunc(func(size int) (*ExecutableMemory, error) {
		calls++
		return nil, errors.New("out of pages")
	})
	r := NewRuntime(addOne(), Options{Alloc: alloc})

	_, err := r.Compile(0)
	if kind, ok := errors.KindOf(err); !ok || kind != errors.AllocationFailure {
		t.Fatalf("err = %v, want allocation failure", err)
	}
	if !errors.IsStaticReject(err) {
		t.Error("allocation failure not treated as a reject")
	}

	// ineligible from now on: no second attempt
	if _, err2 := r.Compile(0); err2 != err {
		t.Errorf("second Compile err = %v, want cached %v", err2, err)
	}
	if calls != 1 {
		t.Errorf("allocator called %d times, want 1", calls)
	}
	if ok, _ := r.Ineligible(0); !ok {
		t.Error("function not marked ineligible")
	}
	st := r.Stats()
	if st.Rejects != 1 || st.Compilations != 0 || st.RejectCauses["allocation failure"] != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCompileAndDump(t *testing.T) {
	if !Supported() {
		t.Skip("native code not supported on this platform")
	}
	var dump strings.Builder
	r := NewRuntime(addOne(), Options{Dump: &dump})
	defer r.Free()

	u, err := r.Compile(0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if u.Entry() == 0 || u.Size() != len(u.Code) {
		t.Errorf("unit entry=%#x size=%d code=%d", u.Entry(), u.Size(), len(u.Code))
	}
	if again, _ := r.Compile(0); again != u {
		t.Error("second Compile did not return the cached unit")
	}

	out := dump.String()
	for _, want := range []string{"; jit f (#0)", "push rbp", "; bytecode -> native", "ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}

	st := r.Stats()
	if st.Compilations != 1 || st.Units != 1 || st.CodeBytes != len(u.Code) {
		t.Errorf("stats = %+v", st)
	}
	if err := r.Evict(0); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if r.Lookup(0) != nil {
		t.Error("unit still cached after Evict")
	}
}
