package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"mplx/pkg/errors"
	"mplx/pkg/serializer"

	"github.com/google/go-cmp/cmp"
)

// TestDecodeWidths checks every opcode decodes with the width the encoder uses
func TestDecodeWidths(t *testing.T) {
	for op := Op(0); op < numOps; op++ {
		code := []byte{byte(op), 0x11, 0x22, 0x33, 0x44}
		in, err := Decode(code, 0)
		if err != nil {
			t.Fatalf("Decode(%s): %v", op, err)
		}
		if in.Len != op.Width() {
			t.Errorf("%s: Len = %d, want %d", op, in.Len, op.Width())
		}
		switch op.Width() {
		case 2:
			if in.Arg != 0x11 {
				t.Errorf("%s: Arg = %#x, want 0x11", op, in.Arg)
			}
		case 5:
			if in.Arg != 0x44332211 {
				t.Errorf("%s: Arg = %#x, want 0x44332211", op, in.Arg)
			}
		}
	}
}

func TestDecodeShortForms(t *testing.T) {
	tests := []struct {
		code []byte
		kind Op
		arg  uint32
	}{
		{[]byte{byte(OpLoad2)}, OpLoadLocal, 2},
		{[]byte{byte(OpStore3)}, OpStoreLocal, 3},
		{[]byte{byte(OpLoadLocal8), 9}, OpLoadLocal, 9},
		{[]byte{byte(OpStoreLocal8), 200}, OpStoreLocal, 200},
		{[]byte{byte(OpPushConst8), 7}, OpPushConst, 7},
		{[]byte{byte(OpPushConst), 1, 1, 0, 0}, OpPushConst, 257},
	}
	for _, tt := range tests {
		in, err := Decode(tt.code, 0)
		if err != nil {
			t.Fatalf("Decode(%x): %v", tt.code, err)
		}
		if in.Kind != tt.kind || in.Arg != tt.arg {
			t.Errorf("Decode(%x) = %s/%d, want %s/%d", tt.code, in.Kind, in.Arg, tt.kind, tt.arg)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		ip   uint32
		want error
	}{
		{"unknown", []byte{0xEE}, 0, errors.ErrUnknownOpcode},
		{"truncated u32", []byte{byte(OpJmp), 1, 2}, 0, errors.ErrTruncated},
		{"truncated u8", []byte{byte(OpPushConst8)}, 0, errors.ErrTruncated},
		{"past end", []byte{byte(OpRet)}, 1, errors.ErrIPOutOfRange},
	}
	for _, tt := range tests {
		_, err := Decode(tt.code, tt.ip)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestBuilderLabelsAndCalls(t *testing.T) {
	b := NewBuilder()
	b.Func("main", 0, 0)
	b.Push(5).Call("twice").Op(OpRet)
	b.Func("twice", 1, 1)
	done := b.NewLabel()
	b.Load(0).Jz(done)
	b.Load(0).Push(2).Op(OpMul, OpRet)
	b.Mark(done)
	b.Push(0).Op(OpRet)

	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []byte{
		byte(OpPushConst8), 0,
		byte(OpCall), 1, 0, 0, 0,
		byte(OpRet),
		// twice @8
		byte(OpLoad0),
		byte(OpJmpIfFalse), 19, 0, 0, 0,
		byte(OpLoad0),
		byte(OpPushConst8), 1,
		byte(OpMul),
		byte(OpRet),
		// done @19
		byte(OpPushConst8), 2,
		byte(OpRet),
	}
	if diff := cmp.Diff(want, m.Code); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{5, 2, 0}, m.Consts); diff != "" {
		t.Errorf("consts mismatch (-want +got):\n%s", diff)
	}
	if got := m.Functions[1].Entry; got != 8 {
		t.Errorf("twice entry = %d, want 8", got)
	}
	if start, end := m.Extent(1); start != 8 || end != uint32(len(m.Code)) {
		t.Errorf("Extent(twice) = [%d,%d)", start, end)
	}
	if start, end := m.Extent(0); start != 0 || end != 8 {
		t.Errorf("Extent(main) = [%d,%d)", start, end)
	}
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder()
	b.Func("f", 0, 0)
	l := b.NewLabel()
	b.Jmp(l)
	if _, err := b.Build(); err == nil || !strings.Contains(err.Error(), "never bound") {
		t.Errorf("unbound label: err = %v", err)
	}

	b = NewBuilder()
	b.Func("f", 0, 0).Call("missing").Op(OpRet)
	if _, err := b.Build(); err == nil || !strings.Contains(err.Error(), "undefined function") {
		t.Errorf("missing callee: err = %v", err)
	}

	b = NewBuilder()
	b.Func("f", 2, 1)
	if _, err := b.Build(); err == nil {
		t.Error("locals < arity accepted")
	}
}

func TestBuilderShortForms(t *testing.T) {
	b := NewBuilder()
	b.Func("f", 0, 300)
	b.Load(3).Load(4).Load(299).Store(0).Store(255).Store(256)
	for i := 0; i < 257; i++ {
		b.Push(int64(i))
	}
	b.Op(OpRet)
	m := b.MustBuild()

	var got []Op
	for ip := uint32(0); ip < uint32(len(m.Code)); {
		in, err := Decode(m.Code, ip)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, in.Op)
		ip = in.Next()
	}
	want := []Op{OpLoad3, OpLoadLocal8, OpLoadLocal, OpStore0, OpStoreLocal8, OpStoreLocal}
	if diff := cmp.Diff(want, got[:6]); diff != "" {
		t.Errorf("short forms (-want +got):\n%s", diff)
	}
	if got[6+255] != OpPushConst8 || got[6+256] != OpPushConst {
		t.Errorf("const 255 used %s, const 256 used %s", got[6+255], got[6+256])
	}
}

const sampleSource = `
; x = 0; x = x + 1 * 2; return x
func main args=0 locals=1
    push 0
    store 0
    pop
    load 0
    push 1
    push 2
    mul
    add
    store 0
    pop
    load 0
    ret
end

func pick args=1 locals=1
    load 0
    jnz yes
    push 10
    ret
yes:
    push 20
    ret
end
`

func TestAssemble(t *testing.T) {
	m, err := Assemble(sampleSource)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(m.Functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(m.Functions))
	}
	idx, err := m.Lookup("pick")
	if err != nil {
		t.Fatal(err)
	}
	if fn := m.Functions[idx]; fn.Arity != 1 || fn.Locals != 1 {
		t.Errorf("pick = %+v", fn)
	}
	if _, err := m.Lookup("nope"); !errors.Is(err, errors.ErrNoEntry) {
		t.Errorf("Lookup(nope) err = %v, want ErrNoEntry", err)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"outside", "push 1", "outside func"},
		{"unclosed", "func f\n ret", "missing end"},
		{"mnemonic", "func f\n frob\nend", "unknown mnemonic"},
		{"label", "func f\n jmp nowhere\nend", "never defined"},
		{"operand", "func f\n add 1\nend", "takes no operand"},
		{"twice", "func f\nx:\nx:\nend", "defined twice"},
	}
	for _, tt := range tests {
		_, err := Assemble(tt.src)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want substring %q", tt.name, err, tt.want)
		}
	}
}

func TestImageRoundTrip(t *testing.T) {
	m, err := Assemble(sampleSource)
	if err != nil {
		t.Fatal(err)
	}
	data := Encode(m)
	if !bytes.HasPrefix(data, []byte("MPLX")) {
		t.Fatalf("image missing magic: %x", data[:8])
	}
	back, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if diff := cmp.Diff(m, back); diff != "" {
		t.Errorf("image round trip (-want +got):\n%s", diff)
	}
	if Hash(m) != Hash(back) {
		t.Error("hash changed across round trip")
	}

	data[len(data)-1] ^= 0xFF
	if other, err := DecodeImage(data); err == nil && Hash(other) == Hash(m) {
		t.Error("corrupted image hashed identically")
	}
	if _, err := DecodeImage([]byte("NOPE")); err == nil {
		t.Error("bad magic accepted")
	}
}

// TestDecodeImageHugeLength feeds length prefixes far beyond the input size
func TestDecodeImageHugeLength(t *testing.T) {
	header := []byte("MPLX\x01")
	tests := []struct {
		name string
		data []byte
	}{
		{"consts", append(header, serializer.EncodeGeneralNatural(1<<31)...)},
		{"functions", append(append(append([]byte(nil), header...), 0x00), serializer.EncodeGeneralNatural(1<<30)...)},
		{"code", append(append(append([]byte(nil), header...), 0x00, 0x00), serializer.EncodeGeneralNatural(1<<31)...)},
	}
	for _, tt := range tests {
		if _, err := DecodeImage(tt.data); err == nil {
			t.Errorf("%s: DecodeImage accepted a %d byte image", tt.name, len(tt.data))
		}
	}
}

func TestDisassemble(t *testing.T) {
	m, err := Assemble(sampleSource)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := Disassemble(m, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"func main args=0 locals=1 ; #0 @0",
		"push_const8    1 ; = 1",
		"jmp_if_true",
		"func pick args=1 locals=1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}
