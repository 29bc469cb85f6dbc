package jit

// CallingConvention names the registers the host ABI uses for the first two
// integer arguments and the stack space a caller must reserve before a call.
// Emitted code refers to Arg0/Arg1 only.
type CallingConvention struct {
	Name        string
	Arg0        Reg
	Arg1        Reg
	ShadowSpace int32
}

var (
	// SysV is the System V AMD64 convention (Linux, macOS, BSD).
	SysV = CallingConvention{Name: "sysv", Arg0: RDI, Arg1: RSI}

	// Win64 is the Microsoft x64 convention, with its 32-byte home area.
	Win64 = CallingConvention{Name: "win64", Arg0: RCX, Arg1: RDX, ShadowSpace: 32}
)
