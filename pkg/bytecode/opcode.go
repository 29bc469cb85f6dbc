package bytecode

import "fmt"

// Op is one instruction tag in the bytecode stream.
type Op byte

const (
	OpPushConst Op = iota
	OpLoadLocal
	OpStoreLocal
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpJmp
	OpJmpIfFalse
	OpCall
	OpRet
	OpPop
	OpHalt
	OpMod
	OpNot
	OpAnd
	OpOr
	OpJmpIfTrue
	OpLoadLocal8
	OpStoreLocal8
	OpLoad0
	OpLoad1
	OpLoad2
	OpLoad3
	OpStore0
	OpStore1
	OpStore2
	OpStore3
	OpPushConst8

	numOps
)

// Operand describes what follows the opcode byte.
type Operand byte

const (
	NoOperand Operand = iota
	ConstOperand
	LocalOperand
	TargetOperand
	FuncOperand
)

type opInfo struct {
	name    string
	operand Operand
	width   uint32 // operand octets
	kind    Op     // canonical form
	slot    uint32 // implied slot for LD0..ST3
}

var ops = [numOps]opInfo{
	OpPushConst:   {"push_const", ConstOperand, 4, OpPushConst, 0},
	OpLoadLocal:   {"load_local", LocalOperand, 4, OpLoadLocal, 0},
	OpStoreLocal:  {"store_local", LocalOperand, 4, OpStoreLocal, 0},
	OpAdd:         {"add", NoOperand, 0, OpAdd, 0},
	OpSub:         {"sub", NoOperand, 0, OpSub, 0},
	OpMul:         {"mul", NoOperand, 0, OpMul, 0},
	OpDiv:         {"div", NoOperand, 0, OpDiv, 0},
	OpNeg:         {"neg", NoOperand, 0, OpNeg, 0},
	OpEq:          {"eq", NoOperand, 0, OpEq, 0},
	OpNe:          {"ne", NoOperand, 0, OpNe, 0},
	OpLt:          {"lt", NoOperand, 0, OpLt, 0},
	OpLe:          {"le", NoOperand, 0, OpLe, 0},
	OpGt:          {"gt", NoOperand, 0, OpGt, 0},
	OpGe:          {"ge", NoOperand, 0, OpGe, 0},
	OpJmp:         {"jmp", TargetOperand, 4, OpJmp, 0},
	OpJmpIfFalse:  {"jmp_if_false", TargetOperand, 4, OpJmpIfFalse, 0},
	OpCall:        {"call", FuncOperand, 4, OpCall, 0},
	OpRet:         {"ret", NoOperand, 0, OpRet, 0},
	OpPop:         {"pop", NoOperand, 0, OpPop, 0},
	OpHalt:        {"halt", NoOperand, 0, OpHalt, 0},
	OpMod:         {"mod", NoOperand, 0, OpMod, 0},
	OpNot:         {"not", NoOperand, 0, OpNot, 0},
	OpAnd:         {"and", NoOperand, 0, OpAnd, 0},
	OpOr:          {"or", NoOperand, 0, OpOr, 0},
	OpJmpIfTrue:   {"jmp_if_true", TargetOperand, 4, OpJmpIfTrue, 0},
	OpLoadLocal8:  {"load_local8", LocalOperand, 1, OpLoadLocal, 0},
	OpStoreLocal8: {"store_local8", LocalOperand, 1, OpStoreLocal, 0},
	OpLoad0:       {"ld0", NoOperand, 0, OpLoadLocal, 0},
	OpLoad1:       {"ld1", NoOperand, 0, OpLoadLocal, 1},
	OpLoad2:       {"ld2", NoOperand, 0, OpLoadLocal, 2},
	OpLoad3:       {"ld3", NoOperand, 0, OpLoadLocal, 3},
	OpStore0:      {"st0", NoOperand, 0, OpStoreLocal, 0},
	OpStore1:      {"st1", NoOperand, 0, OpStoreLocal, 1},
	OpStore2:      {"st2", NoOperand, 0, OpStoreLocal, 2},
	OpStore3:      {"st3", NoOperand, 0, OpStoreLocal, 3},
	OpPushConst8:  {"push_const8", ConstOperand, 1, OpPushConst, 0},
}

// Valid reports whether o is a known opcode.
func (o Op) Valid() bool { return o < numOps }

func (o Op) String() string {
	if !o.Valid() {
		return fmt.Sprintf("op(0x%02x)", byte(o))
	}
	return ops[o].name
}

// Width is the encoded size of the instruction including the opcode byte.
func (o Op) Width() uint32 {
	if !o.Valid() {
		return 1
	}
	return 1 + ops[o].width
}

// Canonical maps short forms (LD0, STORE_LOCAL8, PUSH_CONST8, ...) to the
// operation they perform.
func (o Op) Canonical() Op {
	if !o.Valid() {
		return o
	}
	return ops[o].kind
}

// Operand reports what the instruction's argument refers to.
func (o Op) Operand() Operand {
	if !o.Valid() {
		return NoOperand
	}
	if ops[o].width == 0 && (ops[o].kind == OpLoadLocal || ops[o].kind == OpStoreLocal) {
		return LocalOperand
	}
	return ops[o].operand
}

// IsBranch reports whether o transfers control to an encoded target.
func (o Op) IsBranch() bool {
	return o == OpJmp || o == OpJmpIfFalse || o == OpJmpIfTrue
}

// opByName resolves mnemonics for the text assembler.
var opByName = func() map[string]Op {
	m := make(map[string]Op, numOps)
	for i := Op(0); i < numOps; i++ {
		m[ops[i].name] = i
	}
	return m
}()
