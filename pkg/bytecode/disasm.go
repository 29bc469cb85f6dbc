package bytecode

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// Disassemble writes a listing of every function in m.
func Disassemble(m *Module, w io.Writer) error {
	bw := bufio.NewWriter(w)

	order := make([]int, len(m.Functions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return m.Functions[order[a]].Entry < m.Functions[order[b]].Entry
	})

	for _, i := range order {
		fn := m.Functions[i]
		fmt.Fprintf(bw, "func %s args=%d locals=%d ; #%d @%d\n", fn.Name, fn.Arity, fn.Locals, i, fn.Entry)
		start, end := m.Extent(uint32(i))
		for ip := start; ip < end; {
			in, err := Decode(m.Code, ip)
			if err != nil {
				fmt.Fprintf(bw, "  %04x  db 0x%02x ; %v\n", ip, m.Code[ip], err)
				ip++
				continue
			}
			fmt.Fprintf(bw, "  %04x  %s\n", ip, FormatInstr(m, in))
			ip = in.Next()
		}
		fmt.Fprintln(bw, "end")
	}
	return bw.Flush()
}

// FormatInstr renders in with its operand resolved against m.
func FormatInstr(m *Module, in Instr) string {
	if in.Len == 1 {
		return in.Op.String()
	}
	switch in.Op.Operand() {
	case ConstOperand:
		if uint64(in.Arg) < uint64(len(m.Consts)) {
			return fmt.Sprintf("%-14s %d ; = %d", in.Op, in.Arg, m.Consts[in.Arg])
		}
	case FuncOperand:
		return fmt.Sprintf("%-14s %d ; %s", in.Op, in.Arg, m.Name(in.Arg))
	case TargetOperand:
		return fmt.Sprintf("%-14s %04x", in.Op, in.Arg)
	}
	return fmt.Sprintf("%-14s %d", in.Op, in.Arg)
}
