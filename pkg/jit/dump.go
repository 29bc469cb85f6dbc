package jit

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"mplx/pkg/bytecode"
)

// Dump writes a listing of u: a header, the code in hex, its disassembly
// and the bytecode -> native offset map.
func Dump(w io.Writer, m *bytecode.Module, u *CompiledUnit) error {
	bw := bufio.NewWriter(w)
	p := &u.Program
	fmt.Fprintf(bw, "; jit %s (#%d) entry=0x%x size=%d max_stack=%d\n",
		p.Name, p.Fn, u.Entry(), len(p.Code), p.MaxStack)

	for off := 0; off < len(p.Code); off += 16 {
		end := min(off+16, len(p.Code))
		fmt.Fprintf(bw, "%04x: % x\n", off, p.Code[off:end])
	}

	bw.WriteString("; disassembly\n")
	Disassemble(bw, p.Code)

	bw.WriteString("; bytecode -> native\n")
	ips := make([]uint32, 0, len(p.Offsets))
	for ip := range p.Offsets {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i] < ips[j] })
	for _, ip := range ips {
		in, err := bytecode.Decode(m.Code, ip)
		text := "?"
		if err == nil {
			text = bytecode.FormatInstr(m, in)
		}
		fmt.Fprintf(bw, "  %04x -> 0x%04x  %s\n", ip, p.Offsets[ip], text)
	}
	return bw.Flush()
}

// Disassemble writes one line per decoded x86-64 instruction. Undecodable
// bytes are shown as db.
func Disassemble(w io.Writer, code []byte) {
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			fmt.Fprintf(w, "0x%04x: %-24s db 0x%02x\n", offset, fmt.Sprintf("%02x", code[offset]), code[offset])
			offset++
			continue
		}
		raw := fmt.Sprintf("% x", code[offset:offset+inst.Len])
		fmt.Fprintf(w, "0x%04x: %-24s %s\n", offset, raw, x86asm.IntelSyntax(inst, uint64(offset), nil))
		offset += inst.Len
	}
}
