// Package bytecode defines the module format shared by the interpreter and
// the JIT: an instruction stream, a constant pool and a function table.
package bytecode

import (
	"fmt"
	"sort"

	"mplx/pkg/errors"
)

// Function is one entry of the function table.
type Function struct {
	Name   string
	Entry  uint32 // offset into Code
	Arity  uint8
	Locals uint16 // includes the arguments
}

// Module is immutable once built. Both execution paths read it and neither
// writes to it.
type Module struct {
	Code      []byte
	Consts    []int64
	Functions []Function
}

// Lookup returns the index of the named function.
func (m *Module) Lookup(name string) (uint32, error) {
	for i := range m.Functions {
		if m.Functions[i].Name == name {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", errors.ErrNoEntry, name)
}

// Validate checks the function table against the code.
func (m *Module) Validate() error {
	seen := make(map[string]struct{}, len(m.Functions))
	for i, fn := range m.Functions {
		if fn.Name == "" {
			return fmt.Errorf("function %d has no name", i)
		}
		if _, dup := seen[fn.Name]; dup {
			return fmt.Errorf("duplicate function %q", fn.Name)
		}
		seen[fn.Name] = struct{}{}
		if uint64(fn.Entry) >= uint64(len(m.Code)) {
			return fmt.Errorf("function %q entry %d outside code (%d bytes)", fn.Name, fn.Entry, len(m.Code))
		}
		if int(fn.Locals) < int(fn.Arity) {
			return fmt.Errorf("function %q has %d locals for %d arguments", fn.Name, fn.Locals, fn.Arity)
		}
	}
	return nil
}

// Extent returns the byte range [start, end) belonging to function fn: from
// its entry up to the next larger entry, or the end of the code.
func (m *Module) Extent(fn uint32) (start, end uint32) {
	start = m.Functions[fn].Entry
	end = uint32(len(m.Code))
	for _, f := range m.Functions {
		if f.Entry > start && f.Entry < end {
			end = f.Entry
		}
	}
	return start, end
}

// FunctionAt returns the index of the function whose extent holds ip.
func (m *Module) FunctionAt(ip uint32) (uint32, bool) {
	order := make([]int, len(m.Functions))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return m.Functions[order[a]].Entry < m.Functions[order[b]].Entry
	})
	found := -1
	for _, i := range order {
		if m.Functions[i].Entry <= ip {
			found = i
		}
	}
	if found < 0 {
		return 0, false
	}
	return uint32(found), true
}

// Name returns the name of function fn, or a placeholder when fn is out of range.
func (m *Module) Name(fn uint32) string {
	if uint64(fn) < uint64(len(m.Functions)) {
		return m.Functions[fn].Name
	}
	return fmt.Sprintf("fn#%d", fn)
}

// Clone returns a deep copy.
func (m *Module) Clone() *Module {
	return &Module{
		Code:      append([]byte(nil), m.Code...),
		Consts:    append([]int64(nil), m.Consts...),
		Functions: append([]Function(nil), m.Functions...),
	}
}
