package bytecode

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Assemble parses the text form of a module:
//
//	; comment
//	func main args=0 locals=1
//	    push 2
//	    store 0
//	loop:
//	    load 0
//	    jz done
//	    ...
//	end
//
// Labels are local to their function. push/load/store pick the shortest
// encoding; every other mnemonic is the opcode name (add, jmp_if_false, ...)
// with jz and jnz as aliases for the conditional jumps.
func Assemble(src string) (*Module, error) {
	a := &assembler{b: NewBuilder()}
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		a.line++
		if err := a.parseLine(sc.Text()); err != nil {
			return nil, fmt.Errorf("line %d: %w", a.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if a.inFunc {
		return nil, fmt.Errorf("line %d: missing end for func %s", a.line, a.fn)
	}
	return a.b.Build()
}

type pendingLabel struct {
	fn   string
	line int
}

type assembler struct {
	b       *Builder
	line    int
	inFunc  bool
	fn      string
	labels  map[string]Label
	defined map[string]bool
	pending map[string]pendingLabel
}

var jumpAliases = map[string]Op{
	"jmp":          OpJmp,
	"jz":           OpJmpIfFalse,
	"jmp_if_false": OpJmpIfFalse,
	"jnz":          OpJmpIfTrue,
	"jmp_if_true":  OpJmpIfTrue,
}

func (a *assembler) label(name string) Label {
	if l, ok := a.labels[name]; ok {
		return l
	}
	l := a.b.NewLabel()
	a.labels[name] = l
	return l
}

func (a *assembler) parseLine(text string) error {
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	head := strings.ToLower(fields[0])
	switch {
	case head == "func":
		return a.parseFunc(fields[1:])
	case head == "end":
		if !a.inFunc {
			return fmt.Errorf("end outside func")
		}
		for name, l := range a.pending {
			return fmt.Errorf("func %s: label %q used on line %d but never defined", l.fn, name, l.line)
		}
		a.inFunc = false
		return nil
	case !a.inFunc:
		return fmt.Errorf("%q outside func", fields[0])
	case strings.HasSuffix(head, ":") && len(fields) == 1:
		name := strings.TrimSuffix(fields[0], ":")
		if a.defined[name] {
			return fmt.Errorf("label %q defined twice", name)
		}
		a.defined[name] = true
		delete(a.pending, name)
		a.b.Mark(a.label(name))
		return a.b.err
	}

	args := fields[1:]
	if op, ok := jumpAliases[head]; ok {
		if len(args) != 1 {
			return fmt.Errorf("%s needs a label", head)
		}
		if !a.defined[args[0]] {
			a.pending[args[0]] = pendingLabel{fn: a.fn, line: a.line}
		}
		a.b.jump(op, a.label(args[0]))
		return a.b.err
	}

	switch head {
	case "push":
		v, err := oneInt(head, args, 64)
		if err != nil {
			return err
		}
		a.b.Push(v)
	case "load", "store":
		v, err := oneInt(head, args, 32)
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("%s: negative slot %d", head, v)
		}
		if head == "load" {
			a.b.Load(uint32(v))
		} else {
			a.b.Store(uint32(v))
		}
	case "call":
		if len(args) != 1 {
			return fmt.Errorf("call needs a function name")
		}
		a.b.Call(args[0])
	default:
		op, ok := opByName[head]
		if !ok {
			return fmt.Errorf("unknown mnemonic %q", fields[0])
		}
		if op.Width() == 1 {
			if len(args) != 0 {
				return fmt.Errorf("%s takes no operand", op)
			}
			a.b.Op(op)
			break
		}
		v, err := oneInt(head, args, 33)
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("%s: negative operand %d", op, v)
		}
		a.b.Emit(op, uint32(v))
	}
	return a.b.err
}

func (a *assembler) parseFunc(args []string) error {
	if a.inFunc {
		return fmt.Errorf("func %s not closed", a.fn)
	}
	if len(args) == 0 {
		return fmt.Errorf("func needs a name")
	}

	arity, locals := 0, -1
	for _, kv := range args[1:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("func %s: expected key=value, got %q", args[0], kv)
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("func %s: %s: %w", args[0], key, err)
		}
		switch key {
		case "args", "arity":
			arity = n
		case "locals":
			locals = n
		default:
			return fmt.Errorf("func %s: unknown attribute %q", args[0], key)
		}
	}
	if locals < 0 {
		locals = arity
	}

	a.inFunc = true
	a.fn = args[0]
	a.labels = make(map[string]Label)
	a.defined = make(map[string]bool)
	a.pending = make(map[string]pendingLabel)
	a.b.Func(args[0], arity, locals)
	return a.b.err
}

func oneInt(op string, args []string, bits int) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs one operand", op)
	}
	v, err := strconv.ParseInt(args[0], 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
