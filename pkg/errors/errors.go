package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a Fault.
type Kind int

const (
	// StaticReject: the JIT declined to compile a function.
	StaticReject Kind = iota
	// AllocationFailure: executable memory could not be obtained.
	AllocationFailure
	// RuntimeFault: the program itself failed while running.
	RuntimeFault
	// VerificationMismatch: interpreter and compiled code disagreed.
	VerificationMismatch
)

func (k Kind) String() string {
	switch k {
	case StaticReject:
		return "static reject"
	case AllocationFailure:
		return "allocation failure"
	case RuntimeFault:
		return "runtime fault"
	case VerificationMismatch:
		return "verification mismatch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinel causes. Match with errors.Is.
var (
	ErrUnknownOpcode   = stderrors.New("unknown opcode")
	ErrTruncated       = stderrors.New("truncated instruction")
	ErrIPOutOfRange    = stderrors.New("instruction pointer out of range")
	ErrNoEntry         = stderrors.New("entry function not found")
	ErrArity           = stderrors.New("argument count mismatch")
	ErrDivisionByZero  = stderrors.New("division by zero")
	ErrConstIndex      = stderrors.New("constant index out of range")
	ErrLocalIndex      = stderrors.New("local index out of range")
	ErrFunctionIndex   = stderrors.New("function index out of range")
	ErrStackOverflow   = stderrors.New("operand stack overflow")
	ErrStackUnderflow  = stderrors.New("operand stack underflow")
	ErrStackMismatch   = stderrors.New("inconsistent stack depth at join")
	ErrJumpOutOfRange  = stderrors.New("jump target outside function")
	ErrFallsOffEnd     = stderrors.New("control reaches end of function")
	ErrHalt            = stderrors.New("halt inside compiled function")
	ErrConstZeroDivide = stderrors.New("division by constant zero")
	ErrUnboundLabel    = stderrors.New("unbound label")
	ErrUnsupported     = stderrors.New("native code not supported on this platform")
	ErrClosed          = stderrors.New("vm closed")
)

// Fault is the error type for everything the runtime reports.
type Fault struct {
	Kind     Kind
	Message  string
	Function string
	IP       uint32
	Cause    error
}

func (e *Fault) Error() string {
	msg := e.Message
	if e.Function != "" {
		msg = fmt.Sprintf("%s (in %s at %d)", msg, e.Function, e.IP)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Fault) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of the first Fault in err's chain.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if stderrors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

func isKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// IsRuntimeFault checks if an error is a runtime fault
func IsRuntimeFault(err error) bool { return isKind(err, RuntimeFault) }

// IsVerificationMismatch checks if an error is a verification mismatch
func IsVerificationMismatch(err error) bool { return isKind(err, VerificationMismatch) }

// IsStaticReject reports whether the JIT declined to compile. Allocation
// failures count as rejects.
func IsStaticReject(err error) bool {
	return isKind(err, StaticReject) || isKind(err, AllocationFailure)
}

// Wrap wraps an existing error as a fault of the given kind
func Wrap(kind Kind, err error, message string) *Fault {
	return &Fault{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// Faultf creates a new fault with formatted message
func Faultf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// At returns a copy of the fault located at ip in the named function.
func (e *Fault) At(function string, ip uint32) *Fault {
	c := *e
	c.Function = function
	c.IP = ip
	return &c
}

// Is, As, Unwrap and New are re-exported so callers need only this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

func New(text string) error { return stderrors.New(text) }
