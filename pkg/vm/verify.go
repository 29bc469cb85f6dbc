package vm

import (
	"fmt"

	"mplx/pkg/errors"
)

// Verification is the outcome of running one entry both ways.
type Verification struct {
	Interpreted int64
	Compiled    int64
	Verified    bool  // false when the entry could not be compiled
	Reject      error // why it could not be compiled
}

// Verify runs the named function interpreted and then compiled, each on a
// fresh stack, and fails with a VerificationMismatch when the results or
// fault-ness differ. A function the JIT rejects is reported unverified.
func (v *VM) Verify(name string, args ...int64) (Verification, error) {
	fn, err := v.mod.Lookup(name)
	if err != nil {
		return Verification{}, errors.Wrap(errors.RuntimeFault, err, "lookup")
	}
	return v.VerifyIndex(fn, args...)
}

// VerifyIndex is Verify by function index.
func (v *VM) VerifyIndex(fn uint32, args ...int64) (Verification, error) {
	v.interpreted = true
	want, wantErr := v.run(fn, args, v.invoke)
	v.interpreted = false

	res := Verification{Interpreted: want}
	if v.jit == nil {
		res.Reject = errors.ErrUnsupported
		return res, wantErr
	}
	unit, err := v.jit.Compile(fn)
	if err != nil {
		res.Reject = err
		v.log.Debug("entry not compiled, unverified", "fn", v.mod.Name(fn), "err", err)
		return res, wantErr
	}

	got, gotErr := v.run(fn, args, func(fn uint32) (int64, error) {
		v.counts[fn]++
		return v.runCompiled(fn, unit)
	})
	res.Compiled = got
	res.Verified = true

	switch {
	case wantErr != nil && gotErr != nil && errors.Is(gotErr, rootCause(wantErr)):
		// both faulted the same way: the program's fault, not the compiler's
		return res, wantErr
	case wantErr != nil || gotErr != nil:
		return res, &errors.Fault{
			Kind:     errors.VerificationMismatch,
			Message:  fmt.Sprintf("interpreter error %v, compiled error %v", wantErr, gotErr),
			Function: v.mod.Name(fn),
			IP:       v.mod.Functions[fn].Entry,
		}
	case want != got:
		return res, &errors.Fault{
			Kind:     errors.VerificationMismatch,
			Message:  fmt.Sprintf("interpreter returned %d, compiled returned %d", want, got),
			Function: v.mod.Name(fn),
			IP:       v.mod.Functions[fn].Entry,
		}
	}
	return res, nil
}

// rootCause is the innermost error of err's chain, normally a sentinel.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
