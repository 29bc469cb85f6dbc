package vm

import (
	"sync"
	"unsafe"

	"mplx/pkg/errors"
	"mplx/pkg/jit"
)

// Compiled code calls back into Go through one process-wide native
// callback. The state block pointer it receives identifies the VM.
var (
	trampolineOnce sync.Once
	trampolineAddr uintptr

	registryMu sync.Mutex
	registry   = map[uintptr]*VM{}
)

func trampoline() uintptr {
	trampolineOnce.Do(func() {
		trampolineAddr = jit.NewTrampoline(runtimeCall)
	})
	return trampolineAddr
}

func register(v *VM) {
	registryMu.Lock()
	registry[v.stateAddr()] = v
	registryMu.Unlock()
}

func unregister(v *VM) {
	registryMu.Lock()
	delete(registry, v.stateAddr())
	registryMu.Unlock()
}

func lookup(state uintptr) *VM {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[state]
}

// runtimeCall is the body of the trampoline: invoke callee on behalf of
// compiled code and hand back its result. Any failure stores FaultTop so
// the native caller unwinds; the error itself waits in v.fault.
func runtimeCall(state, callee uintptr) (result uintptr) {
	v := lookup(state)
	if v == nil {
		// the state block lives in an arena that outlives its registration
		(*jit.StateBlock)(unsafe.Pointer(state)).Top = jit.FaultTop
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			v.fault = errors.Faultf(errors.RuntimeFault, "panic in runtime call: %v", r)
			v.state.Top = jit.FaultTop
			result = 0
		}
	}()

	v.stats.TrampolineCalls++
	if uint64(callee) >= uint64(len(v.mod.Functions)) {
		v.fault = v.faultAt(v.ip, errors.ErrFunctionIndex, "callee %d", callee)
		v.state.Top = jit.FaultTop
		return 0
	}
	res, err := v.invoke(uint32(callee))
	if err != nil {
		v.fault = err
		v.state.Top = jit.FaultTop
		return 0
	}
	return uintptr(res)
}
