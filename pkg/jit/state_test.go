package jit

import (
	"testing"
	"unsafe"
)

func TestStateBlockLayout(t *testing.T) {
	var s StateBlock
	offsets := []struct {
		name      string
		got, want uintptr
	}{
		{"StackBase", unsafe.Offsetof(s.StackBase), StateStackBaseOffset},
		{"Top", unsafe.Offsetof(s.Top), StateTopOffset},
		{"Base", unsafe.Offsetof(s.Base), StateBaseOffset},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("offset of %s = %d, want %d", o.name, o.got, o.want)
		}
	}
	if size := unsafe.Sizeof(s); size != StateBlockSize {
		t.Errorf("StateBlock size = %d, want %d", size, StateBlockSize)
	}
}
