package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutList(t *testing.T) {
	s := openTemp(t)
	fib := blake2b.Sum256([]byte("fib"))
	other := blake2b.Sum256([]byte("other"))
	start := time.Unix(1700000000, 0)

	var want []Record
	for i := 0; i < 3; i++ {
		r := Record{
			Module:   fib,
			Entry:    "main",
			Args:     []int64{int64(i)},
			Mode:     "auto",
			Result:   int64(i * 10),
			Stats:    Stats{Steps: uint64(i), Compiled: 1},
			Started:  start.Add(time.Duration(2-i) * time.Second),
			Duration: time.Millisecond,
		}
		if err := s.Put(&r); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if r.ID == uuid.Nil {
			t.Fatal("Put did not assign an id")
		}
		want = append([]Record{r}, want...)
	}
	if err := s.Put(&Record{Module: other, Entry: "main", Fault: "division by zero", Started: start}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.List(fib)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// oldest first, and nothing from the other module
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	faults, err := s.List(other)
	if err != nil || len(faults) != 1 || faults[0].Fault != "division by zero" {
		t.Errorf("List(other) = %+v, %v", faults, err)
	}
}

func TestGet(t *testing.T) {
	s := openTemp(t)
	r := Record{ID: uuid.New(), Entry: "fib", Mode: "on", Result: 610, Started: time.Unix(5, 0)}
	if err := s.Put(&r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := s.Get(r.ID)
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if diff := cmp.Diff(r, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	if _, found, err := s.Get(uuid.New()); found || err != nil {
		t.Errorf("Get(unknown) = %v, %v; want not found", found, err)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"run/ab/", "run/ab0"},
		{"a\xff", "b"},
	}
	for _, tt := range tests {
		if got := string(prefixEnd([]byte(tt.in))); got != tt.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := prefixEnd([]byte{0xff}); got != nil {
		t.Errorf("prefixEnd(ff) = %x, want nil", got)
	}
}
