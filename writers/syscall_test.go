package writers

import (
	"testing"

	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

func TestSyscallTracksUsedNumbersAndMergesGlobally(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	w1 := NewSyscall(f.SampleWriterFor(scope.Thread(1)))
	w1.Enter(10, 1) // read
	w1.Exit(15)
	w1.Enter(20, 2) // write
	w1.Exit(25)

	w2 := NewSyscall(f.SampleWriterFor(scope.Thread(2)))
	w2.Enter(30, 2) // write again, same number as w1 used
	w2.Exit(35)

	m1 := w1.Finalize(f)
	m2 := w2.Finalize(f)

	if m1[2] != m2[2] {
		t.Fatalf("syscall number 2 merged to different global refs: %v vs %v", m1[2], m2[2])
	}
	if len(m1) != 2 {
		t.Fatalf("w1 used %d numbers, want 2", len(m1))
	}
	if len(m2) != 1 {
		t.Fatalf("w2 used %d numbers, want 1", len(m2))
	}
}
