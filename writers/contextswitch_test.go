package writers

import (
	"testing"

	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

// TestSwitchSequenceReentersSameRegion exercises the literal switch
// sequence scenario's core claim — that the thread's region reference
// is identical across repeated switch-in calls, since cctx.Tree
// dedupes identical Context values onto the same node regardless of
// how many times the thread is scheduled in and out.
func TestSwitchSequenceReentersSameRegion(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	tw := f.SampleWriterFor(scope.CPU(0))
	w := NewContextSwitch(tw)
	thread := cctx.Thread(scope.Thread(7))

	w.SwitchWithPriority(true, 20, 0, 7, 1)
	w.SwitchWithPriority(false, 30, 0, 7, 1)
	w.SwitchWithPriority(true, 40, 0, 7, 1)

	// The tree has exactly one Thread(7) node: root + that one child.
	tree := tw.Tree()
	if tree.Len() != 2 {
		t.Fatalf("tree has %d nodes, want 2 (root + single Thread(7) node)", tree.Len())
	}
	if tree.Context(cctx.Ref(1)) != thread {
		t.Fatalf("node 1 = %v, want %v", tree.Context(cctx.Ref(1)), thread)
	}
}

func TestSwitchSuppressesIdleUnlessPrioritized(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	tw := f.SampleWriterFor(scope.CPU(0))
	w := NewContextSwitch(tw)

	w.SwitchWithPriority(true, 10, 0, 0, 0) // idle, default priority: suppressed
	if len(w.open) != 0 {
		t.Fatalf("idle switch-in at priority 0 should be suppressed")
	}

	w.SwitchWithPriority(true, 20, 0, 0, 5) // idle, elevated priority: not suppressed
	if !w.open[0] {
		t.Fatalf("idle switch-in at nonzero priority should not be suppressed")
	}
}
