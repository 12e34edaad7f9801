package cctx

import (
	"testing"

	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/scope"
)

// TestWriterSampleBuildsRootToLeafPath is the literal scenario:
// ips=[kernel_marker, 0xB, 0xA, user_marker, 0xC] produces
// Root -> Sample(0xC) -> Sample(0xA) -> Sample(0xB), markers ignored.
func TestWriterSampleBuildsRootToLeafPath(t *testing.T) {
	w := NewWriter()
	ips := []uint64{perffile.CallchainKernel, 0xB, 0xA, perffile.CallchainUser, 0xC}

	leaf := w.Sample(ips)

	tree := w.Tree()
	if tree.Context(leaf) != Sample(0xB) {
		t.Fatalf("leaf context = %v, want Sample(0xB)", tree.Context(leaf))
	}
	mid, ok := tree.Parent(leaf)
	if !ok || tree.Context(mid) != Sample(0xA) {
		t.Fatalf("leaf's parent = %v, want Sample(0xA)", tree.Context(mid))
	}
	top, ok := tree.Parent(mid)
	if !ok || tree.Context(top) != Sample(0xC) {
		t.Fatalf("mid's parent = %v, want Sample(0xC)", tree.Context(top))
	}
	root, ok := tree.Parent(top)
	if !ok || root != RootRef {
		t.Fatalf("top's parent = %v, want the root ref", root)
	}
}

func TestWriterSampleWithoutMarkersSharesNodesAcrossSamples(t *testing.T) {
	w := NewWriter()
	leaf1 := w.Sample([]uint64{0xA, 0xB})
	leaf2 := w.Sample([]uint64{0xA, 0xB})
	if leaf1 != leaf2 {
		t.Fatalf("identical stacks produced different leaf refs: %d, %d", leaf1, leaf2)
	}
	if w.Tree().Len() != 3 { // root + 0xB + 0xA
		t.Fatalf("tree has %d nodes, want 3 (no duplicate allocation)", w.Tree().Len())
	}
}

func TestEnterReentersSameRefWhenContextUnchanged(t *testing.T) {
	w := NewWriter()
	thread := Thread(scope.Thread(7))

	ref1, left1 := w.Enter(0, thread)
	if left1 != 0 {
		t.Fatalf("first enter left %d levels, want 0", left1)
	}
	ref2, left2 := w.Enter(0, thread)
	if left2 != 0 {
		t.Fatalf("re-entering the same context at the same level closed %d levels, want 0", left2)
	}
	if ref1 != ref2 {
		t.Fatalf("re-entering the same context returned a different ref: %d != %d", ref1, ref2)
	}
}

func TestEnterClosesMismatchedLevelsBeforeDescending(t *testing.T) {
	w := NewWriter()
	w.Enter(0, Thread(scope.Thread(7)))
	w.Enter(1, Sample(0x100))

	_, left := w.Enter(1, Sample(0x200))
	if left != 1 {
		t.Fatalf("left = %d, want 1 (level 1's old context closed)", left)
	}
	if w.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", w.Depth())
	}
}

func TestLeaveClosesEverythingFromLevelOn(t *testing.T) {
	w := NewWriter()
	w.Enter(0, Thread(scope.Thread(7)))
	w.Enter(1, Sample(0x100))
	w.Enter(2, Sample(0x200))

	left := w.Leave(1)
	if left != 2 {
		t.Fatalf("left = %d, want 2", left)
	}
	if w.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", w.Depth())
	}
}

func TestMergeAssignsDenseGlobalRefsInFirstObservationOrder(t *testing.T) {
	w1 := NewWriter()
	w1.Sample([]uint64{0xA, 0xB}) // Root -> B -> A  (A deepest)

	w2 := NewWriter()
	w2.Sample([]uint64{0xA, 0xB}) // same path, different local tree
	w2.Sample([]uint64{0xC, 0xB}) // Root -> B -> C, new leaf only

	m := NewMerger()
	map1 := m.Merge(w1.Tree())
	map2 := m.Merge(w2.Tree())

	// w1's Root->B->A should map onto the same globals as w2's Root->B->A.
	w1Leaf := map1[w1.Sample([]uint64{0xA, 0xB})]
	w2Leaf := map2[w2.Sample([]uint64{0xA, 0xB})]
	if w1Leaf != w2Leaf {
		t.Fatalf("identical local paths from different writers merged to different globals: %d != %d", w1Leaf, w2Leaf)
	}

	// Root, Sample(B), Sample(A), Sample(C) => 4 distinct globals.
	if m.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", m.Count())
	}
}
