package cctx

import "github.com/nodescope/nodescope/perffile"

// isMarker reports whether ip is one of the PERF_CONTEXT_* sentinel
// values perf inserts into a callchain to mark a transition between
// stacks (kernel/user/guest/hypervisor), rather than a real
// instruction pointer.
func isMarker(ip uint64) bool {
	switch ip {
	case perffile.CallchainHV, perffile.CallchainKernel, perffile.CallchainUser,
		perffile.CallchainGuest, perffile.CallchainGuestKernel, perffile.CallchainGuestUser:
		return true
	}
	return false
}

// Writer is one monitor's calling-context state: the tree it is
// building plus the stack of enter()ed levels currently open. A
// writer owns exactly one Writer/Tree pair; cross-writer merging
// happens once, at finalize, via Merge.
type Writer struct {
	tree  *Tree
	stack []Ref
}

// NewWriter returns a Writer with a fresh, Root-only Tree.
func NewWriter() *Writer {
	return &Writer{tree: NewTree()}
}

// Tree exposes the underlying tree, e.g. for Merge at finalize.
func (w *Writer) Tree() *Tree { return w.tree }

// Depth reports how many levels are currently open (entered but not
// yet left).
func (w *Writer) Depth() int { return len(w.stack) }

// Enter navigates from the writer's current position at level toward
// a child tagged ctx, allocating one if it doesn't exist. If the
// stack already holds a different context at level, everything from
// level on is first left (truncated) before descending into ctx; left
// reports how many levels were closed this way, which the caller
// (typically a writer emitting trace events) must translate into that
// many leave events at the sample's timestamp before the enter event.
func (w *Writer) Enter(level int, ctx Context) (ref Ref, left int) {
	if level < len(w.stack) && w.tree.Context(w.stack[level]) == ctx {
		return w.stack[level], 0
	}
	if level < len(w.stack) {
		left = len(w.stack) - level
		w.stack = w.stack[:level]
	}
	parent := RootRef
	if level > 0 {
		parent = w.stack[level-1]
	}
	ref = w.tree.Descend(parent, ctx)
	w.stack = append(w.stack, ref)
	return ref, left
}

// Leave closes every level from level on, returning how many were
// closed. The caller emits one leave event per closed level.
func (w *Writer) Leave(level int) (left int) {
	if level >= len(w.stack) {
		return 0
	}
	left = len(w.stack) - level
	w.stack = w.stack[:level]
	return left
}

// Sample descends the tree for one stack sample. ips is in the
// perf_event callchain's own order: innermost frame first, markers
// (isMarker) interleaved wherever the stack transitions between
// kernel/user/guest. Building a root-to-leaf path requires walking
// ips back to front — the outermost real frame is the one closest to
// Root — so Sample processes the slice in reverse, skipping markers,
// and returns the ref of the deepest (innermost) node reached, which
// is what the calling-context-sample event references.
func (w *Writer) Sample(ips []uint64) Ref {
	cur := RootRef
	for i := len(ips) - 1; i >= 0; i-- {
		if isMarker(ips[i]) {
			continue
		}
		cur = w.tree.Descend(cur, Sample(ips[i]))
	}
	return cur
}
