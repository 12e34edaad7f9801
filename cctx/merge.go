package cctx

import "fmt"

// GlobalRef is a node reference in the trace-wide merged ref space,
// distinct from a Ref, which is only unique within one writer's local
// Tree.
type GlobalRef uint64

// Merger accumulates local trees from every writer as they finalize
// and renumbers them into a single dense global ref space, in the
// order each distinct context path is first observed across all
// writers.
type Merger struct {
	byPath map[string]GlobalRef
	next   GlobalRef
}

// NewMerger returns an empty Merger.
func NewMerger() *Merger {
	return &Merger{byPath: map[string]GlobalRef{}}
}

// Merge folds t's nodes into the global space and returns a mapping
// from t's local Refs to their GlobalRef. Two trees that each have a
// Root -> Process(7) -> Sample(0xC) path collapse onto the same three
// global refs; a tree's root always maps first (ref 0 in t), so the
// traversal order already visits parents before children, matching
// the "order of first observation" merge rule.
func (m *Merger) Merge(t *Tree) map[Ref]GlobalRef {
	out := make(map[Ref]GlobalRef, t.Len())
	paths := make(map[Ref]string, t.Len())
	for r := Ref(0); int(r) < t.Len(); r++ {
		var path string
		if parent, ok := t.Parent(r); ok {
			path = paths[parent] + "/" + contextKey(t.Context(r))
		} else {
			path = contextKey(t.Context(r))
		}
		paths[r] = path

		g, ok := m.byPath[path]
		if !ok {
			g = m.next
			m.byPath[path] = g
			m.next++
		}
		out[r] = g
	}
	return out
}

// Count reports how many distinct global refs have been allocated so
// far.
func (m *Merger) Count() int { return int(m.next) }

func contextKey(c Context) string {
	// A string key is sufficient here (merging happens once, at
	// finalize, off the hot path) and sidesteps hand-rolling a
	// composite-struct hash; the Context fields that matter for a
	// given Tag are exactly the ones interpolated below.
	switch c.Tag {
	case TagRoot:
		return "root"
	case TagSample:
		return fmt.Sprintf("sample:%#x", c.Addr)
	case TagProcess:
		return fmt.Sprintf("process:%s", c.Exec)
	case TagThread:
		return fmt.Sprintf("thread:%s", c.Exec)
	case TagCuda:
		return fmt.Sprintf("cuda:%#x", c.CudaID)
	case TagOpenmp:
		return fmt.Sprintf("openmp:%#x:%#x", c.Openmp.Region, c.Openmp.ParallelID)
	case TagSyscall:
		return fmt.Sprintf("syscall:%d", c.Syscall)
	}
	return "unknown"
}
