// Package cctx implements the per-writer calling-context tree
// (spec.md §4.6, component C5): each writer builds its own tree in
// arena storage to avoid cross-thread synchronization on the hot
// sample path, and the trees are merged into a single globally
// renumbered space only at finalize.
package cctx

import "github.com/nodescope/nodescope/scope"

// Tag discriminates the variant held by a Context.
type Tag uint8

const (
	TagRoot Tag = iota
	TagSample
	TagProcess
	TagThread
	TagCuda
	TagOpenmp
	TagSyscall
)

// OmpDescriptor identifies an OpenMP region a writer has entered.
type OmpDescriptor struct {
	Region     uint64
	ParallelID uint64
}

// Context is the tagged union key identifying a node's position under
// its parent: {Root, Sample(Address), Process, Thread, Cuda(id),
// Openmp(descriptor), Syscall(number)}. It is comparable, so it can be
// used directly as a map key for child lookup.
type Context struct {
	Tag     Tag
	Addr    uint64
	Exec    scope.Execution
	CudaID  uint64
	Openmp  OmpDescriptor
	Syscall int64
}

func Root() Context                     { return Context{Tag: TagRoot} }
func Sample(addr uint64) Context         { return Context{Tag: TagSample, Addr: addr} }
func Process(p scope.Execution) Context  { return Context{Tag: TagProcess, Exec: p} }
func Thread(t scope.Execution) Context   { return Context{Tag: TagThread, Exec: t} }
func Cuda(kernelID uint64) Context       { return Context{Tag: TagCuda, CudaID: kernelID} }
func Openmp(d OmpDescriptor) Context     { return Context{Tag: TagOpenmp, Openmp: d} }
func Syscall(number int64) Context       { return Context{Tag: TagSyscall, Syscall: number} }

// Ref is a dense, monotonically allocated node identifier, unique
// within one local Tree.
type Ref uint64

// node is stored by value in Tree.nodes; children point back into that
// same arena by Ref rather than by pointer, so the whole tree is a
// flat, easily-merged slice.
type node struct {
	ctx      Context
	parent   Ref
	hasParent bool
	children map[Context]Ref
}

// Tree is one writer's local calling-context tree, rooted at a single
// node tagged Root. It is not safe for concurrent use: each writer
// owns exactly one Tree.
type Tree struct {
	nodes []node
}

// NewTree returns a Tree containing only its Root node (ref 0).
func NewTree() *Tree {
	t := &Tree{}
	t.nodes = append(t.nodes, node{ctx: Root(), children: map[Context]Ref{}})
	return t
}

// RootRef is always 0: the first node allocated by NewTree.
const RootRef Ref = 0

// Context returns the Context a ref is tagged with.
func (t *Tree) Context(r Ref) Context { return t.nodes[r].ctx }

// Parent returns r's parent ref and whether r has one (false only for
// the root).
func (t *Tree) Parent(r Ref) (Ref, bool) { return t.nodes[r].parent, t.nodes[r].hasParent }

// Len reports how many nodes (including the root) the tree holds.
func (t *Tree) Len() int { return len(t.nodes) }

// childOf returns the ref of parent's child tagged ctx, allocating a
// fresh node with the next dense ref if none exists yet.
func (t *Tree) childOf(parent Ref, ctx Context) Ref {
	if r, ok := t.nodes[parent].children[ctx]; ok {
		return r
	}
	r := Ref(len(t.nodes))
	t.nodes = append(t.nodes, node{ctx: ctx, parent: parent, hasParent: true, children: map[Context]Ref{}})
	t.nodes[parent].children[ctx] = r
	return r
}

// Descend walks from parent through ctx, allocating the child if
// necessary, and returns its ref. This is the building block enter and
// sample are both expressed in terms of.
func (t *Tree) Descend(parent Ref, ctx Context) Ref {
	return t.childOf(parent, ctx)
}
