// Package resolvers implements the Resolver Registry (spec.md §4.11,
// component C11): per-process function and instruction resolvers,
// inherited copy-on-write on fork, looked up by address range.
//
// perfsession.Symbolize (teacher, vendored under
// _examples/aclements-go-perf/perfsession/symbolize.go) is a single
// flat per-binary symbol table keyed by filename with no per-process
// or fork story at all — this package folds that lookup shape into
// scope.AddrRangeMap (already built for exactly this purpose, see its
// doc comment) to get O(log m) per-process lookup and Fork's
// structural-sharing copy for free.
package resolvers

import (
	"sync"

	"github.com/nodescope/nodescope/scope"
)

// Resolver resolves an instruction address within the range it was
// registered under into source-level information.
type Resolver interface {
	Resolve(addr uint64) (scope.LineInfo, bool)
}

// Registry holds Map<Process, Map<Range, Resolver>> (spec.md §4.11):
// one scope.AddrRangeMap of Resolvers per process, inherited
// copy-on-write by child processes on fork.
type Registry struct {
	mu    sync.Mutex
	procs map[scope.Execution]*scope.AddrRangeMap
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: map[scope.Execution]*scope.AddrRangeMap{}}
}

// Register associates res with rng in proc's map. Idempotent on
// (Process, Range): registering the identical range a second time
// (the mmap handler re-observing the same mapping, e.g. from a
// PERF_RECORD_MMAP2 duplicate) is a no-op rather than a duplicate
// insert.
func (r *Registry) Register(proc scope.Execution, rng scope.AddrRange, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.procs[proc]
	if m == nil {
		m = &scope.AddrRangeMap{}
		r.procs[proc] = m
	}
	if existing, _, ok := m.Get(rng.Start); ok && existing == rng {
		return
	}
	m.Add(rng, res)
}

// Unregister removes whatever is registered under ranges overlapping
// rng in proc's map, mirroring munmap's effect on a process's mapping
// table.
func (r *Registry) Unregister(proc scope.Execution, rng scope.AddrRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.procs[proc]; ok {
		m.Remove(rng)
	}
}

// Resolve looks up the Resolver registered for the range containing
// addr in proc's map and asks it to resolve addr, or reports false if
// proc has no map yet or no range contains addr.
func (r *Registry) Resolve(proc scope.Execution, addr uint64) (scope.LineInfo, bool) {
	r.mu.Lock()
	m := r.procs[proc]
	r.mu.Unlock()
	if m == nil {
		return scope.LineInfo{}, false
	}
	_, val, ok := m.Get(addr)
	if !ok {
		return scope.LineInfo{}, false
	}
	return val.(Resolver).Resolve(addr)
}

// Fork gives child a copy-on-write snapshot of parent's map (spec.md
// §4.11: "the child's map is a copy-on-write snapshot of the
// parent's"). A process with no map yet (never mmap'd, or already
// exited) simply leaves child unregistered.
func (r *Registry) Fork(parent, child scope.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.procs[parent]
	if !ok {
		return
	}
	r.procs[child] = m.Fork()
}

// Exit drops proc's map entirely once its process has exited and no
// further resolution against it is possible.
func (r *Registry) Exit(proc scope.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, proc)
}
