package scope

import "github.com/sirupsen/logrus"

// Group maps every observed Execution scope to its containing group
// scope: a Thread maps to its Process, a Process maps to itself, and
// a CPU maps to itself.
//
// REDESIGN FLAG (spec.md §9, "Open Questions"): when AddThread is
// called with a parent process that is not yet known, the source
// assigns the parent thread's own scope as its group, which creates a
// phantom process scope rather than failing the lookup. That behavior
// is preserved here for compatibility with trace consumers that
// expect every thread to resolve to *some* group, but it is exactly
// the behavior flagged for reconsideration: a future revision should
// probably require AddProcess before AddThread and reject the
// orphaned case instead of silently synthesizing a phantom group.
type Group struct {
	log     logrus.FieldLogger
	group   map[Execution]Execution
	thread  map[Execution]bool
	unknown Execution
}

// NewGroup constructs an empty Group. Unknown-thread lookups (see
// GroupOf) return Process(0), matching the sentinel the source
// returns for a thread it has never observed.
func NewGroup(log logrus.FieldLogger) *Group {
	return &Group{
		log:     log,
		group:   make(map[Execution]Execution),
		thread:  make(map[Execution]bool),
		unknown: Process(0),
	}
}

// AddProcess records that process exists and is its own group.
func (g *Group) AddProcess(process Execution) {
	g.group[process] = process
}

// AddCPU records that cpu exists and is its own group.
func (g *Group) AddCPU(cpu Execution) {
	g.group[cpu] = cpu
}

// AddThread records that thread belongs to parent. If parent has not
// been added yet (via AddProcess or a prior AddThread), parent is
// treated as its own group and a warning is logged: see the
// REDESIGN FLAG on Group.
func (g *Group) AddThread(thread, parent Execution) {
	g.thread[thread] = true
	if _, ok := g.group[parent]; !ok {
		g.log.WithFields(logrus.Fields{
			"thread": thread,
			"parent": parent,
		}).Warn("scope group: thread added with unknown parent; treating parent as its own group")
		g.group[parent] = parent
	}
	g.group[thread] = g.group[parent]
}

// GroupOf returns the containing group scope for scope. Unknown
// threads resolve to the sentinel Process(0); unknown processes and
// CPUs resolve to themselves, matching the invariant that every
// process/CPU is its own group.
func (g *Group) GroupOf(e Execution) Execution {
	if group, ok := g.group[e]; ok {
		return group
	}
	if e.Kind == KindThread {
		return g.unknown
	}
	return e
}

// IsThread reports whether scope was added via AddThread.
func (g *Group) IsThread(e Execution) bool {
	return g.thread[e]
}
