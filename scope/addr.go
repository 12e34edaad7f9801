// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"sort"
)

// AddrRange is a half-open [Start, End) range over 64-bit addresses.
type AddrRange struct {
	Start, End uint64
}

// Contains reports whether addr falls in [r.Start, r.End).
func (r AddrRange) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// Less defines the order AddrRanges sort into so that an AddrRangeMap
// keyed on Range supports point-in-range queries in O(log n): ranges
// are ordered by Start, and ties (which would indicate overlapping
// ranges) are broken by End.
func (r AddrRange) Less(o AddrRange) bool {
	if r.Start != o.Start {
		return r.Start < o.Start
	}
	return r.End < o.End
}

func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Mapping is an executable or JIT region of a process: a Range, the
// page offset of the mapping's start within the backing binary, and
// the binary's name.
type Mapping struct {
	Range      AddrRange
	PgOff      uint64
	BinaryName string
}

// LineInfo is resolved source-level information for an instruction
// address. Symbol resolution itself is an external collaborator (see
// spec.md §1); LineInfo is merely the shape a resolver hands back.
type LineInfo struct {
	File     string
	Function string
	Line     uint32
	DSO      string
}

// UnknownLine synthesizes a LineInfo placeholder of the form
// "?@<hex>" for an address with no resolved symbol, per spec.md §3.
func UnknownLine(addr uint64, dso string) LineInfo {
	return LineInfo{
		Function: fmt.Sprintf("?@%#x", addr),
		DSO:      dso,
	}
}

// AddrRangeMap stores values keyed by non-overlapping AddrRanges and
// supports O(log n) point-in-range lookup once sorted. It is the
// per-process mapping table a Mapping writer mutates as it observes
// mmap records, and the table resolvers.Registry looks addresses up
// against.
type AddrRangeMap struct {
	entries []addrRangeEnt
	sorted  bool
}

type addrRangeEnt struct {
	r   AddrRange
	val interface{}
}

// Add inserts val for r. Add is undefined if r overlaps a range
// already present in the map; callers (the mmap handler) are
// responsible for first removing any overlapping range, mirroring how
// a real mmap/munmap sequence works.
func (m *AddrRangeMap) Add(r AddrRange, val interface{}) {
	m.entries = append(m.entries, addrRangeEnt{r, val})
	m.sorted = false
}

// Remove deletes every entry whose range overlaps r, splitting
// partially-overlapping entries so the remainder of the mapping
// survives — the same munmap semantics perfsession.PIDInfo.munmap
// implements for mmap bookkeeping.
func (m *AddrRangeMap) Remove(r AddrRange) {
	var kept []addrRangeEnt
	for _, e := range m.entries {
		switch {
		case e.r.End <= r.Start || e.r.Start >= r.End:
			// No overlap.
			kept = append(kept, e)
		case r.Start <= e.r.Start && r.End >= e.r.End:
			// e is fully covered; drop it.
		case r.Start > e.r.Start && r.End < e.r.End:
			// r splits e in two.
			kept = append(kept,
				addrRangeEnt{AddrRange{e.r.Start, r.Start}, e.val},
				addrRangeEnt{AddrRange{r.End, e.r.End}, e.val})
		case r.Start <= e.r.Start:
			// r removes the head of e.
			kept = append(kept, addrRangeEnt{AddrRange{r.End, e.r.End}, e.val})
		default:
			// r removes the tail of e.
			kept = append(kept, addrRangeEnt{AddrRange{e.r.Start, r.Start}, e.val})
		}
	}
	m.entries = kept
	m.sorted = false
}

// Get returns the range and value containing addr, if any.
func (m *AddrRangeMap) Get(addr uint64) (AddrRange, interface{}, bool) {
	if m == nil || len(m.entries) == 0 {
		return AddrRange{}, nil, false
	}
	if !m.sorted {
		sort.Slice(m.entries, func(i, j int) bool {
			return m.entries[i].r.Less(m.entries[j].r)
		})
		m.sorted = true
	}
	es := m.entries
	i := sort.Search(len(es), func(i int) bool {
		return addr < es[i].r.End
	})
	if i < len(es) && es[i].r.Contains(addr) {
		return es[i].r, es[i].val, true
	}
	return AddrRange{}, nil, false
}

// Fork returns a structurally-shared snapshot of m for inheritance
// across a fork event: the entry slice is copied (so the child's
// later Add/Remove calls don't mutate the parent's table) but the
// values themselves are not deep-copied.
func (m *AddrRangeMap) Fork() *AddrRangeMap {
	if m == nil {
		return nil
	}
	cp := &AddrRangeMap{
		entries: append([]addrRangeEnt(nil), m.entries...),
		sorted:  m.sorted,
	}
	return cp
}
