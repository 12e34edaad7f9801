// Package trace implements the trace façade (spec.md §4.12,
// component C12): a single mutex-guarded object owning OTF-style
// definitions (locations, regions, metric classes, calling-context
// nodes) and handing out single-owner Writers to acquire them.
//
// The on-disk archive format itself (spec.md §6, "Trace archive") is
// an OTF2-style directory tree written by a C archiver library with
// no Go binding anywhere in the retrieval pack (no pack repo imports
// an OTF2-compatible trace library — the only references to it are in
// the original C++ sources this spec was distilled from). Archive
// writes here go through archive.Writer, an internal stand-in kept
// deliberately narrow: one append-only event log per location plus a
// handful of definition tables, built on encoding/gob the way the
// teacher corpus reaches for gob when no external wire-format library
// fits (see DESIGN.md).
package trace

import (
	"strconv"
	"sync"

	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace/archive"
)

// Facade owns every definition table and hands out Writers. It is
// safe for concurrent Writer acquisition; once acquired, a Writer is
// single-producer and must not be shared across goroutines.
type Facade struct {
	mu   sync.Mutex
	arc  *archive.Writer
	merg *cctx.Merger
	conv timeconv.Converter

	regions  map[string]archive.RegionRef
	metrics  map[string]archive.MetricClassRef
	writers  map[string]*Writer
	sysNodes map[scope.Execution]archive.LocationRef
	syscalls map[int64]GlobalSyscallRef
}

// Open creates a Facade writing its archive under dir. Every timestamp
// that later reaches a Writer's emit methods is a raw kernel perf-clock
// reading; conv is the fixed kernel-to-wall-clock offset (spec.md §4.1,
// component C1) every one of them is converted through before it is
// written, giving the whole archive the "common time base" spec.md §1
// requires.
func Open(dir string, conv timeconv.Converter) (*Facade, error) {
	arc, err := archive.Create(dir)
	if err != nil {
		return nil, err
	}
	return &Facade{
		arc:      arc,
		merg:     cctx.NewMerger(),
		conv:     conv,
		regions:  map[string]archive.RegionRef{},
		metrics:  map[string]archive.MetricClassRef{},
		writers:  map[string]*Writer{},
		sysNodes: map[scope.Execution]archive.LocationRef{},
	}, nil
}

// locationFor returns (allocating if necessary) the archive location
// for a scope, deduplicated by value per spec.md §4.12.
func (f *Facade) locationFor(s scope.Execution) archive.LocationRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.sysNodes[s]; ok {
		return ref
	}
	ref := f.arc.DefineLocation(s.String())
	f.sysNodes[s] = ref
	return ref
}

// writerFor returns the single Writer for key, constructing one with
// newCctx's tree if this is the first acquisition. Acquisition itself
// is serialized by the façade mutex; the returned Writer is then
// single-owner.
func (f *Facade) writerFor(key string, loc archive.LocationRef) *Writer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.writers[key]; ok {
		return w
	}
	w := &Writer{
		facade: f,
		loc:    loc,
		cctx:   cctx.NewWriter(),
	}
	f.writers[key] = w
	return w
}

// SampleWriterFor returns the single Writer for a sample scope.
func (f *Facade) SampleWriterFor(s scope.Execution) *Writer {
	return f.writerFor("sample:"+s.String(), f.locationFor(s))
}

// SwitchWriterFor returns the single Writer used by a CPU-wide
// context-switch writer for scope s (always a Cpu scope in practice).
func (f *Facade) SwitchWriterFor(s scope.Execution) *Writer {
	return f.writerFor("switch:"+s.String(), f.locationFor(s))
}

// BioWriter returns the single Writer for a block device, keyed by
// its kernel device id. Devices aren't an ExecutionScope variant, so
// the location is allocated directly rather than through locationFor.
func (f *Facade) BioWriter(device uint32) *Writer {
	key := "bio:" + strconv.FormatUint(uint64(device), 10)
	f.mu.Lock()
	if w, ok := f.writers[key]; ok {
		f.mu.Unlock()
		return w
	}
	loc := f.arc.DefineLocation(key)
	f.mu.Unlock()
	return f.writerFor(key, loc)
}

// MetricWriterFor returns the single Writer used to emit a named
// metric class, creating the class definition on first use.
func (f *Facade) MetricWriterFor(name string, s scope.Execution) *Writer {
	f.mu.Lock()
	if _, ok := f.metrics[name]; !ok {
		f.metrics[name] = f.arc.DefineMetricClass(name)
	}
	f.mu.Unlock()
	return f.writerFor("metric:"+name+":"+s.String(), f.locationFor(s))
}

// MetricClassFor returns the MetricClassRef for name, defining it if
// this is the first caller to name it, deduplicated by value the same
// way MetricWriterFor's own definition is.
func (f *Facade) MetricClassFor(name string) archive.MetricClassRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.metrics[name]; ok {
		return ref
	}
	ref := f.arc.DefineMetricClass(name)
	f.metrics[name] = ref
	return ref
}

// internRegion deduplicates region names by value across every writer
// sharing this façade (spec.md §4.12: "Definitions are deduplicated by
// value").
func (f *Facade) internRegion(name string) archive.RegionRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.regions[name]; ok {
		return ref
	}
	ref := f.arc.DefineRegion(name)
	f.regions[name] = ref
	return ref
}

// MergeTIDs merges every sample Writer's local calling-context tree
// into the façade's global ref space, returning the per-writer
// local-to-global mapping the trace reader needs. Call once, after
// every writer has finalized.
func (f *Facade) MergeTIDs() map[*Writer]map[cctx.Ref]cctx.GlobalRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[*Writer]map[cctx.Ref]cctx.GlobalRef, len(f.writers))
	for _, w := range f.writers {
		out[w] = f.merg.Merge(w.cctx.Tree())
	}
	return out
}

// GlobalSyscallRef is a dense id in the trace-global syscall-region
// mapping, distinct from the raw kernel syscall number.
type GlobalSyscallRef uint64

// MergeSyscallContexts folds a set of syscall numbers a writer used
// into the façade's global syscall-region mapping, allocating a fresh
// GlobalSyscallRef for any number not seen by an earlier writer's
// finalize (spec.md §4.7's Syscall writer, §4.12's merge_syscall_contexts).
func (f *Facade) MergeSyscallContexts(used map[int64]bool) map[int64]GlobalSyscallRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syscalls == nil {
		f.syscalls = map[int64]GlobalSyscallRef{}
	}
	out := make(map[int64]GlobalSyscallRef, len(used))
	for n := range used {
		ref, ok := f.syscalls[n]
		if !ok {
			ref = GlobalSyscallRef(len(f.syscalls))
			f.syscalls[n] = ref
		}
		out[n] = ref
	}
	return out
}

// Close flushes and closes the underlying archive. Call after
// MergeTIDs.
func (f *Facade) Close() error {
	return f.arc.Close()
}
