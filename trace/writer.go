package trace

import (
	"strconv"

	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/trace/archive"
)

// Writer is a single-owner handle onto one location's event stream
// plus the calling-context tree that location's samples build up.
// Every C6 writer (sample, block-I/O, context-switch, GPU/OpenMP,
// syscall) drives exactly one trace.Writer.
type Writer struct {
	facade *Facade
	loc    archive.LocationRef
	cctx   *cctx.Writer
	lastTS uint64
}

// clampTS enforces spec.md §5's per-writer monotonicity guarantee:
// timestamps are non-decreasing via max(incoming_ts, last_ts).
func (w *Writer) clampTS(ts uint64) uint64 {
	if ts < w.lastTS {
		ts = w.lastTS
	}
	w.lastTS = ts
	return ts
}

// toTrace converts a raw kernel perf-clock timestamp onto the trace's
// local time axis via the façade's Time Converter (spec.md §4.1) before
// clamping it to this writer's own monotonic sequence. Every emit
// method below routes its incoming ts through this, not clampTS
// directly, so no event is ever written on the kernel's clock.
func (w *Writer) toTrace(kernelTS uint64) uint64 {
	return w.clampTS(uint64(w.facade.conv.ToTrace(kernelTS)))
}

// Tree exposes the writer's local calling-context tree, e.g. so a
// caller can resolve a ref back to a Context for logging.
func (w *Writer) Tree() *cctx.Tree { return w.cctx.Tree() }

// LastTimestamp returns the most recent timestamp observed by this
// writer, used at finalize to close any outstanding enters.
func (w *Writer) LastTimestamp() uint64 { return w.lastTS }

// Enter opens (or re-enters) a calling-context node at level, emitting
// a leave event for each level the existing stack disagreed on before
// emitting the enter itself.
func (w *Writer) Enter(ts uint64, level int, ctx cctx.Context) cctx.Ref {
	ts = w.toTrace(ts)
	ref, left := w.cctx.Enter(level, ctx)
	for i := 0; i < left; i++ {
		w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "leave", TS: ts})
	}
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "enter", TS: ts, Ref: uint64(ref)})
	return ref
}

// Leave closes every open level from level on, emitting one leave
// event per level closed.
func (w *Writer) Leave(ts uint64, level int) {
	ts = w.toTrace(ts)
	left := w.cctx.Leave(level)
	for i := 0; i < left; i++ {
		w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "leave", TS: ts})
	}
}

// Sample descends the calling-context tree for one stack sample and
// emits a calling-context-sample event referencing the deepest node.
func (w *Writer) Sample(ts uint64, ips []uint64) cctx.Ref {
	ts = w.toTrace(ts)
	ref := w.cctx.Sample(ips)
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "sample", TS: ts, Ref: uint64(ref)})
	return ref
}

// Metric emits a single scalar metric-member value.
func (w *Writer) Metric(ts uint64, class archive.MetricClassRef, value uint64) {
	ts = w.toTrace(ts)
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "metric", TS: ts, Ref: value, Class: class})
}

// IOBegin, IOIssued, and IOComplete emit the three block-I/O handle
// events from spec.md §4.7's Block-I/O writer description.
func (w *Writer) IOBegin(ts uint64, offset, size uint64) {
	ts = w.toTrace(ts)
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "io_operation_begin", TS: ts, Ref: offset, Extra: fmtSize(size)})
}

func (w *Writer) IOIssued(ts uint64, offset uint64) {
	ts = w.toTrace(ts)
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "io_operation_issued", TS: ts, Ref: offset})
}

func (w *Writer) IOComplete(ts uint64, offset, size uint64) {
	ts = w.toTrace(ts)
	w.facade.arc.WriteEvent(w.loc, archive.Event{Kind: "io_operation_complete", TS: ts, Ref: offset, Extra: fmtSize(size)})
}

func fmtSize(n uint64) string {
	return "size:" + strconv.FormatUint(n, 10)
}
