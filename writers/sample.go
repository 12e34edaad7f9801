// Package writers implements the C6 writers from spec.md §4.7: the
// handlers that turn demultiplexed records into calling-context
// tree/trace events for one measurement scope each.
package writers

import (
	"fmt"

	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/counters"
	"github.com/nodescope/nodescope/demux"
	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/trace"
	"github.com/nodescope/nodescope/trace/archive"
)

// Sample translates instruction-pointer samples into enter/sample/
// leave events for one thread. On the first sample or switch-in it
// opens a top-level Process(p) context (looked up via group, since
// the thread's owning process is fixed for the writer's lifetime);
// above that it opens/closes a Thread(t) context across switch
// in/out, and every sample descends from there.
//
// Every sample also carries a grouped, multiplex-scaled counter
// readout (spec.md §4.5, Counter Buffer, component C4); buf
// accumulates it across samples and the scaled totals are emitted as
// metric events alongside the sample itself, on the same thread's
// metric-scoped writer.
type Sample struct {
	demux.NopHandler

	tw     *trace.Writer
	thread scope.Execution
	group  *scope.Group
	facade *trace.Facade

	procOpen   bool
	threadOpen bool

	metric  *trace.Writer
	buf     *counters.Buffer
	classes []archive.MetricClassRef
}

// NewSample returns a Sample writer for thread, resolving its owning
// process through group on first use. facade is used to lazily
// acquire the metric-scoped writer and class definitions the first
// sample carrying a nonempty counter readout needs.
func NewSample(tw *trace.Writer, thread scope.Execution, group *scope.Group, facade *trace.Facade) *Sample {
	return &Sample{tw: tw, thread: thread, group: group, facade: facade}
}

// recordCounters feeds read through the Counter Buffer and emits each
// scaled running total as a metric event at ts, allocating the buffer
// and the per-counter metric classes on the first nonempty read.
func (w *Sample) recordCounters(ts uint64, read []perffile.Count) {
	if len(read) == 0 {
		return
	}
	if w.buf == nil {
		w.buf = counters.NewBuffer(len(read))
		w.metric = w.facade.MetricWriterFor("counters", w.thread)
		w.classes = make([]archive.MetricClassRef, len(read))
		for i := range w.classes {
			w.classes[i] = w.facade.MetricClassFor(fmt.Sprintf("counter%d", i))
		}
	}
	w.buf.Update(read)
	for i, v := range w.buf.Accumulated() {
		w.metric.Metric(ts, w.classes[i], v)
	}
}

func (w *Sample) ensureProcess(ts uint64) {
	if w.procOpen {
		return
	}
	proc := w.group.GroupOf(w.thread)
	w.tw.Enter(ts, 0, cctx.Process(proc))
	w.procOpen = true
}

func (w *Sample) ensureThread(ts uint64) {
	w.ensureProcess(ts)
	if w.threadOpen {
		return
	}
	w.tw.Enter(ts, 1, cctx.Thread(w.thread))
	w.threadOpen = true
}

// OnSample implements demux.Handler.
func (w *Sample) OnSample(ts uint64, tid int, cpu uint32, ip []uint64, groupValues []perffile.Count) {
	w.ensureThread(ts)
	w.tw.Sample(ts, ip)
	w.recordCounters(ts, groupValues)
}

// OnSwitch implements demux.Handler: switch-in re-enters the thread's
// calling context (level 1); switch-out leaves back down to the
// process level, per spec.md §4.7's Sample writer description.
func (w *Sample) OnSwitch(in bool, ts uint64, pid, tid int) {
	w.ensureProcess(ts)
	if in {
		w.tw.Enter(ts, 1, cctx.Thread(w.thread))
		w.threadOpen = true
		return
	}
	w.tw.Leave(ts, 1)
	w.threadOpen = false
}

// Finalize closes any outstanding enters at the writer's last observed
// timestamp, per spec.md §4.6's calling-context merge invariant.
func (w *Sample) Finalize() {
	w.tw.Leave(w.tw.LastTimestamp(), 0)
}
