package writers

import (
	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/demux"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/trace"
)

// ContextSwitch is the CPU-wide switch writer: it emits a thread
// region enter on switch-in and leave on switch-out. The idle task
// (pid 0) is suppressed unless it was scheduled at a nonzero realtime
// priority (an idle-at-elevated-priority sample is unusual enough to
// be worth keeping), per spec.md §4.7.
type ContextSwitch struct {
	demux.NopHandler

	tw   *trace.Writer
	open map[int]bool // tid -> whether its region is currently open
}

// NewContextSwitch returns a ContextSwitch writer for one CPU's
// trace.Writer.
func NewContextSwitch(tw *trace.Writer) *ContextSwitch {
	return &ContextSwitch{tw: tw, open: map[int]bool{}}
}

// OnSwitch implements demux.Handler for the plain (priority-less)
// dispatch path: idle (tid 0) is always suppressed here, since
// priority isn't available from a bare perf_event switch record. Use
// SwitchWithPriority directly when driving from a sched_switch
// tracepoint that carries prio.
func (w *ContextSwitch) OnSwitch(in bool, ts uint64, pid, tid int) {
	w.SwitchWithPriority(in, ts, pid, tid, 0)
}

// SwitchWithPriority is the richer entry point used when the monitor
// has sched_switch tracepoint fields available, so idle-at-priority
// is not suppressed.
func (w *ContextSwitch) SwitchWithPriority(in bool, ts uint64, pid, tid, priority int) {
	if tid == 0 && priority == 0 {
		return
	}
	if in {
		w.tw.Enter(ts, 0, cctx.Thread(scope.Thread(int64(tid))))
		w.open[tid] = true
		return
	}
	if w.open[tid] {
		w.tw.Leave(ts, 0)
		delete(w.open, tid)
	}
}
