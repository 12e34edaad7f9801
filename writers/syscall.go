package writers

import (
	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/trace"
)

// Syscall translates sys_enter/sys_exit tracepoint pairs into
// enter/leave events keyed by syscall number, tracking which numbers
// were actually used so Finalize can merge just those into the
// trace-global syscall-region mapping (spec.md §4.7).
type Syscall struct {
	tw   *trace.Writer
	used map[int64]bool
}

// NewSyscall returns a Syscall writer for one thread's trace.Writer.
func NewSyscall(tw *trace.Writer) *Syscall {
	return &Syscall{tw: tw, used: map[int64]bool{}}
}

// Enter records a sys_enter tracepoint for the given syscall number.
func (w *Syscall) Enter(ts uint64, number int64) {
	w.used[number] = true
	w.tw.Enter(ts, 0, cctx.Syscall(number))
}

// Exit records the matching sys_exit tracepoint.
func (w *Syscall) Exit(ts uint64) {
	w.tw.Leave(ts, 0)
}

// UsedNumbers returns every syscall number this writer entered at
// least once, for Finalize to merge into the global mapping.
func (w *Syscall) UsedNumbers() []int64 {
	out := make([]int64, 0, len(w.used))
	for n := range w.used {
		out = append(out, n)
	}
	return out
}

// Finalize closes any outstanding enter and merges this writer's used
// syscall numbers into facade's global syscall-context mapping.
func (w *Syscall) Finalize(facade *trace.Facade) map[int64]trace.GlobalSyscallRef {
	w.tw.Leave(w.tw.LastTimestamp(), 0)
	return facade.MergeSyscallContexts(w.used)
}
