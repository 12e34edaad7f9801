// Package demux dispatches decoded perffile.Records to a Handler,
// matching each record's tag to exactly one handler method (spec.md
// §4.4, Event Demultiplexer, component C3).
//
// A Demux carries no state of its own: ordering is guaranteed only
// within a single reader feeding it records in producer order, and
// merging that order across readers is multireader's job (C9), not
// this package's.
package demux

import "github.com/nodescope/nodescope/perffile"

// Handler receives demultiplexed records. Embed NopHandler to pick up
// no-op defaults for methods a particular writer doesn't care about.
type Handler interface {
	OnSample(ts uint64, tid int, cpu uint32, ip []uint64, groupValues []perffile.Count)
	OnMmap(pid, tid int, addr, length, pgoff uint64, filename string)
	OnComm(pid, tid int, name string)
	OnExit(tid int)
	OnFork(parent, child int)
	OnSwitch(in bool, ts uint64, pid, tid int)
	OnLost(count uint64)
}

// NopHandler implements Handler with every method a no-op, so a writer
// that only cares about a couple of record types can embed it and
// override the rest.
type NopHandler struct{}

func (NopHandler) OnSample(uint64, int, uint32, []uint64, []perffile.Count) {}
func (NopHandler) OnMmap(int, int, uint64, uint64, uint64, string)          {}
func (NopHandler) OnComm(int, int, string)                                 {}
func (NopHandler) OnExit(int)                                              {}
func (NopHandler) OnFork(int, int)                                         {}
func (NopHandler) OnSwitch(bool, uint64, int, int)                         {}
func (NopHandler) OnLost(uint64)                                           {}

// Dispatch routes rec to the matching method on h. Record types with
// no entry in spec.md's handler table (throttle, aux, namespaces, the
// unknown catch-all, ...) are silently dropped, mirroring the
// original's default-ignore record visitor.
func Dispatch(h Handler, rec perffile.Record) {
	switch r := rec.(type) {
	case *perffile.RecordSample:
		ips := r.Callchain
		if len(ips) == 0 {
			ips = []uint64{r.IP}
		}
		h.OnSample(r.Time, r.TID, r.CPU, ips, r.SampleRead)
	case *perffile.RecordMmap:
		h.OnMmap(r.PID, r.TID, r.Addr, r.Len, r.FileOffset, r.Filename)
	case *perffile.RecordComm:
		h.OnComm(r.PID, r.TID, r.Comm)
	case *perffile.RecordExit:
		h.OnExit(r.TID)
	case *perffile.RecordFork:
		h.OnFork(r.PPID, r.PID)
	case *perffile.RecordSwitch:
		h.OnSwitch(!r.Out, r.Time, r.PID, r.TID)
	case *perffile.RecordSwitchCPUWide:
		h.OnSwitch(!r.Out, r.Time, r.SwitchPID, r.SwitchTID)
	case *perffile.RecordLost:
		h.OnLost(r.NumLost)
	}
}
