package fleet

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/demux"
	"github.com/nodescope/nodescope/monitor"
	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/perfopen"
	"github.com/nodescope/nodescope/resolvers"
	"github.com/nodescope/nodescope/ringbuf"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/trace"
	"github.com/nodescope/nodescope/writers"
)

// sampleRingbufPages is the number of data pages mapped behind each
// sample monitor's ring buffer.
const sampleRingbufPages = 64

// defaultCyclesAttr describes the hardware cycles counter every scope
// monitor samples by default when Config names no specific events:
// ip/tid/time/callchain/cpu are exactly the fields Sample and the
// calling-context tree need, matching perfopen's own EventAttr usage
// in its doc comment.
func defaultCyclesAttr(samplePeriod uint64) *perffile.EventAttr {
	pageSize := uint32(os.Getpagesize())
	return &perffile.EventAttr{
		Event:        perffile.EventHardwareCPUCycles,
		SamplePeriod: samplePeriod,
		SampleFormat: perffile.SampleFormatIP | perffile.SampleFormatTID |
			perffile.SampleFormatTime | perffile.SampleFormatCallchain |
			perffile.SampleFormatCPU | perffile.SampleFormatRead,
		ReadFormat: perffile.ReadFormatTotalTimeEnabled | perffile.ReadFormatTotalTimeRunning,
		Flags: perffile.EventFlagDisabled | perffile.EventFlagMmap |
			perffile.EventFlagComm | perffile.EventFlagWakeupWatermark,
		WakeupWatermark: uint32(float64(sampleRingbufPages) * float64(pageSize) * ringbuf.WatermarkFraction),
	}
}

// sampleMonitor opens a hardware-cycles sampling event for a single
// Execution scope, pipes it through a ring-buffer reader and a
// perffile.Decoder, and implements demux.Handler itself so it can both
// route samples/switches into a writers.Sample and feed mmap events
// into the resolver registry (spec.md §4.11, component C11),
// all driven by a monitor.PollMonitor waiting on the perf fd.
type sampleMonitor struct {
	fd     int
	ring   *ringbuf.Reader
	dec    *perffile.Decoder
	writer *writers.Sample
	poll   *monitor.PollMonitor
	log    logrus.FieldLogger

	proc scope.Execution
	reg  *resolvers.Registry
}

func newSampleMonitor(s scope.Execution, proc scope.Execution, pid, cpu int, facade *trace.Facade, group *scope.Group, reg *resolvers.Registry, log logrus.FieldLogger) (*sampleMonitor, error) {
	attr := defaultCyclesAttr(4000)
	fd, err := perfopen.Open(attr, perfopen.Options{Pid: pid, CPU: cpu})
	if err != nil {
		return nil, fmt.Errorf("sample monitor %s: %w", s, err)
	}

	ring, err := ringbuf.New(fd, sampleRingbufPages)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sample monitor %s: %w", s, err)
	}

	tw := facade.SampleWriterFor(s)
	sw := writers.NewSample(tw, s, group, facade)

	dec := perffile.NewDecoder([]*perffile.EventAttr{attr}, false)

	sm := &sampleMonitor{fd: fd, ring: ring, dec: dec, writer: sw, log: log, proc: proc, reg: reg}

	pm, err := monitor.NewPollMonitor(s, []int{fd}, sm, 0, nil, sampleLifecycle{fd: fd}, log)
	if err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("sample monitor %s: %w", s, err)
	}
	sm.poll = pm
	return sm, nil
}

// OnFDReady implements monitor.FDHandler: drain every record currently
// mapped and dispatch it into sm itself, which fans out to the Sample
// writer and the resolver registry.
func (sm *sampleMonitor) OnFDReady(fd int) error {
	return sm.ring.Read(func(rec ringbuf.Record) error {
		decoded, err := sm.dec.Decode(rec.Data, 0)
		if err != nil {
			sm.log.WithError(err).Warn("sample monitor: decode failed, skipping record")
			return nil
		}
		demux.Dispatch(sm, decoded)
		return nil
	})
}

// OnSample implements demux.Handler by routing to the Sample writer.
func (sm *sampleMonitor) OnSample(ts uint64, tid int, cpu uint32, ip []uint64, groupValues []perffile.Count) {
	sm.writer.OnSample(ts, tid, cpu, ip, groupValues)
}

// OnSwitch implements demux.Handler by routing to the Sample writer.
func (sm *sampleMonitor) OnSwitch(in bool, ts uint64, pid, tid int) {
	sm.writer.OnSwitch(in, ts, pid, tid)
}

// OnMmap implements demux.Handler by registering an ELFResolver for
// the mapped range against sm's owning process. A binary with no
// usable DWARF info (stripped, a VDSO page, etc.) is logged and
// skipped rather than failing the whole monitor.
func (sm *sampleMonitor) OnMmap(pid, tid int, addr, length, pgoff uint64, filename string) {
	mapping := scope.Mapping{
		Range:      scope.AddrRange{Start: addr, End: addr + length},
		PgOff:      pgoff,
		BinaryName: filename,
	}
	res, err := resolvers.NewELFResolver(mapping)
	if err != nil {
		sm.log.WithError(err).WithField("filename", filename).Debug("sample monitor: no resolver for mapping")
		return
	}
	sm.reg.Register(sm.proc, mapping.Range, res)
}

// OnComm, OnExit, OnFork, OnLost are no-ops here: process-mode fork and
// exit tracking is driven authoritatively off ptrace events in
// RunProcess, which knows real PIDs where demux's RecordExit (tid-only)
// would not; RecordExit/RecordFork are also only emitted when
// EventFlagTask is set, which defaultCyclesAttr does not set.
func (sm *sampleMonitor) OnComm(pid, tid int, name string) {}
func (sm *sampleMonitor) OnExit(tid int)                   {}
func (sm *sampleMonitor) OnFork(parent, child int)         {}
func (sm *sampleMonitor) OnLost(count uint64)              {}

func (sm *sampleMonitor) Start() { sm.poll.Start() }

// Signal requests the underlying poll loop exit without waiting.
func (sm *sampleMonitor) Signal() { sm.poll.Signal() }

// Join waits for the poll loop to exit, then finalizes the Sample
// writer and releases the perf fd and its ring-buffer mapping.
func (sm *sampleMonitor) Join() {
	sm.poll.Join()
	sm.writer.Finalize()
	sm.ring.Close()
	unix.Close(sm.fd)
}

// sampleLifecycle enables the perf event once the monitor's thread is
// pinned and disables it before exit, matching perf's own
// enable-on-dedicated-thread convention.
type sampleLifecycle struct{ fd int }

func (l sampleLifecycle) InitializeThread() error { return perfopen.Enable(l.fd) }
func (l sampleLifecycle) FinalizeThread()         { _ = perfopen.Disable(l.fd) }
