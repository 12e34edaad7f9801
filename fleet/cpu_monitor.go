package fleet

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/demux"
	"github.com/nodescope/nodescope/monitor"
	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/perfopen"
	"github.com/nodescope/nodescope/resolvers"
	"github.com/nodescope/nodescope/ringbuf"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/summary"
	"github.com/nodescope/nodescope/trace"
	"github.com/nodescope/nodescope/writers"
)

// cpuMonitor is the per-CPU ScopeMonitor system mode instantiates for
// every online CPU (spec.md §4.9): one CPU-wide cycles event with
// EventFlagContextSwitch set delivers both RecordSample and
// RecordSwitchCPUWide on the same ring buffer, so one poll loop drives
// both a per-thread Sample writer (created lazily per tid observed)
// and the CPU's single ContextSwitch writer.
type cpuMonitor struct {
	fd   int
	ring *ringbuf.Reader
	dec  *perffile.Decoder
	poll *monitor.PollMonitor
	log  logrus.FieldLogger

	facade   *trace.Facade
	group    *scope.Group
	cpuScope scope.Execution
	sw       *writers.ContextSwitch
	reg      *resolvers.Registry
	sum      *summary.Collector

	mu      sync.Mutex
	samples map[int]*writers.Sample
}

func newCPUMonitor(cpu int, facade *trace.Facade, group *scope.Group, reg *resolvers.Registry, sum *summary.Collector, log logrus.FieldLogger) (*cpuMonitor, error) {
	s := scope.CPU(int64(cpu))
	attr := defaultCyclesAttr(4000)
	attr.Flags |= perffile.EventFlagContextSwitch | perffile.EventFlagTask

	fd, err := perfopen.Open(attr, perfopen.Options{Pid: -1, CPU: cpu})
	if err != nil {
		return nil, fmt.Errorf("cpu monitor %s: %w", s, err)
	}
	ring, err := ringbuf.New(fd, sampleRingbufPages)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cpu monitor %s: %w", s, err)
	}

	cm := &cpuMonitor{
		fd:       fd,
		ring:     ring,
		dec:      perffile.NewDecoder([]*perffile.EventAttr{attr}, false),
		log:      log,
		facade:   facade,
		group:    group,
		cpuScope: s,
		sw:       writers.NewContextSwitch(facade.SwitchWriterFor(s)),
		reg:      reg,
		sum:      sum,
		samples:  map[int]*writers.Sample{},
	}

	pm, err := monitor.NewPollMonitor(s, []int{fd}, cm, 0, nil, sampleLifecycle{fd: fd}, log)
	if err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("cpu monitor %s: %w", s, err)
	}
	cm.poll = pm
	return cm, nil
}

func (cm *cpuMonitor) sampleWriter(tid int) *writers.Sample {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if sw, ok := cm.samples[tid]; ok {
		return sw
	}
	thread := scope.Thread(int64(tid))
	sw := writers.NewSample(cm.facade.SampleWriterFor(thread), thread, cm.group, cm.facade)
	cm.samples[tid] = sw
	cm.sum.RecordThread(int64(tid))
	return sw
}

// OnFDReady implements monitor.FDHandler.
func (cm *cpuMonitor) OnFDReady(fd int) error {
	return cm.ring.Read(func(rec ringbuf.Record) error {
		decoded, err := cm.dec.Decode(rec.Data, 0)
		if err != nil {
			cm.log.WithError(err).Warn("cpu monitor: decode failed, skipping record")
			return nil
		}
		demux.Dispatch(cm, decoded)
		return nil
	})
}

// OnSample implements demux.Handler by routing to the per-thread
// Sample writer, creating it lazily on first observation.
func (cm *cpuMonitor) OnSample(ts uint64, tid int, cpu uint32, ip []uint64, groupValues []perffile.Count) {
	cm.sampleWriter(tid).OnSample(ts, tid, cpu, ip, groupValues)
}

// OnSwitch implements demux.Handler by routing to this CPU's single
// ContextSwitch writer.
func (cm *cpuMonitor) OnSwitch(in bool, ts uint64, pid, tid int) {
	cm.sw.OnSwitch(in, ts, pid, tid)
}

// OnMmap implements demux.Handler by registering an ELFResolver for the
// mapped range against the mapping process (spec.md §4.11, component
// C11). A mapping with no usable DWARF info is logged and skipped.
func (cm *cpuMonitor) OnMmap(pid, tid int, addr, length, pgoff uint64, filename string) {
	mapping := scope.Mapping{
		Range:      scope.AddrRange{Start: addr, End: addr + length},
		PgOff:      pgoff,
		BinaryName: filename,
	}
	cm.sum.RecordProcess(int64(pid))
	res, err := resolvers.NewELFResolver(mapping)
	if err != nil {
		cm.log.WithError(err).WithField("filename", filename).Debug("cpu monitor: no resolver for mapping")
		return
	}
	cm.reg.Register(scope.Process(int64(pid)), mapping.Range, res)
}

// OnFork implements demux.Handler by giving the child process a
// copy-on-write snapshot of the parent's resolver map.
func (cm *cpuMonitor) OnFork(parent, child int) {
	cm.reg.Fork(scope.Process(int64(parent)), scope.Process(int64(child)))
}

// OnComm, OnExit, OnLost are no-ops: comm renames don't affect address
// resolution, and a per-thread exit record (tid only, no pid) can't
// tell a thread exit from the owning process's last thread exiting, so
// registry cleanup for system-mode processes is left to Exit's own
// idempotent no-op on an unregistered process rather than guessed at
// here.
func (cm *cpuMonitor) OnComm(pid, tid int, name string) {}
func (cm *cpuMonitor) OnExit(tid int)                   {}
func (cm *cpuMonitor) OnLost(count uint64)              {}

func (cm *cpuMonitor) Start() { cm.poll.Start() }

func (cm *cpuMonitor) Signal() { cm.poll.Signal() }

func (cm *cpuMonitor) Join() {
	cm.poll.Join()
	cm.mu.Lock()
	for _, sw := range cm.samples {
		sw.Finalize()
	}
	cm.mu.Unlock()
	cm.ring.Close()
	unix.Close(cm.fd)
}
