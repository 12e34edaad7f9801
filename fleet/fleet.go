// Package fleet implements the Fleet Coordinator (spec.md §4.9,
// component C8): process-mode (ptrace-driven) and system-mode
// (CPU-topology-driven) orchestration of one ScopeMonitor per observed
// thread or CPU, with the shutdown ordering spec.md §4.9 specifies —
// stop signals broadcast first, monitors joined in reverse creation
// order, writers finalized, then the trace archive closed.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/resolvers"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/summary"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

// ScopeMonitor is anything the coordinator can start and later stop:
// a sampleMonitor, a writers-backed device monitor, or any other
// monitor.* wrapper keyed by one Execution scope. Signal/Join are
// split (rather than a single blocking Stop) so Shutdown can
// broadcast every stop signal before joining any one monitor, per
// spec.md §4.9.
type ScopeMonitor interface {
	Start()
	Signal()
	Join()
}

// Mode selects process-mode (trace one ptrace-controlled command tree)
// or system-mode (trace the whole node) operation.
type Mode int

const (
	ModeProcess Mode = iota
	ModeSystem
)

// Config is the shape the Fleet Coordinator consumes; assembling it
// from flags/environment is out of scope (spec.md §1 names CLI
// parsing as an external collaborator) and lives in cmd/nodescope.
type Config struct {
	Mode Mode

	// Command launches the traced process tree in ModeProcess.
	Command []string

	// TraceDir is the directory the trace archive is written under.
	TraceDir string

	// SamplePeriod is carried in Config but no monitor reads it: every
	// sample and CPU monitor opens its cycles event with a fixed period
	// of 4000 (defaultCyclesAttr(4000)), whatever value is set here.
	SamplePeriod uint64

	// Devices names the block devices (by kernel dev_t, decimal) to
	// start a BlockIO monitor for in ModeSystem.
	Devices []uint32

	// ClockID and UseClockID are passed to timeconv.Sync and apply only
	// to its synchronization event; the sample and CPU monitors open
	// their events without a clockid, so those stay on the kernel's
	// default clock. cmd/nodescope sets neither field.
	ClockID    int32
	UseClockID bool
}

// Coordinator owns the trace façade and the set of currently running
// ScopeMonitors, and implements the shutdown ordering of spec.md §4.9.
type Coordinator struct {
	log       logrus.FieldLogger
	facade    *trace.Facade
	group     *scope.Group
	resolvers *resolvers.Registry
	summary   *summary.Collector

	mu       sync.Mutex
	monitors []ScopeMonitor         // creation order, long-lived (system mode)
	threads  map[int]*sampleMonitor // process-mode, keyed by tid, lifecycle tied to ptrace exit events
	syscalls []syscallFinalizer
}

type syscallFinalizer interface {
	Finalize(*trace.Facade) map[int64]trace.GlobalSyscallRef
}

// New establishes the Time Converter (spec.md §4.1, component C1) via
// a one-shot hardware-breakpoint synchronization, opens the trace
// façade under cfg.TraceDir threaded with that converter, and returns
// an empty Coordinator ready to run either mode. Every writer the
// façade later hands out converts its timestamps through this same
// Converter, so it must be established before any monitor starts.
func New(cfg Config, log logrus.FieldLogger) (*Coordinator, error) {
	conv := timeconv.Sync(log, cfg.ClockID, cfg.UseClockID)

	facade, err := trace.Open(cfg.TraceDir, conv)
	if err != nil {
		return nil, fmt.Errorf("fleet: open trace facade: %w", err)
	}
	return &Coordinator{
		log:       log,
		facade:    facade,
		group:     scope.NewGroup(log),
		resolvers: resolvers.NewRegistry(),
		summary:   summary.NewCollector(),
		threads:   map[int]*sampleMonitor{},
	}, nil
}

// Summary returns the shutdown summary block (spec.md §7) accumulated
// over this Coordinator's lifetime. Call after Shutdown so every
// monitor's counts have landed.
func (c *Coordinator) Summary(archivePath string, cpuTime time.Duration) summary.Block {
	return c.summary.Finish(archivePath, cpuTime)
}

// addMonitor records m in creation order and starts it. Safe to call
// from the ptrace event loop or the system-mode startup loop.
func (c *Coordinator) addMonitor(m ScopeMonitor) {
	c.mu.Lock()
	c.monitors = append(c.monitors, m)
	c.mu.Unlock()
	m.Start()
}

// Shutdown implements spec.md §4.9's ordering: stop signals broadcast
// first (so every monitor drains its mapped buffer once more before
// any is joined), then monitors are joined in reverse creation order,
// then writers are finalized via MergeTIDs/MergeSyscallContexts, then
// the archive is closed.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	monitors := append([]ScopeMonitor(nil), c.monitors...)
	leftoverThreads := make([]*sampleMonitor, 0, len(c.threads))
	for _, sm := range c.threads {
		leftoverThreads = append(leftoverThreads, sm)
	}
	c.threads = map[int]*sampleMonitor{}
	c.mu.Unlock()

	for _, m := range monitors {
		m.Signal()
	}
	for _, sm := range leftoverThreads {
		sm.Signal()
	}
	for i := len(monitors) - 1; i >= 0; i-- {
		monitors[i].Join()
	}
	for _, sm := range leftoverThreads {
		sm.Join()
	}

	c.facade.MergeTIDs()
	for _, s := range c.syscalls {
		s.Finalize(c.facade)
	}

	if err := c.facade.Close(); err != nil {
		return fmt.Errorf("fleet: close trace archive: %w", err)
	}
	return nil
}
