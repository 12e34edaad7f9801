package fleet

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/multireader"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/summary"
	"github.com/nodescope/nodescope/trace"
	"github.com/nodescope/nodescope/writers"
)

// RunSystem starts one per-CPU ScopeMonitor for every online CPU plus
// the device-wide monitors cfg.Devices names (spec.md §4.9, "System
// mode"). It returns once every monitor has been started; callers
// drive the node-wide trace duration themselves and call
// Coordinator.Shutdown when done.
func (c *Coordinator) RunSystem(cfg Config) error {
	cpus, err := OnlineCPUs()
	if err != nil {
		return fmt.Errorf("fleet: enumerate online CPUs: %w", err)
	}
	if len(cpus) == 0 {
		return fmt.Errorf("fleet: no online CPUs reported by %s", onlineCPUPath)
	}

	for _, cpu := range cpus {
		c.group.AddCPU(scope.CPU(int64(cpu)))
		cm, err := newCPUMonitor(cpu, c.facade, c.group, c.resolvers, c.summary, c.log)
		if err != nil {
			c.summary.RecordSetupFailure(fmt.Sprintf("cpu monitor %d", cpu), err)
			return fmt.Errorf("fleet: cpu %d: %w", cpu, err)
		}
		c.addMonitor(cm)
	}

	for _, dev := range cfg.Devices {
		dm, err := newDeviceMonitor(dev, cpus, c.facade, c.summary, c.log)
		if err != nil {
			c.summary.RecordSetupFailure(fmt.Sprintf("device monitor %d", dev), err)
			return fmt.Errorf("fleet: device %d: %w", dev, err)
		}
		c.addMonitor(dm)
	}

	return nil
}

// deviceMonitor owns one block device's BlockIO writer plus the
// per-(tracepoint,cpu) BlockTracepointSources that feed it. Each
// source buffers its own CPU's block_rq_insert/issue/complete samples
// independently through the trace; deviceMonitor.Join merges all of
// them via a multireader.Merger into the single per-device monotonic
// order spec.md §8 requires before replaying them into bio (spec.md
// §4.9, "System mode"; spec.md §4.10, component C9).
type deviceMonitor struct {
	device  uint32
	sources []*multireader.BlockTracepointSource
	bio     *writers.BlockIO
	sum     *summary.Collector
	log     logrus.FieldLogger
}

func newDeviceMonitor(device uint32, cpus []int, facade *trace.Facade, sum *summary.Collector, log logrus.FieldLogger) (*deviceMonitor, error) {
	dlog := log.WithField("device", device)
	kinds := []multireader.BlockEventKind{multireader.BlockInsert, multireader.BlockIssue, multireader.BlockComplete}

	dm := &deviceMonitor{
		device: device,
		bio:    writers.NewBlockIO(facade.BioWriter(device), dlog),
		sum:    sum,
		log:    dlog,
	}
	for _, cpu := range cpus {
		for _, kind := range kinds {
			src, err := multireader.NewBlockTracepointSource(kind, cpu, dlog)
			if err != nil {
				return nil, err
			}
			dm.sources = append(dm.sources, src)
		}
	}
	return dm, nil
}

func (dm *deviceMonitor) Start() {
	for _, s := range dm.sources {
		s.Start()
	}
}

func (dm *deviceMonitor) Signal() {
	for _, s := range dm.sources {
		s.Signal()
	}
}

// Join waits for every source to stop capturing, then drains their
// merged, device-filtered stream into bio in timestamp order. This is
// the only point at which this device's block_rq_* events are
// replayed into the trace archive; see deviceMonitor's doc comment.
func (dm *deviceMonitor) Join() {
	for _, s := range dm.sources {
		s.Join()
	}

	merged := make([]multireader.Source[multireader.BlockEvent], len(dm.sources))
	for i, s := range dm.sources {
		merged[i] = s
	}
	m := multireader.New(merged)
	err := m.Drain(func(ev multireader.BlockEvent) error {
		if ev.Device != dm.device {
			return nil
		}
		switch ev.Kind {
		case multireader.BlockInsert:
			dm.bio.Insert(ev.Device, ev.Sector, ev.Timestamp, ev.NrSectors)
		case multireader.BlockIssue:
			dm.bio.Issue(ev.Device, ev.Sector, ev.Timestamp)
		case multireader.BlockComplete:
			dm.bio.Complete(ev.Device, ev.Sector, ev.Timestamp, ev.NrSectors)
			// Block layer sector counts are always in 512-byte units,
			// independent of the device's logical block size.
			dm.sum.RecordDeviceBytes(ev.Device, int64(ev.NrSectors)*512)
		}
		return nil
	})
	if err != nil {
		dm.log.WithError(err).Warn("fleet: device monitor merge failed")
	}
}
