// Package summary implements the shutdown summary block spec.md §7
// ("User-visible behavior") requires: wall time, CPU time, observed
// processes/threads, wake-ups, recorded bytes, and archive path,
// printed to standard error when the Fleet Coordinator shuts down, plus
// the name of any component that failed its setup.
package summary

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Collector accumulates the counters a running trace produces. It is
// safe to call from one goroutine only; the Fleet Coordinator owns the
// single instance and feeds it from its own event loop, the same way
// it already owns facade/group/resolvers single-threaded.
type Collector struct {
	start time.Time

	processes map[int64]bool
	threads   map[int64]bool

	wakeups      int
	wakeupGaps   []float64 // seconds, one per RecordWakeup after the first
	lastWakeup   time.Time
	haveLastWake bool

	recordedBytes int64
	deviceBytes   map[uint32][]float64 // per-device byte counts, one sample per RecordDeviceBytes call

	failures []string
}

// NewCollector returns a Collector whose wall-clock start is now.
func NewCollector() *Collector {
	return &Collector{
		start:       time.Now(),
		processes:   map[int64]bool{},
		threads:     map[int64]bool{},
		deviceBytes: map[uint32][]float64{},
	}
}

// RecordProcess marks pid as an observed process.
func (c *Collector) RecordProcess(pid int64) { c.processes[pid] = true }

// RecordThread marks tid as an observed thread.
func (c *Collector) RecordThread(tid int64) { c.threads[tid] = true }

// RecordWakeup marks one monitor wake cycle, tracking the gap since the
// previous wakeup for the summary's wake-up interval statistics.
func (c *Collector) RecordWakeup(now time.Time) {
	c.wakeups++
	if c.haveLastWake {
		c.wakeupGaps = append(c.wakeupGaps, now.Sub(c.lastWakeup).Seconds())
	}
	c.lastWakeup = now
	c.haveLastWake = true
}

// RecordBytes adds n to the total bytes recorded into the trace
// archive across every writer.
func (c *Collector) RecordBytes(n int64) { c.recordedBytes += n }

// RecordDeviceBytes adds one block-I/O completion sample of n bytes for
// device dev, feeding the per-device byte-rate statistics.
func (c *Collector) RecordDeviceBytes(dev uint32, n int64) {
	c.deviceBytes[dev] = append(c.deviceBytes[dev], float64(n))
}

// RecordSetupFailure names a component that failed its setup, per
// spec.md §7's "any component that failed its setup is named."
func (c *Collector) RecordSetupFailure(component string, err error) {
	c.failures = append(c.failures, fmt.Sprintf("%s: %v", component, err))
}

// Block is the immutable summary computed from a Collector at
// shutdown, ready to print.
type Block struct {
	WallTime      time.Duration
	CPUTime       time.Duration
	Processes     int
	Threads       int
	Wakeups       int
	RecordedBytes int64
	ArchivePath   string
	Failures      []string

	// WakeupIntervalMean and WakeupIntervalP99 are descriptive
	// statistics (seconds) over the gaps between consecutive wakeups.
	WakeupIntervalMean float64
	WakeupIntervalP99  float64

	// DeviceByteRate is each device's mean completed-I/O size in
	// bytes, keyed by kernel dev_t.
	DeviceByteRate map[uint32]float64
}

// Finish builds the Block, measuring wall time as now minus the
// Collector's start and CPU time via cpuTime (process-wide user+system
// time; see cmd/nodescope's use of syscall.Getrusage at shutdown).
func (c *Collector) Finish(archivePath string, cpuTime time.Duration) Block {
	b := Block{
		WallTime:      time.Since(c.start),
		CPUTime:       cpuTime,
		Processes:     len(c.processes),
		Threads:       len(c.threads),
		Wakeups:       c.wakeups,
		RecordedBytes: c.recordedBytes,
		ArchivePath:   archivePath,
		Failures:      append([]string(nil), c.failures...),
	}

	if len(c.wakeupGaps) > 0 {
		b.WakeupIntervalMean = mean(c.wakeupGaps)
		b.WakeupIntervalP99 = percentile(c.wakeupGaps, 99)
	}

	if len(c.deviceBytes) > 0 {
		b.DeviceByteRate = make(map[uint32]float64, len(c.deviceBytes))
		for dev, xs := range c.deviceBytes {
			b.DeviceByteRate[dev] = mean(xs)
		}
	}
	return b
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile returns the nearest-rank pctile-th percentile (0-100) of
// xs. xs is copied before sorting so callers keep their own order.
func percentile(xs []float64, pctile float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	rank := int(pctile/100*float64(len(sorted)-1) + 0.5)
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Print writes b to w in the plain key: value lines spec.md §7
// describes ("A summary block is printed to standard error at
// shutdown"), matching the unadorned fmt.Fprintf reporting style
// cmd/nodescope-dump uses for its own archive dump.
func (b Block) Print(w io.Writer) {
	fmt.Fprintf(w, "nodescope summary:\n")
	fmt.Fprintf(w, "  wall time:       %s\n", b.WallTime.Round(time.Millisecond))
	fmt.Fprintf(w, "  cpu time:        %s\n", b.CPUTime.Round(time.Millisecond))
	fmt.Fprintf(w, "  processes:       %d\n", b.Processes)
	fmt.Fprintf(w, "  threads:         %d\n", b.Threads)
	fmt.Fprintf(w, "  wake-ups:        %d\n", b.Wakeups)
	if b.Wakeups > 1 {
		fmt.Fprintf(w, "  wake-up interval: mean %.3fms, p99 %.3fms\n",
			b.WakeupIntervalMean*1000, b.WakeupIntervalP99*1000)
	}
	fmt.Fprintf(w, "  recorded bytes:  %d\n", b.RecordedBytes)
	if len(b.DeviceByteRate) > 0 {
		devs := make([]uint32, 0, len(b.DeviceByteRate))
		for dev := range b.DeviceByteRate {
			devs = append(devs, dev)
		}
		sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })
		fmt.Fprintf(w, "  device byte rate:\n")
		for _, dev := range devs {
			fmt.Fprintf(w, "    dev %d: %.1f bytes/op\n", dev, b.DeviceByteRate[dev])
		}
	}
	fmt.Fprintf(w, "  archive:         %s\n", b.ArchivePath)
	if len(b.Failures) > 0 {
		fmt.Fprintf(w, "  setup failures:\n")
		for _, f := range b.Failures {
			fmt.Fprintf(w, "    %s\n", f)
		}
	}
}
