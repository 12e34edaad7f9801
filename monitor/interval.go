package monitor

import (
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/scope"
)

// Tick is called once per deadline by IntervalMonitor/ActiveMonitor;
// it is the "monitor()" step of spec.md §4.8's common contract.
type Tick interface {
	Tick() error
}

// IntervalMonitor sleeps until the next interval-aligned deadline or a
// stop signal, then calls Tick. Deadlines are aligned to interval
// boundaries (rather than interval-after-last-wake) so independent
// IntervalMonitors sampling the same interval drift into phase with
// each other instead of free-running, minimizing cross-monitor jitter.
type IntervalMonitor struct {
	base
	interval time.Duration
	onTick   Tick
	// active mirrors spec.md's ActiveMonitor: identical scheduling,
	// but documented as expected to do real work between wakeups
	// rather than idle. Kept as a field rather than a second type so
	// the aligned-deadline loop isn't duplicated.
	active bool
}

// NewIntervalMonitor builds an IntervalMonitor waking every interval.
func NewIntervalMonitor(s scope.Execution, interval time.Duration, onTick Tick, lc Lifecycle, log logrus.FieldLogger) *IntervalMonitor {
	m := &IntervalMonitor{base: newBase(s, lc, log), interval: interval, onTick: onTick}
	runtime.SetFinalizer(m, (*IntervalMonitor).checkDestructed)
	return m
}

// NewActiveMonitor builds an ActiveMonitor: same aligned-deadline loop
// as IntervalMonitor, used when onTick is expected to dominate CPU
// until the next deadline rather than return quickly.
func NewActiveMonitor(s scope.Execution, interval time.Duration, onTick Tick, lc Lifecycle, log logrus.FieldLogger) *IntervalMonitor {
	m := NewIntervalMonitor(s, interval, onTick, lc, log)
	m.active = true
	return m
}

func (m *IntervalMonitor) checkDestructed() { m.base.checkDestructed() }

// Start spawns the monitor's timer-driven goroutine.
func (m *IntervalMonitor) Start() {
	go m.run()
}

// Stop requests the loop exit and waits for it to finalize.
func (m *IntervalMonitor) Stop() { m.base.Stop() }

// Signal requests the loop exit without waiting for it to finish.
func (m *IntervalMonitor) Signal() { m.base.Signal() }

// Join waits for the loop to finish after Signal.
func (m *IntervalMonitor) Join() { m.base.Join() }

func alignedDeadline(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	rem := interval - time.Duration(now.UnixNano())%interval
	return now.Add(rem)
}

func (m *IntervalMonitor) run() {
	defer close(m.doneCh)
	m.markStarted()
	defer runtime.UnlockOSThread()

	if !m.runLifecycle() {
		return
	}
	defer m.lc.FinalizeThread()

	next := alignedDeadline(time.Now(), m.interval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-m.stopCh:
			// Drain one more tick before exiting so no in-flight
			// interval's data is lost on orderly shutdown.
			if err := m.onTick.Tick(); err != nil {
				m.log.WithError(err).Warn("monitor: final tick failed")
			}
			return
		case <-timer.C:
			m.followAffinity()
			if err := m.onTick.Tick(); err != nil {
				m.log.WithError(err).Warn("monitor: tick failed")
			}
			next = next.Add(m.interval)
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}
	}
}
