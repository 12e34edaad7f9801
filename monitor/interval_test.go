package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/nodescope/nodescope/scope"
)

type countingTick struct {
	n        atomic.Int32
	finalize atomic.Bool
}

func (c *countingTick) Tick() error { c.n.Add(1); return nil }

type countingLifecycle struct {
	initCalls     atomic.Int32
	finalizeCalls atomic.Int32
}

func (c *countingLifecycle) InitializeThread() error { c.initCalls.Add(1); return nil }
func (c *countingLifecycle) FinalizeThread()         { c.finalizeCalls.Add(1) }

func TestIntervalMonitorTicksOnScheduleAndFinalizesOnStop(t *testing.T) {
	tick := &countingTick{}
	lc := &countingLifecycle{}
	log, _ := logrustest.NewNullLogger()

	m := NewIntervalMonitor(scope.Thread(1), 5*time.Millisecond, tick, lc, log)
	m.Start()
	time.Sleep(40 * time.Millisecond)
	m.Stop()

	if lc.initCalls.Load() != 1 {
		t.Fatalf("InitializeThread called %d times, want 1", lc.initCalls.Load())
	}
	if lc.finalizeCalls.Load() != 1 {
		t.Fatalf("FinalizeThread called %d times, want 1", lc.finalizeCalls.Load())
	}
	if tick.n.Load() < 2 {
		t.Fatalf("Tick called %d times in 40ms at a 5ms interval, want at least 2", tick.n.Load())
	}
}

func TestIntervalMonitorStopIsIdempotent(t *testing.T) {
	tick := &countingTick{}
	log, hook := logrustest.NewNullLogger()

	m := NewIntervalMonitor(scope.Thread(1), time.Millisecond, tick, NopLifecycle{}, log)
	m.Start()
	time.Sleep(5 * time.Millisecond)
	m.Stop()
	m.Stop()

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "monitor: Stop called more than once, ignoring" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a double-stop warning to be logged, entries: %v", hook.AllEntries())
	}
}

func TestIntervalMonitorStopBeforeStartLogsWarning(t *testing.T) {
	tick := &countingTick{}
	log, hook := logrustest.NewNullLogger()

	m := NewIntervalMonitor(scope.Thread(1), time.Millisecond, tick, NopLifecycle{}, log)
	// Stop without Start would block forever waiting on doneCh in the
	// real contract, so this only exercises the started-before-stop
	// warning path via a synthetic started=false check: close the
	// channels ourselves instead of calling Start/Stop in sequence.
	m.started.Store(false)
	close(m.doneCh)
	m.Stop()

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "monitor: Stop called before Start" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a stop-before-start warning to be logged, entries: %v", hook.AllEntries())
	}
}

func TestAlignedDeadlineIsWithinOneIntervalAndOnBoundary(t *testing.T) {
	interval := 10 * time.Millisecond
	now := time.Unix(0, 1234567)
	d := alignedDeadline(now, interval)
	if d.Before(now) || d.Sub(now) > interval {
		t.Fatalf("deadline %v not within one interval of %v", d, now)
	}
	if d.UnixNano()%int64(interval) != 0 {
		t.Fatalf("deadline %v not aligned to a %v boundary", d, interval)
	}
}
