// Package monitor implements the Monitor Lifecycle (spec.md §4.8,
// component C7): the common start/pin/loop/stop/finalize contract
// shared by every worker that owns a kernel fd, a ring buffer, or a
// polling interval.
//
// The teacher corpus has no direct monitor analogue, but the
// goroutine-plus-eventfd poll loop in nathanjsweet/ebpf's PerfReader
// (vendored under other_examples as perf.go) is the idiomatic Go shape
// for "thread blocks in poll(-1), stop signaled through an fd": one
// goroutine per monitor, runtime.LockOSThread'd so sched_setaffinity
// pins the right OS thread, with an eventfd in the pollset standing in
// for the stop condition. Interval-based monitors use a time.Timer
// against aligned deadlines instead, since Go has no native condition
// variable and a channel-driven timer is the idiomatic equivalent.
package monitor

import (
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/scope"
)

// Lifecycle is implemented by the caller's worker: the code that runs
// once a monitor's thread is pinned and once just before it exits.
type Lifecycle interface {
	InitializeThread() error
	FinalizeThread()
}

// NopLifecycle is the zero-effort Lifecycle for monitors that need no
// per-thread setup or teardown.
type NopLifecycle struct{}

func (NopLifecycle) InitializeThread() error { return nil }
func (NopLifecycle) FinalizeThread()         {}

// base holds the state every monitor shape shares: its execution
// scope (for pinning), its lifecycle hooks, its stop signaling, and
// the double-stop/stop-before-start/destruct-before-stop bookkeeping
// spec.md §4.8 requires.
type base struct {
	scope scope.Execution
	lc    Lifecycle
	log   logrus.FieldLogger

	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
}

func newBase(s scope.Execution, lc Lifecycle, log logrus.FieldLogger) base {
	if lc == nil {
		lc = NopLifecycle{}
	}
	return base{
		scope:  s,
		lc:     lc,
		log:    log.WithField("scope", s.String()),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// pin applies sched_setaffinity for a Cpu-scoped monitor. Thread-scoped
// monitors instead re-check the observed thread's mask every loop
// iteration via followAffinity, since the target thread's affinity can
// change after the monitor starts.
func (b *base) pin() error {
	if b.scope.Kind != scope.KindCPU {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(int(b.scope.ID))
	return unix.SchedSetaffinity(0, &set)
}

// followAffinity best-effort re-pins the calling OS thread to whatever
// CPU set the monitored thread currently runs on. A failure (the
// thread may have already exited) is silently ignored; the next
// iteration tries again.
func (b *base) followAffinity() {
	if b.scope.Kind != scope.KindThread {
		return
	}
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(int(b.scope.ID), &set); err != nil {
		return
	}
	_ = unix.SchedSetaffinity(0, &set)
}

// markStarted records that the monitor's thread has been launched,
// locking it to the current OS thread so pin/followAffinity affect
// the thread actually doing the polling.
func (b *base) markStarted() {
	runtime.LockOSThread()
	b.started.Store(true)
}

// runLifecycle pins and initializes; it reports whether
// initialization succeeded and the loop should proceed. The caller
// defers lc.FinalizeThread itself once this returns true.
func (b *base) runLifecycle() bool {
	if err := b.pin(); err != nil {
		b.log.WithError(err).Warn("monitor: pin failed, continuing unpinned")
	}
	if err := b.lc.InitializeThread(); err != nil {
		b.log.WithError(err).Error("monitor: initialize_thread failed")
		return false
	}
	return true
}

// Signal requests the monitor's loop exit without waiting for it to
// finish; it is idempotent (a second call logs and returns rather
// than double-closing stopCh). Splitting Signal from Join lets a
// caller managing several monitors broadcast every stop signal before
// joining any of them, per spec.md §4.9's shutdown ordering.
func (b *base) Signal() {
	if !b.started.Load() {
		b.log.Warn("monitor: Stop called before Start")
	}
	if !b.stopped.CompareAndSwap(false, true) {
		b.log.Warn("monitor: Stop called more than once, ignoring")
		return
	}
	close(b.stopCh)
}

// Join blocks until the monitor's thread has finalized and returned.
// Safe to call more than once or after Signal has already completed.
func (b *base) Join() {
	<-b.doneCh
}

// Stop is Signal followed by Join: request the loop exit and wait for
// it to finish. Most callers with a single monitor want this; a
// coordinator managing many monitors should call Signal on all of
// them before Join on any, see Coordinator.Shutdown.
func (b *base) Stop() {
	b.Signal()
	b.Join()
}

// checkDestructed is called from a finalizer installed by each
// concrete monitor constructor; it logs if the monitor was garbage
// collected without ever being stopped; spec.md §4.8 calls this
// "destruct-before-stop" detection.
func (b *base) checkDestructed() {
	if b.started.Load() && !b.stopped.Load() {
		b.log.Warn("monitor: garbage collected without Stop, thread may be leaked")
	}
}
