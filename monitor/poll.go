package monitor

import (
	"encoding/binary"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/scope"
)

// FDHandler is invoked once for each fd in a PollMonitor's set that
// becomes readable, and once more for every fd in the set when the
// monitor is stopped.
type FDHandler interface {
	OnFDReady(fd int) error
}

// IntervalHandler is invoked on each readout-interval timeout of a
// PollMonitor. IntervalMonitor/ActiveMonitor use Tick instead.
type IntervalHandler interface {
	OnReadoutInterval() error
}

// PollMonitor owns a list of file descriptors plus a stop eventfd and,
// optionally, a readout interval. Its thread blocks in poll(-1) (or
// poll(interval) when an interval is set) and dispatches ready fds to
// onFD, or calls onInterval on a timeout with nothing ready.
type PollMonitor struct {
	base
	fds         []int
	onFD        FDHandler
	intervalMS  int
	onInterval  IntervalHandler
	stopEventFd int
}

// NewPollMonitor builds a PollMonitor over fds. intervalMS of 0 means
// block indefinitely (no readout timer); onInterval may be nil in
// that case.
func NewPollMonitor(s scope.Execution, fds []int, onFD FDHandler, intervalMS int, onInterval IntervalHandler, lc Lifecycle, log logrus.FieldLogger) (*PollMonitor, error) {
	stopFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	m := &PollMonitor{
		base:        newBase(s, lc, log),
		fds:         fds,
		onFD:        onFD,
		intervalMS:  intervalMS,
		onInterval:  onInterval,
		stopEventFd: stopFd,
	}
	runtime.SetFinalizer(m, (*PollMonitor).checkDestructed)
	return m, nil
}

func (m *PollMonitor) checkDestructed() { m.base.checkDestructed() }

// Start spawns the monitor's polling goroutine.
func (m *PollMonitor) Start() {
	go m.run()
}

// Stop requests the loop exit and waits for it to finalize.
func (m *PollMonitor) Stop() { m.base.Stop() }

// Signal requests the loop exit without waiting for it to finish. The
// poll loop blocks in poll(2) on stopEventFd, not on base.stopCh, so
// Signal has to both flip the base's idempotent stopped bit and wake
// the eventfd the loop is actually waiting on.
func (m *PollMonitor) Signal() {
	wasStopped := m.stopped.Load()
	m.base.Signal()
	if wasStopped {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(m.stopEventFd, buf[:])
}

// Join waits for the loop to finish after Signal.
func (m *PollMonitor) Join() { m.base.Join() }

func (m *PollMonitor) run() {
	defer close(m.doneCh)
	m.markStarted()
	defer runtime.UnlockOSThread()
	defer unix.Close(m.stopEventFd)

	if !m.runLifecycle() {
		return
	}
	defer m.lc.FinalizeThread()

	pollfds := make([]unix.PollFd, 0, len(m.fds)+1)
	for _, fd := range m.fds {
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	stopIdx := len(pollfds)
	pollfds = append(pollfds, unix.PollFd{Fd: int32(m.stopEventFd), Events: unix.POLLIN})

	timeout := -1
	if m.intervalMS > 0 {
		timeout = m.intervalMS
	}

	for {
		m.followAffinity()

		for i := range pollfds {
			pollfds[i].Revents = 0
		}
		n, err := unix.Poll(pollfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.log.WithError(err).Error("monitor: poll failed")
			return
		}
		if n == 0 {
			if m.onInterval != nil {
				if err := m.onInterval.OnReadoutInterval(); err != nil {
					m.log.WithError(err).Warn("monitor: readout interval handler failed")
				}
			}
			continue
		}
		for i, pfd := range pollfds {
			if pfd.Revents == 0 {
				continue
			}
			if i == stopIdx {
				// Drain once more before exiting so no event
				// mapped before the stop signal arrived is lost.
				for _, fd := range m.fds {
					if err := m.onFD.OnFDReady(fd); err != nil {
						m.log.WithError(err).Warn("monitor: final fd drain failed")
					}
				}
				if m.onInterval != nil {
					if err := m.onInterval.OnReadoutInterval(); err != nil {
						m.log.WithError(err).Warn("monitor: final readout failed")
					}
				}
				return
			}
			if err := m.onFD.OnFDReady(int(pfd.Fd)); err != nil {
				m.log.WithError(err).Warn("monitor: fd handler failed")
			}
		}
	}
}

// NewFdMonitor is a PollMonitor with no readout interval: poll-based,
// woken only by its fds or the stop signal.
func NewFdMonitor(s scope.Execution, fds []int, onFD FDHandler, lc Lifecycle, log logrus.FieldLogger) (*PollMonitor, error) {
	return NewPollMonitor(s, fds, onFD, 0, nil, lc, log)
}
