package monitor

import (
	"os"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/nodescope/nodescope/scope"
)

type recordingFDHandler struct {
	ready chan int
}

// OnFDReady never blocks: the pipe is never read, so the level-triggered
// poll keeps reporting it ready, and only the first report is kept.
func (h *recordingFDHandler) OnFDReady(fd int) error {
	select {
	case h.ready <- fd:
	default:
	}
	return nil
}

func TestFdMonitorDispatchesReadyFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	log, _ := logrustest.NewNullLogger()
	h := &recordingFDHandler{ready: make(chan int, 1)}
	fd := int(r.Fd())

	m, err := NewFdMonitor(scope.Thread(1), []int{fd}, h, NopLifecycle{}, log)
	if err != nil {
		t.Fatalf("NewFdMonitor: %v", err)
	}
	m.Start()
	defer m.Stop()

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case got := <-h.ready:
		if got != fd {
			t.Fatalf("OnFDReady(%d), want %d", got, fd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnFDReady")
	}
}

func TestPollMonitorCallsReadoutIntervalOnTimeout(t *testing.T) {
	r, _, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	log, _ := logrustest.NewNullLogger()
	tick := &countingTick{}
	onInterval := tickIntervalHandler{tick}

	m, err := NewPollMonitor(scope.Thread(1), []int{int(r.Fd())}, &recordingFDHandler{ready: make(chan int, 1)}, 5, onInterval, NopLifecycle{}, log)
	if err != nil {
		t.Fatalf("NewPollMonitor: %v", err)
	}
	m.Start()
	time.Sleep(40 * time.Millisecond)
	m.Stop()

	if tick.n.Load() < 2 {
		t.Fatalf("OnReadoutInterval called %d times in 40ms at a 5ms interval, want at least 2", tick.n.Load())
	}
}

// tickIntervalHandler adapts a Tick into an IntervalHandler so the
// same countingTick helper can drive both PollMonitor's readout
// interval and IntervalMonitor's deadline.
type tickIntervalHandler struct{ t *countingTick }

func (h tickIntervalHandler) OnReadoutInterval() error { return h.t.Tick() }
