package writers

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

// TestSampleEmitsScaledCounterMetrics exercises the Counter Buffer's
// wiring into the Sample writer with the same group-scaling scenario
// counters.Buffer is tested against directly: both reads have a 2:1
// time_enabled/time_running delta, so the first (against the zeroed
// buffer) adds 1000*200/500 = 400 and the second 2000*400/1000 = 800.
func TestSampleEmitsScaledCounterMetrics(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	group := scope.NewGroup(logrus.New())
	thread := scope.Thread(7)
	group.AddProcess(scope.Process(7))
	group.AddThread(thread, scope.Process(7))

	w := NewSample(f.SampleWriterFor(thread), thread, group, f)

	w.OnSample(10, 7, 0, []uint64{0x1000}, []perffile.Count{{Value: 200, TimeEnabled: 1000, TimeRunning: 500}})
	w.OnSample(20, 7, 0, []uint64{0x1000}, []perffile.Count{{Value: 600, TimeEnabled: 3000, TimeRunning: 1500}})

	if w.buf == nil {
		t.Fatal("counter buffer was never allocated")
	}
	got := w.buf.Accumulated()
	if len(got) != 1 || got[0] != 1200 {
		t.Fatalf("Accumulated() = %v, want [1200]", got)
	}
	if len(w.classes) != 1 {
		t.Fatalf("classes = %v, want one metric class allocated", w.classes)
	}
}

// TestSampleSkipsCounterBufferWithNoRead covers a sampling event opened
// without SampleFormatRead: OnSample must not allocate a buffer it'll
// never have readouts to feed.
func TestSampleSkipsCounterBufferWithNoRead(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	group := scope.NewGroup(logrus.New())
	thread := scope.Thread(7)
	group.AddProcess(scope.Process(7))
	group.AddThread(thread, scope.Process(7))

	w := NewSample(f.SampleWriterFor(thread), thread, group, f)
	w.OnSample(10, 7, 0, []uint64{0x1000}, nil)

	if w.buf != nil {
		t.Fatal("counter buffer should stay nil with no grouped read")
	}
}
