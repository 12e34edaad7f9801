package counters

import (
	"reflect"
	"testing"

	"github.com/nodescope/nodescope/perffile"
)

// TestUpdateGroupScaling is the literal scenario: time_enabled goes
// 1000->3000, time_running 500->1500 (deltas 2000 and 1000, so the
// scale factor is 2), raw value 200->600 (delta 400). The second read
// adds (2000/1000)*400 = 800 on top of what the first read (measured
// against the zeroed buffer) already accumulated.
func TestUpdateGroupScaling(t *testing.T) {
	b := NewBuffer(1)
	b.Update([]perffile.Count{{Value: 200, TimeEnabled: 1000, TimeRunning: 500}})
	before := b.Accumulated()[0]
	b.Update([]perffile.Count{{Value: 600, TimeEnabled: 3000, TimeRunning: 1500}})

	got := []uint64{b.Accumulated()[0] - before}
	want := []uint64{800}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("accumulated delta = %v, want %v", got, want)
	}
}

func TestUpdateScalesWhenEnabledExceedsRunning(t *testing.T) {
	b := NewBuffer(1)
	b.Update([]perffile.Count{{Value: 0, TimeEnabled: 0, TimeRunning: 0}})
	// Enabled for 400ns, but only scheduled for 100ns: scale factor 4.
	b.Update([]perffile.Count{{Value: 50, TimeEnabled: 400, TimeRunning: 100}})

	got := b.Accumulated()
	want := []uint64{200}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Accumulated() = %v, want %v", got, want)
	}
}

func TestUpdateAppliesKernelBugWorkaroundWhenRunningExceedsEnabled(t *testing.T) {
	b := NewBuffer(1)
	b.Update([]perffile.Count{{Value: 0, TimeEnabled: 0, TimeRunning: 0}})
	b.Update([]perffile.Count{{Value: 10, TimeEnabled: 100, TimeRunning: 400}})

	got := b.Accumulated()
	want := []uint64{40}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Accumulated() = %v, want %v", got, want)
	}
}

func TestUpdateAccumulatesAcrossMultipleCalls(t *testing.T) {
	b := NewBuffer(2)
	b.Update([]perffile.Count{
		{Value: 10, TimeEnabled: 100, TimeRunning: 100},
		{Value: 20, TimeEnabled: 100, TimeRunning: 100},
	})
	b.Update([]perffile.Count{
		{Value: 30, TimeEnabled: 200, TimeRunning: 200},
		{Value: 50, TimeEnabled: 200, TimeRunning: 200},
	})
	b.Update([]perffile.Count{
		{Value: 60, TimeEnabled: 300, TimeRunning: 300},
		{Value: 90, TimeEnabled: 300, TimeRunning: 300},
	})

	got := b.Accumulated()
	want := []uint64{60, 90}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Accumulated() = %v, want %v", got, want)
	}
}

func TestUpdateNeverSchedulingDoesNotPanic(t *testing.T) {
	b := NewBuffer(1)
	b.Update([]perffile.Count{{Value: 0, TimeEnabled: 0, TimeRunning: 0}})
	b.Update([]perffile.Count{{Value: 0, TimeEnabled: 500, TimeRunning: 0}})

	got := b.Accumulated()
	want := []uint64{0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Accumulated() = %v, want %v", got, want)
	}
}
