package summary

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCollectorCountsProcessesAndThreadsOnce(t *testing.T) {
	c := NewCollector()
	c.RecordProcess(100)
	c.RecordProcess(100)
	c.RecordThread(101)
	c.RecordThread(102)

	b := c.Finish("/tmp/trace", 0)
	if b.Processes != 1 {
		t.Errorf("Processes = %d, want 1", b.Processes)
	}
	if b.Threads != 2 {
		t.Errorf("Threads = %d, want 2", b.Threads)
	}
}

func TestCollectorWakeupStatsNeedTwoWakeups(t *testing.T) {
	c := NewCollector()
	now := time.Unix(0, 0)
	c.RecordWakeup(now)
	b := c.Finish("", 0)
	if b.Wakeups != 1 {
		t.Errorf("Wakeups = %d, want 1", b.Wakeups)
	}
	if b.WakeupIntervalMean != 0 {
		t.Errorf("WakeupIntervalMean = %v, want 0 with a single wakeup", b.WakeupIntervalMean)
	}

	c2 := NewCollector()
	c2.RecordWakeup(now)
	c2.RecordWakeup(now.Add(10 * time.Millisecond))
	c2.RecordWakeup(now.Add(20 * time.Millisecond))
	b2 := c2.Finish("", 0)
	if b2.WakeupIntervalMean <= 0 {
		t.Errorf("WakeupIntervalMean = %v, want > 0 with three wakeups", b2.WakeupIntervalMean)
	}
}

func TestCollectorDeviceByteRate(t *testing.T) {
	c := NewCollector()
	c.RecordDeviceBytes(8, 4096)
	c.RecordDeviceBytes(8, 8192)
	c.RecordDeviceBytes(16, 512)

	b := c.Finish("", 0)
	if got := b.DeviceByteRate[8]; got != 6144 {
		t.Errorf("DeviceByteRate[8] = %v, want 6144", got)
	}
	if got := b.DeviceByteRate[16]; got != 512 {
		t.Errorf("DeviceByteRate[16] = %v, want 512", got)
	}
}

func TestCollectorSetupFailuresAndPrint(t *testing.T) {
	c := NewCollector()
	c.RecordBytes(1024)
	c.RecordSetupFailure("sample monitor cpu3", errors.New("perf_event_open: permission denied"))

	b := c.Finish("/var/trace/run1", 0)
	var buf bytes.Buffer
	b.Print(&buf)

	out := buf.String()
	for _, want := range []string{
		"nodescope summary:",
		"recorded bytes:  1024",
		"archive:         /var/trace/run1",
		"sample monitor cpu3: perf_event_open: permission denied",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Print output missing %q:\n%s", want, out)
		}
	}
}
