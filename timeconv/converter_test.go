package timeconv

import (
	"testing"
	"time"
)

func TestConverterSyncEventScenario(t *testing.T) {
	const (
		wallNS   = 1_000_000_000
		kernelNS = 500_000_000
	)
	offset := time.Duration(wallNS) - time.Duration(kernelNS)
	c := NewConverter(offset)

	if got, want := c.Offset().Nanoseconds(), int64(500_000_000); got != want {
		t.Fatalf("offset = %d, want %d", got, want)
	}
	if got, want := c.ToTrace(600_000_000).Nanoseconds(), int64(1_100_000_000); got != want {
		t.Fatalf("ToTrace(600e6) = %d, want %d", got, want)
	}
}

func TestConverterRoundTrip(t *testing.T) {
	c := NewConverter(317 * time.Millisecond)
	for _, ts := range []uint64{0, 1, 500_000_000, 1 << 40} {
		trace := c.ToTrace(ts)
		back := c.ToKernel(trace)
		if back != ts {
			t.Fatalf("round trip broke for %d: ToKernel(ToTrace(%d)) = %d", ts, ts, back)
		}
	}
}
