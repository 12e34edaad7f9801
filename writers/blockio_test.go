package writers

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

// TestBlockIOLifecycleScenario is the literal scenario: Insert(dev=1,
// sector=2048, t=100, mode=W, n=8); Issue(dev=1, sector=2048, t=110);
// Complete(dev=1, sector=2048, t=200, n=8). Expected:
// begin(t=100,size=4096,offset=2048), issued(t=110,offset=2048),
// complete(t=200,size=4096,offset=2048).
func TestBlockIOLifecycleScenario(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	tw := f.BioWriter(1)
	bio := NewBlockIO(tw, logrus.New())

	bio.Insert(1, 2048, 100, 8)
	bio.Issue(1, 2048, 110)
	bio.Complete(1, 2048, 200, 8)

	if len(bio.pending) != 0 {
		t.Fatalf("pending = %v, want empty after complete", bio.pending)
	}
	if tw.LastTimestamp() != 200 {
		t.Fatalf("LastTimestamp() = %d, want 200", tw.LastTimestamp())
	}
}

func TestBlockIODiscardsUnmatchedIssueAndComplete(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	tw := f.BioWriter(1)
	bio := NewBlockIO(tw, logrus.New())

	// No matching insert for either: both should be silently discarded,
	// not panic or create phantom pending state.
	bio.Issue(1, 9999, 10)
	bio.Complete(1, 9999, 20, 8)

	if len(bio.pending) != 0 {
		t.Fatalf("pending = %v, want empty", bio.pending)
	}
}

func TestBlockIOMatchesByDeviceAndSectorIndependently(t *testing.T) {
	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	tw := f.BioWriter(1)
	bio := NewBlockIO(tw, logrus.New())

	bio.Insert(1, 100, 1, 1)
	bio.Insert(2, 100, 2, 1) // same sector, different device: independent
	if len(bio.pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(bio.pending))
	}

	bio.Complete(1, 100, 3, 1)
	if _, stillPending := bio.pending[blockIOKey{device: 2, sector: 100}]; !stillPending {
		t.Fatalf("completing device 1's request should not affect device 2's")
	}
}
