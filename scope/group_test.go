package scope

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestGroupThreadUnderKnownProcess(t *testing.T) {
	g := NewGroup(logrus.New())
	proc := Process(100)
	thr := Thread(101)

	g.AddProcess(proc)
	g.AddThread(thr, proc)

	if got := g.GroupOf(thr); got != proc {
		t.Fatalf("GroupOf(thread) = %v, want %v", got, proc)
	}
	if !g.IsThread(thr) {
		t.Fatalf("IsThread(thread) = false, want true")
	}
	if g.IsThread(proc) {
		t.Fatalf("IsThread(process) = true, want false")
	}
}

func TestGroupThreadWithUnknownParentSynthesizesPhantomGroup(t *testing.T) {
	g := NewGroup(logrus.New())
	parent := Process(5)
	thr := Thread(6)

	g.AddThread(thr, parent)

	if got := g.GroupOf(thr); got != parent {
		t.Fatalf("GroupOf(thread) = %v, want phantom group %v", got, parent)
	}
	if got := g.GroupOf(parent); got != parent {
		t.Fatalf("GroupOf(parent) = %v, want %v (self-group)", got, parent)
	}
}

func TestGroupUnknownThreadResolvesToSentinel(t *testing.T) {
	g := NewGroup(logrus.New())
	if got := g.GroupOf(Thread(999)); got != Process(0) {
		t.Fatalf("GroupOf(never-seen thread) = %v, want %v", got, Process(0))
	}
}

func TestGroupCPUAndProcessAreOwnGroup(t *testing.T) {
	g := NewGroup(logrus.New())
	cpu := CPU(3)
	g.AddCPU(cpu)
	if got := g.GroupOf(cpu); got != cpu {
		t.Fatalf("GroupOf(cpu) = %v, want %v", got, cpu)
	}
	// A process never explicitly added still maps to itself.
	other := Process(42)
	if got := g.GroupOf(other); got != other {
		t.Fatalf("GroupOf(unregistered process) = %v, want %v", got, other)
	}
}
