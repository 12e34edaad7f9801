package resolvers

import (
	"testing"

	"github.com/nodescope/nodescope/scope"
)

type fixedResolver scope.LineInfo

func (f fixedResolver) Resolve(addr uint64) (scope.LineInfo, bool) {
	return scope.LineInfo(f), true
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	proc := scope.Process(100)
	rng := scope.AddrRange{Start: 0x1000, End: 0x2000}
	want := fixedResolver{Function: "main.main", DSO: "a.out"}

	r.Register(proc, rng, want)

	li, ok := r.Resolve(proc, 0x1500)
	if !ok || li.Function != "main.main" {
		t.Fatalf("Resolve(0x1500) = %v, %v; want main.main, true", li, ok)
	}

	if _, ok := r.Resolve(proc, 0x9000); ok {
		t.Fatal("Resolve outside every registered range: want ok=false")
	}
	if _, ok := r.Resolve(scope.Process(999), 0x1500); ok {
		t.Fatal("Resolve against an unregistered process: want ok=false")
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	proc := scope.Process(1)
	rng := scope.AddrRange{Start: 0x1000, End: 0x2000}

	r.Register(proc, rng, fixedResolver{Function: "f1"})
	r.Register(proc, rng, fixedResolver{Function: "f2"})

	li, _ := r.Resolve(proc, 0x1500)
	if li.Function != "f1" {
		t.Fatalf("second Register of the same range overwrote the first: got %q, want f1", li.Function)
	}
}

func TestRegistryForkIsCopyOnWrite(t *testing.T) {
	r := NewRegistry()
	parent := scope.Process(1)
	child := scope.Process(2)
	rng := scope.AddrRange{Start: 0x1000, End: 0x2000}
	r.Register(parent, rng, fixedResolver{Function: "shared"})

	r.Fork(parent, child)
	r.Register(child, scope.AddrRange{Start: 0x5000, End: 0x6000}, fixedResolver{Function: "child-only"})

	if _, ok := r.Resolve(parent, 0x5500); ok {
		t.Fatal("child's post-fork registration leaked into parent's map")
	}
	if li, ok := r.Resolve(child, 0x1500); !ok || li.Function != "shared" {
		t.Fatalf("child lost parent's pre-fork range: %v, %v", li, ok)
	}
}

func TestRegistryUnregisterAndExit(t *testing.T) {
	r := NewRegistry()
	proc := scope.Process(1)
	rng := scope.AddrRange{Start: 0x1000, End: 0x2000}
	r.Register(proc, rng, fixedResolver{Function: "f"})

	r.Unregister(proc, rng)
	if _, ok := r.Resolve(proc, 0x1500); ok {
		t.Fatal("Resolve after Unregister: want ok=false")
	}

	r.Register(proc, rng, fixedResolver{Function: "f"})
	r.Exit(proc)
	if _, ok := r.Resolve(proc, 0x1500); ok {
		t.Fatal("Resolve after Exit: want ok=false")
	}
}
