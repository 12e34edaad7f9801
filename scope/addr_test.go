package scope

import "testing"

func TestAddrRangeMapGetAndRemoveSplit(t *testing.T) {
	var m AddrRangeMap
	m.Add(AddrRange{0x1000, 0x2000}, "a")
	m.Add(AddrRange{0x3000, 0x4000}, "b")

	if _, v, ok := m.Get(0x1500); !ok || v != "a" {
		t.Fatalf("Get(0x1500) = %v, %v, want a, true", v, ok)
	}
	if _, _, ok := m.Get(0x2500); ok {
		t.Fatalf("Get(0x2500) unexpectedly found a mapping")
	}

	// Remove a middle chunk of "a", splitting it in two.
	m.Remove(AddrRange{0x1400, 0x1600})
	if _, _, ok := m.Get(0x1500); ok {
		t.Fatalf("Get(0x1500) still mapped after Remove")
	}
	if _, v, ok := m.Get(0x1100); !ok || v != "a" {
		t.Fatalf("Get(0x1100) after split = %v, %v, want a, true", v, ok)
	}
	if _, v, ok := m.Get(0x1900); !ok || v != "a" {
		t.Fatalf("Get(0x1900) after split = %v, %v, want a, true", v, ok)
	}
	if _, v, ok := m.Get(0x3500); !ok || v != "b" {
		t.Fatalf("Get(0x3500) = %v, %v, want b, true", v, ok)
	}
}

func TestAddrRangeMapForkIsIndependent(t *testing.T) {
	var m AddrRangeMap
	m.Add(AddrRange{0x1000, 0x2000}, "a")

	child := m.Fork()
	child.Add(AddrRange{0x5000, 0x6000}, "c")

	if _, _, ok := m.Get(0x5500); ok {
		t.Fatalf("parent saw child's post-fork mapping")
	}
	if _, v, ok := child.Get(0x1500); !ok || v != "a" {
		t.Fatalf("child lost inherited mapping: %v, %v", v, ok)
	}
}
