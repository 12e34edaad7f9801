package multireader

import "testing"

// sliceSource is a fixed in-memory Source, standing in for
// BlockTracepointSource's buffer-then-drain shape without opening any
// real perf event.
type sliceSource struct {
	items []uint64
	idx   int
}

func (s *sliceSource) Peek() (uint64, bool) {
	if s.idx >= len(s.items) {
		return 0, false
	}
	return s.items[s.idx], true
}

func (s *sliceSource) Next() (uint64, error) {
	v := s.items[s.idx]
	s.idx++
	return v, nil
}

func TestMergerDrainsInTimestampOrder(t *testing.T) {
	a := &sliceSource{items: []uint64{1, 4, 9}}
	b := &sliceSource{items: []uint64{2, 3, 5, 8}}
	c := &sliceSource{items: []uint64{6, 7}}

	m := New[uint64]([]Source[uint64]{a, b, c})

	var got []uint64
	if err := m.Drain(func(v uint64) error {
		got = append(got, v)
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	want := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMergerHandlesEmptySources(t *testing.T) {
	a := &sliceSource{}
	b := &sliceSource{items: []uint64{1, 2}}

	m := New[uint64]([]Source[uint64]{a, b})
	var got []uint64
	if err := m.Drain(func(v uint64) error {
		got = append(got, v)
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestMergerNextReportsExhaustion(t *testing.T) {
	m := New[uint64](nil)
	_, ok, err := m.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ok {
		t.Fatal("Next on empty Merger: want ok=false")
	}
}
