// Package multireader implements the Multi-Reader (spec.md §4.10,
// component C9): a k-way merge of independently-ordered per-source
// event streams into a single globally timestamp-ordered stream.
//
// No pack repo merges multiple ordered channels this way, so the
// merge engine itself is built directly on container/heap, the
// standard way Go expresses a priority queue (the same package the Go
// runtime's own timer implementation is conceptually modeled on); see
// DESIGN.md for why no third-party alternative fit here.
package multireader

import "container/heap"

// Source is one producer of timestamp-ordered records. Peek reports
// the timestamp of the next unconsumed record without removing it;
// ok is false once the source is exhausted. Next removes and returns
// that record. A Merger never calls Next without a preceding
// successful Peek, so implementations may assume Next has a record
// ready.
type Source[T any] interface {
	Peek() (ts uint64, ok bool)
	Next() (T, error)
}

// item is the heap's element: the already-peeked timestamp for one
// source, so Less never has to call back into a Source.
type item struct {
	ts  uint64
	src int
}

type itemHeap []item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].ts < h[j].ts }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Merger drains N Sources in non-decreasing timestamp order, the
// "per-device monotonic order" property spec.md §8 requires of the
// block I/O device monitors that consume it.
type Merger[T any] struct {
	sources []Source[T]
	h       itemHeap
}

// New builds a Merger over sources, peeking each once to seed the
// heap. A source with nothing ready at that point is left out of the
// merge for good: only the source a record was just taken from is
// peeked again. New itself only ever reads what's already buffered.
func New[T any](sources []Source[T]) *Merger[T] {
	m := &Merger[T]{sources: sources}
	heap.Init(&m.h)
	for i := range sources {
		m.seed(i)
	}
	return m
}

func (m *Merger[T]) seed(i int) {
	if ts, ok := m.sources[i].Peek(); ok {
		heap.Push(&m.h, item{ts: ts, src: i})
	}
}

// Next returns the globally-next record across every source, or
// ok=false once every source has been drained dry. Draining one
// source to exhaustion does not stop the others: Next keeps returning
// records from whichever sources still have them until all do not.
func (m *Merger[T]) Next() (v T, ok bool, err error) {
	if m.h.Len() == 0 {
		return v, false, nil
	}
	it := heap.Pop(&m.h).(item)
	v, err = m.sources[it.src].Next()
	if err != nil {
		return v, false, err
	}
	m.seed(it.src)
	return v, true, nil
}

// Drain calls fn for every record across every source in timestamp
// order until all sources are exhausted or fn returns an error.
func (m *Merger[T]) Drain(fn func(T) error) error {
	for {
		v, ok, err := m.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(v); err != nil {
			return err
		}
	}
}
