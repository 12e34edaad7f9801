// Package counters implements the double-buffered accumulation of
// grouped perf_event counter reads (spec.md §4.5, Counter Buffer,
// component C4).
//
// The kernel's PERF_FORMAT_GROUP read format guarantees all counters
// in a group are read atomically by a single read(2) call, but says
// nothing about how long each counter was actually scheduled on the
// PMU relative to the others: multiplexing can leave one counter
// running the whole interval and another running only a fraction of
// it. time_enabled/time_running let a reader scale a counter's raw
// delta up to what it would have read had it run the whole interval.
package counters

import "github.com/nodescope/nodescope/perffile"

// Buffer holds the previous and current grouped counter reads and the
// running accumulated (scaled) totals, one per counter in group order.
type Buffer struct {
	prev, curr  []perffile.Count
	accumulated []uint64
}

// NewBuffer returns a Buffer sized for a group of n counters.
func NewBuffer(n int) *Buffer {
	return &Buffer{
		prev:        make([]perffile.Count, n),
		curr:        make([]perffile.Count, n),
		accumulated: make([]uint64, n),
	}
}

// Update records a new grouped read, updating Accumulated() in place
// per spec.md §4.5's scaling algorithm, then swaps curr and prev so
// the next call reuses the now-stale buffer instead of allocating.
//
// read must have the same length as the buffer was created with.
func (b *Buffer) Update(read []perffile.Count) {
	copy(b.curr, read)

	// time_enabled/time_running are shared across every counter in the
	// group; any entry carries the group's pair (perffile's decoder
	// duplicates it onto every Count in the read).
	var deltaEnabled, deltaRunning uint64
	if len(b.curr) > 0 {
		deltaEnabled = b.curr[0].TimeEnabled - b.prev[0].TimeEnabled
		deltaRunning = b.curr[0].TimeRunning - b.prev[0].TimeRunning
	}

	for i := range b.curr {
		deltaValue := b.curr[i].Value - b.prev[i].Value
		switch {
		case deltaEnabled == 0 || deltaRunning == deltaEnabled || deltaRunning == 0:
			// deltaRunning == 0 with deltaEnabled > 0 means the counter
			// wasn't scheduled at all this interval; deltaValue is 0 too,
			// so fall through to the unscaled path rather than divide by
			// zero.
			b.accumulated[i] += deltaValue
		case deltaEnabled > deltaRunning:
			// Multiply before dividing: deltaEnabled/deltaRunning alone
			// truncates to an integer scale factor, losing precision
			// whenever the ratio isn't exact.
			b.accumulated[i] += (deltaEnabled * deltaValue) / deltaRunning
		default:
			// Kernel bug workaround: time_running briefly overtakes
			// time_enabled under heavy multiplexing churn.
			b.accumulated[i] += (deltaRunning * deltaValue) / deltaEnabled
		}
	}

	b.prev, b.curr = b.curr, b.prev
}

// Accumulated returns the running scaled totals, one per counter in
// group order. The returned slice aliases Buffer's internal state and
// is only valid until the next Update.
func (b *Buffer) Accumulated() []uint64 {
	return b.accumulated
}
