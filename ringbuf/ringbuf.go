// Package ringbuf consumes the kernel-mapped circular buffer behind a
// perf_event fd: one control page (struct perf_event_mmap_page)
// followed by N data pages, exactly per spec.md §4.2.
//
// The control-page layout here mirrors struct perf_event_mmap_page
// from linux/perf_event.h field-for-field, the same way
// nathanjsweet/ebpf's perfEventRing overlays a struct on mmap[0] with
// unsafe.Pointer; data_head/data_tail are read and written with
// sync/atomic, which on every architecture Go supports gives at least
// the acquire/release ordering the kernel's documented protocol
// requires.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var nativeEndian = binary.NativeEndian

// controlPage mirrors struct perf_event_mmap_page. Only the fields
// the reader needs are named; the capability bitfields and the
// reserved region are kept as opaque padding so the offsets of
// data_head onward land correctly.
type controlPage struct {
	version        uint32
	compatVersion  uint32
	lock           uint32
	index          uint32
	offset         int64
	timeEnabled    uint64
	timeRunning    uint64
	capabilities   uint64
	pmcWidth       uint16
	timeShift      uint16
	timeMult       uint32
	timeOffset     uint64
	timeZero       uint64
	size           uint32
	reserved       [118*8 + 4]byte
	dataHead       uint64
	dataTail       uint64
	dataOffset     uint64
	dataSize       uint64
	auxHead        uint64
	auxTail        uint64
	auxOffset      uint64
	auxSize        uint64
}

// Record is one linearized record copied out of the ring buffer: an
// 8-byte header (type, misc, size) followed by its payload, handed to
// perffile.Decoder.Decode as-is.
type Record struct {
	Type uint32
	Misc uint16
	Size uint16
	Data []byte
}

// Reader consumes one perf_event ring buffer. It is not safe for
// concurrent use; each monitor owns exactly one Reader per fd.
type Reader struct {
	fd   int
	mmap []byte
	ctrl *controlPage
	data []byte

	scratch []byte
	lost    uint64
}

// WatermarkFraction is the default back-pressure wakeup threshold
// from spec.md §4.2: the kernel is configured to wake the reader once
// head-tail exceeds 80% of the mapped data region.
const WatermarkFraction = 0.8

// New maps nPages+1 pages (one control page, nPages data pages, each
// os.Getpagesize() bytes) from fd, which must already be a perf_event
// fd returned by perfopen.Open. nPages must be a power of two.
func New(fd int, nPages int) (*Reader, error) {
	pageSize := os.Getpagesize()
	size := (1 + nPages) * pageSize

	mmap, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap ring buffer: %w", err)
	}

	ctrl := (*controlPage)(unsafe.Pointer(&mmap[0]))
	r := &Reader{
		fd:   fd,
		mmap: mmap,
		ctrl: ctrl,
		data: mmap[pageSize:],
	}
	return r, nil
}

// Close unmaps the ring buffer. It does not close fd.
func (r *Reader) Close() error {
	return unix.Munmap(r.mmap)
}

// DataSize is the length in bytes of the data region (the N pages
// after the control page).
func (r *Reader) DataSize() uint64 {
	return atomic.LoadUint64(&r.ctrl.dataSize)
}

// Pending reports how many bytes are available to read without
// blocking: head - tail, per the control page.
func (r *Reader) Pending() uint64 {
	head := atomic.LoadUint64(&r.ctrl.dataHead)
	tail := atomic.LoadUint64(&r.ctrl.dataTail)
	return head - tail
}

// LostRecords returns the running total of lost event records added
// through AddLost.
func (r *Reader) LostRecords() uint64 {
	return atomic.LoadUint64(&r.lost)
}

// AddLost adds n to the total LostRecords reports. The demux layer
// does not call it: it passes each perffile.RecordLost count to its
// handler's OnLost instead.
func (r *Reader) AddLost(n uint64) {
	atomic.AddUint64(&r.lost, n)
}

const recordHeaderSize = 8

// Read drains every record currently available and calls fn for each
// one, implementing the per-wakeup algorithm of spec.md §4.2:
//
//  1. load head with an acquire fence; if head == tail, nothing to do.
//  2. for each record at tail%size, read its 8-byte header, linearize
//     a wrapped record into a scratch buffer, hand it to fn.
//  3. store tail back with a release fence.
//
// fn's Record.Data aliases Reader's scratch buffer (when linearized)
// or the mmap region directly (when not); it is only valid until the
// next call to Read.
func (r *Reader) Read(fn func(Record) error) error {
	size := atomic.LoadUint64(&r.ctrl.dataSize)
	head := atomic.LoadUint64(&r.ctrl.dataHead)
	tail := atomic.LoadUint64(&r.ctrl.dataTail)

	for head != tail {
		off := tail % size

		hdrBytes, err := r.read(off, recordHeaderSize, size)
		if err != nil {
			return err
		}
		typ := nativeEndian.Uint32(hdrBytes[0:4])
		misc := nativeEndian.Uint16(hdrBytes[4:6])
		recSize := nativeEndian.Uint16(hdrBytes[6:8])
		if recSize == 0 {
			return fmt.Errorf("ringbuf: zero-length record at offset %d (tail=%d head=%d)", off, tail, head)
		}

		body, err := r.read(off, uint64(recSize), size)
		if err != nil {
			return err
		}
		// body includes the 8-byte header; callers (perffile.Decoder)
		// parse the header themselves from the start of Data.
		rec := Record{Type: typ, Misc: misc, Size: recSize, Data: body}
		if err := fn(rec); err != nil {
			return err
		}

		tail += uint64(recSize)
	}

	atomic.StoreUint64(&r.ctrl.dataTail, tail)
	return nil
}

// read returns recSize bytes starting at byte offset off within a
// data region of the given size, copying into a scratch buffer and
// linearizing the wrap when the record crosses the end of the
// buffer.
func (r *Reader) read(off, recSize, size uint64) ([]byte, error) {
	if off+recSize <= size {
		return r.data[off : off+recSize], nil
	}
	if cap(r.scratch) < int(recSize) {
		r.scratch = make([]byte, recSize)
	}
	scratch := r.scratch[:recSize]
	first := size - off
	copy(scratch[:first], r.data[off:size])
	copy(scratch[first:], r.data[:recSize-first])
	return scratch, nil
}
