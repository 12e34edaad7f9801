// Package shmrb implements the double-mapped shared-memory ring
// buffer used to exchange events with injected GPU/OpenMP agents
// (spec.md §4.3, Shared Ring Buffer, component C10).
//
// A memfd-backed region is mapped twice back-to-back so that any
// record shorter than the data region appears contiguous in virtual
// memory regardless of where it wraps: the producer and consumer
// never special-case a split record the way ringbuf.Reader must for
// the kernel's perf_event buffer.
package shmrb

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Version must match between producer and consumer; bump it whenever
// Header or the event wire formats change.
const Version uint64 = 2

// MeasurementType tags which kind of agent is on the producing end of
// a buffer, sent as the payload of the SCM_RIGHTS handshake message.
type MeasurementType uint64

const (
	MeasurementGPU MeasurementType = iota
	MeasurementOpenMP
)

// Header is the control structure living on the first page of the
// memfd, mirroring struct ringbuf_header field-for-field: version and
// size are fixed at creation, head/tail/consumerReady are accessed
// with atomics by both sides of the handshake.
type Header struct {
	version       uint64
	size          uint64
	head          uint64
	tail          uint64
	pid           int64
	consumerReady uint64
	clockID       int32
	_             int32
}

// EventHeader is the 16-byte header every record in the data region
// starts with: a type tag interpreted by the domain-specific writer
// (gpu/openmp) and the total size of the record including this
// header.
type EventHeader struct {
	Type uint64
	Size uint64
}

const eventHeaderSize = 16

// region is the common double-mapped memory management shared by
// Writer and Reader.
type region struct {
	fd     int
	header *Header
	// full spans the header page followed by the data region mapped
	// twice back-to-back: full[pageSize+size:] mirrors
	// full[pageSize:pageSize+size] through the second mapping, so a
	// record starting near the end of the data region can still be
	// read/written linearly past it (see dataSlice).
	full []byte
	size uint64
}

func (r *region) dataSlice(off, n uint64) []byte {
	// full[] spans header page + 2*size; off is relative to the start
	// of the data region (i.e. full[pageSize:]).
	pageSize := uint64(os.Getpagesize())
	return r.full[pageSize+off : pageSize+off+n]
}

// mapDouble maps fd (sized by the producer to pageSize+dataSize: the
// header page plus one copy of the data region) per the technique in
// spec.md §4.3: map 2*dataSize+pageSize once to reserve the address
// range, then map the data region's bytes a second time over the back
// dataSize bytes of that range with MAP_FIXED.
func mapDouble(fd int, dataSize uint64) (*region, error) {
	pageSize := uint64(os.Getpagesize())
	full, err := unix.Mmap(fd, 0, int(pageSize+2*dataSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmrb: mmap primary region: %w", err)
	}

	base := uintptr(unsafe.Pointer(&full[0]))
	mirrorAddr := base + uintptr(pageSize+dataSize)
	if err := mmapFixed(mirrorAddr, dataSize, fd, int64(pageSize)); err != nil {
		unix.Munmap(full)
		return nil, fmt.Errorf("shmrb: mmap mirror region: %w", err)
	}

	hdr := (*Header)(unsafe.Pointer(&full[0]))
	return &region{fd: fd, header: hdr, full: full, size: dataSize}, nil
}

// mmapFixed maps fd's data at byte offset off over the page range
// starting at addr, overwriting whatever was mapped there. This is
// the one piece of the double-mapping trick golang.org/x/sys/unix
// doesn't expose a helper for: unix.Mmap always picks its own
// address, so the fixed-address remap goes through the raw syscall.
func mmapFixed(addr uintptr, length uint64, fd int, off int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd), uintptr(off))
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *region) Close() error {
	return unix.Munmap(r.full)
}

func (r *region) loadHead() uint64 { return atomic.LoadUint64(&r.header.head) }
func (r *region) loadTail() uint64 { return atomic.LoadUint64(&r.header.tail) }

// canBeLoaded reports whether evSize bytes are available to read
// starting at tail, per ShmRingbuf::can_be_loaded.
func (r *region) canBeLoaded(evSize uint64) bool {
	head, tail := r.loadHead(), r.loadTail()
	if tail <= head {
		return tail+evSize <= head
	}
	return tail+evSize <= head+r.size
}

// canBeReserved reports whether evSize bytes are free to write
// starting at head, per ShmRingbuf::head's null-check.
func (r *region) canBeReserved(evSize uint64) bool {
	head, tail := r.loadHead(), r.loadTail()
	if head >= tail {
		return head+evSize < tail+r.size
	}
	return head+evSize < tail
}

var nativeEndian = binary.NativeEndian
