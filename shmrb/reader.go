package shmrb

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reader is the consumer side of a shared ring buffer, owned by the
// GPU/OpenMP monitor that polls it. It maps the header alone first to
// learn the buffer's size (the file is sized by the producer), then
// maps the full double-mapped region.
type Reader struct {
	*region
}

// NewReader takes ownership of shmFD (received over a Listener) and
// maps its ring buffer. It signals consumerReady once mapped, which
// releases the producer from its CreateWriter wait.
func NewReader(shmFD int, clockID int32) (*Reader, error) {
	pageSize := os.Getpagesize()
	hdrMap, err := unix.Mmap(shmFD, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmrb: mmap header: %w", err)
	}
	hdr := (*Header)(unsafe.Pointer(&hdrMap[0]))
	size := hdr.size
	version := hdr.version
	unix.Munmap(hdrMap)

	if version != Version {
		return nil, fmt.Errorf("shmrb: incompatible ring buffer version %d (want %d)", version, Version)
	}

	reg, err := mapDouble(shmFD, size)
	if err != nil {
		return nil, err
	}
	reg.header.clockID = clockID

	r := &Reader{region: reg}
	atomic.StoreUint64(&reg.header.consumerReady, 1)
	return r, nil
}

func (r *Reader) Close() error {
	err := r.region.Close()
	unix.Close(r.fd)
	return err
}

// Process returns the pid the producer registered the buffer under.
func (r *Reader) Process() int64 { return r.header.pid }

// Empty reports whether even an EventHeader is available to read.
func (r *Reader) Empty() bool { return !r.canBeLoaded(eventHeaderSize) }

// Peek returns the next record's header and its full bytes (header
// included) without consuming it. The returned slice aliases the
// mapped region and is only valid until the next Pop.
func (r *Reader) Peek() (EventHeader, []byte, bool) {
	if !r.canBeLoaded(eventHeaderSize) {
		return EventHeader{}, nil, false
	}
	tail := r.loadTail()
	hdrBuf := r.dataSlice(tail, eventHeaderSize)
	eh := EventHeader{
		Type: nativeEndian.Uint64(hdrBuf[0:8]),
		Size: nativeEndian.Uint64(hdrBuf[8:16]),
	}
	if eh.Size < eventHeaderSize || !r.canBeLoaded(eh.Size) {
		return EventHeader{}, nil, false
	}
	return eh, r.dataSlice(tail, eh.Size), true
}

// Pop advances tail past a record of the given total size, previously
// returned by Peek. Calling Pop without a prior successful Peek is a
// programming error.
func (r *Reader) Pop(size uint64) {
	atomic.StoreUint64(&r.header.tail, (r.loadTail()+size)%r.size)
}
