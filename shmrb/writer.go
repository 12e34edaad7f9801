package shmrb

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultPages is the number of data pages allocated per buffer
// unless overridden, matching the producer side's DEFAULT_PAGE_NUM.
const DefaultPages = 16

// Writer is the producer side of a shared ring buffer: created by an
// injected GPU/OpenMP agent (or, in this module, by the in-process
// stand-in that exercises the same path for testing) and handed to
// the tracer over a Unix socket.
type Writer struct {
	*region
	clockID  int32
	reserved uint64
}

// CreateWriter allocates a memfd-backed buffer of pages data pages,
// connects to socketPath, and hands the buffer's fd to whoever is
// listening there (the tracer's shmrb.Listener) via SCM_RIGHTS, then
// busy-waits for the consumer to signal readiness. process is the
// pid the consumer should attribute the buffer's events to.
func CreateWriter(socketPath string, process int64, mtype MeasurementType, pages int, clockID int32) (*Writer, error) {
	if pages < 1 {
		return nil, fmt.Errorf("shmrb: invalid page count %d", pages)
	}
	fd, err := unix.MemfdCreate("nodescope-shmrb", 0)
	if err != nil {
		return nil, fmt.Errorf("shmrb: memfd_create: %w", err)
	}

	pageSize := uint64(os.Getpagesize())
	dataSize := uint64(pages) * pageSize
	if err := unix.Ftruncate(fd, int64(pageSize+dataSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmrb: ftruncate: %w", err)
	}

	reg, err := mapDouble(fd, dataSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	reg.header.version = Version
	reg.header.size = dataSize
	reg.header.pid = process
	reg.header.clockID = clockID
	atomic.StoreUint64(&reg.header.head, 0)
	atomic.StoreUint64(&reg.header.tail, 0)

	w := &Writer{region: reg, clockID: clockID}

	if err := sendFD(socketPath, fd, mtype); err != nil {
		reg.Close()
		unix.Close(fd)
		return nil, err
	}

	for atomic.LoadUint64(&reg.header.consumerReady) == 0 {
		runtime.Gosched()
	}
	return w, nil
}

func (w *Writer) Close() error {
	err := w.region.Close()
	unix.Close(w.fd)
	return err
}

// Reserve makes room for an evType event carrying payloadLen extra
// bytes beyond EventHeader and returns the whole record (header plus
// payload) for the caller to fill in; the header's Type and Size
// fields are already set. It returns nil if the buffer has no room,
// mirroring ShmRingbuf::head's null return under back-pressure: the
// caller is expected to drop the event rather than block the agent
// it's instrumenting.
func (w *Writer) Reserve(evType uint64, payloadLen int) []byte {
	if w.reserved != 0 {
		panic("shmrb: Reserve called with a reservation already outstanding")
	}
	evSize := uint64(eventHeaderSize + payloadLen)
	if !w.canBeReserved(evSize) {
		return nil
	}
	buf := w.dataSlice(w.loadHead(), evSize)
	for i := range buf {
		buf[i] = 0
	}
	hdr := (*EventHeader)(unsafe.Pointer(&buf[0]))
	hdr.Type = evType
	hdr.Size = evSize
	w.reserved = evSize
	return buf
}

// Commit publishes the record last returned by Reserve to the
// consumer by advancing head.
func (w *Writer) Commit() {
	if w.reserved == 0 {
		panic("shmrb: Commit called without an outstanding Reserve")
	}
	atomic.StoreUint64(&w.header.head, (w.loadHead()+w.reserved)%w.size)
	w.reserved = 0
}

// Timestamp reads the wall-clock time on the clock the consumer
// expects records to be timestamped with (header.clockID, set by the
// consumer before handing back the buffer).
func (w *Writer) Timestamp() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(w.header.clockID, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec), nil
}
