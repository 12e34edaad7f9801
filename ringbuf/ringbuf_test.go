package ringbuf

import (
	"bytes"
	"testing"
)

// newTestReader builds a Reader over a plain (non-mmap) buffer so the
// wrap-around linearization algorithm can be exercised without a real
// perf_event fd.
func newTestReader(dataSize uint64) *Reader {
	data := make([]byte, dataSize)
	return &Reader{
		ctrl: &controlPage{dataSize: dataSize},
		data: data,
	}
}

func putRecord(r *Reader, off uint64, typ uint32, payload []byte) uint64 {
	size := uint64(len(r.data))
	hdr := make([]byte, recordHeaderSize)
	nativeEndian.PutUint32(hdr[0:4], typ)
	nativeEndian.PutUint16(hdr[4:6], 0)
	nativeEndian.PutUint16(hdr[6:8], uint16(recordHeaderSize+len(payload)))
	rec := append(hdr, payload...)
	for i, b := range rec {
		r.data[(off+uint64(i))%size] = b
	}
	return uint64(len(rec))
}

func TestReadLinearizesWrappedRecord(t *testing.T) {
	r := newTestReader(64)
	payload := bytes.Repeat([]byte{0xAB}, 40)
	// Place the record so it straddles the end of the buffer.
	off := uint64(50)
	n := putRecord(r, off, 7, payload)
	r.ctrl.dataTail = off
	r.ctrl.dataHead = off + n

	var got []Record
	if err := r.Read(func(rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].Type != 7 {
		t.Fatalf("Type = %d, want 7", got[0].Type)
	}
	if !bytes.Equal(got[0].Data[recordHeaderSize:], payload) {
		t.Fatalf("payload mismatch after linearization")
	}
	if r.ctrl.dataTail != r.ctrl.dataHead {
		t.Fatalf("tail = %d, want %d (fully drained)", r.ctrl.dataTail, r.ctrl.dataHead)
	}
}

func TestReadMultipleRecordsNoWrap(t *testing.T) {
	r := newTestReader(128)
	var off uint64
	off += putRecord(r, off, 1, []byte("aaaa"))
	off += putRecord(r, off, 2, []byte("bb"))
	r.ctrl.dataHead = off

	var kinds []uint32
	if err := r.Read(func(rec Record) error {
		kinds = append(kinds, rec.Type)
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != 1 || kinds[1] != 2 {
		t.Fatalf("kinds = %v, want [1 2]", kinds)
	}
}

func TestReadZeroLengthRecordIsFatal(t *testing.T) {
	r := newTestReader(32)
	hdr := make([]byte, recordHeaderSize) // size field left 0
	copy(r.data, hdr)
	r.ctrl.dataHead = recordHeaderSize

	if err := r.Read(func(Record) error { return nil }); err == nil {
		t.Fatalf("expected error for zero-length record")
	}
}

func TestPendingAndEmpty(t *testing.T) {
	r := newTestReader(16)
	if r.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", r.Pending())
	}
	r.ctrl.dataHead = 8
	if r.Pending() != 8 {
		t.Fatalf("Pending() = %d, want 8", r.Pending())
	}
}
