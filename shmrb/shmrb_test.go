package shmrb

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "shmrb.sock")

	listener, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	type acceptResult struct {
		fd    int
		mtype MeasurementType
		err   error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		fd, mtype, err := listener.Accept()
		accepted <- acceptResult{fd, mtype, err}
	}()

	writerErr := make(chan error, 1)
	var writer *Writer
	go func() {
		w, err := CreateWriter(sockPath, 4242, MeasurementGPU, 1, 0)
		writer = w
		writerErr <- err
	}()

	var res acceptResult
	select {
	case res = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}

	reader, err := NewReader(res.fd, 0)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	if err := <-writerErr; err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	defer writer.Close()

	if got := reader.Process(); got != 4242 {
		t.Fatalf("Process() = %d, want 4242", got)
	}
	if !reader.Empty() {
		t.Fatalf("reader should be empty before any event is written")
	}

	payload := []byte("kernel_name")
	buf := writer.Reserve(7, len(payload))
	if buf == nil {
		t.Fatalf("Reserve returned nil")
	}
	copy(buf[eventHeaderSize:], payload)
	writer.Commit()

	eh, data, ok := reader.Peek()
	if !ok {
		t.Fatalf("Peek found nothing after Commit")
	}
	if eh.Type != 7 {
		t.Fatalf("event type = %d, want 7", eh.Type)
	}
	if string(data[eventHeaderSize:]) != string(payload) {
		t.Fatalf("payload = %q, want %q", data[eventHeaderSize:], payload)
	}
	reader.Pop(eh.Size)

	if !reader.Empty() {
		t.Fatalf("reader should be empty after Pop")
	}
}

func TestReserveReturnsNilWhenFull(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "shmrb2.sock")
	listener, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan int, 1)
	go func() {
		fd, _, err := listener.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- fd
	}()

	writerErr := make(chan error, 1)
	var writer *Writer
	go func() {
		w, err := CreateWriter(sockPath, 1, MeasurementOpenMP, 1, 0)
		writer = w
		writerErr <- err
	}()

	fd := <-accepted
	reader, err := NewReader(fd, 0)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	if err := <-writerErr; err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	defer writer.Close()

	// One data page (4096 bytes) total capacity. Reserve most of it,
	// leaving too little room for a second same-sized record but
	// stopping short of exactly wrapping head back to 0 (which would
	// be indistinguishable from empty).
	if buf := writer.Reserve(1, 2984); buf == nil {
		t.Fatalf("first large Reserve unexpectedly failed")
	} else {
		writer.Commit()
	}
	if buf := writer.Reserve(1, 2000); buf != nil {
		t.Fatalf("Reserve succeeded when buffer should be full")
	}
}
