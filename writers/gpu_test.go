package writers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/shmrb"
	"github.com/nodescope/nodescope/timeconv"
	"github.com/nodescope/nodescope/trace"
)

// openShmPair is the same producer/consumer handshake shape used by
// shmrb's own round-trip test, factored out here since GPU.Consume
// needs a live *shmrb.Reader to drain.
func openShmPair(t *testing.T, pid int64) (*shmrb.Writer, *shmrb.Reader) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "gpu.sock")

	listener, err := shmrb.Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	type acceptResult struct {
		fd    int
		mtype shmrb.MeasurementType
		err   error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		fd, mtype, err := listener.Accept()
		accepted <- acceptResult{fd, mtype, err}
	}()

	writerErr := make(chan error, 1)
	var writer *shmrb.Writer
	go func() {
		w, err := shmrb.CreateWriter(sockPath, pid, shmrb.MeasurementGPU, 1, 0)
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

	reader, err := shmrb.NewReader(res.fd, 0)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { reader.Close() })

	if err := <-writerErr; err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	t.Cleanup(func() { writer.Close() })

	return writer, reader
}

func putKernelDef(t *testing.T, w *shmrb.Writer, kernelID uint64, name string) {
	t.Helper()
	buf := w.Reserve(GPUEventKernelDef, 8+len(name))
	if buf == nil {
		t.Fatalf("Reserve for kernel-def failed")
	}
	nativeEndian.PutUint64(buf[16:24], kernelID)
	copy(buf[24:], name)
	w.Commit()
}

func putKernel(t *testing.T, w *shmrb.Writer, kernelID, start, end uint64) {
	t.Helper()
	buf := w.Reserve(GPUEventKernel, 24)
	if buf == nil {
		t.Fatalf("Reserve for kernel failed")
	}
	nativeEndian.PutUint64(buf[16:24], kernelID)
	nativeEndian.PutUint64(buf[24:32], start)
	nativeEndian.PutUint64(buf[32:40], end)
	w.Commit()
}

func TestGPUConsumeInternsNameAndEmitsKernelSpan(t *testing.T) {
	shmWriter, shmReader := openShmPair(t, 4242)

	putKernelDef(t, shmWriter, 7, "vector_add")
	putKernel(t, shmWriter, 7, 100, 200)

	f, err := trace.Open(t.TempDir(), timeconv.NewConverter(0))
	if err != nil {
		t.Fatalf("trace.Open: %v", err)
	}
	defer f.Close()

	gw := NewGPU(f.SampleWriterFor(scope.Process(4242)), scope.Process(4242))
	gw.Consume(shmReader)

	name, ok := gw.KernelName(7)
	if !ok || name != "vector_add" {
		t.Fatalf("KernelName(7) = (%q, %v), want (\"vector_add\", true)", name, ok)
	}
	if !shmReader.Empty() {
		t.Fatalf("reader should be drained after Consume")
	}
}
