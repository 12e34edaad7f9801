package writers

import (
	"encoding/binary"

	"github.com/nodescope/nodescope/cctx"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/shmrb"
	"github.com/nodescope/nodescope/trace"
)

// Event type tags carried in a shmrb.EventHeader.Type for GPU/OpenMP
// ring buffers: a kernel-def record interns a function address under
// a name once; a kernel record reports one execution's start/end.
const (
	GPUEventKernelDef uint64 = iota + 1
	GPUEventKernel
)

var nativeEndian = binary.NativeEndian

// GPU consumes kernel-def/kernel records from one process's shared
// ring buffer and emits the two-level Process(p) -> Cuda(kernel_id)
// calling context spec.md §4.7 describes for the GPU/OpenMP writer.
// An Openmp variant (OpenMP) emits Process(p) -> Openmp(descriptor)
// instead, from kernel records with the same header and type tag whose
// payload carries a two-word descriptor (region, parallel id) ahead of
// start and end.
type GPU struct {
	tw      *trace.Writer
	process scope.Execution
	names   map[uint64]string
	procOpen bool
}

// NewGPU returns a GPU writer for one process's ring buffer.
func NewGPU(tw *trace.Writer, process scope.Execution) *GPU {
	return &GPU{tw: tw, process: process, names: map[uint64]string{}}
}

func (w *GPU) ensureProcess(ts uint64) {
	if w.procOpen {
		return
	}
	w.tw.Enter(ts, 0, cctx.Process(w.process))
	w.procOpen = true
}

// Consume drains every record currently available in r, applying
// kernel-def records to the name table and emitting an enter/leave
// pair for each kernel record.
func (w *GPU) Consume(r *shmrb.Reader) {
	for {
		eh, data, ok := r.Peek()
		if !ok {
			return
		}
		payload := data[16:eh.Size]
		switch eh.Type {
		case GPUEventKernelDef:
			kernelID := nativeEndian.Uint64(payload[0:8])
			name := string(payload[8:])
			w.names[kernelID] = name
		case GPUEventKernel:
			kernelID := nativeEndian.Uint64(payload[0:8])
			start := nativeEndian.Uint64(payload[8:16])
			end := nativeEndian.Uint64(payload[16:24])
			w.ensureProcess(start)
			w.tw.Enter(start, 1, cctx.Cuda(kernelID))
			w.tw.Leave(end, 1)
		}
		r.Pop(eh.Size)
	}
}

// KernelName returns the interned name for kernelID, if a kernel-def
// record for it has been consumed.
func (w *GPU) KernelName(kernelID uint64) (string, bool) {
	name, ok := w.names[kernelID]
	return name, ok
}

// OpenMP is the OpenMP-flavored counterpart of GPU: same record header
// and kernel type tag, Openmp(descriptor) context instead of
// Cuda(kernel_id), with payload region, parallel id, start, end.
type OpenMP struct {
	tw       *trace.Writer
	process  scope.Execution
	procOpen bool
}

// NewOpenMP returns an OpenMP writer for one process's ring buffer.
func NewOpenMP(tw *trace.Writer, process scope.Execution) *OpenMP {
	return &OpenMP{tw: tw, process: process}
}

func (w *OpenMP) ensureProcess(ts uint64) {
	if w.procOpen {
		return
	}
	w.tw.Enter(ts, 0, cctx.Process(w.process))
	w.procOpen = true
}

// Consume drains every kernel record in r as an OpenMP region,
// keying the descriptor on (region, parallel id) packed into the
// payload the same way GPU.Consume reads a kernel id.
func (w *OpenMP) Consume(r *shmrb.Reader) {
	for {
		eh, data, ok := r.Peek()
		if !ok {
			return
		}
		payload := data[16:eh.Size]
		if eh.Type == GPUEventKernel {
			region := nativeEndian.Uint64(payload[0:8])
			parallelID := nativeEndian.Uint64(payload[8:16])
			start := nativeEndian.Uint64(payload[16:24])
			end := nativeEndian.Uint64(payload[24:32])
			w.ensureProcess(start)
			w.tw.Enter(start, 1, cctx.Openmp(cctx.OmpDescriptor{Region: region, ParallelID: parallelID}))
			w.tw.Leave(end, 1)
		}
		r.Pop(eh.Size)
	}
}
