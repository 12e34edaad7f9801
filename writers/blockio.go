package writers

import (
	"github.com/sirupsen/logrus"

	"github.com/nodescope/nodescope/trace"
)

// blockIOKey identifies one in-flight request by the tracepoint
// contract's (device, sector) pair.
type blockIOKey struct {
	device uint32
	sector uint64
}

// pendingIO is the state the BlockIO writer carries between an insert
// and its matching issue/complete.
type pendingIO struct {
	insertTS  uint64
	nrSectors uint32
	issued    bool
}

// BlockIO matches the three block_rq_* tracepoints (insert/queue,
// issue, complete) by (device, sector) and emits the three io-handle
// events spec.md §4.7 describes. Sector size is fixed at 512 bytes by
// the tracepoint contract.
type BlockIO struct {
	tw      *trace.Writer
	log     logrus.FieldLogger
	pending map[blockIOKey]*pendingIO
}

const sectorSize = 512

// NewBlockIO returns a BlockIO writer for one device's trace.Writer.
func NewBlockIO(tw *trace.Writer, log logrus.FieldLogger) *BlockIO {
	return &BlockIO{tw: tw, log: log, pending: map[blockIOKey]*pendingIO{}}
}

// Insert records a block_rq_insert/block_rq_queue tracepoint and
// emits io_operation_begin.
func (w *BlockIO) Insert(device uint32, sector uint64, ts uint64, nrSectors uint32) {
	key := blockIOKey{device, sector}
	w.pending[key] = &pendingIO{insertTS: ts, nrSectors: nrSectors}
	w.tw.IOBegin(ts, sector, uint64(nrSectors)*sectorSize)
}

// Issue records a block_rq_issue tracepoint and emits
// io_operation_issued. An issue with no matching insert is discarded
// with a debug log, per spec.md §4.7.
func (w *BlockIO) Issue(device uint32, sector uint64, ts uint64) {
	key := blockIOKey{device, sector}
	p, ok := w.pending[key]
	if !ok {
		w.log.WithFields(logrus.Fields{"device": device, "sector": sector}).
			Debug("block i/o writer: issue with no matching insert, discarding")
		return
	}
	p.issued = true
	w.tw.IOIssued(ts, sector)
}

// Complete records a block_rq_complete tracepoint and emits
// io_operation_complete. A complete with no matching insert is
// discarded with a debug log.
func (w *BlockIO) Complete(device uint32, sector uint64, ts uint64, nrSectors uint32) {
	key := blockIOKey{device, sector}
	if _, ok := w.pending[key]; !ok {
		w.log.WithFields(logrus.Fields{"device": device, "sector": sector}).
			Debug("block i/o writer: complete with no matching insert, discarding")
		return
	}
	delete(w.pending, key)
	w.tw.IOComplete(ts, sector, uint64(nrSectors)*sectorSize)
}
