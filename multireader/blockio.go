package multireader

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/monitor"
	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/perfopen"
	"github.com/nodescope/nodescope/ringbuf"
	"github.com/nodescope/nodescope/scope"
	"github.com/nodescope/nodescope/tracepoint"
)

// BlockEventKind distinguishes the three block_rq_* tracepoints a
// BlockIO writer matches by (device, sector).
type BlockEventKind int

const (
	BlockInsert BlockEventKind = iota
	BlockIssue
	BlockComplete
)

// blockTracepoints names the kernel tracepoints backing each
// BlockEventKind, in the perf-tool "subsystem:name" spelling
// tracepoint.Load accepts directly.
var blockTracepoints = map[BlockEventKind]string{
	BlockInsert:   "block:block_rq_insert",
	BlockIssue:    "block:block_rq_issue",
	BlockComplete: "block:block_rq_complete",
}

// BlockEvent is one decoded block_rq_* tracepoint sample: enough to
// drive writers.BlockIO's Insert/Issue/Complete calls once merged
// into per-device order.
type BlockEvent struct {
	Timestamp uint64
	Kind      BlockEventKind
	Device    uint32
	Sector    uint64
	NrSectors uint32
}

// BlockTracepointSource is a Source[BlockEvent] backed by one
// CPU-pinned perf tracepoint event. Unlike cpuMonitor and
// sampleMonitor (which dispatch each decoded record as it arrives),
// a BlockTracepointSource only buffers decoded events: the ordering
// guarantee multireader exists to provide only has meaning once every
// source's stream for the trace is complete, so the merge itself runs
// once, at Join, over everything buffered during the run (see
// fleet's deviceMonitor).
type BlockTracepointSource struct {
	fd   int
	ring *ringbuf.Reader
	dec  *perffile.Decoder
	poll *monitor.PollMonitor
	log  logrus.FieldLogger

	kind        BlockEventKind
	devField    tracepoint.Field
	sectorField tracepoint.Field
	nrField     tracepoint.Field

	buf     []BlockEvent
	readIdx int
}

// blockAttr builds the EventAttr for a tracepoint id: raw payload
// plus time (the one field a BlockEvent needs that isn't inside the
// tracepoint's own field layout), plus the sample's cpu.
func blockAttr(ef *tracepoint.EventFormat) *perffile.EventAttr {
	return &perffile.EventAttr{
		Event:        perffile.EventTracepoint(ef.ID),
		SampleFormat: perffile.SampleFormatTime | perffile.SampleFormatRaw | perffile.SampleFormatCPU,
		Flags:        perffile.EventFlagDisabled,
	}
}

// NewBlockTracepointSource opens the block_rq_* tracepoint for kind
// on cpu, pinned (pid=-1, that cpu) the same way cpuMonitor opens its
// CPU-wide cycles event.
func NewBlockTracepointSource(kind BlockEventKind, cpu int, log logrus.FieldLogger) (*BlockTracepointSource, error) {
	name := blockTracepoints[kind]
	ef, err := tracepoint.Load(name)
	if err != nil {
		return nil, fmt.Errorf("multireader: load %s: %w", name, err)
	}
	devField, ok := ef.Field("dev")
	if !ok {
		return nil, fmt.Errorf("multireader: %s: no dev field", name)
	}
	sectorField, ok := ef.Field("sector")
	if !ok {
		return nil, fmt.Errorf("multireader: %s: no sector field", name)
	}
	nrField, ok := ef.Field("nr_sector")
	if !ok {
		return nil, fmt.Errorf("multireader: %s: no nr_sector field", name)
	}

	attr := blockAttr(ef)
	fd, err := perfopen.Open(attr, perfopen.Options{Pid: -1, CPU: cpu})
	if err != nil {
		return nil, fmt.Errorf("multireader: open %s on cpu %d: %w", name, cpu, err)
	}
	ring, err := ringbuf.New(fd, sampleRingbufPages)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("multireader: ring for %s on cpu %d: %w", name, cpu, err)
	}

	s := &BlockTracepointSource{
		fd:          fd,
		ring:        ring,
		dec:         perffile.NewDecoder([]*perffile.EventAttr{attr}, false),
		log:         log,
		kind:        kind,
		devField:    devField,
		sectorField: sectorField,
		nrField:     nrField,
	}

	pm, err := monitor.NewPollMonitor(scope.CPU(int64(cpu)), []int{fd}, s, 0, nil, blockLifecycle{fd: fd}, log)
	if err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, fmt.Errorf("multireader: poll monitor for %s on cpu %d: %w", name, cpu, err)
	}
	s.poll = pm
	return s, nil
}

// sampleRingbufPages mirrors fleet's choice for perf-sample-sized
// ring buffers; tracepoint samples are a handful of bytes each, so
// the same page count gives ample headroom.
const sampleRingbufPages = 64

// OnFDReady implements monitor.FDHandler: decode every record
// currently mapped and, for well-formed samples, append a BlockEvent
// to buf. Malformed or foreign records are dropped with a warning,
// same as sampleMonitor and cpuMonitor.
func (s *BlockTracepointSource) OnFDReady(fd int) error {
	return s.ring.Read(func(rec ringbuf.Record) error {
		decoded, err := s.dec.Decode(rec.Data, 0)
		if err != nil {
			s.log.WithError(err).Warn("multireader: decode failed, skipping record")
			return nil
		}
		sample, ok := decoded.(*perffile.RecordSample)
		if !ok {
			return nil
		}
		ev, ok := s.parse(sample)
		if !ok {
			return nil
		}
		s.buf = append(s.buf, ev)
		return nil
	})
}

func (s *BlockTracepointSource) parse(sample *perffile.RecordSample) (BlockEvent, bool) {
	dev, ok := readField(sample.Raw, s.devField)
	if !ok {
		return BlockEvent{}, false
	}
	sector, ok := readField(sample.Raw, s.sectorField)
	if !ok {
		return BlockEvent{}, false
	}
	nr, ok := readField(sample.Raw, s.nrField)
	if !ok {
		return BlockEvent{}, false
	}
	return BlockEvent{
		Timestamp: sample.Time,
		Kind:      s.kind,
		Device:    uint32(dev),
		Sector:    sector,
		NrSectors: uint32(nr),
	}, true
}

// readField decodes the native-endian unsigned integer at f's offset
// and size within raw, matching the kernel's own tracepoint field
// layout (the same layout tracepoint.Load parsed out of the format
// file's "offset:N; size:N;" declarations).
func readField(raw []byte, f tracepoint.Field) (uint64, bool) {
	if f.Offset+f.Size > len(raw) {
		return 0, false
	}
	b := raw[f.Offset : f.Offset+f.Size]
	switch f.Size {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(binary.NativeEndian.Uint16(b)), true
	case 4:
		return uint64(binary.NativeEndian.Uint32(b)), true
	case 8:
		return binary.NativeEndian.Uint64(b), true
	default:
		return 0, false
	}
}

// Peek implements Source[BlockEvent].
func (s *BlockTracepointSource) Peek() (uint64, bool) {
	if s.readIdx >= len(s.buf) {
		return 0, false
	}
	return s.buf[s.readIdx].Timestamp, true
}

// Next implements Source[BlockEvent].
func (s *BlockTracepointSource) Next() (BlockEvent, error) {
	if s.readIdx >= len(s.buf) {
		return BlockEvent{}, fmt.Errorf("multireader: Next called on exhausted source")
	}
	ev := s.buf[s.readIdx]
	s.readIdx++
	return ev, nil
}

func (s *BlockTracepointSource) Start()  { s.poll.Start() }
func (s *BlockTracepointSource) Signal() { s.poll.Signal() }

// Join waits for the poll loop to exit (so buf holds every record the
// kernel delivered before the fd was torn down), then releases the
// perf fd and its ring-buffer mapping. buf itself survives Join: the
// caller merges it via a Merger only after every source in the set
// has Joined.
func (s *BlockTracepointSource) Join() {
	s.poll.Join()
	s.ring.Close()
	unix.Close(s.fd)
}

// blockLifecycle enables the tracepoint event once its thread is
// pinned and disables it before exit, matching sampleLifecycle's
// convention in package fleet.
type blockLifecycle struct{ fd int }

func (l blockLifecycle) InitializeThread() error { return perfopen.Enable(l.fd) }
func (l blockLifecycle) FinalizeThread()         { _ = perfopen.Disable(l.fd) }
