// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"encoding/binary"
	"fmt"
)

// A Decoder turns raw bytes read from a live kernel ring buffer (see
// package ringbuf) into typed Records. Unlike a historical perf.data
// reader, a Decoder never owns an io.ReaderAt: the ring-buffer reader
// is responsible for linearizing a record that wrapped around the
// buffer before handing its bytes to Decode.
type Decoder struct {
	// idToAttr resolves the EventAttr a record belongs to, keyed by
	// the attr ID recorded in the sample_id trailer (or, for
	// samples, embedded directly in the record).
	idToAttr map[AttrID]*EventAttr

	// sampleIDAll mirrors EventFlagSampleIDAll: non-sample records
	// carry a sample_id trailer with common fields.
	sampleIDAll bool

	// sampleIDOffset/recordIDOffset give the byte offset of the attr
	// ID within a sample record and within the sample_id trailer of
	// a non-sample record, respectively. -1 means "use the sole
	// known attr" (single-event, non-grouped monitors, the common
	// case for per-scope monitors in this tracer).
	sampleIDOffset int
	recordIDOffset int

	// Cache for common record types, reused across Decode calls to
	// avoid an allocation per record on the hot path.
	recordMmap       RecordMmap
	recordComm       RecordComm
	recordExit       RecordExit
	recordFork       RecordFork
	recordSample     RecordSample
	recordSwitch     RecordSwitch
	recordSwitchWide RecordSwitchCPUWide
	recordLost       RecordLost
}

// NewDecoder builds a Decoder for the given set of attrs, all of which
// must share the same SampleFormat for non-sample records (this
// matches perf_event_open's requirement that grouped events agree on
// sample_id layout).
func NewDecoder(attrs []*EventAttr, sampleIDAll bool) *Decoder {
	d := &Decoder{
		idToAttr:       make(map[AttrID]*EventAttr, len(attrs)),
		sampleIDAll:    sampleIDAll,
		sampleIDOffset: -1,
		recordIDOffset: -1,
	}
	for i, a := range attrs {
		d.idToAttr[AttrID(i)] = a
	}
	return d
}

// SetAttr associates id with attr; used when a monitor learns an attr
// ID from PERF_EVENT_IOC_ID after opening the fd.
func (d *Decoder) SetAttr(id AttrID, attr *EventAttr) {
	d.idToAttr[id] = attr
}

func (d *Decoder) getAttr(id AttrID) (*EventAttr, error) {
	if attr, ok := d.idToAttr[id]; ok {
		return attr, nil
	}
	if len(d.idToAttr) == 1 {
		for _, attr := range d.idToAttr {
			return attr, nil
		}
	}
	return nil, fmt.Errorf("perffile: record references unknown event attr ID %d", id)
}

// soleAttr returns the Decoder's only known attr, or nil if there is
// more than one (callers fall back to an explicit ID lookup).
func (d *Decoder) soleAttr() *EventAttr {
	if len(d.idToAttr) != 1 {
		return nil
	}
	for _, a := range d.idToAttr {
		return a
	}
	return nil
}

// Decode parses one linearized record (the 8-byte recordHeader
// followed by hdr.Size-8 bytes of body, with no wrap-around) and
// returns the typed Record. offset is recorded in RecordCommon.Offset
// for diagnostics; it is not a file offset in this tracer (there is
// no backing file), just a monotonic count of bytes consumed from the
// reader that produced raw.
func (d *Decoder) Decode(raw []byte, offset int64) (Record, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("perffile: record header truncated (%d bytes)", len(raw))
	}
	order := binary.LittleEndian
	hdr := recordHeader{
		Type: RecordType(order.Uint32(raw[0:4])),
		Misc: recordMisc(order.Uint16(raw[4:6])),
		Size: order.Uint16(raw[6:8]),
	}
	if int(hdr.Size) < 8 {
		return nil, fmt.Errorf("perffile: zero-length record (size %d)", hdr.Size)
	}
	body := raw[8:]
	bd := &bufDecoder{body, order}

	var common RecordCommon
	common.Offset = offset

	if d.sampleIDAll && hdr.Type != RecordTypeSample && hdr.Type < recordTypeUserStart {
		if !d.parseCommon(bd, &common) {
			return nil, fmt.Errorf("perffile: unresolvable sample_id in record type %d", hdr.Type)
		}
	}

	switch hdr.Type {
	default:
		return &RecordUnknown{hdr, common, append([]byte(nil), bd.buf...)}, nil

	case RecordTypeMmap:
		return d.parseMmap(bd, &hdr, &common, false), nil

	case recordTypeMmap2:
		return d.parseMmap(bd, &hdr, &common, true), nil

	case RecordTypeLost:
		return d.parseLost(bd, &common)

	case RecordTypeComm:
		return d.parseComm(bd, &hdr, &common), nil

	case RecordTypeExit:
		return d.parseExit(bd, &common), nil

	case RecordTypeFork:
		return d.parseFork(bd, &common), nil

	case RecordTypeSwitch:
		return d.parseSwitch(&hdr, &common), nil

	case RecordTypeSwitchCPUWide:
		return d.parseSwitchWide(bd, &hdr, &common), nil

	case RecordTypeSample:
		return d.parseSample(bd, &hdr)
	}
}

func (d *Decoder) parseCommon(bd *bufDecoder, o *RecordCommon) bool {
	var id AttrID
	if d.recordIDOffset == -1 {
		attr := d.soleAttr()
		if attr == nil {
			return false
		}
		o.EventAttr = attr
	} else {
		id = AttrID(bd.order.Uint64(bd.buf[len(bd.buf)+d.recordIDOffset:]))
		attr, err := d.getAttr(id)
		if err != nil {
			return false
		}
		o.ID, o.EventAttr = id, attr
	}

	commonLen := o.EventAttr.SampleFormat.trailerBytes()
	if commonLen > len(bd.buf) {
		return false
	}
	tb := &bufDecoder{bd.buf[len(bd.buf)-commonLen:], bd.order}

	t := o.EventAttr.SampleFormat
	o.Format = t
	o.PID = int(tb.i32If(t&SampleFormatTID != 0))
	o.TID = int(tb.i32If(t&SampleFormatTID != 0))
	o.Time = tb.u64If(t&SampleFormatTime != 0)
	tb.u64If(t&SampleFormatID != 0)
	o.StreamID = tb.u64If(t&SampleFormatStreamID != 0)
	o.CPU = tb.u32If(t&SampleFormatCPU != 0)
	o.Res = tb.u32If(t&SampleFormatCPU != 0)
	return true
}

func (d *Decoder) parseMmap(bd *bufDecoder, hdr *recordHeader, common *RecordCommon, v2 bool) Record {
	o := &d.recordMmap
	o.RecordCommon = *common
	o.Format |= SampleFormatTID

	o.Data = (hdr.Misc&recordMiscMmapData != 0)

	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Addr, o.Len, o.FileOffset = bd.u64(), bd.u64(), bd.u64()
	if v2 {
		o.Major, o.Minor = bd.u32(), bd.u32()
		o.Ino, o.InoGeneration = bd.u64(), bd.u64()
		o.Prot, o.Flags = bd.u32(), bd.u32()
	}
	o.Filename = bd.cstring()

	return o
}

func (d *Decoder) parseLost(bd *bufDecoder, common *RecordCommon) (Record, error) {
	o := &d.recordLost
	o.RecordCommon = *common
	o.Format |= SampleFormatID

	id := AttrID(bd.u64())
	attr, err := d.getAttr(id)
	if err != nil {
		return nil, err
	}
	o.ID, o.EventAttr = id, attr
	o.NumLost = bd.u64()

	return o, nil
}

func (d *Decoder) parseComm(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &d.recordComm
	o.RecordCommon = *common
	o.Format |= SampleFormatTID

	o.Exec = (hdr.Misc&recordMiscCommExec != 0)

	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Comm = bd.cstring()

	return o
}

func (d *Decoder) parseExit(bd *bufDecoder, common *RecordCommon) Record {
	o := &d.recordExit
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime

	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()

	return o
}

func (d *Decoder) parseFork(bd *bufDecoder, common *RecordCommon) Record {
	o := &d.recordFork
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime

	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()

	return o
}

// parseSwitch handles RecordTypeSwitch. Unlike every other record
// type, PERF_RECORD_SWITCH carries no body at all: the only payload is
// the direction bit in hdr.Misc.
func (d *Decoder) parseSwitch(hdr *recordHeader, common *RecordCommon) Record {
	o := &d.recordSwitch
	o.RecordCommon = *common
	o.Out = (hdr.Misc&recordMiscSwitchOut != 0)
	return o
}

func (d *Decoder) parseSwitchWide(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &d.recordSwitchWide
	o.RecordCommon = *common
	o.Out = (hdr.Misc&recordMiscSwitchOut != 0)
	o.Preempt = (hdr.Misc&recordMiscSwitchOutPreempt != 0) && o.Out

	o.SwitchPID, o.SwitchTID = int(bd.i32()), int(bd.i32())

	return o
}

func (d *Decoder) parseSample(bd *bufDecoder, hdr *recordHeader) (Record, error) {
	o := &d.recordSample

	var attr *EventAttr
	if d.sampleIDOffset == -1 {
		attr = d.soleAttr()
	} else if d.sampleIDOffset <= len(bd.buf)-8 {
		id := AttrID(bd.order.Uint64(bd.buf[d.sampleIDOffset:]))
		var err error
		attr, err = d.getAttr(id)
		if err != nil {
			return nil, err
		}
		o.ID = id
	}
	if attr == nil {
		return nil, fmt.Errorf("perffile: sample references unresolvable event attr")
	}
	o.EventAttr = attr

	o.CPUMode = CPUMode(hdr.Misc & recordMiscCPUModeMask)
	o.ExactIP = (hdr.Misc&recordMiscExactIP != 0)

	t := o.EventAttr.SampleFormat
	o.Format = t
	bd.u64If(t&SampleFormatIdentifier != 0)
	o.IP = bd.u64If(t&SampleFormatIP != 0)
	o.PID = int(bd.i32If(t&SampleFormatTID != 0))
	o.TID = int(bd.i32If(t&SampleFormatTID != 0))
	o.Time = bd.u64If(t&SampleFormatTime != 0)
	o.Addr = bd.u64If(t&SampleFormatAddr != 0)
	bd.u64If(t&SampleFormatID != 0)
	o.StreamID = bd.u64If(t&SampleFormatStreamID != 0)
	o.CPU = bd.u32If(t&SampleFormatCPU != 0)
	o.Res = bd.u32If(t&SampleFormatCPU != 0)
	o.Period = bd.u64If(t&SampleFormatPeriod != 0)

	if t&SampleFormatRead != 0 {
		d.parseReadFormat(bd, o.EventAttr.ReadFormat, &o.SampleRead)
	}

	if t&SampleFormatCallchain != 0 {
		callchainLen := int(bd.u64())
		if o.Callchain == nil || cap(o.Callchain) < callchainLen {
			o.Callchain = make([]uint64, callchainLen)
		} else {
			o.Callchain = o.Callchain[:callchainLen]
		}
		bd.u64s(o.Callchain)
	} else {
		o.Callchain = nil
	}

	rawSize := bd.u32If(t&SampleFormatRaw != 0)
	if rawSize > 0 {
		if o.Raw == nil || cap(o.Raw) < int(rawSize) {
			o.Raw = make([]byte, rawSize)
		} else {
			o.Raw = o.Raw[:rawSize]
		}
		bd.bytes(o.Raw)
	} else {
		o.Raw = nil
	}

	if t&SampleFormatBranchStack != 0 {
		count := int(bd.u64())
		if o.BranchStack == nil || cap(o.BranchStack) < count {
			o.BranchStack = make([]BranchRecord, count)
		} else {
			o.BranchStack = o.BranchStack[:count]
		}
		for i := range o.BranchStack {
			o.BranchStack[i].From = bd.u64()
			o.BranchStack[i].To = bd.u64()
			o.BranchStack[i].Flags = BranchFlags(bd.u64())
		}
	}

	if t&SampleFormatRegsUser != 0 {
		o.RegsUserABI = SampleRegsABI(bd.u64())
		count := weight(o.EventAttr.SampleRegsUser)
		if o.RegsUser == nil || cap(o.RegsUser) < count {
			o.RegsUser = make([]uint64, count)
		} else {
			o.RegsUser = o.RegsUser[:count]
		}
		bd.u64s(o.RegsUser)
	}

	if t&SampleFormatStackUser != 0 {
		size := int(bd.u64())
		if o.StackUser == nil || cap(o.StackUser) < size {
			o.StackUser = make([]byte, size)
		} else {
			o.StackUser = o.StackUser[:size]
		}
		bd.bytes(o.StackUser)
		o.StackUserDynSize = bd.u64()
	} else {
		o.StackUser = nil
		o.StackUserDynSize = 0
	}

	o.Weight = bd.u64If(t&SampleFormatWeight != 0)

	if t&SampleFormatDataSrc != 0 {
		o.DataSrc = decodeDataSrc(bd.u64())
	}

	transaction := bd.u64If(t&SampleFormatTransaction != 0)
	o.Transaction = Transaction(transaction & 0xffffffff)
	o.AbortCode = uint32(transaction >> 32)

	return o, nil
}

func (d *Decoder) parseReadFormat(bd *bufDecoder, f ReadFormat, out *[]Count) {
	n := 1
	if f&ReadFormatGroup != 0 {
		n = int(bd.u64())
	}

	if *out == nil || cap(*out) < n {
		*out = make([]Count, n)
	} else {
		*out = (*out)[:n]
	}

	if f&ReadFormatGroup == 0 {
		o := &(*out)[0]
		o.Value = bd.u64()
		o.TimeEnabled = bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
		o.TimeRunning = bd.u64If(f&ReadFormatTotalTimeRunning != 0)
		if f&ReadFormatID != 0 {
			id := AttrID(bd.u64())
			o.EventAttr, _ = d.getAttr(id)
		} else {
			o.EventAttr = nil
		}
	} else {
		timeEnabled := bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
		timeRunning := bd.u64If(f&ReadFormatTotalTimeRunning != 0)
		for i := range *out {
			o := &(*out)[i]
			o.TimeEnabled, o.TimeRunning = timeEnabled, timeRunning
			o.Value = bd.u64()
			if f&ReadFormatID != 0 {
				id := AttrID(bd.u64())
				o.EventAttr, _ = d.getAttr(id)
			} else {
				o.EventAttr = nil
			}
		}
	}
}

func decodeDataSrc(d uint64) (out DataSrc) {
	// See perf_mem_data_src in include/uapi/linux/perf_event.h
	op := (d >> 0) & 0x1f
	lvl := (d >> 5) & 0x3fff
	snoop := (d >> 19) & 0x1f
	lock := (d >> 24) & 0x3
	dtlb := (d >> 26) & 0x7f

	if op&0x1 != 0 {
		out.Op = DataSrcOpNA
	} else {
		out.Op = DataSrcOp(op >> 1)
	}

	if lvl&0x1 != 0 {
		out.Miss, out.Level = false, DataSrcLevelNA
	} else {
		out.Miss = (lvl & 0x4) != 0
		out.Level = DataSrcLevel(lvl >> 3)
	}

	if snoop&0x1 != 0 {
		out.Snoop = DataSrcSnoopNA
	} else {
		out.Snoop = DataSrcSnoop(snoop >> 1)
	}

	if lock&0x1 != 0 {
		out.Locked = DataSrcLockNA
	} else if lock&0x02 != 0 {
		out.Locked = DataSrcLockLocked
	} else {
		out.Locked = DataSrcLockUnlocked
	}

	if dtlb&0x1 != 0 {
		out.TLB = DataSrcTLBNA
	} else {
		out.TLB = DataSrcTLB(dtlb >> 1)
	}
	return
}

func weight(x uint64) int {
	x -= (x >> 1) & 0x5555555555555555
	x = (x & 0x3333333333333333) + ((x >> 2) & 0x3333333333333333)
	x = (x + (x >> 4)) & 0x0f0f0f0f0f0f0f0f
	return int((x * 0x0101010101010101) >> 56)
}
