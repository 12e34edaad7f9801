// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"encoding/binary"
)

// AttrID identifies an EventAttr within a running kernel perf_event
// group. It is the live-kernel analog of attrID, which only ever
// appeared in perf.data files.
type AttrID = attrID

// Encode serializes a into the wire format expected by the
// perf_event_open(2) syscall (the perf_event_attr struct from
// include/uapi/linux/perf_event.h, ABI v7). clockID and useClockID
// select the clock source recorded by the kernel for this event; see
// EventFlagClockID.
//
// This is the inverse of the on-disk perf_event_attr decoding that a
// historical perf.data reader would perform: the same eventAttrVN
// layout, populated from an EventAttr instead of parsed into one.
func (a *EventAttr) Encode(clockID int32, useClockID bool) []byte {
	var v eventAttrVN

	g := a.Event.Generic()
	v.Type = g.Type

	flags := a.Flags &^ eventFlagPreciseMask
	flags |= EventFlags(a.Precise) << eventFlagPreciseShift

	if g.Type == EventTypeBreakpoint {
		v.BPType = uint32(g.ID)
		if len(g.Config) > 0 {
			v.BPAddrOrConfig1 = g.Config[0]
		}
		if len(g.Config) > 1 {
			v.BPLenOrConfig2 = g.Config[1]
		}
	} else {
		v.Config = g.ID
		if len(g.Config) > 0 {
			v.BPAddrOrConfig1 = g.Config[0]
		}
		if len(g.Config) > 1 {
			v.BPLenOrConfig2 = g.Config[1]
		}
	}

	if a.SampleFreq != 0 {
		v.SamplePeriodOrFreq = a.SampleFreq
		flags |= EventFlagFreq
	} else {
		v.SamplePeriodOrFreq = a.SamplePeriod
	}

	v.SampleFormat = a.SampleFormat
	v.ReadFormat = a.ReadFormat

	if a.WakeupWatermark != 0 {
		v.WakeupEventsOrWatermark = a.WakeupWatermark
		flags |= EventFlagWakeupWatermark
	} else {
		v.WakeupEventsOrWatermark = a.WakeupEvents
	}

	if useClockID {
		flags |= EventFlagClockID
	}
	v.Flags = flags

	v.BranchSampleType = a.BranchSampleType
	v.SampleRegsUser = a.SampleRegsUser
	v.SampleStackUser = a.SampleStackUser
	v.ClockID = clockID
	v.SampleRegsIntr = a.SampleRegsIntr
	v.AuxWatermark = a.AuxWatermark
	v.SampleMaxStack = a.SampleMaxStack

	v.Size = uint32(binary.Size(&v))

	buf := new(bytes.Buffer)
	buf.Grow(int(v.Size))
	// binary.Write never fails against a bytes.Buffer with a
	// fixed-size struct of fixed-size fields.
	_ = binary.Write(buf, binary.LittleEndian, &v)
	return buf.Bytes()
}
