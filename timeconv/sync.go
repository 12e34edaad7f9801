package timeconv

import (
	"os"
	"os/exec"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/perffile"
	"github.com/nodescope/nodescope/perfopen"
	"github.com/nodescope/nodescope/ringbuf"
)

// SanityBound is the default threshold past which an offset measured
// with an explicit clockid is considered unusually large and logged
// as a warning, per spec.md §4.1.
const SanityBound = 100 * time.Microsecond

// watchedTime is the word the hardware breakpoint watches. It must
// stay exactly 8 bytes and at a stable address, so Sync takes its
// address with unsafe.Pointer rather than letting the compiler move
// it around; a package-level variable guarantees that.
var watchedTime uint64

// Sync establishes a Converter by watching one write to a local time
// variable with a hardware write breakpoint: the kernel timestamps
// the write with its own clock, and the local wall-clock time written
// gives the other half of the pair. The difference is the fixed
// offset used for every later conversion.
//
// If useClockID is set, the synchronization event itself is opened
// against clockID and the sanity bound is enforced: an offset larger
// than SanityBound is logged as a warning but still applied, per
// spec.md §4.1.
//
// If the kernel rejects a hardware breakpoint event (common in
// containers or on architectures without debug registers), Sync falls
// back to a one-shot software event triggered by forking a child
// process, matching the HW_BREAKPOINT_COMPAT fallback. If neither
// path yields a sample, Sync returns a zero-offset Converter and logs
// the degraded condition; it is not a fatal error.
func Sync(log logrus.FieldLogger, clockID int32, useClockID bool) Converter {
	kernelNS, localNS, ok := syncBreakpoint(log, clockID, useClockID)
	if !ok {
		kernelNS, localNS, ok = syncFallback(log, clockID, useClockID)
	}
	if !ok {
		log.Warn("time sync: no synchronization sample observed, using zero offset")
		return Converter{}
	}

	offset := time.Duration(localNS) - time.Duration(kernelNS)
	if useClockID {
		if offset < -SanityBound || offset > SanityBound {
			log.WithField("offset_ns", offset.Nanoseconds()).
				Warn("time sync: unusually large perf time offset detected")
		}
	}
	log.WithFields(logrus.Fields{
		"offset_ns": offset.Nanoseconds(),
		"local_ns":  localNS,
		"kernel_ns": kernelNS,
	}).Debug("time sync: perf clock offset established")
	return Converter{offset: offset}
}

// syncBreakpoint opens a PERF_TYPE_BREAKPOINT/HW_BREAKPOINT_W event
// watching &watchedTime, writes the current wall-clock time to it,
// and reads back the one sample the kernel delivers for that write.
func syncBreakpoint(log logrus.FieldLogger, clockID int32, useClockID bool) (kernelNS, localNS uint64, ok bool) {
	attr := &perffile.EventAttr{
		Event: perffile.EventBreakpoint{
			Op:   perffile.BreakpointOpW,
			Addr: uint64(uintptr(unsafe.Pointer(&watchedTime))),
			Len:  8,
		},
		SamplePeriod: 1,
		SampleFormat: perffile.SampleFormatTime,
		WakeupEvents: 1,
	}
	fd, err := perfopen.Open(attr, perfopen.Options{
		Pid: 0, CPU: -1,
		GroupFD:    -1,
		ClockID:    clockID,
		UseClockID: useClockID,
	})
	if err != nil {
		log.WithError(err).Debug("time sync: hardware breakpoint unavailable, falling back")
		return 0, 0, false
	}
	defer unix.Close(fd)

	return readOneSample(log, fd, func() {
		localNS = uint64(time.Now().UnixNano())
		watchedTime = localNS
	})
}

// syncFallback triggers a one-shot software instruction event by
// forking and immediately exiting a child process, matching the
// HW_BREAKPOINT_COMPAT path in the source: on kernels or architectures
// where a hardware breakpoint can't be set up, a task-exit software
// event still gives one timestamped sample to synchronize against.
func syncFallback(log logrus.FieldLogger, clockID int32, useClockID bool) (kernelNS, localNS uint64, ok bool) {
	attr := &perffile.EventAttr{
		Event:        perffile.EventHardware(perffile.EventHardwareInstructions),
		SamplePeriod: 100_000_000,
		SampleFormat: perffile.SampleFormatTime,
		WakeupEvents: 1,
		Flags:        perffile.EventFlagTask,
	}
	fd, err := perfopen.Open(attr, perfopen.Options{
		Pid: 0, CPU: -1,
		GroupFD:    -1,
		ClockID:    clockID,
		UseClockID: useClockID,
	})
	if err != nil {
		log.WithError(err).Debug("time sync: software fallback event unavailable")
		return 0, 0, false
	}
	defer unix.Close(fd)

	return readOneSample(log, fd, func() {
		cmd := exec.Command(os.Args[0])
		_ = cmd.Run()
		localNS = uint64(time.Now().UnixNano())
	})
}

// readOneSample maps fd's ring buffer, runs trigger (which performs
// the write/fork that the event fires on), and waits briefly for the
// resulting RecordSample to appear, returning its kernel timestamp.
func readOneSample(log logrus.FieldLogger, fd int, trigger func()) (kernelNS uint64, localNS uint64, ok bool) {
	rb, err := ringbuf.New(fd, 1)
	if err != nil {
		log.WithError(err).Debug("time sync: failed to map ring buffer")
		return 0, 0, false
	}
	defer rb.Close()

	if err := perfopen.Enable(fd); err != nil {
		log.WithError(err).Debug("time sync: failed to enable sync event")
		return 0, 0, false
	}
	defer perfopen.Disable(fd)

	trigger()

	dec := perffile.NewDecoder([]*perffile.EventAttr{{SampleFormat: perffile.SampleFormatTime}}, false)

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		found := false
		err := rb.Read(func(r ringbuf.Record) error {
			rec, err := dec.Decode(r.Data, 0)
			if err != nil {
				return nil
			}
			if s, isSample := rec.(*perffile.RecordSample); isSample {
				kernelNS = s.Time
				found = true
			}
			return nil
		})
		if err != nil {
			return 0, 0, false
		}
		if found {
			return kernelNS, localNS, true
		}
		time.Sleep(time.Millisecond)
	}
	return 0, 0, false
}
