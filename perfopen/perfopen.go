// Package perfopen wraps perf_event_open(2) and the small set of
// ioctls every monitor needs (enable, disable, reset, set the output
// of one fd to another so samples land in a single ring buffer).
//
// It builds a unix.PerfEventAttr straight out of a perffile.EventAttr
// rather than going through perffile.EventAttr.Encode: x/sys/unix
// already exposes PerfEventOpen with the kernel's attr struct, the
// same way nathanjsweet/ebpf's perf.go and parca-agent's profiler.go
// call it, and perffile.EventFlags uses the same bit positions as the
// kernel's perf_event_attr bitfields, so it converts to unix.Bits by
// a plain cast.
package perfopen

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nodescope/nodescope/perffile"
)

// Options are the arguments to perf_event_open(2) beyond the attr
// itself.
//
// Pid has the classic double meaning the kernel gives it: with Flags
// containing unix.PERF_FLAG_PID_CGROUP unset, Pid is the thread to
// monitor (0 for the calling thread, -1 to monitor every thread on
// CPU). With that flag set, Pid is instead a file descriptor open on
// a cgroupfs directory and the event is scoped to that cgroup on CPU.
// Open does not infer this from Pid's value; callers decide by
// setting PidIsCgroupFD.
type Options struct {
	Pid           int
	PidIsCgroupFD bool
	CPU           int
	GroupFD       int
	Flags         uint

	// ClockID selects the clock (e.g. unix.CLOCK_MONOTONIC_RAW) the
	// kernel timestamps this event's records with. Only used when
	// UseClockID is set; otherwise the kernel's default clock applies.
	ClockID    int32
	UseClockID bool
}

func (o Options) flags() uint {
	f := o.Flags
	if o.PidIsCgroupFD {
		f |= unix.PERF_FLAG_PID_CGROUP
	}
	return f
}

// Open calls perf_event_open(2) for attr with the given Options and
// returns the resulting file descriptor. Callers own the fd and must
// close it.
func Open(attr *perffile.EventAttr, opts Options) (int, error) {
	ua := toUnixAttr(attr)
	if opts.UseClockID {
		ua.Bits |= uint64(perffile.EventFlagClockID)
		ua.Clockid = opts.ClockID
	}
	fd, err := unix.PerfEventOpen(ua, opts.Pid, opts.CPU, opts.GroupFD, int(opts.flags()))
	if err != nil {
		return -1, fmt.Errorf("perf_event_open: %w", err)
	}
	return fd, nil
}

func toUnixAttr(a *perffile.EventAttr) *unix.PerfEventAttr {
	g := a.Event.Generic()
	ua := &unix.PerfEventAttr{
		Type:        uint32(g.Type),
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample_type: uint64(a.SampleFormat),
		Read_format: uint64(a.ReadFormat),
		Bits:        uint64(a.Flags),
	}
	if g.Type == perffile.EventTypeBreakpoint {
		// bp_type is its own field in the kernel's perf_event_attr
		// (config is left 0), while bp_addr and bp_len share the
		// ext1/ext2 union slots with every other event type's
		// config1/config2; EventBreakpoint.Generic packs them as
		// ID=op, Config=[addr, len].
		ua.Bp_type = uint32(g.ID)
	} else {
		ua.Config = g.ID
	}
	if len(g.Config) > 0 {
		ua.Ext1 = g.Config[0]
	}
	if len(g.Config) > 1 {
		ua.Ext2 = g.Config[1]
	}
	if a.SampleFreq != 0 {
		ua.Sample = a.SampleFreq
	} else {
		ua.Sample = a.SamplePeriod
	}
	if a.WakeupWatermark != 0 {
		ua.Wakeup = a.WakeupWatermark
	} else {
		ua.Wakeup = a.WakeupEvents
	}
	ua.Branch_sample_type = uint64(a.BranchSampleType)
	ua.Sample_regs_user = a.SampleRegsUser
	ua.Sample_stack_user = a.SampleStackUser
	ua.Sample_regs_intr = a.SampleRegsIntr
	ua.Aux_watermark = a.AuxWatermark
	ua.Sample_max_stack = a.SampleMaxStack
	return ua
}

// Enable starts counting/sampling on fd. ioctl(PERF_EVENT_IOC_ENABLE).
func Enable(fd int) error {
	return ioctl(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Disable stops counting/sampling on fd without closing it.
func Disable(fd int) error {
	return ioctl(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
}

// Reset zeroes fd's count.
func Reset(fd int) error {
	return ioctl(fd, unix.PERF_EVENT_IOC_RESET, 0)
}

// SetOutput redirects fd's ring buffer to the one backing outputFD,
// so a follower in a multiplexed group lands its records in the
// leader's mmap region. Pass -1 to restore fd's own buffer.
func SetOutput(fd, outputFD int) error {
	return ioctl(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, outputFD)
}

func ioctl(fd int, req uint, arg int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
