package demux

import (
	"testing"

	"github.com/nodescope/nodescope/perffile"
)

// recordingHandler captures every call it receives so tests can assert
// exactly one handler fired per dispatched record.
type recordingHandler struct {
	NopHandler
	calls []string
}

func (h *recordingHandler) OnSample(ts uint64, tid int, cpu uint32, ip []uint64, gv []perffile.Count) {
	h.calls = append(h.calls, "sample")
}
func (h *recordingHandler) OnMmap(pid, tid int, addr, length, pgoff uint64, filename string) {
	h.calls = append(h.calls, "mmap")
}
func (h *recordingHandler) OnComm(pid, tid int, name string) { h.calls = append(h.calls, "comm") }
func (h *recordingHandler) OnExit(tid int)                   { h.calls = append(h.calls, "exit") }
func (h *recordingHandler) OnFork(parent, child int)         { h.calls = append(h.calls, "fork") }
func (h *recordingHandler) OnSwitch(in bool, ts uint64, pid, tid int) {
	h.calls = append(h.calls, "switch")
}
func (h *recordingHandler) OnLost(count uint64) { h.calls = append(h.calls, "lost") }

func TestDispatchRoutesEachRecordTypeToItsHandler(t *testing.T) {
	h := &recordingHandler{}
	records := []perffile.Record{
		&perffile.RecordSample{IP: 0xdead},
		&perffile.RecordMmap{Filename: "/lib/libc.so"},
		&perffile.RecordComm{Comm: "worker"},
		&perffile.RecordExit{},
		&perffile.RecordFork{},
		&perffile.RecordSwitch{},
		&perffile.RecordSwitchCPUWide{},
		&perffile.RecordLost{NumLost: 3},
	}
	for _, r := range records {
		Dispatch(h, r)
	}

	want := []string{"sample", "mmap", "comm", "exit", "fork", "switch", "switch", "lost"}
	if len(h.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", h.calls, want)
	}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, h.calls[i], want[i])
		}
	}
}

func TestDispatchSampleFallsBackToIPWithoutCallchain(t *testing.T) {
	rec := &capturingHandler{}
	Dispatch(rec, &perffile.RecordSample{IP: 0x1234})
	if len(rec.ip) != 1 || rec.ip[0] != 0x1234 {
		t.Fatalf("ip = %v, want [0x1234]", rec.ip)
	}

	Dispatch(rec, &perffile.RecordSample{IP: 0x1234, Callchain: []uint64{0xAAAA, 0xBBBB}})
	if len(rec.ip) != 2 || rec.ip[0] != 0xAAAA || rec.ip[1] != 0xBBBB {
		t.Fatalf("ip = %v, want callchain", rec.ip)
	}
}

type capturingHandler struct {
	NopHandler
	ip []uint64
}

func (h *capturingHandler) OnSample(ts uint64, tid int, cpu uint32, ip []uint64, gv []perffile.Count) {
	h.ip = ip
}

func TestDispatchUnknownRecordTypeIsIgnored(t *testing.T) {
	h := &recordingHandler{}
	Dispatch(h, &perffile.RecordUnknown{})
	if len(h.calls) != 0 {
		t.Fatalf("calls = %v, want none", h.calls)
	}
}
