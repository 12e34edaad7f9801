package multireader

import (
	"encoding/binary"
	"testing"

	"github.com/nodescope/nodescope/tracepoint"
)

func TestReadFieldDecodesEachIntegerWidth(t *testing.T) {
	raw := make([]byte, 16)
	binary.NativeEndian.PutUint32(raw[0:4], 0xdead)
	binary.NativeEndian.PutUint64(raw[4:12], 0x1234567890)
	raw[12] = 0x7f

	devField := tracepoint.Field{Offset: 0, Size: 4}
	sectorField := tracepoint.Field{Offset: 4, Size: 8}
	byteField := tracepoint.Field{Offset: 12, Size: 1}

	if v, ok := readField(raw, devField); !ok || v != 0xdead {
		t.Fatalf("readField(dev) = %v, %v; want 0xdead, true", v, ok)
	}
	if v, ok := readField(raw, sectorField); !ok || v != 0x1234567890 {
		t.Fatalf("readField(sector) = %v, %v; want 0x1234567890, true", v, ok)
	}
	if v, ok := readField(raw, byteField); !ok || v != 0x7f {
		t.Fatalf("readField(byte) = %v, %v; want 0x7f, true", v, ok)
	}
}

func TestReadFieldRejectsOutOfBounds(t *testing.T) {
	raw := make([]byte, 4)
	f := tracepoint.Field{Offset: 0, Size: 8}
	if _, ok := readField(raw, f); ok {
		t.Fatal("readField with field extending past raw: want ok=false")
	}
}

func TestBlockTracepointsNameEveryKind(t *testing.T) {
	for _, kind := range []BlockEventKind{BlockInsert, BlockIssue, BlockComplete} {
		if _, ok := blockTracepoints[kind]; !ok {
			t.Fatalf("blockTracepoints missing entry for kind %v", kind)
		}
	}
}
