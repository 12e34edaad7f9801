package tracepoint

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleFormat = `name: block_rq_complete
ID: 1234
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:dev_t dev;	offset:8;	size:4;	signed:0;
	field:sector_t sector;	offset:16;	size:8;	signed:0;
	field:unsigned int nr_sector;	offset:24;	size:4;	signed:0;

print fmt: "%d,%d (%s) %llu + %u [%d]"
`

func writeFakeTracepoint(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "id"), []byte("1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "format"), []byte(sampleFormat), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadParsesFields(t *testing.T) {
	root := t.TempDir()
	writeFakeTracepoint(t, root, "block/block_rq_complete")

	orig := basePaths
	basePaths = []string{root}
	defer func() { basePaths = orig }()

	ef, err := Load("block:block_rq_complete")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ef.ID != 1234 {
		t.Fatalf("ID = %d, want 1234", ef.ID)
	}
	if len(ef.CommonFields) != 3 {
		t.Fatalf("CommonFields = %v, want 3 entries", ef.CommonFields)
	}
	sector, ok := ef.Field("sector")
	if !ok {
		t.Fatalf("field %q not found", "sector")
	}
	if sector.Offset != 16 || sector.Size != 8 || sector.Signed {
		t.Fatalf("sector field = %+v, want {Offset:16 Size:8 Signed:false}", sector)
	}
	if !sector.IsInteger() {
		t.Fatalf("sector.IsInteger() = false, want true")
	}
}

func TestParseFormatLineDiscardsNonFieldLines(t *testing.T) {
	ef := &EventFormat{}
	ef.parseFormatLine(`name: block_rq_complete`)
	ef.parseFormatLine(`print fmt: "%d"`)
	ef.parseFormatLine(``)
	if len(ef.Fields) != 0 || len(ef.CommonFields) != 0 {
		t.Fatalf("expected no fields parsed from non-field lines")
	}
}
