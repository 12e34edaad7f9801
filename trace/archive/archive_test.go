package archive

import (
	"path/filepath"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	w, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	loc := w.DefineLocation("cpu0")
	region := w.DefineRegion("syscall.read")
	w.WriteEvent(loc, Event{Kind: "enter", TS: 10, Region: region})
	w.WriteEvent(loc, Event{Kind: "leave", TS: 20})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	defs, err := r.Definitions()
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("Definitions() = %d records, want 2: %+v", len(defs), defs)
	}
	if defs[0].Kind != "location" || defs[0].Name != "cpu0" {
		t.Errorf("defs[0] = %+v, want location cpu0", defs[0])
	}
	if defs[1].Kind != "region" || defs[1].Name != "syscall.read" {
		t.Errorf("defs[1] = %+v, want region syscall.read", defs[1])
	}

	locs, err := r.Locations()
	if err != nil {
		t.Fatalf("Locations: %v", err)
	}
	if len(locs) != 1 || locs[0] != loc {
		t.Fatalf("Locations() = %v, want [%v]", locs, loc)
	}

	events, err := r.Events(loc)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Events() = %d records, want 2: %+v", len(events), events)
	}
	if events[0].Kind != "enter" || events[0].TS != 10 || events[0].Region != region {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Kind != "leave" || events[1].TS != 20 {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestReaderOpenRejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notadir")
	w, err := Create(file + "-tmp")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Close()

	if _, err := Open(filepath.Join(file+"-tmp", "definitions.gob")); err == nil {
		t.Fatal("Open on a plain file: want error")
	}
}
