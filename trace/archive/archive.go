// Package archive is a narrow stand-in for the OTF2-style trace
// archiver the original tracer links against (spec.md §6, "Trace
// archive"): a directory of global definitions plus one append-only
// event log per location. No pack repo or ecosystem library provides
// a Go OTF2 writer, so this package is built on encoding/gob the way
// the corpus itself reaches for gob when no wire-format library fits
// (see DESIGN.md's justification for this package).
package archive

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocationRef, RegionRef, and MetricClassRef are dense, monotonically
// allocated definition handles, written once to definitions.gob and
// referenced by id from every event record.
type LocationRef uint64
type RegionRef uint64
type MetricClassRef uint64

// Event is one record in a location's event log. Kind identifies
// which of the optional fields are meaningful, mirroring the
// definition records spec.md §6 lists (region, calling-context,
// calling-context-sample, io-handle, metric-member).
type Event struct {
	Kind   string
	TS     uint64
	Region RegionRef
	Class  MetricClassRef
	Ref    uint64 // calling-context ref, enter/leave depth, or metric value depending on Kind
	Extra  string
}

// Writer owns the archive directory: a definitions file and one event
// log per location, opened lazily on first use.
type Writer struct {
	dir  string
	defs *os.File
	enc  *gob.Encoder

	nextLocation LocationRef
	nextRegion   RegionRef
	nextMetric   MetricClassRef

	logs map[LocationRef]*gob.Encoder
	fds  []*os.File
}

// Create makes (or truncates) the archive directory at dir and
// returns a Writer ready to accept definitions and events.
func Create(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	defsPath := filepath.Join(dir, "definitions.gob")
	f, err := os.Create(defsPath)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", defsPath, err)
	}
	return &Writer{
		dir:  dir,
		defs: f,
		enc:  gob.NewEncoder(f),
		logs: map[LocationRef]*gob.Encoder{},
	}, nil
}

// Definition is one decoded definitions.gob record: a location,
// region, or metric-class name bound to a dense id.
type Definition struct {
	Kind string
	ID   uint64
	Name string
}

func (w *Writer) DefineLocation(name string) LocationRef {
	ref := w.nextLocation
	w.nextLocation++
	_ = w.enc.Encode(Definition{Kind: "location", ID: uint64(ref), Name: name})
	return ref
}

func (w *Writer) DefineRegion(name string) RegionRef {
	ref := w.nextRegion
	w.nextRegion++
	_ = w.enc.Encode(Definition{Kind: "region", ID: uint64(ref), Name: name})
	return ref
}

func (w *Writer) DefineMetricClass(name string) MetricClassRef {
	ref := w.nextMetric
	w.nextMetric++
	_ = w.enc.Encode(Definition{Kind: "metric-class", ID: uint64(ref), Name: name})
	return ref
}

// logFor returns (opening if necessary) the per-location event log.
func (w *Writer) logFor(loc LocationRef) *gob.Encoder {
	if enc, ok := w.logs[loc]; ok {
		return enc
	}
	path := filepath.Join(w.dir, fmt.Sprintf("location-%d.gob", loc))
	f, err := os.Create(path)
	if err != nil {
		// The archive is best-effort trace output, not a primary data
		// path with a caller able to act on the error; fall back to
		// the definitions log's encoder so the event isn't silently
		// dropped from the archive entirely.
		return w.enc
	}
	w.fds = append(w.fds, f)
	enc := gob.NewEncoder(f)
	w.logs[loc] = enc
	return enc
}

// WriteEvent appends ev to loc's event log.
func (w *Writer) WriteEvent(loc LocationRef, ev Event) {
	_ = w.logFor(loc).Encode(ev)
}

// Close flushes and closes every open file in the archive.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.fds {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.defs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reader reads back an archive directory written by Writer. It has no
// symmetry requirement with Writer's lazy per-location file creation:
// every location-N.gob present on disk is readable independently of
// the others.
type Reader struct {
	dir string
}

// Open returns a Reader over the archive directory at dir. It does not
// itself open definitions.gob or any location log; Definitions and
// Events do that per call, so a partially-written archive (the
// producer crashed mid-trace) still yields whatever records were
// flushed before the failure instead of erroring up front.
func Open(dir string) (*Reader, error) {
	if fi, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("archive: %s is not a directory", dir)
	}
	return &Reader{dir: dir}, nil
}

// Definitions decodes every record in definitions.gob in write order.
func (r *Reader) Definitions() ([]Definition, error) {
	f, err := os.Open(filepath.Join(r.dir, "definitions.gob"))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	defer f.Close()

	var out []Definition
	dec := gob.NewDecoder(f)
	for {
		var d Definition
		if err := dec.Decode(&d); err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("archive: decode definitions.gob: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Locations reports every location that has an event log on disk,
// regardless of whether it appears in definitions.gob.
func (r *Reader) Locations() ([]LocationRef, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "location-*.gob"))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	out := make([]LocationRef, 0, len(matches))
	for _, m := range matches {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(m), "location-%d.gob", &id); err != nil {
			continue
		}
		out = append(out, LocationRef(id))
	}
	return out, nil
}

// Events decodes every record in loc's event log in write order.
func (r *Reader) Events(loc LocationRef) ([]Event, error) {
	path := filepath.Join(r.dir, fmt.Sprintf("location-%d.gob", loc))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	defer f.Close()

	var out []Event
	dec := gob.NewDecoder(f)
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("archive: decode %s: %w", path, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
