// Package tracepoint discovers and parses kernel tracepoint format
// files under /sys/kernel/tracing/events, per spec.md §4 "Tracepoint
// format files": each tracepoint directory holds an "id" file (the
// integer config value for a PERF_TYPE_TRACEPOINT event) and a
// "format" file describing the fields of its sample payload.
package tracepoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// basePaths lists the roots of the tracing events hierarchy, tried in
// order by resolveBasePath. lo2s and most distributions mount tracefs
// at the first; older kernels only expose it under
// /sys/kernel/debug/tracing.
var basePaths = []string{
	"/sys/kernel/tracing/events",
	"/sys/kernel/debug/tracing/events",
}

// Field describes one field of a tracepoint's sample payload: its
// byte offset and size within the raw record, as declared by the
// kernel's format file.
type Field struct {
	Name   string
	Offset int
	Size   int
	Signed bool
}

// IsInteger reports whether Size corresponds to one of the integer
// widths the kernel uses for scalar fields. Parsing the C type name
// itself is unreliable, so size is used as the signal instead,
// matching the original's EventField::is_integer.
func (f Field) IsInteger() bool {
	switch f.Size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// EventFormat is a parsed tracepoint: its perf_event config ID and
// the layout of its sample payload, split into the fields every
// tracepoint carries (prefixed "common_") and the tracepoint-specific
// fields.
type EventFormat struct {
	Name         string
	ID           uint64
	CommonFields []Field
	Fields       []Field
}

var (
	fieldLineRe = regexp.MustCompile(`^\s*field:([^;]+);\s+offset:(\d+);\s+size:(\d+);\s+signed:(-?\d+);$`)
	typeNameRe  = regexp.MustCompile(`^(.*) ([^ \[\]]+)(\[[^\]]+\])?$`)
)

// Load reads the format of the tracepoint named "subsystem/name" (or
// "subsystem:name", the perf-tool spelling, which Load normalizes).
func Load(name string) (*EventFormat, error) {
	name = strings.ReplaceAll(name, ":", "/")

	base, err := resolveBasePath(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, name)

	id, err := readID(filepath.Join(dir, "id"))
	if err != nil {
		return nil, fmt.Errorf("tracepoint %s: %w", name, err)
	}

	ef := &EventFormat{Name: name, ID: id}
	if err := ef.parseFormatFile(filepath.Join(dir, "format")); err != nil {
		return nil, fmt.Errorf("tracepoint %s: %w", name, err)
	}
	return ef, nil
}

func resolveBasePath(name string) (string, error) {
	for _, base := range basePaths {
		if _, err := os.Stat(filepath.Join(base, name)); err == nil {
			return base, nil
		}
	}
	return "", fmt.Errorf("tracepoint %s not found under any tracefs mount", name)
}

func readID(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func (ef *EventFormat) parseFormatFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ef.parseFormatLine(scanner.Text())
	}
	return scanner.Err()
}

// parseFormatLine parses one "field:TYPE NAME; offset:N; size:N;
// signed:0|1;" line. Lines that don't match (blank lines, "name:",
// "ID:", print fmt lines) are silently discarded, matching the
// original parser.
func (ef *EventFormat) parseFormatLine(line string) {
	m := fieldLineRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	param, offsetStr, sizeStr, signedStr := m[1], m[2], m[3], m[4]

	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return
	}
	signed := signedStr == "1"

	tm := typeNameRe.FindStringSubmatch(strings.TrimSpace(param))
	if tm == nil {
		return
	}
	name := tm[2]

	field := Field{Name: name, Offset: offset, Size: size, Signed: signed}
	if strings.HasPrefix(name, "common_") {
		ef.CommonFields = append(ef.CommonFields, field)
	} else {
		ef.Fields = append(ef.Fields, field)
	}
}

// Field looks up a tracepoint-specific field by name.
func (ef *EventFormat) Field(name string) (Field, bool) {
	for _, f := range ef.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
