// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perffile encodes and decodes the Linux perf_event wire
// format: EventAttr describes a counting or sampling event and
// encodes to the perf_event_open(2) attribute struct; Decoder turns
// raw bytes read from a live kernel ring buffer into typed Records
// (samples, mmaps, comm, fork/exit, context switches, lost-record
// markers).
package perffile // import "github.com/nodescope/nodescope/perffile"
