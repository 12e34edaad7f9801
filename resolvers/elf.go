package resolvers

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"github.com/nodescope/nodescope/scope"
)

// ELFResolver resolves addresses within one process mapping against
// the DWARF line and function tables of its backing binary. The
// function/line table extraction is perfsession/symbolize.go's
// dwarfFuncTable/dwarfLineTable/findIP, unchanged in approach: walk
// DWARF subprogram DIEs for a sorted low/high-PC function table, walk
// every compile unit's line program for a sorted line table, binary
// search both. What's new here is per-process address translation
// (a mapping's Start/PgOff bias the lookup address back to the
// binary's link address) and demangling C++ names before they reach
// a LineInfo.
type ELFResolver struct {
	mapping scope.Mapping
	bin     *binaryTable
}

// NewELFResolver loads (or reuses a cached load of) mapping's backing
// binary's DWARF tables and returns a Resolver scoped to this one
// mapping.
func NewELFResolver(mapping scope.Mapping) (*ELFResolver, error) {
	bin, err := loadBinaryTable(mapping.BinaryName)
	if err != nil {
		return nil, err
	}
	return &ELFResolver{mapping: mapping, bin: bin}, nil
}

// Resolve implements Resolver.
func (e *ELFResolver) Resolve(addr uint64) (scope.LineInfo, bool) {
	if e.bin == nil {
		return scope.UnknownLine(addr, e.mapping.BinaryName), false
	}
	// Translate the runtime address back to the binary's own
	// link-time address: the same bias tools/perf applies via
	// dso__data_fd's mapping offset.
	fileAddr := addr - e.mapping.Range.Start + e.mapping.PgOff

	f, l := e.bin.findIP(fileAddr)
	if f == nil && l == nil {
		return scope.UnknownLine(addr, e.mapping.BinaryName), false
	}

	li := scope.LineInfo{DSO: e.mapping.BinaryName}
	if f != nil {
		li.Function = demangle.Filter(f.name)
	} else {
		li.Function = scope.UnknownLine(addr, e.mapping.BinaryName).Function
	}
	if l != nil && l.File != nil {
		li.File = l.File.Name
		li.Line = uint32(l.Line)
	}
	return li, true
}

var (
	binaryTablesMu sync.Mutex
	binaryTables   = map[string]*binaryTable{}
)

// loadBinaryTable returns filename's cached binaryTable, loading it
// on first use. A failed load is cached too (as nil), so a binary
// with no DWARF info (stripped, or simply absent) is only attempted
// once per trace, matching perfsession.getSymbolicExtra's
// tables[filename] = (*symbolicExtra)(nil) placeholder.
func loadBinaryTable(filename string) (*binaryTable, error) {
	binaryTablesMu.Lock()
	defer binaryTablesMu.Unlock()
	if bin, ok := binaryTables[filename]; ok {
		return bin, nil
	}
	bin, err := newBinaryTable(filename)
	binaryTables[filename] = bin
	return bin, err
}

type binaryTable struct {
	functab []funcRange
	linetab []dwarf.LineEntry
}

type funcRange struct {
	name          string
	lowpc, highpc uint64
}

func newBinaryTable(filename string) (*binaryTable, error) {
	elff, err := elf.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("resolvers: open %s: %w", filename, err)
	}
	defer elff.Close()

	if elff.Section(".debug_info") == nil {
		return nil, fmt.Errorf("resolvers: %s has no DWARF info", filename)
	}
	dwarff, err := elff.DWARF()
	if err != nil {
		return nil, fmt.Errorf("resolvers: load DWARF from %s: %w", filename, err)
	}

	return &binaryTable{
		functab: dwarfFuncTable(dwarff),
		linetab: dwarfLineTable(dwarff),
	}, nil
}

func (b *binaryTable) findIP(ip uint64) (f *funcRange, l *dwarf.LineEntry) {
	i := sort.Search(len(b.functab), func(i int) bool {
		return ip < b.functab[i].highpc
	})
	if i < len(b.functab) && b.functab[i].lowpc <= ip && ip < b.functab[i].highpc {
		f = &b.functab[i]
	}

	i = sort.Search(len(b.linetab), func(i int) bool {
		return ip < b.linetab[i].Address
	})
	if i != 0 && !b.linetab[i-1].EndSequence {
		l = &b.linetab[i-1]
	}
	return
}

func dwarfFuncTable(dwarff *dwarf.Data) []funcRange {
	r := dwarff.Reader()
	var out []funcRange
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		switch ent.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()
			name, ok := ent.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			lowpc, ok := ent.Val(dwarf.AttrLowpc).(uint64)
			if !ok {
				continue
			}
			var highpc uint64
			switch hp := ent.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				highpc = hp
			case int64:
				highpc = lowpc + uint64(hp)
			default:
				continue
			}
			out = append(out, funcRange{name, lowpc, highpc})
		case dwarf.TagCompileUnit, dwarf.TagModule, dwarf.TagNamespace:
		default:
			r.SkipChildren()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].lowpc < out[j].lowpc })
	return out
}

func dwarfLineTable(dwarff *dwarf.Data) []dwarf.LineEntry {
	var out []dwarf.LineEntry
	dr := dwarff.Reader()
	for {
		ent, err := dr.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			dr.SkipChildren()
			continue
		}
		lr, err := dwarff.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		for {
			var lent dwarf.LineEntry
			if err := lr.Next(&lent); err != nil {
				break
			}
			out = append(out, lent)
		}
	}
	return out
}
