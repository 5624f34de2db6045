package modtrace

import (
	"os"
	"strings"
	"sync"
	"unsafe"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hoangvhh/raw2trace/internal/diag"
)

// Module is one entry of the mapped module table (spec §3 "Module entry").
type Module struct {
	Path     string
	OrigBase uint64
	MapBase  uint64 // 0 means undecodable stub.
	MapSize  uint64 // 0 marks a secondary segment sharing the primary's mapping.

	IsExternal         bool
	IsSecondarySegment bool

	data   []byte // backing bytes for CodeAt; nil for stubs and inherited secondary segments
	mapped []byte // non-nil only for real mmap'd regions this Table must munmap
}

// Undecodable reports whether this module has no mapped code (the
// <unknown>/[vdso]-without-contents/failed-dynamorio-self-map stub case).
func (m *Module) Undecodable() bool {
	return m.MapBase == 0
}

// CodeAt returns up to n bytes of code starting at the given module-relative
// offset, clamped to what's actually mapped. Returns nil if offset is
// beyond the mapped region.
func (m *Module) CodeAt(offset uint64, n int) []byte {
	if m.data == nil || offset >= uint64(len(m.data)) {
		return nil
	}
	end := offset + uint64(n)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return m.data[offset:end]
}

// Table is the module loader's output: an indexed vector of modules (modvec)
// plus whatever resources must be released in teardown.
type Table struct {
	mu     sync.Mutex
	modvec []Module
	hooks  Hooks
	userData []any
	diag   *diag.Sink
}

// zeroSentinelModule is what Lookup returns for an index outside the table;
// it is always Undecodable. Lookup(0) returns the real modvec[0]: the
// (0, 0) "not in any module" PC sentinel is detected by callers through
// offline.Entry.IsNotInModule before they call Lookup.
var zeroSentinelModule = Module{}

// Lookup returns modvec[modidx], or the zero-value sentinel module (always
// Undecodable) for indexes outside the table.
func (t *Table) Lookup(modidx uint32) *Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(modidx) >= len(t.modvec) {
		return &zeroSentinelModule
	}
	return &t.modvec[modidx]
}

// Len returns the number of modules in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.modvec)
}

// Load parses blob and maps every module's code image, implementing the
// mapping policy of spec §4.1 in order: embedded contents, undecodable
// stub, secondary segment, mmap.
//
// Load serializes against any other Load on the same process the way
// raw2trace.cpp serializes against the module-tracking library's global
// registry (spec §5): concurrent converters are not supported by design,
// so callers sharing a process must not call Load concurrently on
// independent Tables either.
var loadMu sync.Mutex

func Load(blob []byte, hooks Hooks, sink *diag.Sink) (*Table, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	mods, hasCustomData, err := ParseBlob(blob, hooks, sink)
	if err != nil {
		return nil, err
	}

	t := &Table{hooks: hooks, diag: sink}
	t.modvec = make([]Module, 0, len(mods))
	t.userData = make([]any, 0, len(mods))

	for _, info := range mods {
		mod, err := mapOne(info, t.modvec, hasCustomData, sink)
		if err != nil {
			// Release anything already mapped before surfacing the error.
			t.unmapAll()
			return nil, err
		}
		t.modvec = append(t.modvec, mod)
		t.userData = append(t.userData, info.UserData)
	}
	sink.VPrintf(1, "Successfully read %d modules", len(t.modvec))
	return t, nil
}

func mapOne(info ModuleInfo, already []Module, hasCustomData bool, sink *diag.Sink) (Module, error) {
	switch {
	case info.ContentsSize > 0:
		sink.VPrintf(1, "Using module %d %s stored %d-byte contents", len(already), info.Path, info.ContentsSize)
		return Module{
			Path:       info.Path,
			OrigBase:   info.OrigBase,
			MapBase:    addrOf(info.Contents),
			MapSize:    uint64(len(info.Contents)),
			IsExternal: true,
			data:       info.Contents,
		}, nil

	case info.Path == "<unknown>" || (info.Path == "[vdso]" && !hasCustomData):
		return Module{Path: info.Path, OrigBase: info.OrigBase}, nil

	case info.ContainingIndex != info.Index:
		if info.ContainingIndex < 0 || info.ContainingIndex >= len(already) {
			return Module{}, errors.Errorf("modtrace: module %d has out-of-range containing_index %d", info.Index, info.ContainingIndex)
		}
		primary := already[info.ContainingIndex]
		sink.VPrintf(1, "Separate segment assumed covered: module %d = %s", len(already), info.Path)
		return Module{
			Path:               info.Path,
			OrigBase:           primary.OrigBase,
			MapBase:            primary.MapBase,
			MapSize:            0,
			IsSecondarySegment: true,
			data:               primary.data,
		}, nil

	default:
		return mapExecutableFile(info, sink)
	}
}

func mapExecutableFile(info ModuleInfo, sink *diag.Sink) (Module, error) {
	if image, err := buildElfImage(info.Path); err == nil {
		sink.VPrintf(1, "Mapped module %s (%d bytes, ELF segments only)", info.Path, len(image))
		return Module{
			Path:     info.Path,
			OrigBase: info.OrigBase,
			MapBase:  addrOf(image),
			MapSize:  uint64(len(image)),
			data:     image,
		}, nil
	}

	data, err := mmapFile(info.Path)
	if err != nil {
		if strings.Contains(info.Path, "dynamorio") {
			sink.Warnf("Failed to map instrumentation runtime image %s, continuing as undecodable: %v", info.Path, err)
			return Module{Path: info.Path, OrigBase: info.OrigBase}, nil
		}
		return Module{}, errors.Wrapf(err, "modtrace: failed to map module %s", info.Path)
	}
	sink.VPrintf(1, "Mapped module %s (%d bytes, whole file)", info.Path, len(data))
	return Module{
		Path:     info.Path,
		OrigBase: info.OrigBase,
		MapBase:  addrOf(data),
		MapSize:  uint64(len(data)),
		data:     data,
		mapped:   data,
	}, nil
}

// mmapFile maps path's whole contents read-only. It is the fallback for
// modules buildElfImage can't parse as 64-bit ELF (non-ELF code modules,
// or files with no non-writable PT_LOAD segment at all).
func mmapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		return []byte{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return data, nil
}

// addrOf returns the numeric address of b's backing array, used as the
// decode-cache-visible "map_base" the same way dr_map_executable_file's
// return value is used as one in the original tool. Empty slices map to 0.
func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// Unload unmaps every module this Table actually mmap'd, and runs FreeCustom
// over every module's user data. Unmap failures are warned about, never
// fatal, matching spec §4.1.
func (t *Table) Unload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmapAll()
	if t.hooks.FreeCustom != nil {
		for _, ud := range t.userData {
			if ud != nil {
				t.hooks.FreeCustom(ud)
			}
		}
	}
	t.userData = nil
}

func (t *Table) unmapAll() {
	var merr *multierror.Error
	for i := range t.modvec {
		m := &t.modvec[i]
		if m.IsExternal || m.IsSecondarySegment || m.mapped == nil {
			continue
		}
		if err := unix.Munmap(m.mapped); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "module %s", m.Path))
		}
		m.mapped = nil
	}
	if merr != nil {
		t.diag.Warnf("Failed to clean up module mappings: %v", merr)
	}
}
