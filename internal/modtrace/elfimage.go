package modtrace

import (
	"debug/elf"
	"os"

	"github.com/pkg/errors"
)

// buildElfImage reconstructs path's code layout in memory the way
// dr_map_executable_file(..., DR_MAPEXE_SKIP_WRITABLE) does: it walks the
// PT_LOAD program headers and copies only the non-writable ones into a
// single flat buffer indexed by virtual-address offset from the lowest
// loaded address, leaving writable segments (and inter-segment padding)
// as zero.
//
// It assumes the module's orig_base, as recorded by the instrumentation
// runtime, equals that lowest loaded virtual address — true for the
// position-independent, base-at-zero layout essentially every traced
// shared object uses. A module this can't parse as a 64-bit ELF file
// (including the common non-ELF cases) falls back to mmapFile's
// whole-file mapping in mapExecutableFile.
func buildElfImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "modtrace: not an ELF file")
	}
	defer ef.Close()
	if ef.Class != elf.ELFCLASS64 {
		return nil, errors.New("modtrace: not a 64-bit ELF file")
	}

	type loadable struct {
		vaddr, filesz, off uint64
	}
	var segs []loadable
	var minVaddr, maxVaddr uint64
	first := true
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_W != 0 {
			continue
		}
		segs = append(segs, loadable{vaddr: p.Vaddr, filesz: p.Filesz, off: p.Off})
		end := p.Vaddr + p.Memsz
		if first || p.Vaddr < minVaddr {
			minVaddr = p.Vaddr
		}
		if first || end > maxVaddr {
			maxVaddr = end
		}
		first = false
	}
	if len(segs) == 0 {
		return nil, errors.New("modtrace: no non-writable PT_LOAD segments")
	}

	image := make([]byte, maxVaddr-minVaddr)
	for _, s := range segs {
		dst := image[s.vaddr-minVaddr:]
		if uint64(len(dst)) > s.filesz {
			dst = dst[:s.filesz]
		}
		if _, err := f.ReadAt(dst, int64(s.off)); err != nil {
			return nil, errors.Wrapf(err, "modtrace: reading segment at file offset 0x%x", s.off)
		}
	}
	return image, nil
}
