package loader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"bg/internal/image"
)

func parsePE(data []byte) (*File, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open pe: %w", err)
	}
	defer pf.Close()

	oh, ok := pf.OptionalHeader.(*pe.OptionalHeader64)
	if pf.Machine != pe.IMAGE_FILE_MACHINE_AMD64 || !ok {
		return nil, fmt.Errorf("%w: pe machine %#x", ErrUnsupported, pf.Machine)
	}

	img := &image.Image{Format: image.FormatPE, Data: data}
	var loads []segment
	for _, s := range pf.Sections {
		size := uint64(s.Size)
		if s.VirtualSize != 0 && uint64(s.VirtualSize) < size {
			// raw data is padded to FileAlignment
			size = uint64(s.VirtualSize)
		}
		if size == 0 {
			continue
		}
		va := oh.ImageBase + uint64(s.VirtualAddress)
		img.Sections = append(img.Sections, image.Section{
			Name:   s.Name,
			Offset: uint64(s.Offset),
			Size:   size,
			Addr:   va,
			Perm:   scnPerm(s.Characteristics),
		})
		loads = append(loads, segment{Vaddr: va, Off: uint64(s.Offset), Filesz: size})
	}

	if off, ok := va2Off(loads, oh.ImageBase+uint64(oh.AddressOfEntryPoint)); ok {
		img.Entry = off
	}

	imps, err := importedSymbols(pf)
	if err != nil {
		slog.Debug("Failed to read imports", "error", err)
	}
	img.Imports = peImports(imps)
	if exp := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]; oh.NumberOfRvaAndSizes > 0 && exp.Size > 0 {
		img.Exports = peExports(data, loads, oh.ImageBase, exp.VirtualAddress)
	}

	f := &File{Image: img}
	for _, sym := range pf.Symbols {
		// COFF section numbers are one-based; zero and below are
		// undefined, absolute or debug symbols.
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(pf.Sections) || strings.HasPrefix(sym.Name, ".") {
			continue
		}
		sec := pf.Sections[sym.SectionNumber-1]
		s := Symbol{
			Name: sym.Name,
			Addr: oh.ImageBase + uint64(sec.VirtualAddress) + uint64(sym.Value),
		}
		if sym.Value < sec.Size {
			s.Offset, s.Mapped = uint64(sec.Offset)+uint64(sym.Value), true
		}
		f.Symbols = append(f.Symbols, s)
	}
	return f, nil
}

func scnPerm(c uint32) image.Perm {
	var p image.Perm
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		p |= image.PermRead
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		p |= image.PermWrite
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 || c&pe.IMAGE_SCN_CNT_CODE != 0 {
		p |= image.PermExec
	}
	return p
}

// importedSymbols guards pf.ImportedSymbols, which slices thunk tables
// without bounds checks and panics on corrupt descriptors.
func importedSymbols(pf *pe.File) (syms []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			syms, err = nil, fmt.Errorf("%w: import directory: %v", ErrMalformed, r)
		}
	}()
	return pf.ImportedSymbols()
}

// peImports splits the "func:dll" strings debug/pe returns.
func peImports(syms []string) []image.Import {
	out := make([]image.Import, 0, len(syms))
	for _, s := range syms {
		name, lib, _ := strings.Cut(s, ":")
		if name != "" {
			out = append(out, image.Import{Library: lib, Name: name})
		}
	}
	return out
}

// maxExports bounds the name table walk of a corrupt export directory.
const maxExports = 1 << 16

// peExports reads the name table of the export directory at rva.
// Ordinal-only exports have no name and are skipped.
func peExports(data []byte, loads []segment, base uint64, rva uint32) []string {
	le := binary.LittleEndian
	at := func(rva uint32, n uint64) []byte {
		off, ok := va2Off(loads, base+uint64(rva))
		if !ok || off > uint64(len(data)) || n > uint64(len(data))-off {
			return nil
		}
		return data[off : off+n]
	}
	dir := at(rva, 40)
	if dir == nil {
		return nil
	}
	count := min(le.Uint32(dir[24:]), maxExports)
	names := at(le.Uint32(dir[32:]), uint64(count)*4)
	if names == nil {
		return nil
	}
	var out []string
	for i := range count {
		ptr := le.Uint32(names[i*4:])
		off, ok := va2Off(loads, base+uint64(ptr))
		if !ok || off >= uint64(len(data)) {
			continue
		}
		if name, _, ok := bytes.Cut(data[off:], []byte{0}); ok && len(name) > 0 {
			out = append(out, string(name))
		}
	}
	return out
}
