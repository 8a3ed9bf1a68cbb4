package loader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"bg/internal/image"
)

type segment struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

func parseELF(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupported, ef.Class, ef.Machine)
	}

	img := &image.Image{Format: image.FormatELF, Data: data}
	var loads []segment
	for i, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads = append(loads, segment{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
		img.Sections = append(img.Sections, image.Section{
			Name:   fmt.Sprintf("LOAD[%d]", i),
			Offset: p.Off,
			Size:   p.Filesz,
			Addr:   p.Vaddr,
			Perm:   progPerm(p.Flags),
		})
	}

	// Relocatable objects have no segments; use allocated sections.
	if len(loads) == 0 {
		for _, s := range ef.Sections {
			if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS {
				continue
			}
			img.Sections = append(img.Sections, image.Section{
				Name:   s.Name,
				Offset: s.Offset,
				Size:   s.Size,
				Addr:   s.Addr,
				Perm:   sectionPerm(s.Flags),
			})
			loads = append(loads, segment{Vaddr: s.Addr, Off: s.Offset, Filesz: s.Size})
		}
	}

	if off, ok := va2Off(loads, ef.Entry); ok {
		img.Entry = off
	}

	img.Libraries, _ = ef.ImportedLibraries()
	if imps, err := ef.ImportedSymbols(); err == nil {
		img.Imports = elfImports(imps)
	}
	if dyn, err := ef.DynamicSymbols(); err == nil {
		img.Exports = elfExports(dyn)
	}

	f := &File{Image: img}
	f.Symbols = append(f.Symbols, elfSymbols(ef.DynamicSymbols, loads, true)...)
	f.Symbols = append(f.Symbols, elfSymbols(ef.Symbols, loads, false)...)
	return f, nil
}

func progPerm(fl elf.ProgFlag) image.Perm {
	var p image.Perm
	if fl&elf.PF_R != 0 {
		p |= image.PermRead
	}
	if fl&elf.PF_W != 0 {
		p |= image.PermWrite
	}
	if fl&elf.PF_X != 0 {
		p |= image.PermExec
	}
	return p
}

func sectionPerm(fl elf.SectionFlag) image.Perm {
	p := image.PermRead
	if fl&elf.SHF_WRITE != 0 {
		p |= image.PermWrite
	}
	if fl&elf.SHF_EXECINSTR != 0 {
		p |= image.PermExec
	}
	return p
}

// va2Off translates a virtual address into a file offset using the
// loaded segments. It returns false if va is unmapped.
func va2Off(loads []segment, va uint64) (uint64, bool) {
	for _, l := range loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

func elfSymbols(read func() ([]elf.Symbol, error), loads []segment, dynamic bool) []Symbol {
	syms, err := read()
	if err != nil {
		return nil // stripped
	}
	var out []Symbol
	for _, sym := range syms {
		// Skip undefined symbols
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		if t := elf.ST_TYPE(sym.Info); t != elf.STT_FUNC && t != elf.STT_OBJECT && t != elf.STT_NOTYPE {
			continue
		}
		s := Symbol{Name: sym.Name, Addr: sym.Value, Dynamic: dynamic}
		if off, ok := va2Off(loads, sym.Value); ok {
			s.Offset, s.Mapped = off, true
		}
		out = append(out, s)
	}
	return out
}

// elfImports keeps the library a symbol version binds it to. Versionless
// imports carry no library.
func elfImports(syms []elf.ImportedSymbol) []image.Import {
	out := make([]image.Import, 0, len(syms))
	for _, s := range syms {
		if s.Name != "" {
			out = append(out, image.Import{Library: s.Library, Name: s.Name})
		}
	}
	return out
}

// elfExports returns the defined global and weak dynamic functions and
// objects.
func elfExports(syms []elf.Symbol) []string {
	var out []string
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		if b := elf.ST_BIND(s.Info); b != elf.STB_GLOBAL && b != elf.STB_WEAK {
			continue
		}
		if t := elf.ST_TYPE(s.Info); t == elf.STT_FUNC || t == elf.STT_OBJECT {
			out = append(out, s.Name)
		}
	}
	return out
}
