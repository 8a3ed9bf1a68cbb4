package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"bg/internal/analysis"
	"bg/internal/archmap"
	"bg/internal/decoder"
	"bg/internal/disasm"
	"bg/internal/image"
	"bg/internal/loader"
	"bg/internal/ui/colorize"
)

const maxListedBytes = 10

// symbolizer resolves addresses to the nearest preceding symbol in the
// same section, for x86asm operand printing.
func symbolizer(f *loader.File) x86asm.SymLookup {
	syms := f.Symbols // sorted by address
	return func(addr uint64) (string, uint64) {
		i := sort.Search(len(syms), func(i int) bool { return syms[i].Addr > addr }) - 1
		if i < 0 {
			return "", 0
		}
		s := syms[i]
		sec, ok := f.SectionAt(addr)
		if !ok || s.Addr < sec.Addr {
			return "", 0
		}
		return s.Demangled(), s.Addr
	}
}

// writeListing disassembles every executable section of f in Intel
// syntax, one instruction per line, flagging what the policy engine
// looks at.
func writeListing(w io.Writer, f *loader.File) error {
	l := newLister(w, f)
	for _, s := range f.Executable() {
		l.emit(fmt.Sprintf("; section %s %s %#x-%#x", s.Name, s.Perm, s.Addr, s.End()))
		if err := l.section(s); err != nil {
			return err
		}
	}
	return nil
}

// writeSymbolListing disassembles sym up to the next symbol or the end
// of its section.
func writeSymbolListing(w io.Writer, f *loader.File, sym loader.Symbol) error {
	s, ok := f.SectionAt(sym.Addr)
	if !ok || !sym.Mapped || !s.Executable() {
		return fmt.Errorf("%s is not in an executable section", sym.Demangled())
	}
	end := s.End()
	for _, next := range f.Symbols {
		if next.Addr > sym.Addr && next.Addr < end {
			end = next.Addr
			break
		}
	}
	skip := sym.Addr - s.Addr
	s.Addr += skip
	s.Offset += skip
	s.Size = end - s.Addr

	l := newLister(w, f)
	l.emit(fmt.Sprintf("; %s %#x-%#x", sym.Demangled(), s.Addr, s.End()))
	return l.section(s)
}

type lister struct {
	f      *loader.File
	w      io.Writer
	labels map[uint64][]string
	sym    x86asm.SymLookup
}

func newLister(w io.Writer, f *loader.File) *lister {
	labels := make(map[uint64][]string)
	for _, s := range f.Symbols {
		labels[s.Addr] = append(labels[s.Addr], s.Demangled())
	}
	return &lister{f: f, w: w, labels: labels, sym: symbolizer(f)}
}

func (l *lister) emit(line string) {
	fmt.Fprintln(l.w, colorize.Line(line))
}

func (l *lister) section(s image.Section) error {
	sub := *l.f.Image
	sub.Sections = []image.Section{s}
	return analysis.Walk(&sub, func(st *analysis.Step) error {
		if st.Fault != nil {
			l.emit(faultLine(l.f.Image, s, st.Fault))
			return nil
		}
		in := &st.Inst
		for _, name := range l.labels[in.Addr] {
			l.emit(fmt.Sprintf("; %s:", name))
		}
		l.emit(instLine(in, l.sym))
		return nil
	})
}

func instLine(in *disasm.Inst, sym x86asm.SymLookup) string {
	text := in.String()
	if xi, err := x86asm.Decode(in.Raw, 64); err == nil {
		text = x86asm.IntelSyntax(xi, in.Addr, sym)
	} else {
		// VEX and EVEX forms x86asm does not know
		_, text, _ = strings.Cut(text, ": ")
	}
	line := fmt.Sprintf("%08x  %-*s %s", in.Addr, maxListedBytes*3, hexBytes(in.Raw), text)
	if note := instNote(in); note != "" {
		line += " ; " + note
	}
	return line
}

func instNote(in *disasm.Inst) string {
	var notes []string
	switch in.Class() {
	case disasm.Privileged:
		notes = append(notes, "! privileged")
	case disasm.Restricted:
		notes = append(notes, "restricted")
	}
	if o, ok := in.Port(); ok {
		if p, known := o.Value.Get(); known && p <= 0xffff {
			note := fmt.Sprintf("port %#x", p)
			if name, ok := archmap.DeviceName(uint16(p)); ok {
				note += " " + name
			}
			notes = append(notes, note)
		} else {
			notes = append(notes, "port unresolved")
		}
	}
	for _, o := range in.Written() {
		if a, known := o.Value.Get(); known {
			notes = append(notes, fmt.Sprintf("store %#x", a))
		}
	}
	if in.Op == disasm.Syscall && len(in.Operands) > 0 {
		if n, known := in.Operands[0].Value.Get(); known {
			notes = append(notes, fmt.Sprintf("nr %d", n))
		}
	}
	return strings.Join(notes, ", ")
}

func faultLine(img *image.Image, s image.Section, e *decoder.Error) string {
	end := min(e.Offset+maxListedBytes, s.Offset+s.Size)
	raw := img.Data[e.Offset:end]
	if e.Kind == decoder.UndefinedOpcode {
		raw = raw[:1]
	}
	addr := s.Addr + (e.Offset - s.Offset)
	return fmt.Sprintf("%08x  %-*s (bad) ; ! %s", addr, maxListedBytes*3, hexBytes(raw), e.Kind)
}

func hexBytes(b []byte) string {
	if len(b) > maxListedBytes {
		b = b[:maxListedBytes]
	}
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, " ")
}
