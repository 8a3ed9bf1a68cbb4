// Package image describes a binary as the analyzer sees it: one byte
// buffer plus a table of sections with permissions. Loaders produce
// images; nothing downstream reads files.
package image

import (
	"errors"
	"fmt"
	"strings"
)

// Perm is a section permission set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p Perm) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Format records which loader produced the image.
type Format string

const (
	FormatRaw Format = "raw"
	FormatELF Format = "elf"
	FormatPE  Format = "pe"
)

// Section is a contiguous range of the buffer mapped at Addr.
type Section struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Addr   uint64 `json:"addr"`
	Perm   Perm   `json:"perm"`
}

func (s Section) Executable() bool { return s.Perm&PermExec != 0 }
func (s Section) Writable() bool   { return s.Perm&PermWrite != 0 }

// WX reports whether the section is both writable and executable.
func (s Section) WX() bool { return s.Writable() && s.Executable() }

// End is the first virtual address past the section.
func (s Section) End() uint64 { return s.Addr + s.Size }

// Overlaps reports whether [start, end) intersects the section's
// virtual range.
func (s Section) Overlaps(start, end uint64) bool {
	return start < s.End() && s.Addr < end
}

// Image is an immutable view of a binary.
type Image struct {
	Name     string    `json:"name"`
	Format   Format    `json:"format"`
	Data     []byte    `json:"-"`
	Sections []Section `json:"sections"`
	// Entry is the entry point as a byte offset into Data.
	Entry uint64 `json:"entry"`
	// Libraries are the shared objects the binary names as needed.
	Libraries []string `json:"libraries,omitempty"`
	Imports   []Import `json:"imports,omitempty"`
	Exports   []string `json:"exports,omitempty"`
}

// Import is a function resolved from another module at load time.
// Library is empty when the format does not bind the two.
type Import struct {
	Library string `json:"library,omitempty"`
	Name    string `json:"name"`
}

var ErrBadSection = errors.New("section outside image")

// Validate checks that every section lies inside Data.
func (img *Image) Validate() error {
	n := uint64(len(img.Data))
	for _, s := range img.Sections {
		if s.Offset > n || s.Size > n-s.Offset {
			return fmt.Errorf("%w: %s [%#x, +%#x) in %d bytes", ErrBadSection, s.Name, s.Offset, s.Size, n)
		}
	}
	return nil
}

// Code returns the bytes backing s.
func (img *Image) Code(s Section) []byte {
	return img.Data[s.Offset : s.Offset+s.Size : s.Offset+s.Size]
}

// Executable returns the executable sections in table order.
func (img *Image) Executable() []Section {
	var out []Section
	for _, s := range img.Sections {
		if s.Executable() && s.Size > 0 {
			out = append(out, s)
		}
	}
	return out
}

// HasWX reports whether any section is writable and executable.
func (img *Image) HasWX() bool {
	for _, s := range img.Sections {
		if s.WX() {
			return true
		}
	}
	return false
}

// SectionAt returns the section containing virtual address va.
func (img *Image) SectionAt(va uint64) (Section, bool) {
	for _, s := range img.Sections {
		if va >= s.Addr && va < s.End() {
			return s, true
		}
	}
	return Section{}, false
}

// Raw builds an image for a flat blob of code mapped read-execute at base.
func Raw(name string, code []byte, base uint64) *Image {
	return &Image{
		Name:   name,
		Format: FormatRaw,
		Data:   code,
		Sections: []Section{{
			Name: ".text",
			Size: uint64(len(code)),
			Addr: base,
			Perm: PermRead | PermExec,
		}},
	}
}

func (img *Image) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %d bytes)", img.Name, img.Format, len(img.Data))
	for _, s := range img.Sections {
		fmt.Fprintf(&b, "\n  %-16s %s %#x..%#x off %#x", s.Name, s.Perm, s.Addr, s.End(), s.Offset)
	}
	return b.String()
}
