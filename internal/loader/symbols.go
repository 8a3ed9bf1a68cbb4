package loader

import (
	"cmp"
	"slices"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is a named address from the binary's symbol tables.
type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	// Offset is the file offset of Addr when Mapped is set.
	Offset  uint64 `json:"offset,omitempty"`
	Mapped  bool   `json:"mapped"`
	Dynamic bool   `json:"dynamic,omitempty"`
}

// Demangled returns the demangled C++ or Rust name, or Name itself.
func (s Symbol) Demangled() string {
	if d := demangle.Filter(s.Name); d != "" {
		return d
	}
	return s.Name
}

// sortSymbols orders by address then name and drops duplicates that
// appear in both the dynamic and static tables.
func sortSymbols(syms []Symbol) []Symbol {
	slices.SortStableFunc(syms, func(a, b Symbol) int {
		return cmp.Or(cmp.Compare(a.Addr, b.Addr), cmp.Compare(a.Name, b.Name))
	})
	return slices.CompactFunc(syms, func(a, b Symbol) bool {
		return a.Addr == b.Addr && a.Name == b.Name
	})
}

// SymbolAt returns the symbol covering file offset off: the mapped
// symbol with the greatest offset not above off.
func (f *File) SymbolAt(off uint64) (Symbol, bool) {
	var best Symbol
	found := false
	for _, s := range f.Symbols {
		if s.Mapped && s.Offset <= off && (!found || s.Offset >= best.Offset) {
			best, found = s, true
		}
	}
	return best, found
}

// Lookup finds a symbol by raw or demangled name.
func (f *File) Lookup(name string) (Symbol, bool) {
	for _, s := range f.Symbols {
		if s.Name == name || s.Demangled() == name {
			return s, true
		}
	}
	return Symbol{}, false
}
