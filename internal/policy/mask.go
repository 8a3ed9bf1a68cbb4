package policy

import (
	"errors"
	"slices"

	"bg/internal/archmap"
	"bg/internal/disasm"
)

// InferMinimumLevel returns the least permissive preset under which m
// is approved. Presets are nested, so the first approving level found
// walking from sandbox toward kernel is the minimum. Kernel approves
// every map.
func InferMinimumLevel(m *archmap.Map) Level {
	lvl := Sandbox
	for lvl > Kernel && !Evaluate(m, Preset(lvl)).Approved() {
		lvl--
	}
	return lvl
}

var ErrDenied = errors.New("verdict is deny")

// Mask is what a host needs to confine an approved binary: the ports
// and interrupt vectors it was shown to use.
type Mask struct {
	Ports    []uint16          `json:"ports"`
	Vectors  archmap.VectorSet `json:"vectors"`
	Syscalls bool              `json:"syscalls"`
	// Privileged is set when the binary was approved with privileged
	// instructions present.
	Privileged bool `json:"privileged"`
}

// CapabilityMask derives the mask of an approved map. It fails for a
// deny verdict.
func CapabilityMask(m *archmap.Map, v Verdict) (*Mask, error) {
	if !v.Approved() {
		return nil, ErrDenied
	}
	return &Mask{
		Ports:      slices.Clone(m.IO.Ports),
		Vectors:    slices.Clone(m.Syscalls.Vectors),
		Syscalls:   m.Syscalls.Syscalls > 0 || m.Instructions.Has(disasm.Sysenter),
		Privileged: m.Instructions.Privileged > 0,
	}, nil
}

// IOBitmap renders the port set as a task state segment I/O permission
// bitmap: one bit per port, clear when the port is permitted.
func (k *Mask) IOBitmap() []byte {
	b := make([]byte, 0x10000/8)
	for i := range b {
		b[i] = 0xff
	}
	for _, p := range k.Ports {
		b[p/8] &^= 1 << (p % 8)
	}
	return b
}

// AllowsVector reports whether v is in the mask.
func (k *Mask) AllowsVector(v uint8) bool {
	_, ok := slices.BinarySearch(k.Vectors, v)
	return ok
}
