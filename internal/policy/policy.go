package policy

import (
	"fmt"
	"slices"
	"strings"

	"bg/internal/archmap"
	"bg/internal/disasm"
)

// Unlimited disables the indirect control flow threshold.
const Unlimited = -1

// Policy is a fully resolved security policy. No preset lookup happens
// past construction; every check reads these fields directly.
type Policy struct {
	Name  string `json:"name"`
	Level Level  `json:"level"`

	AllowPrivileged bool `json:"allow_privileged"`
	AllowRestricted bool `json:"allow_restricted"`
	// DeniedOps are refused even when their class is allowed. Sorted.
	DeniedOps         []disasm.Op `json:"denied_ops,omitempty"`
	AllowFarTransfers bool        `json:"allow_far_transfers"`

	AllowAllPorts bool     `json:"allow_all_ports"`
	AllowedPorts  []uint16 `json:"allowed_ports,omitempty"`

	AllowAllVectors bool              `json:"allow_all_vectors"`
	AllowedVectors  archmap.VectorSet `json:"allowed_vectors,omitempty"`

	AllowUnresolvedIO         bool `json:"allow_unresolved_io"`
	AllowUnresolvedInterrupts bool `json:"allow_unresolved_interrupts"`
	AllowRWX                  bool `json:"allow_rwx"`
	AllowSelfModifying        bool `json:"allow_self_modifying"`

	// MaxIndirectSites bounds the number of distinct indirect jump and
	// call sites. Unlimited disables the check.
	MaxIndirectSites int `json:"max_indirect_sites"`
}

// driverDenied are the privileged operations that reconfigure the
// processor itself: control, debug and extended control registers,
// model specific registers and descriptor tables. Only kernel code may
// use them.
var driverDenied = []disasm.Op{
	disasm.MovCr, disasm.MovDr, disasm.Clts, disasm.Lmsw, disasm.Xsetbv,
	disasm.Rdmsr, disasm.Wrmsr, disasm.Swapgs,
	disasm.Lgdt, disasm.Lidt, disasm.Lldt, disasm.Ltr,
}

// Preset returns a fresh policy populated from level l.
func Preset(l Level) *Policy {
	p := &Policy{Name: l.String(), Level: l}
	switch l {
	case Kernel:
		p.AllowPrivileged = true
		p.AllowRestricted = true
		p.AllowAllPorts = true
		p.AllowAllVectors = true
		p.AllowUnresolvedIO = true
		p.AllowUnresolvedInterrupts = true
		p.AllowRWX = true
		p.AllowSelfModifying = true
		p.AllowFarTransfers = true
		p.MaxIndirectSites = Unlimited
	case Driver:
		p.AllowPrivileged = true
		p.AllowRestricted = true
		p.DeniedOps = slices.Sorted(slices.Values(driverDenied))
		p.AllowAllPorts = true
		p.AllowAllVectors = true
		p.AllowUnresolvedIO = true
		p.AllowUnresolvedInterrupts = true
		p.MaxIndirectSites = Unlimited
	case Service:
		p.AllowRestricted = true
		p.AllowAllVectors = true
		p.MaxIndirectSites = 64
	case User:
		p.AllowRestricted = true
		p.AllowAllVectors = true
		p.MaxIndirectSites = 32
	case Sandbox:
		p.MaxIndirectSites = 0
	default:
		panic(fmt.Sprintf("policy: no preset for %v", l))
	}
	return p
}

// AllowsOp reports whether op may appear in an approved binary.
func (p *Policy) AllowsOp(op disasm.Op) bool {
	switch op.Class() {
	case disasm.Privileged:
		if !p.AllowPrivileged {
			return false
		}
	case disasm.Restricted:
		if !p.AllowRestricted {
			return false
		}
	}
	if op.Far() && !p.AllowFarTransfers {
		return false
	}
	_, denied := slices.BinarySearch(p.DeniedOps, op)
	return !denied
}

// DenyOp adds op to the denied set.
func (p *Policy) DenyOp(op disasm.Op) {
	if i, ok := slices.BinarySearch(p.DeniedOps, op); !ok {
		p.DeniedOps = slices.Insert(p.DeniedOps, i, op)
	}
}

func (p *Policy) AllowsPort(port uint16) bool {
	if p.AllowAllPorts {
		return true
	}
	_, ok := slices.BinarySearch(p.AllowedPorts, port)
	return ok
}

func (p *Policy) AllowsVector(v uint8) bool {
	if p.AllowAllVectors {
		return true
	}
	_, ok := slices.BinarySearch(p.AllowedVectors, v)
	return ok
}

// AllowPort adds port to the allowed set.
func (p *Policy) AllowPort(port uint16) {
	if i, ok := slices.BinarySearch(p.AllowedPorts, port); !ok {
		p.AllowedPorts = slices.Insert(p.AllowedPorts, i, port)
	}
}

// AllowVector adds v to the allowed set.
func (p *Policy) AllowVector(v uint8) {
	if i, ok := slices.BinarySearch(p.AllowedVectors, v); !ok {
		p.AllowedVectors = slices.Insert(p.AllowedVectors, i, v)
	}
}

func (p *Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", p.Name, p.Level)
	flag := func(name string, on bool) {
		if on {
			fmt.Fprintf(&b, " +%s", name)
		}
	}
	flag("privileged", p.AllowPrivileged)
	flag("restricted", p.AllowRestricted)
	flag("far", p.AllowFarTransfers)
	flag("all-ports", p.AllowAllPorts)
	flag("all-vectors", p.AllowAllVectors)
	flag("unresolved-io", p.AllowUnresolvedIO)
	flag("unresolved-int", p.AllowUnresolvedInterrupts)
	flag("rwx", p.AllowRWX)
	flag("smc", p.AllowSelfModifying)
	if len(p.DeniedOps) > 0 {
		fmt.Fprintf(&b, " denied=%v", p.DeniedOps)
	}
	if len(p.AllowedPorts) > 0 {
		fmt.Fprintf(&b, " ports=%v", p.AllowedPorts)
	}
	if len(p.AllowedVectors) > 0 {
		fmt.Fprintf(&b, " vectors=%v", []uint8(p.AllowedVectors))
	}
	if p.MaxIndirectSites >= 0 {
		fmt.Fprintf(&b, " max-indirect=%d", p.MaxIndirectSites)
	}
	return b.String()
}
