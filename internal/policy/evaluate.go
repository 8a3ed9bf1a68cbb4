package policy

import (
	"slices"

	"bg/internal/archmap"
	"bg/internal/disasm"
)

// Evaluate checks m against p. Every check runs regardless of earlier
// violations, so a deny always lists every reason. The result depends
// only on m and p.
func Evaluate(m *archmap.Map, p *Policy) Verdict {
	var vs []Violation
	im := &m.Instructions

	for _, op := range im.Ops {
		if p.AllowsOp(op) {
			continue
		}
		v := Violation{Kind: RestrictedInstructionDenied, Op: op}
		if op.Class() == disasm.Privileged {
			v.Kind = PrivilegedInstructionDenied
		}
		if op.Fault() {
			v.Sites = im.FaultSites(op)
		}
		vs = append(vs, v)
	}

	for _, port := range m.IO.Ports {
		if !p.AllowsPort(port) {
			vs = append(vs, Violation{Kind: UnauthorizedIOPort, Port: port})
		}
	}
	if n := m.IO.Unresolved; n > 0 && !p.AllowUnresolvedIO {
		vs = append(vs, Violation{Kind: UnresolvedIOAccess, Count: n})
	}

	for _, v := range m.Syscalls.Vectors {
		if !p.AllowsVector(v) {
			vs = append(vs, Violation{Kind: UnauthorizedInterrupt, Vector: v})
		}
	}
	if n := m.Syscalls.UnresolvedVectors; n > 0 && !p.AllowUnresolvedInterrupts {
		vs = append(vs, Violation{Kind: UnresolvedInterrupt, Count: n})
	}

	if m.Memory.RWX && !p.AllowRWX {
		vs = append(vs, Violation{Kind: RWXRegion})
	}
	if m.Memory.SelfModifying() && !p.AllowSelfModifying {
		vs = append(vs, Violation{Kind: SelfModifyingCode, Ranges: slices.Clone(m.Memory.Writes)})
	}

	if n := m.ControlFlow.Indirect(); p.MaxIndirectSites >= 0 && n > p.MaxIndirectSites {
		vs = append(vs, Violation{Kind: ExcessiveIndirectControlFlow, Count: uint64(n)})
	}

	sortViolations(vs)
	return Verdict{Policy: p.Name, Violations: vs}
}
