package policy

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"bg/internal/archmap"
	"bg/internal/disasm"
)

// Kind identifies a violation. The declaration order is the order in
// which violations are reported.
type Kind uint8

const (
	PrivilegedInstructionDenied Kind = iota
	RestrictedInstructionDenied
	UnauthorizedIOPort
	UnresolvedIOAccess
	UnauthorizedInterrupt
	UnresolvedInterrupt
	SelfModifyingCode
	RWXRegion
	ExcessiveIndirectControlFlow
)

var kindNames = [...]string{
	PrivilegedInstructionDenied:  "privileged-instruction-denied",
	RestrictedInstructionDenied:  "restricted-instruction-denied",
	UnauthorizedIOPort:           "unauthorized-io-port",
	UnresolvedIOAccess:           "unresolved-io-access",
	UnauthorizedInterrupt:        "unauthorized-interrupt",
	UnresolvedInterrupt:          "unresolved-interrupt",
	SelfModifyingCode:            "self-modifying-code",
	RWXRegion:                    "rwx-region",
	ExcessiveIndirectControlFlow: "excessive-indirect-control-flow",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Violation is one reason for a deny. Only the fields relevant to Kind
// are set; each carries enough to re-check it against the map.
type Violation struct {
	Kind   Kind
	Op     disasm.Op       // instruction kinds
	Port   uint16          // UnauthorizedIOPort
	Vector uint8           // UnauthorizedInterrupt
	Count  uint64          // unresolved kinds, ExcessiveIndirectControlFlow
	Ranges []archmap.Range // SelfModifyingCode
	// Sites lists the fault offsets when Op is a decode fault.
	Sites []uint64
}

func compareViolation(a, b Violation) int {
	return cmp.Or(
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.Op, b.Op),
		cmp.Compare(a.Port, b.Port),
		cmp.Compare(a.Vector, b.Vector),
	)
}

func (v Violation) String() string {
	switch v.Kind {
	case PrivilegedInstructionDenied, RestrictedInstructionDenied:
		s := fmt.Sprintf("%s: %s", v.Kind, v.Op)
		if len(v.Sites) > 0 {
			offs := make([]string, len(v.Sites))
			for i, o := range v.Sites {
				offs[i] = fmt.Sprintf("%#x", o)
			}
			s += " at " + strings.Join(offs, ", ")
		}
		return s
	case UnauthorizedIOPort:
		return fmt.Sprintf("%s: %#x", v.Kind, v.Port)
	case UnauthorizedInterrupt:
		return fmt.Sprintf("%s: %#x", v.Kind, v.Vector)
	case UnresolvedIOAccess, UnresolvedInterrupt, ExcessiveIndirectControlFlow:
		return fmt.Sprintf("%s: %d", v.Kind, v.Count)
	case SelfModifyingCode:
		rs := make([]string, len(v.Ranges))
		for i, r := range v.Ranges {
			rs[i] = r.String()
		}
		return fmt.Sprintf("%s: %s", v.Kind, strings.Join(rs, ", "))
	}
	return v.Kind.String()
}

func (v Violation) MarshalJSON() ([]byte, error) {
	out := map[string]any{"kind": v.Kind}
	switch v.Kind {
	case PrivilegedInstructionDenied, RestrictedInstructionDenied:
		out["op"] = v.Op
		if len(v.Sites) > 0 {
			out["sites"] = v.Sites
		}
	case UnauthorizedIOPort:
		out["port"] = v.Port
	case UnauthorizedInterrupt:
		out["vector"] = v.Vector
	case UnresolvedIOAccess, UnresolvedInterrupt, ExcessiveIndirectControlFlow:
		out["count"] = v.Count
	case SelfModifyingCode:
		out["ranges"] = v.Ranges
	}
	return json.Marshal(out)
}

// Verdict is Approve when it has no violations, Deny otherwise.
type Verdict struct {
	Policy     string
	Violations []Violation
}

func (v Verdict) Approved() bool { return len(v.Violations) == 0 }

func (v Verdict) Decision() string {
	if v.Approved() {
		return "APPROVE"
	}
	return "DENY"
}

func (v Verdict) String() string {
	if v.Approved() {
		return "APPROVE"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "DENY (%d violations)", len(v.Violations))
	for _, x := range v.Violations {
		b.WriteString("\n  - ")
		b.WriteString(x.String())
	}
	return b.String()
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	vs := v.Violations
	if vs == nil {
		vs = []Violation{}
	}
	return json.Marshal(struct {
		Verdict    string      `json:"verdict"`
		Policy     string      `json:"policy"`
		Violations []Violation `json:"violations"`
	}{v.Decision(), v.Policy, vs})
}

func sortViolations(vs []Violation) {
	slices.SortStableFunc(vs, compareViolation)
}
