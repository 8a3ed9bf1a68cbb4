// Package archmap holds the Architecture Map: the aggregated hardware
// capability profile of one binary.
//
// Every field is either a counter or a sorted set, so two maps built
// from the same instructions in any grouping compare equal after Merge.
// The package has no behaviour beyond recording and combining
// observations; the mapper in package analysis decides what to record.
package archmap

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"

	"bg/internal/disasm"
)

// Fault is a decode failure recorded fail-closed at a byte offset.
type Fault struct {
	Offset uint64    `json:"offset"`
	Op     disasm.Op `json:"op"`
}

func compareFault(a, b Fault) int {
	if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
		return c
	}
	return cmp.Compare(a.Op, b.Op)
}

// Range is a half-open virtual address range [Start, End).
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r Range) String() string { return fmt.Sprintf("%#x-%#x", r.Start, r.End) }

func compareRange(a, b Range) int {
	if c := cmp.Compare(a.Start, b.Start); c != 0 {
		return c
	}
	return cmp.Compare(a.End, b.End)
}

// InstructionMap counts instructions per class and lists the distinct
// restricted and privileged operations seen.
type InstructionMap struct {
	Total      uint64      `json:"total"`
	Safe       uint64      `json:"safe"`
	Restricted uint64      `json:"restricted"`
	Privileged uint64      `json:"privileged"`
	Ops        []disasm.Op `json:"ops,omitempty"`
	Faults     []Fault     `json:"faults,omitempty"`
}

// Count returns the counter for class c.
func (m *InstructionMap) Count(c disasm.Class) uint64 {
	switch c {
	case disasm.Safe:
		return m.Safe
	case disasm.Restricted:
		return m.Restricted
	case disasm.Privileged:
		return m.Privileged
	}
	return 0
}

// Record counts one instruction of op.
func (m *InstructionMap) Record(op disasm.Op) {
	m.Total++
	switch op.Class() {
	case disasm.Safe:
		m.Safe++
	case disasm.Restricted:
		m.Restricted++
		m.Ops = insert(m.Ops, op)
	case disasm.Privileged:
		m.Privileged++
		m.Ops = insert(m.Ops, op)
	}
}

// RecordFault counts a decode fault as a privileged pseudo-instruction.
func (m *InstructionMap) RecordFault(offset uint64, op disasm.Op) {
	m.Record(op)
	m.Faults = insertFunc(m.Faults, Fault{Offset: offset, Op: op}, compareFault)
}

// Has reports whether op was recorded. Only restricted and privileged
// operations are tracked individually.
func (m *InstructionMap) Has(op disasm.Op) bool { return contains(m.Ops, op) }

// OfClass returns the recorded operations of class c in ascending order.
func (m *InstructionMap) OfClass(c disasm.Class) []disasm.Op {
	var out []disasm.Op
	for _, op := range m.Ops {
		if op.Class() == c {
			out = append(out, op)
		}
	}
	return out
}

// FaultSites returns the offsets of faults attributed to op.
func (m *InstructionMap) FaultSites(op disasm.Op) []uint64 {
	var out []uint64
	for _, f := range m.Faults {
		if f.Op == op {
			out = append(out, f.Offset)
		}
	}
	return out
}

// MemoryMap records stores into executable memory.
type MemoryMap struct {
	// Writes are the store ranges that overlap an executable section.
	Writes []Range `json:"writes,omitempty"`
	// RWX is set when any section is writable and executable.
	RWX bool `json:"rwx"`
}

func (m *MemoryMap) RecordWrite(r Range) {
	m.Writes = insertFunc(m.Writes, r, compareRange)
}

// SelfModifying reports whether any store targets executable memory.
func (m *MemoryMap) SelfModifying() bool { return len(m.Writes) > 0 }

// VectorSet is a sorted set of interrupt vectors. It serializes as a
// list of numbers rather than a byte string.
type VectorSet []uint8

func (v VectorSet) MarshalJSON() ([]byte, error) {
	n := make([]uint16, len(v))
	for i, x := range v {
		n[i] = uint16(x)
	}
	return json.Marshal(n)
}

func (v *VectorSet) UnmarshalJSON(b []byte) error {
	var n []uint16
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = nil
	for _, x := range n {
		if x > 0xff {
			return fmt.Errorf("interrupt vector %#x out of range", x)
		}
		*v = append(*v, uint8(x))
	}
	return nil
}

// SyscallMap records system call and software interrupt use.
type SyscallMap struct {
	Syscalls uint64    `json:"syscalls"`
	Vectors  VectorSet `json:"vectors,omitempty"`
	// UnresolvedVectors counts int instructions whose vector byte was cut
	// off by the end of a section.
	UnresolvedVectors uint64 `json:"unresolved_vectors,omitempty"`
	// Numbers are the system call numbers known in rax at a syscall.
	Numbers           []uint64 `json:"numbers,omitempty"`
	UnresolvedNumbers uint64   `json:"unresolved_numbers,omitempty"`
}

func (m *SyscallMap) RecordSyscall(nr disasm.Value) {
	m.Syscalls++
	if v, ok := nr.Get(); ok {
		m.Numbers = insert(m.Numbers, v)
	} else {
		m.UnresolvedNumbers++
	}
}

func (m *SyscallMap) RecordVector(v uint8) { m.Vectors = insert(m.Vectors, v) }

func (m *SyscallMap) RecordUnresolvedVector() { m.UnresolvedVectors++ }

// Direction of a port access.
type Direction uint8

const (
	DirIn Direction = iota
	DirOut
)

// IOMap records port I/O.
type IOMap struct {
	Ports      []uint16 `json:"ports,omitempty"`
	Unresolved uint64   `json:"unresolved"`
	In         uint64   `json:"in"`
	Out        uint64   `json:"out"`
}

// RecordAccess counts one in or out instruction. A port value that is
// not known, or does not fit in 16 bits, counts as unresolved.
func (m *IOMap) RecordAccess(dir Direction, port disasm.Value) {
	if dir == DirIn {
		m.In++
	} else {
		m.Out++
	}
	if v, ok := port.Get(); ok && v <= 0xffff {
		m.Ports = insert(m.Ports, uint16(v))
		return
	}
	m.Unresolved++
}

// Accesses is the number of in and out instructions seen.
func (m *IOMap) Accesses() uint64 { return m.In + m.Out }

// ControlFlowMap counts control transfers by kind.
type ControlFlowMap struct {
	DirectJumps      uint64 `json:"direct_jumps"`
	ConditionalJumps uint64 `json:"conditional_jumps"`
	IndirectJumps    uint64 `json:"indirect_jumps"`
	DirectCalls      uint64 `json:"direct_calls"`
	IndirectCalls    uint64 `json:"indirect_calls"`
	FarJumps         uint64 `json:"far_jumps"`
	FarCalls         uint64 `json:"far_calls"`
	Returns          uint64 `json:"returns"`
	// IndirectSites are the byte offsets of indirect jumps and calls.
	IndirectSites []uint64 `json:"indirect_sites,omitempty"`
}

// Record counts op if it is a control transfer. offset is the
// instruction's byte offset in the image.
func (m *ControlFlowMap) Record(op disasm.Op, offset uint64) {
	switch op {
	case disasm.JmpDirect:
		m.DirectJumps++
	case disasm.Jcc, disasm.Loop:
		m.ConditionalJumps++
	case disasm.JmpIndirect:
		m.IndirectJumps++
		m.IndirectSites = insert(m.IndirectSites, offset)
	case disasm.CallDirect:
		m.DirectCalls++
	case disasm.CallIndirect:
		m.IndirectCalls++
		m.IndirectSites = insert(m.IndirectSites, offset)
	case disasm.FarJmp:
		m.FarJumps++
	case disasm.FarCall:
		m.FarCalls++
	case disasm.Ret, disasm.FarRet:
		m.Returns++
	}
}

// Indirect is the number of distinct indirect transfer sites.
func (m *ControlFlowMap) Indirect() int { return len(m.IndirectSites) }

// Map is the Architecture Map of one binary.
type Map struct {
	Instructions InstructionMap `json:"instructions"`
	Memory       MemoryMap      `json:"memory"`
	Syscalls     SyscallMap     `json:"syscalls"`
	IO           IOMap          `json:"io"`
	ControlFlow  ControlFlowMap `json:"control_flow"`
}

func New() *Map { return &Map{} }

// Merge folds other into m: sets are unioned, counters summed and flags
// or-ed. Merging is associative and commutative.
func (m *Map) Merge(other *Map) {
	a, b := &m.Instructions, &other.Instructions
	a.Total += b.Total
	a.Safe += b.Safe
	a.Restricted += b.Restricted
	a.Privileged += b.Privileged
	a.Ops = union(a.Ops, b.Ops)
	a.Faults = unionFunc(a.Faults, b.Faults, compareFault)

	m.Memory.Writes = unionFunc(m.Memory.Writes, other.Memory.Writes, compareRange)
	m.Memory.RWX = m.Memory.RWX || other.Memory.RWX

	s, t := &m.Syscalls, &other.Syscalls
	s.Syscalls += t.Syscalls
	s.Vectors = union(s.Vectors, t.Vectors)
	s.UnresolvedVectors += t.UnresolvedVectors
	s.Numbers = union(s.Numbers, t.Numbers)
	s.UnresolvedNumbers += t.UnresolvedNumbers

	m.IO.Ports = union(m.IO.Ports, other.IO.Ports)
	m.IO.Unresolved += other.IO.Unresolved
	m.IO.In += other.IO.In
	m.IO.Out += other.IO.Out

	c, d := &m.ControlFlow, &other.ControlFlow
	c.DirectJumps += d.DirectJumps
	c.ConditionalJumps += d.ConditionalJumps
	c.IndirectJumps += d.IndirectJumps
	c.DirectCalls += d.DirectCalls
	c.IndirectCalls += d.IndirectCalls
	c.FarJumps += d.FarJumps
	c.FarCalls += d.FarCalls
	c.Returns += d.Returns
	c.IndirectSites = union(c.IndirectSites, d.IndirectSites)
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	c := New()
	c.Merge(m)
	return c
}

func (m *Map) String() string {
	var b strings.Builder
	im := &m.Instructions
	fmt.Fprintf(&b, "instructions: %d (safe %d, restricted %d, privileged %d)\n",
		im.Total, im.Safe, im.Restricted, im.Privileged)
	if len(im.Ops) > 0 {
		names := make([]string, len(im.Ops))
		for i, op := range im.Ops {
			names[i] = op.String()
		}
		fmt.Fprintf(&b, "  ops: %s\n", strings.Join(names, " "))
	}
	if len(im.Faults) > 0 {
		fmt.Fprintf(&b, "  faults: %d\n", len(im.Faults))
	}
	fmt.Fprintf(&b, "memory: rwx=%t self-modifying=%d\n", m.Memory.RWX, len(m.Memory.Writes))
	fmt.Fprintf(&b, "syscalls: %d vectors=%s unresolved=%d\n",
		m.Syscalls.Syscalls, hexList([]uint8(m.Syscalls.Vectors)), m.Syscalls.UnresolvedVectors)
	fmt.Fprintf(&b, "io: ports=%s unresolved=%d\n", hexList(m.IO.Ports), m.IO.Unresolved)
	cf := &m.ControlFlow
	fmt.Fprintf(&b, "control flow: jmp %d jcc %d jmp* %d call %d call* %d far %d ret %d",
		cf.DirectJumps, cf.ConditionalJumps, cf.IndirectJumps, cf.DirectCalls,
		cf.IndirectCalls, cf.FarJumps+cf.FarCalls, cf.Returns)
	return b.String()
}

func hexList[T uint8 | uint16 | uint64](s []T) string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = fmt.Sprintf("%#x", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
