// Package disasm defines the classified instruction representation shared
// by the decoder, the register tracker and the capability mapper.
package disasm

import (
	"fmt"
	"math/bits"
	"strings"
)

// RegMask is a set of general-purpose registers by architectural index.
type RegMask uint16

// AllRegs covers every general-purpose register.
const AllRegs RegMask = 0xffff

func MaskOf(regs ...int) RegMask {
	var m RegMask
	for _, r := range regs {
		m |= 1 << uint(r&15)
	}
	return m
}

func (m RegMask) Has(r int) bool { return m&(1<<uint(r&15)) != 0 }

func (m RegMask) Len() int { return bits.OnesCount16(uint16(m)) }

// Effect summarises what an instruction does to the general-purpose
// register file beyond its explicit destination operand.
type Effect struct {
	// Writes lists registers whose contents become unknown.
	Writes RegMask `json:"writes,omitempty"`
	// Zero marks a destination register cleared by a self-referencing
	// xor or sub.
	Zero bool `json:"zero,omitempty"`
	// Copy marks a plain register or immediate move into Operands[0].
	Copy bool `json:"copy,omitempty"`
}

// Inst is a decoded x86-64 instruction.
type Inst struct {
	Offset   uint64    `json:"offset"` // byte offset in the image buffer
	Addr     uint64    `json:"addr"`   // virtual address
	Len      int       `json:"len"`
	Op       Op        `json:"op"`
	Target   uint64    `json:"target,omitempty"` // direct branch target
	Vector   uint8     `json:"vector,omitempty"` // int imm8
	Operands []Operand `json:"operands,omitempty"`
	Effect   Effect    `json:"effect"`
	// Rep marks a rep-prefixed string store. Its last operand is the
	// count register.
	Rep bool   `json:"rep,omitempty"`
	Raw []byte `json:"-"`
}

func (i *Inst) Class() Class { return Classify(i.Op) }

// Next is the address of the following instruction.
func (i *Inst) Next() uint64 { return i.Addr + uint64(i.Len) }

// Port returns the port operand of an in or out instruction: the
// immediate or the DX register.
func (i *Inst) Port() (Operand, bool) {
	if i.Op != In && i.Op != Out {
		return Operand{}, false
	}
	for _, o := range i.Operands {
		if o.Kind == KindImm || (o.Kind == KindReg && o.Reg.Class == GPR16 && o.Reg.Num == RDX) {
			return o, true
		}
	}
	return Operand{}, false
}

// Written returns the memory operands the instruction stores to.
func (i *Inst) Written() []Operand {
	var out []Operand
	for _, o := range i.Operands {
		if o.Kind == KindMem && o.Write {
			out = append(out, o)
		}
	}
	return out
}

func (i *Inst) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#x: %s", i.Addr, i.Op)
	switch i.Op {
	case Int:
		fmt.Fprintf(&b, " %#x", i.Vector)
	case JmpDirect, Jcc, Loop, CallDirect:
		fmt.Fprintf(&b, " %#x", i.Target)
	default:
		for n, o := range i.Operands {
			if n == 0 {
				b.WriteByte(' ')
			} else {
				b.WriteString(", ")
			}
			b.WriteString(o.String())
		}
	}
	return b.String()
}

// RepCount returns the count operand of a rep string store.
func (i *Inst) RepCount() (Operand, bool) {
	if !i.Rep || len(i.Operands) == 0 {
		return Operand{}, false
	}
	return i.Operands[len(i.Operands)-1], true
}

// Stream is a linear sequence of instructions.
type Stream []Inst
