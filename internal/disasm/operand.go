package disasm

import (
	"fmt"
	"strings"
)

// RegClass groups architectural registers by file and access width.
type RegClass uint8

const (
	RegNone RegClass = iota
	GPR8             // al..r15b, with REX: spl, bpl, sil, dil
	GPR8High         // ah, ch, dh, bh
	GPR16
	GPR32
	GPR64
	Seg
	CR
	DR
	RIP
)

// Reg names one register. For general-purpose classes Num is the
// architectural index 0..15 (rax=0, rcx=1, rdx=2, rbx=3, rsp=4, rbp=5,
// rsi=6, rdi=7, r8..r15). For GPR8High, Num is the index of the
// containing 64-bit register (ah lives in rax).
type Reg struct {
	Class RegClass `json:"class"`
	Num   uint8    `json:"num"`
}

// Architectural GPR indices.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r Reg) Valid() bool { return r.Class != RegNone }

// GPR reports whether r is a general-purpose register of any width.
func (r Reg) GPR() bool {
	switch r.Class {
	case GPR8, GPR8High, GPR16, GPR32, GPR64:
		return true
	}
	return false
}

// Bits is the access width of r. Segment, control and debug registers
// report 64.
func (r Reg) Bits() int {
	switch r.Class {
	case GPR8, GPR8High:
		return 8
	case GPR16, Seg:
		return 16
	case GPR32:
		return 32
	}
	return 64
}

// Shift is the bit position of r inside its 64-bit container.
func (r Reg) Shift() uint {
	if r.Class == GPR8High {
		return 8
	}
	return 0
}

var (
	gpr64Names = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	gpr32Names = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
	gpr16Names = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
	gpr8Names  = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
	highNames  = [4]string{"ah", "ch", "dh", "bh"}
	segNames   = [8]string{"es", "cs", "ss", "ds", "fs", "gs", "seg6", "seg7"}
)

func (r Reg) String() string {
	n := int(r.Num)
	switch r.Class {
	case GPR64:
		return gpr64Names[n&15]
	case GPR32:
		return gpr32Names[n&15]
	case GPR16:
		return gpr16Names[n&15]
	case GPR8:
		return gpr8Names[n&15]
	case GPR8High:
		return highNames[n&3]
	case Seg:
		return segNames[n&7]
	case CR:
		return fmt.Sprintf("cr%d", n)
	case DR:
		return fmt.Sprintf("dr%d", n)
	case RIP:
		return "rip"
	}
	return ""
}

// Segment registers as encoded in ModRM.reg of 8C/8E.
const (
	ES = iota
	CS
	SS
	DS
	FS
	GS
)

// Value is the statically resolved value of an operand: either a known
// 64-bit constant or unknown. The zero Value is Unknown.
type Value struct {
	v     uint64
	known bool
}

// Unknown is the absence of static knowledge.
var Unknown = Value{}

// Known wraps a resolved constant.
func Known(v uint64) Value { return Value{v: v, known: true} }

func (v Value) IsKnown() bool { return v.known }

// Get returns the constant and whether it is known.
func (v Value) Get() (uint64, bool) { return v.v, v.known }

func (v Value) String() string {
	if !v.known {
		return "unknown"
	}
	return fmt.Sprintf("%#x", v.v)
}

// OperandKind distinguishes immediate, register and memory operands.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindImm
	KindReg
	KindMem
)

// Mem is a memory reference. Base and Index may be invalid (RegNone).
// RIP-relative references carry Disp relative to the next instruction.
type Mem struct {
	Segment Reg   `json:"segment"`
	Base    Reg   `json:"base"`
	Index   Reg   `json:"index"`
	Scale   uint8 `json:"scale"`
	Disp    int64 `json:"disp"`
	RIPRel  bool  `json:"rip_rel,omitempty"`
	// Compressed marks an EVEX disp8 whose scale factor is not modelled;
	// the effective address is never resolved.
	Compressed bool `json:"compressed,omitempty"`
}

// Operand is one explicit or implicit operand of an instruction.
type Operand struct {
	Kind  OperandKind `json:"kind"`
	Imm   int64       `json:"imm,omitempty"`
	Reg   Reg         `json:"reg"`
	Mem   Mem         `json:"mem"`
	Size  uint8       `json:"size"` // bytes; 0 when the width is not modelled
	Write bool        `json:"write,omitempty"`
	Value Value       `json:"-"`
}

func ImmOperand(v int64, size uint8) Operand {
	return Operand{Kind: KindImm, Imm: v, Size: size, Value: Known(uint64(v))}
}

func RegOperand(r Reg, write bool) Operand {
	return Operand{Kind: KindReg, Reg: r, Size: uint8(r.Bits() / 8), Write: write}
}

func MemOperand(m Mem, size uint8, write bool) Operand {
	return Operand{Kind: KindMem, Mem: m, Size: size, Write: write}
}

func (o Operand) String() string {
	switch o.Kind {
	case KindImm:
		return fmt.Sprintf("%#x", o.Imm)
	case KindReg:
		return o.Reg.String()
	case KindMem:
		var b strings.Builder
		if o.Mem.Segment.Valid() {
			b.WriteString(o.Mem.Segment.String())
			b.WriteByte(':')
		}
		b.WriteByte('[')
		sep := ""
		if o.Mem.RIPRel {
			b.WriteString("rip")
			sep = "+"
		}
		if o.Mem.Base.Valid() {
			b.WriteString(o.Mem.Base.String())
			sep = "+"
		}
		if o.Mem.Index.Valid() {
			fmt.Fprintf(&b, "%s%s*%d", sep, o.Mem.Index, o.Mem.Scale)
			sep = "+"
		}
		switch {
		case o.Mem.Disp < 0:
			fmt.Fprintf(&b, "-%#x", -o.Mem.Disp)
		case o.Mem.Disp > 0 || sep == "":
			fmt.Fprintf(&b, "%s%#x", sep, o.Mem.Disp)
		}
		b.WriteByte(']')
		return b.String()
	}
	return ""
}
