package analysis

import "bg/internal/disasm"

// regValue is a register's contents together with the mask of bits
// whose value is statically known.
type regValue struct {
	v     uint64
	known uint64
}

// RegisterState tracks constant values in the sixteen general-purpose
// registers along one straight-line run of instructions. A value is
// known only after a literal load, a register copy of a known value or
// a self-clearing xor/sub. Any branch forgets everything.
type RegisterState struct {
	regs [16]regValue
}

// Reset forgets every register.
func (s *RegisterState) Reset() { s.regs = [16]regValue{} }

func widthMask(r disasm.Reg) uint64 {
	bits := r.Bits()
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1)<<uint(bits) - 1) << r.Shift()
}

// Value returns the tracked value of a general-purpose register at its
// access width.
func (s *RegisterState) Value(r disasm.Reg) disasm.Value {
	if !r.GPR() {
		return disasm.Unknown
	}
	rv := s.regs[r.Num&15]
	mask := widthMask(r)
	if rv.known&mask != mask {
		return disasm.Unknown
	}
	return disasm.Known((rv.v & mask) >> r.Shift())
}

// set writes a value into r with x86-64 width semantics: 64- and 32-bit
// writes replace the whole register (32-bit writes zero the upper half),
// 8- and 16-bit writes merge into the existing contents.
func (s *RegisterState) set(r disasm.Reg, val disasm.Value) {
	rv := &s.regs[r.Num&15]
	v, ok := val.Get()
	switch r.Bits() {
	case 64:
		if ok {
			*rv = regValue{v: v, known: ^uint64(0)}
		} else {
			*rv = regValue{}
		}
	case 32:
		if ok {
			*rv = regValue{v: v & 0xffffffff, known: ^uint64(0)}
		} else {
			*rv = regValue{known: 0xffffffff00000000}
		}
	default:
		mask := widthMask(r)
		if ok {
			rv.v = rv.v&^mask | v<<r.Shift()&mask
			rv.known |= mask
		} else {
			rv.known &^= mask
		}
	}
}

// Resolve fills Value on every operand of inst from the state before
// the instruction executes. Immediates keep their constant; registers
// take the tracked value; memory operands take their effective address
// when it is computable.
func (s *RegisterState) Resolve(inst *disasm.Inst) {
	for i := range inst.Operands {
		o := &inst.Operands[i]
		switch o.Kind {
		case disasm.KindImm:
			o.Value = disasm.Known(uint64(o.Imm))
		case disasm.KindReg:
			o.Value = s.Value(o.Reg)
		case disasm.KindMem:
			o.Value = s.address(inst, o.Mem)
		}
	}
}

func (s *RegisterState) address(inst *disasm.Inst, m disasm.Mem) disasm.Value {
	if m.Compressed {
		return disasm.Unknown
	}
	if m.Segment.Valid() && (m.Segment.Num == disasm.FS || m.Segment.Num == disasm.GS) {
		// fs and gs carry a base the loader sets at run time
		return disasm.Unknown
	}
	if m.RIPRel {
		return disasm.Known(inst.Next() + uint64(m.Disp))
	}
	addr := uint64(m.Disp)
	short := false
	if m.Base.Valid() {
		b, ok := s.Value(m.Base).Get()
		if !ok {
			return disasm.Unknown
		}
		addr += b
		short = m.Base.Class == disasm.GPR32
	}
	if m.Index.Valid() {
		x, ok := s.Value(m.Index).Get()
		if !ok {
			return disasm.Unknown
		}
		addr += x * uint64(m.Scale)
		short = short || m.Index.Class == disasm.GPR32
	}
	if short {
		addr &= 0xffffffff
	}
	return disasm.Known(addr)
}

// Step applies the register effects of inst, which must already have
// been resolved.
func (s *RegisterState) Step(inst *disasm.Inst) {
	for r := 0; r < 16; r++ {
		if inst.Effect.Writes.Has(r) {
			s.regs[r] = regValue{}
		}
	}
	for i, o := range inst.Operands {
		if o.Kind != disasm.KindReg || !o.Write || !o.Reg.GPR() {
			continue
		}
		switch {
		case i == 0 && inst.Effect.Zero:
			s.set(o.Reg, disasm.Known(0))
		case i == 0 && inst.Effect.Copy && len(inst.Operands) > 1 && inst.Operands[1].Kind != disasm.KindMem:
			s.set(o.Reg, inst.Operands[1].Value)
		default:
			s.set(o.Reg, disasm.Unknown)
		}
	}
	if inst.Op.Transfer() {
		s.Reset()
	}
}
