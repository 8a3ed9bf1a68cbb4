package decoder

import "bg/internal/disasm"

func (s *state) regField() int { return int(s.modrm>>3&7) | s.rexR() }
func (s *state) rmField() int  { return int(s.modrm&7) | s.rexB() }
func (s *state) opReg() int    { return int(s.opbyte&7) | s.rexB() }

// gpr names general-purpose register num at the given byte width.
// Without any REX prefix, byte registers 4..7 are ah, ch, dh, bh.
func (s *state) gpr(num, size int) disasm.Reg {
	switch size {
	case 1:
		if s.rex == 0 && num >= 4 && num < 8 {
			return disasm.Reg{Class: disasm.GPR8High, Num: uint8(num - 4)}
		}
		return disasm.Reg{Class: disasm.GPR8, Num: uint8(num)}
	case 2:
		return disasm.Reg{Class: disasm.GPR16, Num: uint8(num)}
	case 4:
		return disasm.Reg{Class: disasm.GPR32, Num: uint8(num)}
	}
	return disasm.Reg{Class: disasm.GPR64, Num: uint8(num)}
}

func (s *state) rmOperand(size int, write bool) disasm.Operand {
	if !s.memOK {
		return disasm.RegOperand(s.gpr(s.rmField(), size), write)
	}
	o := disasm.MemOperand(s.mem, uint8(size), write)
	o.Mem.Compressed = s.dispComp
	return o
}

// srcSize applies the narrow-source flags to the r/m operand.
func srcSize(e entry, size int) int {
	switch {
	case e.has(fSrcB):
		return 1
	case e.has(fSrcW):
		return 2
	case e.has(fSrcD):
		return 4
	}
	return size
}

// validRegField rejects ModRM.reg values that name no register.
func (s *state) validRegField(e entry) bool {
	switch e.form {
	case formSegE:
		return s.modrm>>3&7 <= disasm.GS
	case formSegG:
		r := s.modrm >> 3 & 7
		return r <= disasm.GS && r != disasm.CS
	case formCR:
		switch s.regField() {
		case 0, 2, 3, 4, 8:
			return true
		}
		return false
	case formDR:
		return s.rexR() == 0
	}
	return true
}

// storeWidth bounds a memory-only store in bytes. Vector and SSE stores
// are sized by register length, so scalar forms are over-approximated.
// It is 0 for x87 and state-save stores whose size the decoder does not
// model.
func (s *state) storeWidth(e entry) uint8 {
	switch {
	case s.vex:
		return 16 << s.vexL
	case e.op == disasm.Sgdt || e.op == disasm.Sidt:
		return 10
	case s.opmap == 0:
		return 0
	case s.opmap == 1 && s.opbyte == 0xC7:
		// cmpxchg8b, cmpxchg16b
		if s.modrm>>3&7 != 1 {
			return 0
		}
		if s.rexW() {
			return 16
		}
		return 8
	case s.opmap == 1 && s.opbyte == 0xAE:
		return 0
	}
	return 16
}

func (s *state) stringMem(base int) disasm.Mem {
	cls := disasm.GPR64
	if s.adsize {
		cls = disasm.GPR32
	}
	m := disasm.Mem{Base: disasm.Reg{Class: cls, Num: uint8(base)}, Scale: 1}
	if base == rsi && s.seg >= 0 {
		m.Segment = disasm.Reg{Class: disasm.Seg, Num: uint8(s.seg)}
	}
	return m
}

var dx = disasm.Reg{Class: disasm.GPR16, Num: rdx}

func (s *state) operands(inst *disasm.Inst, e entry, imm, imm2 int64) {
	size := s.opSize(e)
	w0, w1 := e.has(fW0), e.has(fW1)
	immOp := func() disasm.Operand {
		n := size
		if n > 4 && e.imm != immV {
			n = 4
		}
		if e.imm == immB {
			n = 1
		}
		return disasm.ImmOperand(imm, uint8(n))
	}

	var ops []disasm.Operand
	switch e.form {
	case formEG:
		ops = []disasm.Operand{s.rmOperand(size, w0), disasm.RegOperand(s.gpr(s.regField(), size), w1)}
	case formGE:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(s.regField(), size), w0), s.rmOperand(srcSize(e, size), w1)}
	case formE:
		ops = []disasm.Operand{s.rmOperand(srcSize(e, size), w0)}
	case formEI:
		ops = []disasm.Operand{s.rmOperand(size, w0), immOp()}
	case formGEI:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(s.regField(), size), w0), s.rmOperand(size, false), immOp()}
	case formAI:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(rax, size), w0), immOp()}
	case formOI:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(s.opReg(), size), w0), immOp()}
	case formO:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(s.opReg(), size), w0)}
	case formOA:
		ops = []disasm.Operand{
			disasm.RegOperand(s.gpr(s.opReg(), size), w0),
			disasm.RegOperand(s.gpr(rax, size), w1),
		}
	case formI:
		ops = []disasm.Operand{immOp()}
	case formM:
		if s.memOK {
			store := e.has(fStore) || e.has(fWRm)
			var size uint8
			if store {
				size = s.storeWidth(e)
			}
			o := disasm.MemOperand(s.mem, size, store)
			o.Mem.Compressed = s.dispComp
			ops = []disasm.Operand{o}
		}
	case formAM, formMA:
		m := disasm.Mem{Disp: imm, Scale: 1}
		if s.seg >= 0 {
			m.Segment = disasm.Reg{Class: disasm.Seg, Num: uint8(s.seg)}
		}
		acc := disasm.RegOperand(s.gpr(rax, size), e.form == formAM)
		mem := disasm.MemOperand(m, uint8(size), e.form == formMA)
		if e.form == formAM {
			ops = []disasm.Operand{acc, mem}
		} else {
			ops = []disasm.Operand{mem, acc}
		}
	case formInI:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(rax, size), true), disasm.ImmOperand(int64(uint8(imm)), 1)}
	case formOutI:
		ops = []disasm.Operand{disasm.ImmOperand(int64(uint8(imm)), 1), disasm.RegOperand(s.gpr(rax, size), false)}
	case formInD:
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(rax, size), true), disasm.RegOperand(dx, false)}
	case formOutD:
		ops = []disasm.Operand{disasm.RegOperand(dx, false), disasm.RegOperand(s.gpr(rax, size), false)}
	case formInsD:
		ops = []disasm.Operand{disasm.MemOperand(s.stringMem(rdi), uint8(size), true), disasm.RegOperand(dx, false)}
	case formOutsD:
		ops = []disasm.Operand{disasm.RegOperand(dx, false), disasm.MemOperand(s.stringMem(rsi), uint8(size), false)}
	case formStos:
		ops = []disasm.Operand{disasm.MemOperand(s.stringMem(rdi), uint8(size), true)}
	case formCR, formDR:
		cls := disasm.CR
		if e.form == formDR {
			cls = disasm.DR
		}
		ctl := disasm.Reg{Class: cls, Num: uint8(s.regField())}
		g := disasm.Reg{Class: disasm.GPR64, Num: uint8(s.rmField())}
		if s.opbyte&2 == 0 {
			ops = []disasm.Operand{disasm.RegOperand(g, true), disasm.RegOperand(ctl, false)}
		} else {
			ops = []disasm.Operand{disasm.RegOperand(ctl, true), disasm.RegOperand(g, false)}
		}
	case formJ:
		inst.Target = s.addr + uint64(s.p) + uint64(imm)
	case formSegE:
		sz := size
		if s.memOK {
			sz = 2
		}
		ops = []disasm.Operand{
			s.rmOperand(sz, true),
			disasm.RegOperand(disasm.Reg{Class: disasm.Seg, Num: s.modrm >> 3 & 7}, false),
		}
	case formSegG:
		ops = []disasm.Operand{
			disasm.RegOperand(disasm.Reg{Class: disasm.Seg, Num: s.modrm >> 3 & 7}, true),
			s.rmOperand(2, false),
		}
	}
	if s.rep != 0 && (e.form == formStos || e.form == formInsD) {
		n := 8
		if s.adsize {
			n = 4
		}
		inst.Rep = true
		ops = append(ops, disasm.RegOperand(s.gpr(rcx, n), false))
	}
	if e.imm == immWB || e.imm == immBB {
		ops = append(ops, disasm.ImmOperand(imm, 0), disasm.ImmOperand(imm2, 0))
	}

	switch inst.Op {
	case disasm.Int:
		inst.Vector = uint8(imm)
		ops = []disasm.Operand{disasm.ImmOperand(int64(uint8(imm)), 1)}
	case disasm.Syscall:
		// the system call number is read from rax
		ops = []disasm.Operand{disasm.RegOperand(s.gpr(rax, 8), false)}
	}
	inst.Operands = ops
}

// effect derives the register write summary consumed by the tracker.
func (s *state) effect(inst *disasm.Inst, e entry) {
	if !e.has(fModel) {
		inst.Effect.Writes = disasm.AllRegs
		return
	}
	w := e.imp
	if e.has(fWReg) {
		w |= disasm.MaskOf(s.regField())
	}
	if e.has(fWRm) && s.hasModRM && !s.memOK {
		w |= disasm.MaskOf(s.rmField())
	}
	if s.opmap == 1 && s.opbyte == 0x1E && s.hasModRM && !s.memOK && s.modrm>>3&7 == 1 {
		// rdssp
		w |= disasm.MaskOf(s.rmField())
	}
	inst.Effect.Writes = w
	inst.Effect.Copy = e.has(fCopy)
	inst.Effect.Zero = e.has(fZeroIdiom) && s.hasModRM && !s.memOK && s.regField() == s.rmField()
}
