package decoder

import "bg/internal/disasm"

type immKind uint8

const (
	immNone  immKind = iota
	immB             // ib
	immW             // iw
	immZ             // iz: 2 with 66 unless REX.W, else 4
	immV             // iv: 8 with REX.W, 2 with 66, else 4
	immMoffs         // 8, or 4 with 67
	immRel8          // rel8
	immRel32         // rel32, operand-size prefix ignored
	immWB            // iw, ib
	immBB            // ib, ib
	immD             // id
)

type form uint8

const (
	formNone form = iota
	formEG        // r/m, reg
	formGE        // reg, r/m
	formE         // r/m
	formEI        // r/m, imm
	formGEI       // reg, r/m, imm
	formAI        // accumulator, imm
	formOI        // opcode register, imm
	formO         // opcode register
	formOA        // opcode register, accumulator
	formI         // imm
	formM         // memory operand only; vector, x87 and system encodings
	formAM        // accumulator, moffs
	formMA        // moffs, accumulator
	formInI       // accumulator, imm8 port
	formOutI      // imm8 port, accumulator
	formInD       // accumulator, dx
	formOutD      // dx, accumulator
	formInsD      // [rdi], dx
	formOutsD     // dx, [rsi]
	formStos      // [rdi]
	formCR        // 0F 20 / 0F 22
	formDR        // 0F 21 / 0F 23
	formJ         // relative branch
	formSegE      // 8C: r/m, sreg
	formSegG      // 8E: sreg, r/m
)

type flag uint32

const (
	fDefined flag = 1 << iota
	fModRM
	fByte     // 8-bit operand size
	fMemOnly  // mod == 3 is undefined
	fRegOnly  // mod != 3 is undefined
	fNoMod    // mod is ignored and treated as 3
	fDef64    // operand size defaults to 64 bits
	fW0       // first operand is written
	fW1       // second operand is written
	fStore    // the memory operand is written
	fWReg     // ModRM.reg names a general-purpose destination
	fWRm      // ModRM.rm names a general-purpose destination or a store
	fModel    // GPR effects are fully described by operands and imp
	fCopy     // plain move of a constant or register
	fZeroIdiom
	fSrcB // source operand is 8-bit
	fSrcW // source operand is 16-bit
	fSrcD // source operand is 32-bit
)

type entry struct {
	op    disasm.Op
	flags flag
	imm   immKind
	form  form
	imp   disasm.RegMask // implicit register writes
	grp   *group
}

func (e *entry) defined() bool { return e.flags&fDefined != 0 }
func (e *entry) has(f flag) bool { return e.flags&f != 0 }

// group dispatches on ModRM. mem and reg are indexed by ModRM.reg for
// mod != 3 and mod == 3; rm, when present, overrides reg entries per
// (reg, rm) pair.
type group struct {
	mem [8]entry
	reg [8]entry
	rm  *[8][8]entry
}

func (g *group) sel(modrm byte) entry {
	mod, reg, rm := modrm>>6, (modrm>>3)&7, modrm&7
	if mod != 3 {
		return g.mem[reg]
	}
	if g.rm != nil && g.rm[reg][rm].defined() {
		return g.rm[reg][rm]
	}
	return g.reg[reg]
}

var (
	oneByte [256]entry
	twoByte [256]entry
	map38   [256]entry
	map3A   [256]entry
)

const (
	rax = disasm.RAX
	rcx = disasm.RCX
	rdx = disasm.RDX
	rbx = disasm.RBX
	rsp = disasm.RSP
	rbp = disasm.RBP
	rsi = disasm.RSI
	rdi = disasm.RDI
	r11 = disasm.R11
)

var (
	mAcc   = disasm.MaskOf(rax)
	mAccDX = disasm.MaskOf(rax, rdx)
	mStack = disasm.MaskOf(rsp)
	mFrame = disasm.MaskOf(rsp, rbp)
	mCpuid = disasm.MaskOf(rax, rbx, rcx, rdx)
	mMovs  = disasm.MaskOf(rsi, rdi, rcx)
	mStos  = disasm.MaskOf(rdi, rcx)
	mLods  = disasm.MaskOf(rax, rsi, rcx)
	mOuts  = disasm.MaskOf(rsi, rcx)
	mCount = disasm.MaskOf(rcx)
	mSysc  = disasm.MaskOf(rax, rcx, r11)
	mTscp  = disasm.MaskOf(rax, rcx, rdx)
)

func set(t *[256]entry, lo, hi int, e entry) {
	e.flags |= fDefined
	for i := lo; i <= hi; i++ {
		t[i] = e
	}
}

func def(e entry) entry {
	e.flags |= fDefined
	return e
}

// Shorthands for the common entry shapes.
const (
	mr  = fModRM | fModel
	mrw = fModRM | fModel | fW0
)

func init() {
	initOneByte()
	initTwoByte()
	initMap38()
	initMap3A()
}

func initOneByte() {
	t := &oneByte

	// add, or, adc, sbb, and, sub, xor, cmp
	for i := 0; i < 8; i++ {
		base := i * 8
		w := fW0
		if i == 7 {
			w = 0
		}
		zero := flag(0)
		if i == 5 || i == 6 {
			zero = fZeroIdiom
		}
		set(t, base+0, base+0, entry{form: formEG, flags: mr | fByte | w | zero})
		set(t, base+1, base+1, entry{form: formEG, flags: mr | w | zero})
		set(t, base+2, base+2, entry{form: formGE, flags: mr | fByte | w | zero})
		set(t, base+3, base+3, entry{form: formGE, flags: mr | w | zero})
		set(t, base+4, base+4, entry{form: formAI, flags: fModel | fByte | w, imm: immB})
		set(t, base+5, base+5, entry{form: formAI, flags: fModel | w, imm: immZ})
	}
	// 06 07 0E 16 17 1E 1F 27 2F 37 3F are invalid in 64-bit mode; the
	// prefix bytes are consumed before lookup and stay undefined here.
	for _, b := range []int{0x06, 0x07, 0x0E, 0x16, 0x17, 0x1E, 0x1F, 0x27, 0x2F, 0x37, 0x3F,
		0x26, 0x2E, 0x36, 0x3E} {
		t[b] = entry{}
	}

	set(t, 0x50, 0x57, entry{form: formO, flags: fModel | fDef64, imp: mStack})
	set(t, 0x58, 0x5F, entry{form: formO, flags: fModel | fDef64 | fW0, imp: mStack})
	set(t, 0x63, 0x63, entry{form: formGE, flags: mrw | fSrcD})
	set(t, 0x68, 0x68, entry{form: formI, flags: fModel | fDef64, imm: immZ, imp: mStack})
	set(t, 0x69, 0x69, entry{form: formGEI, flags: mrw, imm: immZ})
	set(t, 0x6A, 0x6A, entry{form: formI, flags: fModel | fDef64, imm: immB, imp: mStack})
	set(t, 0x6B, 0x6B, entry{form: formGEI, flags: mrw, imm: immB})
	set(t, 0x6C, 0x6C, entry{op: disasm.In, form: formInsD, flags: fModel | fByte, imp: mStos})
	set(t, 0x6D, 0x6D, entry{op: disasm.In, form: formInsD, flags: fModel, imp: mStos})
	set(t, 0x6E, 0x6E, entry{op: disasm.Out, form: formOutsD, flags: fModel | fByte, imp: mOuts})
	set(t, 0x6F, 0x6F, entry{op: disasm.Out, form: formOutsD, flags: fModel, imp: mOuts})
	set(t, 0x70, 0x7F, entry{op: disasm.Jcc, form: formJ, flags: fModel, imm: immRel8})

	set(t, 0x80, 0x80, entry{grp: group1(true, immB)})
	set(t, 0x81, 0x81, entry{grp: group1(false, immZ)})
	set(t, 0x83, 0x83, entry{grp: group1(false, immB)})
	set(t, 0x84, 0x84, entry{form: formEG, flags: mr | fByte})
	set(t, 0x85, 0x85, entry{form: formEG, flags: mr})
	set(t, 0x86, 0x86, entry{form: formEG, flags: mrw | fW1 | fByte})
	set(t, 0x87, 0x87, entry{form: formEG, flags: mrw | fW1})
	set(t, 0x88, 0x88, entry{op: disasm.Mov, form: formEG, flags: mrw | fByte | fCopy})
	set(t, 0x89, 0x89, entry{op: disasm.Mov, form: formEG, flags: mrw | fCopy})
	set(t, 0x8A, 0x8A, entry{op: disasm.Mov, form: formGE, flags: mrw | fByte | fCopy})
	set(t, 0x8B, 0x8B, entry{op: disasm.Mov, form: formGE, flags: mrw | fCopy})
	set(t, 0x8C, 0x8C, entry{op: disasm.Mov, form: formSegE, flags: mrw})
	set(t, 0x8D, 0x8D, entry{form: formGE, flags: mrw | fMemOnly})
	set(t, 0x8E, 0x8E, entry{op: disasm.Mov, form: formSegG, flags: mr})
	set(t, 0x8F, 0x8F, entry{grp: &group{
		mem: [8]entry{0: def(entry{form: formE, flags: mrw | fDef64, imp: mStack})},
		reg: [8]entry{0: def(entry{form: formE, flags: mrw | fDef64, imp: mStack})},
	}})
	set(t, 0x90, 0x97, entry{form: formOA, flags: fModel | fW0 | fW1})
	set(t, 0x98, 0x98, entry{flags: fModel, imp: mAcc})
	set(t, 0x99, 0x99, entry{flags: fModel, imp: disasm.MaskOf(rdx)})
	set(t, 0x9B, 0x9B, entry{flags: fModel})
	set(t, 0x9C, 0x9D, entry{flags: fModel | fDef64, imp: mStack})
	set(t, 0x9E, 0x9E, entry{flags: fModel})
	set(t, 0x9F, 0x9F, entry{flags: fModel, imp: mAcc})
	set(t, 0xA0, 0xA0, entry{op: disasm.Mov, form: formAM, flags: fModel | fByte | fW0, imm: immMoffs})
	set(t, 0xA1, 0xA1, entry{op: disasm.Mov, form: formAM, flags: fModel | fW0, imm: immMoffs})
	set(t, 0xA2, 0xA2, entry{op: disasm.Mov, form: formMA, flags: fModel | fByte | fW0, imm: immMoffs})
	set(t, 0xA3, 0xA3, entry{op: disasm.Mov, form: formMA, flags: fModel | fW0, imm: immMoffs})
	set(t, 0xA4, 0xA4, entry{form: formStos, flags: fModel | fByte, imp: mMovs})
	set(t, 0xA5, 0xA5, entry{form: formStos, flags: fModel, imp: mMovs})
	set(t, 0xA6, 0xA7, entry{flags: fModel, imp: mMovs})
	set(t, 0xA8, 0xA8, entry{form: formAI, flags: fModel | fByte, imm: immB})
	set(t, 0xA9, 0xA9, entry{form: formAI, flags: fModel, imm: immZ})
	set(t, 0xAA, 0xAA, entry{form: formStos, flags: fModel | fByte, imp: mStos})
	set(t, 0xAB, 0xAB, entry{form: formStos, flags: fModel, imp: mStos})
	set(t, 0xAC, 0xAD, entry{flags: fModel, imp: mLods})
	set(t, 0xAE, 0xAF, entry{flags: fModel, imp: mStos})
	set(t, 0xB0, 0xB7, entry{op: disasm.Mov, form: formOI, flags: fModel | fByte | fW0 | fCopy, imm: immB})
	set(t, 0xB8, 0xBF, entry{op: disasm.Mov, form: formOI, flags: fModel | fW0 | fCopy, imm: immV})

	set(t, 0xC0, 0xC0, entry{grp: group2(true, immB)})
	set(t, 0xC1, 0xC1, entry{grp: group2(false, immB)})
	set(t, 0xC2, 0xC2, entry{op: disasm.Ret, form: formI, flags: fModel | fDef64, imm: immW, imp: mStack})
	set(t, 0xC3, 0xC3, entry{op: disasm.Ret, flags: fModel | fDef64, imp: mStack})
	set(t, 0xC6, 0xC6, entry{grp: group11(true)})
	set(t, 0xC7, 0xC7, entry{grp: group11(false)})
	set(t, 0xC8, 0xC8, entry{flags: fModel, imm: immWB, imp: mFrame})
	set(t, 0xC9, 0xC9, entry{flags: fModel, imp: mFrame})
	set(t, 0xCA, 0xCA, entry{op: disasm.FarRet, form: formI, flags: fModel, imm: immW, imp: mStack})
	set(t, 0xCB, 0xCB, entry{op: disasm.FarRet, flags: fModel, imp: mStack})
	set(t, 0xCC, 0xCC, entry{op: disasm.Int3, flags: fModel})
	set(t, 0xCD, 0xCD, entry{op: disasm.Int, form: formI, flags: fModel, imm: immB})
	set(t, 0xCF, 0xCF, entry{op: disasm.Iret, flags: fModel, imp: mStack})

	set(t, 0xD0, 0xD0, entry{grp: group2(true, immNone)})
	set(t, 0xD1, 0xD1, entry{grp: group2(false, immNone)})
	set(t, 0xD2, 0xD2, entry{grp: group2(true, immNone)})
	set(t, 0xD3, 0xD3, entry{grp: group2(false, immNone)})
	set(t, 0xD7, 0xD7, entry{flags: fModel, imp: mAcc})
	initX87(t)

	set(t, 0xE0, 0xE2, entry{op: disasm.Loop, form: formJ, flags: fModel, imm: immRel8, imp: mCount})
	set(t, 0xE3, 0xE3, entry{op: disasm.Jcc, form: formJ, flags: fModel, imm: immRel8})
	set(t, 0xE4, 0xE4, entry{op: disasm.In, form: formInI, flags: fModel | fByte | fW0, imm: immB})
	set(t, 0xE5, 0xE5, entry{op: disasm.In, form: formInI, flags: fModel | fW0, imm: immB})
	set(t, 0xE6, 0xE6, entry{op: disasm.Out, form: formOutI, flags: fModel | fByte, imm: immB})
	set(t, 0xE7, 0xE7, entry{op: disasm.Out, form: formOutI, flags: fModel, imm: immB})
	set(t, 0xE8, 0xE8, entry{op: disasm.CallDirect, form: formJ, flags: fModel, imm: immRel32, imp: mStack})
	set(t, 0xE9, 0xE9, entry{op: disasm.JmpDirect, form: formJ, flags: fModel, imm: immRel32})
	set(t, 0xEB, 0xEB, entry{op: disasm.JmpDirect, form: formJ, flags: fModel, imm: immRel8})
	set(t, 0xEC, 0xEC, entry{op: disasm.In, form: formInD, flags: fModel | fByte | fW0})
	set(t, 0xED, 0xED, entry{op: disasm.In, form: formInD, flags: fModel | fW0})
	set(t, 0xEE, 0xEE, entry{op: disasm.Out, form: formOutD, flags: fModel | fByte})
	set(t, 0xEF, 0xEF, entry{op: disasm.Out, form: formOutD, flags: fModel})

	set(t, 0xF1, 0xF1, entry{op: disasm.Int1, flags: fModel})
	set(t, 0xF4, 0xF4, entry{op: disasm.Hlt, flags: fModel})
	set(t, 0xF5, 0xF5, entry{flags: fModel})
	set(t, 0xF6, 0xF6, entry{grp: group3(true)})
	set(t, 0xF7, 0xF7, entry{grp: group3(false)})
	set(t, 0xF8, 0xF9, entry{flags: fModel})
	set(t, 0xFA, 0xFA, entry{op: disasm.Cli, flags: fModel})
	set(t, 0xFB, 0xFB, entry{op: disasm.Sti, flags: fModel})
	set(t, 0xFC, 0xFD, entry{flags: fModel})
	set(t, 0xFE, 0xFE, entry{grp: &group{
		mem: [8]entry{0: def(entry{form: formE, flags: mrw | fByte}), 1: def(entry{form: formE, flags: mrw | fByte})},
		reg: [8]entry{0: def(entry{form: formE, flags: mrw | fByte}), 1: def(entry{form: formE, flags: mrw | fByte})},
	}})
	set(t, 0xFF, 0xFF, entry{grp: group5()})
}

// group1: 80, 81, 83.
func group1(byteOp bool, imm immKind) *group {
	var g group
	fl := mrw
	if byteOp {
		fl |= fByte
	}
	for r := 0; r < 8; r++ {
		f := fl
		if r == 7 {
			f &^= fW0
		}
		g.mem[r] = def(entry{form: formEI, flags: f, imm: imm})
		g.reg[r] = g.mem[r]
	}
	return &g
}

// group2: shifts and rotates. /6 is undefined.
func group2(byteOp bool, imm immKind) *group {
	var g group
	fl := mrw
	if byteOp {
		fl |= fByte
	}
	f := formE
	if imm != immNone {
		f = formEI
	}
	for r := 0; r < 8; r++ {
		if r == 6 {
			continue
		}
		g.mem[r] = def(entry{form: f, flags: fl, imm: imm})
		g.reg[r] = g.mem[r]
	}
	return &g
}

// group3: F6, F7.
func group3(byteOp bool) *group {
	var g group
	fl := flag(mr)
	imm := immZ
	if byteOp {
		fl |= fByte
		imm = immB
	}
	g.mem[0] = def(entry{form: formEI, flags: fl, imm: imm})
	g.mem[1] = g.mem[0]
	g.mem[2] = def(entry{form: formE, flags: fl | fW0})
	g.mem[3] = g.mem[2]
	for r := 4; r < 8; r++ {
		g.mem[r] = def(entry{form: formE, flags: fl, imp: mAccDX})
	}
	g.reg = g.mem
	return &g
}

// group11: C6, C7. /0 is mov; C6 F8 is xabort and C7 F8 is xbegin.
func group11(byteOp bool) *group {
	var g group
	fl := mrw | fCopy
	imm := immZ
	if byteOp {
		fl |= fByte
		imm = immB
	}
	g.mem[0] = def(entry{op: disasm.Mov, form: formEI, flags: fl, imm: imm})
	g.reg[0] = g.mem[0]
	var rm [8][8]entry
	if byteOp {
		rm[7][0] = def(entry{flags: mr, imm: immB, imp: mAcc})
	} else {
		rm[7][0] = def(entry{op: disasm.Jcc, form: formJ, flags: mr, imm: immRel32})
	}
	g.rm = &rm
	return &g
}

// group5: FF.
func group5() *group {
	var g group
	inc := def(entry{form: formE, flags: mrw})
	g.mem[0], g.mem[1] = inc, inc
	g.mem[2] = def(entry{op: disasm.CallIndirect, form: formE, flags: mr | fDef64, imp: mStack})
	g.mem[3] = def(entry{op: disasm.FarCall, form: formE, flags: mr | fMemOnly, imp: mStack})
	g.mem[4] = def(entry{op: disasm.JmpIndirect, form: formE, flags: mr | fDef64})
	g.mem[5] = def(entry{op: disasm.FarJmp, form: formE, flags: mr | fMemOnly})
	g.mem[6] = def(entry{form: formE, flags: mr | fDef64, imp: mStack})
	g.reg = g.mem
	g.reg[3], g.reg[5] = entry{}, entry{}
	return &g
}

// initX87 fills D8-DF. Only the store forms and fnstsw ax are
// interesting to the tracker.
func initX87(t *[256]entry) {
	stores := map[int][]int{
		0xD9: {2, 3, 6, 7},
		0xDB: {1, 2, 3, 7},
		0xDD: {1, 2, 3, 6, 7},
		0xDF: {1, 2, 3, 6, 7},
	}
	for op := 0xD8; op <= 0xDF; op++ {
		var g group
		for r := 0; r < 8; r++ {
			g.mem[r] = def(entry{form: formM, flags: mr})
			g.reg[r] = def(entry{flags: mr})
		}
		for _, r := range stores[op] {
			g.mem[r].flags |= fStore
		}
		if op == 0xDF {
			var rm [8][8]entry
			rm[4][0] = def(entry{flags: mr, imp: mAcc})
			g.rm = &rm
		}
		set(t, op, op, entry{grp: &g})
	}
}

func initTwoByte() {
	t := &twoByte

	set(t, 0x00, 0x00, entry{grp: &group{
		mem: [8]entry{
			def(entry{op: disasm.Sldt, form: formE, flags: mrw}),
			def(entry{op: disasm.Str, form: formE, flags: mrw}),
			def(entry{op: disasm.Lldt, form: formE, flags: mr}),
			def(entry{op: disasm.Ltr, form: formE, flags: mr}),
			def(entry{form: formE, flags: mr}),
			def(entry{form: formE, flags: mr}),
		},
		reg: [8]entry{
			def(entry{op: disasm.Sldt, form: formE, flags: mrw}),
			def(entry{op: disasm.Str, form: formE, flags: mrw}),
			def(entry{op: disasm.Lldt, form: formE, flags: mr}),
			def(entry{op: disasm.Ltr, form: formE, flags: mr}),
			def(entry{form: formE, flags: mr}),
			def(entry{form: formE, flags: mr}),
		},
	}})
	set(t, 0x01, 0x01, entry{grp: group7()})
	set(t, 0x02, 0x03, entry{form: formGE, flags: mrw | fSrcW})
	set(t, 0x05, 0x05, entry{op: disasm.Syscall, flags: fModel, imp: mSysc})
	set(t, 0x06, 0x06, entry{op: disasm.Clts, flags: fModel})
	set(t, 0x07, 0x07, entry{op: disasm.Sysret, flags: fModel, imp: mStack})
	set(t, 0x08, 0x08, entry{op: disasm.Invd, flags: fModel})
	set(t, 0x09, 0x09, entry{op: disasm.Wbinvd, flags: fModel})
	set(t, 0x0B, 0x0B, entry{op: disasm.Ud, flags: fModel})
	set(t, 0x0D, 0x0D, entry{form: formM, flags: mr})
	set(t, 0x0E, 0x0E, entry{flags: fModel})
	// 0F 0F is the 3DNow! escape; handled by the decoder.

	set(t, 0x10, 0x10, entry{form: formM, flags: mr})
	set(t, 0x11, 0x11, entry{form: formM, flags: mr | fStore})
	set(t, 0x12, 0x12, entry{form: formM, flags: mr})
	set(t, 0x13, 0x13, entry{form: formM, flags: mr | fStore | fMemOnly})
	set(t, 0x14, 0x16, entry{form: formM, flags: mr})
	set(t, 0x17, 0x17, entry{form: formM, flags: mr | fStore | fMemOnly})
	set(t, 0x18, 0x1D, entry{form: formM, flags: mr})
	set(t, 0x1E, 0x1E, entry{form: formM, flags: mr})
	set(t, 0x1F, 0x1F, entry{form: formM, flags: mr})
	set(t, 0x20, 0x20, entry{op: disasm.MovCr, form: formCR, flags: mrw | fNoMod})
	set(t, 0x21, 0x21, entry{op: disasm.MovDr, form: formDR, flags: mrw | fNoMod})
	set(t, 0x22, 0x22, entry{op: disasm.MovCr, form: formCR, flags: mr | fNoMod})
	set(t, 0x23, 0x23, entry{op: disasm.MovDr, form: formDR, flags: mr | fNoMod})
	set(t, 0x28, 0x28, entry{form: formM, flags: mr})
	set(t, 0x29, 0x29, entry{form: formM, flags: mr | fStore})
	set(t, 0x2A, 0x2A, entry{form: formM, flags: mr})
	set(t, 0x2B, 0x2B, entry{form: formM, flags: mr | fStore | fMemOnly})
	set(t, 0x2C, 0x2D, entry{form: formM, flags: mr | fWReg})
	set(t, 0x2E, 0x2F, entry{form: formM, flags: mr})
	set(t, 0x30, 0x30, entry{op: disasm.Wrmsr, flags: fModel})
	set(t, 0x31, 0x31, entry{op: disasm.Rdtsc, flags: fModel, imp: mAccDX})
	set(t, 0x32, 0x32, entry{op: disasm.Rdmsr, flags: fModel, imp: mAccDX})
	set(t, 0x33, 0x33, entry{op: disasm.Rdpmc, flags: fModel, imp: mAccDX})
	set(t, 0x34, 0x34, entry{op: disasm.Sysenter, flags: fModel})
	set(t, 0x35, 0x35, entry{op: disasm.Sysexit, flags: fModel})
	set(t, 0x37, 0x37, entry{op: disasm.System})
	// 0F 38 and 0F 3A escape to the three-byte maps.

	set(t, 0x40, 0x4F, entry{form: formGE, flags: mrw})
	set(t, 0x50, 0x50, entry{form: formM, flags: mr | fWReg | fRegOnly})
	set(t, 0x51, 0x6F, entry{form: formM, flags: mr})
	set(t, 0x70, 0x70, entry{form: formM, flags: mr, imm: immB})
	set(t, 0x71, 0x71, entry{grp: shiftGroup(2, 4, 6)})
	set(t, 0x72, 0x72, entry{grp: shiftGroup(2, 4, 6)})
	set(t, 0x73, 0x73, entry{grp: shiftGroup(2, 3, 6, 7)})
	set(t, 0x74, 0x76, entry{form: formM, flags: mr})
	set(t, 0x77, 0x77, entry{flags: fModel})
	// 0F 78 and 0F 79 depend on the mandatory prefix; see decoder.
	set(t, 0x78, 0x79, entry{op: disasm.System, form: formM, flags: fModRM})
	set(t, 0x7C, 0x7D, entry{form: formM, flags: mr})
	set(t, 0x7E, 0x7E, entry{form: formM, flags: mr | fWRm})
	set(t, 0x7F, 0x7F, entry{form: formM, flags: mr | fStore})
	set(t, 0x80, 0x8F, entry{op: disasm.Jcc, form: formJ, flags: fModel, imm: immRel32})
	set(t, 0x90, 0x9F, entry{form: formE, flags: mrw | fByte})

	set(t, 0xA0, 0xA1, entry{flags: fModel | fDef64, imp: mStack})
	set(t, 0xA2, 0xA2, entry{op: disasm.Cpuid, flags: fModel, imp: mCpuid})
	set(t, 0xA3, 0xA3, entry{form: formEG, flags: mr})
	set(t, 0xA4, 0xA4, entry{form: formEG, flags: mrw, imm: immB})
	set(t, 0xA5, 0xA5, entry{form: formEG, flags: mrw})
	set(t, 0xA8, 0xA9, entry{flags: fModel | fDef64, imp: mStack})
	set(t, 0xAA, 0xAA, entry{op: disasm.Rsm, flags: fModel})
	set(t, 0xAB, 0xAB, entry{form: formEG, flags: mrw})
	set(t, 0xAC, 0xAC, entry{form: formEG, flags: mrw, imm: immB})
	set(t, 0xAD, 0xAD, entry{form: formEG, flags: mrw})
	set(t, 0xAE, 0xAE, entry{grp: group15()})
	set(t, 0xAF, 0xAF, entry{form: formGE, flags: mrw})
	set(t, 0xB0, 0xB0, entry{form: formEG, flags: mrw | fByte, imp: mAcc})
	set(t, 0xB1, 0xB1, entry{form: formEG, flags: mrw, imp: mAcc})
	set(t, 0xB2, 0xB2, entry{form: formGE, flags: mrw | fMemOnly})
	set(t, 0xB3, 0xB3, entry{form: formEG, flags: mrw})
	set(t, 0xB4, 0xB5, entry{form: formGE, flags: mrw | fMemOnly})
	set(t, 0xB6, 0xB6, entry{form: formGE, flags: mrw | fSrcB})
	set(t, 0xB7, 0xB7, entry{form: formGE, flags: mrw | fSrcW})
	// 0F B8 is popcnt only with F3; see decoder.
	set(t, 0xB8, 0xB8, entry{form: formGE, flags: mrw})
	set(t, 0xB9, 0xB9, entry{op: disasm.Ud, form: formM, flags: mr})
	set(t, 0xBA, 0xBA, entry{grp: group8()})
	set(t, 0xBB, 0xBD, entry{form: formGE, flags: mrw})
	t[0xBB] = def(entry{form: formEG, flags: mrw})
	set(t, 0xBE, 0xBE, entry{form: formGE, flags: mrw | fSrcB})
	set(t, 0xBF, 0xBF, entry{form: formGE, flags: mrw | fSrcW})
	set(t, 0xC0, 0xC0, entry{form: formEG, flags: mrw | fW1 | fByte})
	set(t, 0xC1, 0xC1, entry{form: formEG, flags: mrw | fW1})
	set(t, 0xC2, 0xC2, entry{form: formM, flags: mr, imm: immB})
	set(t, 0xC3, 0xC3, entry{form: formEG, flags: mrw | fMemOnly})
	set(t, 0xC4, 0xC4, entry{form: formM, flags: mr, imm: immB})
	set(t, 0xC5, 0xC5, entry{form: formM, flags: mr | fWReg | fRegOnly, imm: immB})
	set(t, 0xC6, 0xC6, entry{form: formM, flags: mr, imm: immB})
	set(t, 0xC7, 0xC7, entry{grp: group9()})
	set(t, 0xC8, 0xCF, entry{form: formO, flags: fModel | fW0})
	set(t, 0xD0, 0xFE, entry{form: formM, flags: mr})
	set(t, 0xD6, 0xD6, entry{form: formM, flags: mr | fStore})
	set(t, 0xD7, 0xD7, entry{form: formM, flags: mr | fWReg | fRegOnly})
	set(t, 0xE7, 0xE7, entry{form: formM, flags: mr | fStore | fMemOnly})
	set(t, 0xF0, 0xF0, entry{form: formM, flags: mr | fMemOnly})
	set(t, 0xFF, 0xFF, entry{op: disasm.Ud, form: formM, flags: mr})
}

// shiftGroup builds the register-only MMX/SSE shift-by-immediate groups.
func shiftGroup(regs ...int) *group {
	var g group
	for _, r := range regs {
		g.reg[r] = def(entry{flags: mr, imm: immB})
	}
	return &g
}

// group7: 0F 01.
func group7() *group {
	var g group
	g.mem = [8]entry{
		def(entry{op: disasm.Sgdt, form: formM, flags: mr | fStore}),
		def(entry{op: disasm.Sidt, form: formM, flags: mr | fStore}),
		def(entry{op: disasm.Lgdt, form: formM, flags: mr}),
		def(entry{op: disasm.Lidt, form: formM, flags: mr}),
		def(entry{op: disasm.Smsw, form: formE, flags: mrw | fSrcW}),
		def(entry{form: formM, flags: mr}),
		def(entry{op: disasm.Lmsw, form: formE, flags: mr}),
		def(entry{op: disasm.Invlpg, form: formM, flags: mr}),
	}
	g.reg[4] = def(entry{op: disasm.Smsw, form: formE, flags: mrw})
	g.reg[6] = def(entry{op: disasm.Lmsw, form: formE, flags: mr})

	var rm [8][8]entry
	sys := def(entry{op: disasm.System, flags: fModRM})
	for i := 0; i < 6; i++ {
		rm[0][i] = sys // enclv, vmcall, vmlaunch, vmresume, vmxoff, pconfig
	}
	rm[0][6] = def(entry{op: disasm.Wrmsr, flags: mr}) // wrmsrns
	rm[1][0] = def(entry{op: disasm.Monitor, flags: mr})
	rm[1][1] = def(entry{op: disasm.Mwait, flags: mr})
	rm[1][2] = sys // clac
	rm[1][3] = sys // stac
	rm[1][7] = sys // encls
	rm[2][0] = def(entry{flags: mr, imp: mAccDX}) // xgetbv
	rm[2][1] = def(entry{op: disasm.Xsetbv, flags: mr})
	rm[2][4] = sys // vmfunc
	rm[2][5] = def(entry{flags: mr})      // xend
	rm[2][6] = def(entry{flags: mr})      // xtest
	rm[2][7] = def(entry{flags: fModRM}) // enclu
	for i := 0; i < 8; i++ {
		rm[3][i] = sys // svm
	}
	rm[5][0] = def(entry{flags: mr}) // serialize
	rm[5][2] = def(entry{flags: mr}) // saveprevssp
	rm[5][6] = def(entry{flags: mr, imp: mAccDX})
	rm[5][7] = def(entry{flags: mr})
	rm[7][0] = def(entry{op: disasm.Swapgs, flags: mr})
	rm[7][1] = def(entry{op: disasm.Rdtscp, flags: mr, imp: mTscp})
	rm[7][2] = def(entry{op: disasm.Monitor, flags: mr}) // monitorx
	rm[7][3] = def(entry{op: disasm.Mwait, flags: mr})   // mwaitx
	rm[7][4] = def(entry{flags: mr})                     // clzero
	rm[7][5] = def(entry{flags: mr, imp: mAccDX})        // rdpru
	rm[7][6] = sys                                        // invlpgb
	rm[7][7] = sys                                        // tlbsync
	g.rm = &rm
	return &g
}

// group8: 0F BA.
func group8() *group {
	var g group
	g.mem[4] = def(entry{form: formEI, flags: mr, imm: immB})
	for r := 5; r < 8; r++ {
		g.mem[r] = def(entry{form: formEI, flags: mrw, imm: immB})
	}
	g.reg = g.mem
	return &g
}

// group9: 0F C7.
func group9() *group {
	var g group
	sys := def(entry{op: disasm.System, form: formM, flags: fModRM})
	g.mem[1] = def(entry{form: formM, flags: mr | fStore, imp: mAccDX})
	g.mem[3] = sys // xrstors
	g.mem[4] = def(entry{form: formM, flags: mr | fStore})
	g.mem[5] = sys // xsaves
	g.mem[6] = sys // vmptrld, vmclear, vmxon
	g.mem[7] = sys // vmptrst
	g.reg[6] = def(entry{form: formE, flags: mrw}) // rdrand
	g.reg[7] = def(entry{form: formE, flags: mrw}) // rdseed, rdpid
	return &g
}

// group15: 0F AE.
func group15() *group {
	var g group
	g.mem = [8]entry{
		def(entry{form: formM, flags: mr | fStore}),
		def(entry{form: formM, flags: mr}),
		def(entry{form: formM, flags: mr}),
		def(entry{form: formM, flags: mr | fStore}),
		def(entry{form: formM, flags: mr | fStore}),
		def(entry{form: formM, flags: mr}),
		def(entry{form: formM, flags: mr | fStore}),
		def(entry{form: formM, flags: mr}),
	}
	g.reg[0] = def(entry{form: formE, flags: mrw}) // rdfsbase
	g.reg[1] = def(entry{form: formE, flags: mrw}) // rdgsbase
	for r := 2; r < 8; r++ {
		g.reg[r] = def(entry{flags: mr})
	}
	return &g
}

func initMap38() {
	t := &map38
	vec := entry{form: formM, flags: mr}
	for _, r := range [][2]int{
		{0x00, 0x0B}, {0x10, 0x10}, {0x14, 0x15}, {0x17, 0x17}, {0x1C, 0x1E},
		{0x20, 0x25}, {0x28, 0x2B}, {0x30, 0x35}, {0x37, 0x41},
		{0xC8, 0xCD}, {0xCF, 0xCF}, {0xDB, 0xDF}, {0xF8, 0xF8},
	} {
		set(t, r[0], r[1], vec)
	}
	set(t, 0x80, 0x82, entry{op: disasm.System, form: formM, flags: fModRM | fMemOnly})
	// movbe; the F2 forms are crc32 and are rewritten by the decoder
	set(t, 0xF0, 0xF0, entry{form: formGE, flags: mrw | fMemOnly})
	set(t, 0xF1, 0xF1, entry{form: formEG, flags: mrw | fMemOnly})
	set(t, 0xF5, 0xF5, entry{op: disasm.System, form: formM, flags: fModRM | fMemOnly})
	set(t, 0xF6, 0xF6, entry{form: formGE, flags: mrw})
	set(t, 0xF9, 0xF9, entry{form: formEG, flags: mr | fW0 | fMemOnly})
}

func initMap3A() {
	t := &map3A
	vec := entry{form: formM, flags: mr, imm: immB}
	for _, r := range [][2]int{
		{0x08, 0x0F}, {0x20, 0x22}, {0x40, 0x42}, {0x44, 0x44},
		{0xCC, 0xCC}, {0xCE, 0xCF}, {0xDF, 0xDF},
	} {
		set(t, r[0], r[1], vec)
	}
	set(t, 0x14, 0x17, entry{form: formM, flags: mr | fWRm | fStore, imm: immB})
	set(t, 0x60, 0x63, entry{form: formM, flags: mr, imm: immB, imp: mCount})
}

// vexGPR lists VEX and EVEX opcodes, per map, that may write a
// general-purpose register. Every other vector encoding leaves the GPR
// file untouched.
var vexGPR = [4][256]bool{}

// vexStore lists VEX and EVEX opcodes, per map, whose memory operand is a
// destination.
var vexStore = [4][256]bool{}

// vexImm lists map 1 opcodes that carry an imm8 under VEX and EVEX.
var vexImm [256]bool

func init() {
	for _, b := range []int{0x50, 0x7E, 0xD7, 0xC5, 0x2C, 0x2D, 0x78, 0x79, 0x93} {
		vexGPR[1][b] = true
	}
	for b := 0xF0; b <= 0xF7; b++ {
		vexGPR[2][b] = true
	}
	for _, b := range []int{0x14, 0x15, 0x16, 0x17, 0x60, 0x61, 0x62, 0x63, 0xF0} {
		vexGPR[3][b] = true
	}
	for _, b := range []int{0x11, 0x13, 0x17, 0x29, 0x2B, 0x7E, 0x7F, 0xD6, 0xE7} {
		vexStore[1][b] = true
	}
	for _, b := range []int{0x2E, 0x2F, 0x8A, 0x8B, 0x8E, 0xA0, 0xA1, 0xA2, 0xA3} {
		vexStore[2][b] = true
	}
	for _, b := range []int{0x14, 0x15, 0x16, 0x17, 0x19, 0x1B, 0x1D, 0x39, 0x3B} {
		vexStore[3][b] = true
	}
	for _, b := range []int{0x70, 0x71, 0x72, 0x73, 0xC2, 0xC4, 0xC5, 0xC6} {
		vexImm[b] = true
	}
}
