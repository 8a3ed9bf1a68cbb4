// Package decoder turns x86-64 machine code into disasm.Inst values.
//
// The decoder is table driven and total: every byte sequence yields
// either an instruction or a *Error naming the offset that could not be
// decoded. Only 64-bit mode is supported.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"bg/internal/disasm"
)

// Version identifies the decode tables. It is part of every cache key, so
// it must change whenever a table entry changes meaning.
const Version = "bg-x86-64/4"

// MaxLen is the architectural instruction length limit.
const MaxLen = 15

var (
	ErrTruncated = errors.New("truncated instruction")
	ErrUndefined = errors.New("undefined opcode")
)

// Kind classifies a decode fault.
type Kind uint8

const (
	TruncatedInstruction Kind = iota + 1
	UndefinedOpcode
)

func (k Kind) String() string {
	switch k {
	case TruncatedInstruction:
		return "truncated instruction"
	case UndefinedOpcode:
		return "undefined opcode"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a decode fault at a byte offset of the image buffer.
type Error struct {
	Kind   Kind
	Offset uint64
	// Opcode holds the opcode bytes read before the fault, without
	// prefixes. It is empty when the fault occurred in the prefixes.
	Opcode []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at offset %#x", e.Kind, e.Offset)
}

func (e *Error) Unwrap() error {
	if e.Kind == TruncatedInstruction {
		return ErrTruncated
	}
	return ErrUndefined
}

// Op is the pseudo-variant the fault is attributed to.
func (e *Error) Op() disasm.Op {
	if e.Kind == TruncatedInstruction {
		return disasm.Truncated
	}
	return disasm.Undefined
}

// Decoder walks one contiguous byte range.
type Decoder struct {
	code   []byte
	base   uint64
	offset uint64
	pos    int
}

// New returns a decoder over code. base is the virtual address of
// code[0] and offset its position in the image buffer.
func New(code []byte, base, offset uint64) *Decoder {
	return &Decoder{code: code, base: base, offset: offset}
}

// Next decodes the next instruction. At the end of the range it returns
// io.EOF. After an undefined opcode decoding resumes one byte further;
// after a truncated instruction the range is exhausted.
func (d *Decoder) Next() (disasm.Inst, error) {
	if d.pos >= len(d.code) {
		return disasm.Inst{}, io.EOF
	}
	start := d.pos
	inst, err := decode(d.code[start:], d.base+uint64(start))
	if err != nil {
		var de *Error
		if errors.As(err, &de) {
			de.Offset = d.offset + uint64(start)
			if de.Kind == TruncatedInstruction {
				d.pos = len(d.code)
			} else {
				d.pos = start + 1
			}
		}
		return disasm.Inst{}, err
	}
	inst.Offset = d.offset + uint64(start)
	d.pos += inst.Len
	return inst, nil
}

// Decode decodes a single instruction at the start of b.
func Decode(b []byte, addr uint64) (disasm.Inst, error) {
	return decode(b, addr)
}

// DecodeAll decodes code completely and fails on the first fault.
func DecodeAll(code []byte, base uint64) (disasm.Stream, error) {
	d := New(code, base, 0)
	var out disasm.Stream
	for {
		inst, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, inst)
	}
}

// state carries one decode in progress.
type state struct {
	b      []byte
	p      int
	addr   uint64
	rex    byte
	opsize bool // 66
	adsize bool // 67
	lock   bool // F0
	rep    byte // F2 or F3, last one wins
	seg    int  // FS or GS override, -1 otherwise
	opc    int  // start of the opcode bytes, -1 while in prefixes
	opmap  int  // 0 one-byte, 1 0F, 2 0F38, 3 0F3A
	opbyte byte // final opcode byte

	vex    bool
	vexMap int
	evex   bool
	xop    bool
	vexW   bool
	vexL   uint8 // vector length: 0 xmm, 1 ymm, 2 zmm
	pp     byte  // implied 66, F3, F2 of a vector prefix: 1, 2, 3

	modrm    byte
	hasModRM bool
	mem      disasm.Mem
	memOK    bool
	dispComp bool // EVEX disp8*N
}

func (s *state) fault(k Kind) error {
	e := &Error{Kind: k}
	if s.opc >= 0 && s.p > s.opc {
		e.Opcode = s.b[s.opc:s.p:s.p]
	}
	return e
}

// need makes n more bytes available or reports why it cannot.
func (s *state) need(n int) error {
	if s.p+n > MaxLen {
		return s.fault(UndefinedOpcode)
	}
	if s.p+n > len(s.b) {
		return s.fault(TruncatedInstruction)
	}
	return nil
}

func (s *state) byte1() (byte, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	c := s.b[s.p]
	s.p++
	return c, nil
}

func (s *state) rexW() bool { return s.rex&8 != 0 || s.vexW }
func (s *state) rexR() int  { return int(s.rex>>2&1) << 3 }
func (s *state) rexX() int  { return int(s.rex>>1&1) << 3 }
func (s *state) rexB() int  { return int(s.rex&1) << 3 }

func decode(b []byte, addr uint64) (disasm.Inst, error) {
	s := &state{b: b, addr: addr, seg: -1, opc: -1}
	for {
		if err := s.need(1); err != nil {
			return disasm.Inst{}, err
		}
		c := b[s.p]
		if c&0xF0 == 0x40 {
			s.rex = c
			s.p++
			continue
		}
		legacy := true
		switch c {
		case 0xF0:
			s.lock = true
		case 0xF2, 0xF3:
			s.rep = c
		case 0x26, 0x2E, 0x36, 0x3E:
			s.seg = -1
		case 0x64:
			s.seg = disasm.FS
		case 0x65:
			s.seg = disasm.GS
		case 0x66:
			s.opsize = true
		case 0x67:
			s.adsize = true
		default:
			legacy = false
		}
		if !legacy {
			break
		}
		// a legacy prefix after REX cancels it
		s.rex = 0
		s.p++
	}
	s.opc = s.p

	c, err := s.byte1()
	if err != nil {
		return disasm.Inst{}, err
	}

	s.opbyte = c
	var e entry
	switch c {
	case 0x0F:
		e, err = s.escape0F()
	case 0xC4, 0xC5:
		e, err = s.vexPrefix(c)
	case 0x62:
		e, err = s.evexPrefix()
	case 0x8F:
		if err = s.need(1); err == nil && (b[s.p]>>3)&7 != 0 {
			e, err = s.xopPrefix()
		} else if err == nil {
			e = oneByte[c]
		}
	default:
		e = oneByte[c]
		if c == 0x90 && s.rex&1 == 0 {
			// nop and pause, not xchg rax, rax
			e = def(entry{flags: fModel})
		}
	}
	if err != nil {
		return disasm.Inst{}, err
	}

	if e.grp != nil {
		if err := s.readModRM(); err != nil {
			return disasm.Inst{}, err
		}
		e = e.grp.sel(s.modrm)
	}
	if !e.defined() {
		return disasm.Inst{}, s.fault(UndefinedOpcode)
	}
	if e.has(fModRM) && !s.hasModRM {
		if err := s.readModRM(); err != nil {
			return disasm.Inst{}, err
		}
	}
	if s.hasModRM {
		mod := s.modrm >> 6
		if e.has(fNoMod) {
			mod = 3
		}
		if mod == 3 && e.has(fMemOnly) || mod != 3 && e.has(fRegOnly) {
			return disasm.Inst{}, s.fault(UndefinedOpcode)
		}
		if !s.validRegField(e) {
			return disasm.Inst{}, s.fault(UndefinedOpcode)
		}
		if mod != 3 {
			if err := s.readMem(); err != nil {
				return disasm.Inst{}, err
			}
		}
	}
	imm, imm2, err := s.readImm(e)
	if err != nil {
		return disasm.Inst{}, err
	}

	inst := disasm.Inst{
		Addr: addr,
		Len:  s.p,
		Op:   e.op,
		Raw:  b[:s.p:s.p],
	}
	s.operands(&inst, e, imm, imm2)
	s.effect(&inst, e)
	return inst, nil
}

func (s *state) escape0F() (entry, error) {
	c, err := s.byte1()
	if err != nil {
		return entry{}, err
	}
	s.opmap, s.opbyte = 1, c
	switch c {
	case 0x38:
		c, err = s.byte1()
		if err != nil {
			return entry{}, err
		}
		s.opmap, s.opbyte = 2, c
		e := map38[c]
		if s.rep == 0xF2 && (c == 0xF0 || c == 0xF1) {
			// crc32
			e = def(entry{form: formGE, flags: mrw})
			if c == 0xF0 {
				e.flags |= fSrcB
			}
		}
		return e, nil
	case 0x3A:
		c, err = s.byte1()
		if err != nil {
			return entry{}, err
		}
		s.opmap, s.opbyte = 3, c
		return map3A[c], nil
	case 0x0F:
		// 3DNow!: ModRM, then an opcode suffix in the immediate position.
		return def(entry{form: formM, flags: mr, imm: immB}), nil
	case 0x78:
		switch {
		case s.opsize || s.rep == 0xF2:
			// extrq, insertq with two immediates
			return def(entry{form: formM, flags: mr | fRegOnly, imm: immBB}), nil
		case s.rep == 0xF3:
			return entry{}, nil
		}
	case 0x79:
		switch {
		case s.opsize || s.rep == 0xF2:
			return def(entry{form: formM, flags: mr | fRegOnly}), nil
		case s.rep == 0xF3:
			return entry{}, nil
		}
	case 0xB8:
		if s.rep != 0xF3 {
			return entry{}, nil
		}
	case 0x7E:
		if s.rep == 0xF3 {
			return def(entry{form: formM, flags: mr}), nil
		}
	}
	return twoByte[c], nil
}

// vexPrefix decodes a two- or three-byte VEX prefix and its opcode.
func (s *state) vexPrefix(c byte) (entry, error) {
	if s.rex != 0 || s.opsize || s.lock || s.rep != 0 {
		return entry{}, s.fault(UndefinedOpcode)
	}
	s.vex = true
	if c == 0xC5 {
		p1, err := s.byte1()
		if err != nil {
			return entry{}, err
		}
		s.rex = 0x40 | (^p1>>5)&4
		s.vexL = p1 >> 2 & 1
		s.pp = p1 & 3
		s.vexMap = 1
	} else {
		if err := s.need(2); err != nil {
			return entry{}, err
		}
		p1, p2 := s.b[s.p], s.b[s.p+1]
		s.p += 2
		s.rex = 0x40 | (^p1>>5)&7
		s.vexW = p2&0x80 != 0
		s.vexL = p2 >> 2 & 1
		s.pp = p2 & 3
		s.vexMap = int(p1 & 0x1F)
		if s.vexMap < 1 || s.vexMap > 3 {
			return entry{}, s.fault(UndefinedOpcode)
		}
	}
	return s.vectorOpcode()
}

// evexPrefix decodes the four-byte EVEX prefix and its opcode.
func (s *state) evexPrefix() (entry, error) {
	if s.rex != 0 || s.opsize || s.lock || s.rep != 0 {
		return entry{}, s.fault(UndefinedOpcode)
	}
	if err := s.need(3); err != nil {
		return entry{}, err
	}
	p0, p1, p2 := s.b[s.p], s.b[s.p+1], s.b[s.p+2]
	s.p += 3
	if p0&0x08 != 0 || p1&0x04 == 0 {
		return entry{}, s.fault(UndefinedOpcode)
	}
	s.vex, s.evex = true, true
	s.rex = 0x40 | (^p0>>5)&7
	s.vexW = p1&0x80 != 0
	s.vexL = min(p2>>5&3, 2)
	s.pp = p1 & 3
	s.vexMap = int(p0 & 0x07)
	switch s.vexMap {
	case 1, 2, 3, 5, 6:
	default:
		return entry{}, s.fault(UndefinedOpcode)
	}
	return s.vectorOpcode()
}

// xopPrefix decodes the AMD XOP prefix (8F with map select >= 8).
func (s *state) xopPrefix() (entry, error) {
	if s.rex != 0 || s.opsize || s.lock || s.rep != 0 {
		return entry{}, s.fault(UndefinedOpcode)
	}
	if err := s.need(2); err != nil {
		return entry{}, err
	}
	p1, p2 := s.b[s.p], s.b[s.p+1]
	s.p += 2
	s.vex, s.xop = true, true
	s.rex = 0x40 | (^p1>>5)&7
	s.vexW = p2&0x80 != 0
	s.vexL = p2 >> 2 & 1
	m := int(p1 & 0x1F)
	if _, err := s.byte1(); err != nil {
		return entry{}, err
	}
	switch m {
	case 8:
		return def(entry{form: formM, flags: fModRM, imm: immB}), nil
	case 9:
		return def(entry{form: formM, flags: fModRM}), nil
	case 0xA:
		return def(entry{form: formM, flags: fModRM, imm: immD}), nil
	}
	return entry{}, s.fault(UndefinedOpcode)
}

// vectorOpcode reads the opcode byte after a VEX or EVEX prefix. Vector
// encodings are accepted per map; GPR effects come from vexGPR.
func (s *state) vectorOpcode() (entry, error) {
	op, err := s.byte1()
	if err != nil {
		return entry{}, err
	}
	if s.vexMap == 1 && op == 0x77 && !s.evex {
		// vzeroupper, vzeroall
		return def(entry{flags: fModel}), nil
	}
	e := entry{form: formM, flags: fModRM}
	if s.vexMap == 3 || (s.vexMap == 1 && vexImm[op]) {
		e.imm = immB
	}
	if s.vexMap <= 3 {
		if !vexGPR[s.vexMap][op] {
			e.flags |= fModel
		}
		// the F3 form of map 1 7E is a load
		if vexStore[s.vexMap][op] && !(s.vexMap == 1 && op == 0x7E && s.pp == 2) {
			e.flags |= fStore
		}
	}
	return def(e), nil
}

func (s *state) readModRM() error {
	c, err := s.byte1()
	if err != nil {
		return err
	}
	s.modrm = c
	s.hasModRM = true
	return nil
}

// readMem decodes SIB and displacement for a memory ModRM.
func (s *state) readMem() error {
	mod, rm := s.modrm>>6, int(s.modrm&7)
	cls := disasm.GPR64
	if s.adsize {
		cls = disasm.GPR32
	}
	m := disasm.Mem{Scale: 1}
	dispLen := 0
	switch mod {
	case 1:
		dispLen = 1
	case 2:
		dispLen = 4
	}
	if rm == 4 {
		sib, err := s.byte1()
		if err != nil {
			return err
		}
		idx := int(sib>>3&7) | s.rexX()
		base := int(sib&7) | s.rexB()
		m.Scale = 1 << (sib >> 6)
		if idx != 4 {
			m.Index = disasm.Reg{Class: cls, Num: uint8(idx)}
		}
		if sib&7 == 5 && mod == 0 {
			dispLen = 4
		} else {
			m.Base = disasm.Reg{Class: cls, Num: uint8(base)}
		}
	} else if rm == 5 && mod == 0 {
		m.RIPRel = true
		dispLen = 4
	} else {
		m.Base = disasm.Reg{Class: cls, Num: uint8(rm | s.rexB())}
	}
	if dispLen > 0 {
		if err := s.need(dispLen); err != nil {
			return err
		}
		if dispLen == 1 {
			m.Disp = int64(int8(s.b[s.p]))
			s.dispComp = s.evex
		} else {
			m.Disp = int64(int32(binary.LittleEndian.Uint32(s.b[s.p:])))
		}
		s.p += dispLen
	}
	if s.seg >= 0 {
		m.Segment = disasm.Reg{Class: disasm.Seg, Num: uint8(s.seg)}
	}
	s.mem = m
	s.memOK = true
	return nil
}

// opSize is the operand size in bytes for a non-vector entry.
func (s *state) opSize(e entry) int {
	switch {
	case e.has(fByte):
		return 1
	case s.rexW():
		return 8
	case e.has(fDef64):
		if s.opsize {
			return 2
		}
		return 8
	case s.opsize:
		return 2
	}
	return 4
}

func (s *state) readImm(e entry) (int64, int64, error) {
	var n, n2 int
	switch e.imm {
	case immNone:
		return 0, 0, nil
	case immB, immRel8:
		n = 1
	case immW:
		n = 2
	case immZ:
		// REX.W keeps a 32-bit immediate under 66
		n = 4
		if s.opsize && !s.rexW() {
			n = 2
		}
	case immV:
		n = s.opSize(e)
	case immMoffs:
		n = 8
		if s.adsize {
			n = 4
		}
	case immRel32, immD:
		n = 4
	case immWB:
		n, n2 = 2, 1
	case immBB:
		n, n2 = 1, 1
	}
	if err := s.need(n + n2); err != nil {
		return 0, 0, err
	}
	v := readSigned(s.b[s.p:], n)
	s.p += n
	var v2 int64
	if n2 > 0 {
		v2 = readSigned(s.b[s.p:], n2)
		s.p += n2
	}
	return v, v2, nil
}

func readSigned(b []byte, n int) int64 {
	switch n {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}
