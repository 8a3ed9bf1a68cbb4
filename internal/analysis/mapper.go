package analysis

import (
	"math"

	"bg/internal/archmap"
	"bg/internal/decoder"
	"bg/internal/disasm"
	"bg/internal/image"
)

// Mapper folds resolved instructions into an Architecture Map.
type Mapper struct {
	exec []image.Section
	m    *archmap.Map
}

// NewMapper starts an empty map for img. The RWX flag is a property of
// the section table and is set here.
func NewMapper(img *image.Image) *Mapper {
	mp := &Mapper{exec: img.Executable(), m: archmap.New()}
	mp.m.Memory.RWX = img.HasWX()
	return mp
}

// Observe records one decoded instruction whose operands have been
// resolved by a RegisterState.
func (mp *Mapper) Observe(inst *disasm.Inst) {
	m := mp.m
	m.Instructions.Record(inst.Op)

	count := disasm.Known(1)
	if c, ok := inst.RepCount(); ok {
		count = c.Value
	}
	for _, o := range inst.Written() {
		mp.observeWrite(o, count)
	}

	switch inst.Op {
	case disasm.Syscall:
		nr := disasm.Unknown
		if len(inst.Operands) > 0 {
			nr = inst.Operands[0].Value
		}
		m.Syscalls.RecordSyscall(nr)
	case disasm.Int:
		m.Syscalls.RecordVector(inst.Vector)
	case disasm.In, disasm.Out:
		dir := archmap.DirIn
		if inst.Op == disasm.Out {
			dir = archmap.DirOut
		}
		port := disasm.Unknown
		if o, ok := inst.Port(); ok {
			port = o.Value
		}
		m.IO.RecordAccess(dir, port)
	}

	m.ControlFlow.Record(inst.Op, inst.Offset)
}

// unsizedStore is the span assumed for a store whose width the decoder
// does not model, the xsave area being the widest.
const unsizedStore = 4096

// observeWrite records a store of count elements at o. A rep store
// with an unknown count is recorded as one element. Stores run upward;
// the direction flag is not tracked.
func (mp *Mapper) observeWrite(o disasm.Operand, count disasm.Value) {
	addr, ok := o.Value.Get()
	if !ok {
		return
	}
	size := uint64(o.Size)
	if size == 0 {
		size = unsizedStore
	}
	if n, ok := count.Get(); ok {
		if n == 0 {
			return
		}
		if n > math.MaxUint64/size {
			size = math.MaxUint64
		} else {
			size *= n
		}
	}
	end := addr + size
	if end < addr {
		end = math.MaxUint64
	}
	for _, s := range mp.exec {
		if !s.Overlaps(addr, end) {
			continue
		}
		mp.m.Memory.RecordWrite(archmap.Range{Start: addr, End: end})
		if s.WX() {
			mp.m.Memory.RWX = true
		}
	}
}

// ObserveFault records a decode failure fail-closed: it counts as a
// privileged pseudo-instruction at the fault offset. An int whose
// vector byte is missing also counts as an unresolved interrupt.
func (mp *Mapper) ObserveFault(err *decoder.Error) {
	mp.m.Instructions.RecordFault(err.Offset, err.Op())
	if err.Kind == decoder.TruncatedInstruction && len(err.Opcode) == 1 && err.Opcode[0] == 0xCD {
		mp.m.Syscalls.RecordUnresolvedVector()
	}
}

// Map returns the map built so far.
func (mp *Mapper) Map() *archmap.Map { return mp.m }
